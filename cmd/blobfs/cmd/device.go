package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/oneconcern/blobfs/pkg/blobfs"
	"github.com/oneconcern/blobfs/pkg/block"
	"github.com/oneconcern/blobfs/pkg/block/badgerdevice"
	"github.com/oneconcern/blobfs/pkg/block/filedevice"
	"github.com/oneconcern/blobfs/pkg/dlogger"
	"github.com/oneconcern/blobfs/pkg/layout"
)

// defaultMaxSlices caps the growth of fvm-backed image files.
const defaultMaxSlices = 1024

func mustGetLogger() *zap.Logger {
	return dlogger.MustGetLogger(params.root.logLevel)
}

// openDevice opens the volume selected by --device or --badger. Image
// files carrying an fvm superblock are reopened with the recorded slice
// geometry so virtual slice addresses resolve.
func openDevice(ctx context.Context, l *zap.Logger) (block.Device, error) {
	if params.device.BadgerDir != "" {
		return badgerdevice.New(params.device.BadgerDir,
			badgerdevice.ReadOnly(params.device.ReadOnly),
			badgerdevice.Logger(l))
	}
	if params.device.Path == "" {
		return nil, fmt.Errorf("one of --device or --badger is required")
	}

	fs := afero.NewOsFs()
	sliceSize, err := sniffSliceSize(ctx, fs, params.device.Path)
	if err != nil {
		return nil, err
	}
	opts := []filedevice.Option{
		filedevice.ReadOnly(params.device.ReadOnly),
		filedevice.Logger(l),
	}
	if sliceSize > 0 {
		opts = append(opts, filedevice.FVM(sliceSize, defaultMaxSlices))
	}
	return filedevice.New(fs, params.device.Path, opts...)
}

// sniffSliceSize reads the superblock of an existing image and returns
// its slice size, or zero for fixed-size volumes and blank images.
func sniffSliceSize(ctx context.Context, fs afero.Fs, path string) (uint64, error) {
	if ok, err := afero.Exists(fs, path); err != nil || !ok {
		return 0, err
	}
	probe, err := filedevice.New(fs, path, filedevice.ReadOnly(true))
	if err != nil {
		return 0, err
	}
	defer func() { _ = probe.Close() }()

	info, err := probe.Info(ctx)
	if err != nil || info.BlockCount == 0 {
		return 0, err
	}
	buf := make([]byte, layout.BlockSize)
	if err := probe.ReadBlock(ctx, layout.SuperblockOffset, 1, buf); err != nil {
		return 0, err
	}
	sb, err := layout.DecodeSuperblock(buf)
	if err != nil {
		// not formatted yet
		return 0, nil
	}
	if sb.FVM() {
		return sb.SliceSize, nil
	}
	return 0, nil
}

// mountVolume opens the device and mounts it with the common flags.
func mountVolume(ctx context.Context, l *zap.Logger) (*blobfs.Blobfs, error) {
	device, err := openDevice(ctx, l)
	if err != nil {
		return nil, err
	}
	opts := []blobfs.Option{blobfs.Logger(l)}
	if params.device.ReadOnly {
		opts = append(opts, blobfs.ReadOnly())
	}
	if params.mount.NoJournal {
		opts = append(opts, blobfs.NoJournal())
	}
	if params.mount.Verify {
		opts = append(opts, blobfs.VerifyOnRead(true))
	}
	fs, err := blobfs.Mount(ctx, device, opts...)
	if err != nil {
		_ = device.Close()
		return nil, err
	}
	return fs, nil
}
