package cmd

import (
	"context"

	units "github.com/docker/go-units"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/oneconcern/blobfs/pkg/blobfs"
	"github.com/oneconcern/blobfs/pkg/block"
	"github.com/oneconcern/blobfs/pkg/block/badgerdevice"
	"github.com/oneconcern/blobfs/pkg/block/filedevice"
	"github.com/oneconcern/blobfs/pkg/layout"
)

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Initialize an empty volume",
	Long: "Initialize an empty volume on an image file or badger directory. " +
		"A missing image file is created and sized from --size; existing content is destroyed.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		l := mustGetLogger()

		dataBlocks := uint64(params.format.Size) / layout.BlockSize
		if dataBlocks == 0 {
			dataBlocks = (256 * units.MiB) / layout.BlockSize
		}
		inodes := params.format.InodeCount
		if inodes == 0 {
			inodes = 4096
		}
		journalBlocks := params.format.JournalBlocks
		if journalBlocks == 0 {
			journalBlocks = layout.DefaultJournalBlocks
		}
		sliceSize := uint64(params.format.SliceSize)
		if params.format.FVM && sliceSize == 0 {
			sliceSize = 8 * units.MiB
		}

		device, err := createDevice(dataBlocks, inodes, journalBlocks, sliceSize)
		if err != nil {
			logFatalln(err)
		}
		defer func() { _ = device.Close() }()

		opts := []blobfs.FormatOption{
			blobfs.InodeCount(inodes),
			blobfs.DataBlocks(dataBlocks),
			blobfs.JournalBlocks(journalBlocks),
			blobfs.FormatLogger(l),
		}
		if params.format.FVM {
			opts = append(opts, blobfs.FVMBacked(sliceSize))
		}
		if err := blobfs.Format(ctx, device, opts...); err != nil {
			logFatalln(err)
		}
	},
}

// createDevice opens the format target, sizing a fresh image file to
// hold the requested geometry.
func createDevice(dataBlocks, inodes, journalBlocks, sliceSize uint64) (block.Device, error) {
	l := mustGetLogger()
	if params.device.BadgerDir != "" {
		nblocks := formatBlocks(dataBlocks, inodes, journalBlocks)
		return badgerdevice.New(params.device.BadgerDir,
			badgerdevice.BlockCount(nblocks),
			badgerdevice.Logger(l))
	}
	fs := afero.NewOsFs()
	if params.format.FVM {
		return filedevice.New(fs, params.device.Path,
			filedevice.FVM(sliceSize, defaultMaxSlices),
			filedevice.Logger(l))
	}
	return filedevice.Create(fs, params.device.Path,
		formatBlocks(dataBlocks, inodes, journalBlocks),
		filedevice.Logger(l))
}

func formatBlocks(dataBlocks, inodes, journalBlocks uint64) uint64 {
	return 1 + layout.BitmapBlocksFor(dataBlocks) +
		layout.NodeBlocksFor(layout.RoundUp(inodes, layout.NodesPerBlock)) +
		journalBlocks + dataBlocks
}

func init() {
	addDeviceFlags(formatCmd)
	addFormatFlags(formatCmd)
	rootCmd.AddCommand(formatCmd)
}
