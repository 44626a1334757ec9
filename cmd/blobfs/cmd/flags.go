package cmd

import (
	"github.com/go-openapi/runtime/flagext"
	"github.com/spf13/cobra"
)

type flagsT struct {
	root struct {
		logLevel string
		cpuProf  bool
	}
	device struct {
		Path      string
		BadgerDir string
		ReadOnly  bool
	}
	format struct {
		Size          flagext.ByteSize
		InodeCount    uint64
		JournalBlocks uint64
		FVM           bool
		SliceSize     flagext.ByteSize
	}
	mount struct {
		NoJournal bool
		Verify    bool
	}
	ls struct {
		Limit int
	}
}

var params = flagsT{}

func addDeviceFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&params.device.Path, "device", "",
		"path to the volume image file")
	cmd.Flags().StringVar(&params.device.BadgerDir, "badger", "",
		"path to a badger directory holding the volume")
}

func addMountFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&params.mount.NoJournal, "no-journal", false,
		"mount without the write-ahead journal (no crash recovery)")
	cmd.Flags().BoolVar(&params.mount.Verify, "verify", false,
		"re-derive the Merkle tree of every blob read")
}

func addFormatFlags(cmd *cobra.Command) {
	params.format.Size = flagext.ByteSize(0)
	params.format.SliceSize = flagext.ByteSize(0)
	cmd.Flags().Var(&params.format.Size, "size",
		"data region size (e.g. 256MB); defaults to the whole device")
	cmd.Flags().Uint64Var(&params.format.InodeCount, "inodes", 0,
		"node table capacity; defaults to 4096")
	cmd.Flags().Uint64Var(&params.format.JournalBlocks, "journal-blocks", 0,
		"journal region size in blocks")
	cmd.Flags().BoolVar(&params.format.FVM, "fvm", false,
		"format a growable volume")
	cmd.Flags().Var(&params.format.SliceSize, "slice-size",
		"growth granularity of an fvm volume (e.g. 8MB)")
}
