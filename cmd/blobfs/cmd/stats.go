package cmd

import (
	"context"
	"fmt"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/oneconcern/blobfs/pkg/layout"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print capacity and usage of a volume",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		l := mustGetLogger()

		params.device.ReadOnly = true
		fs, err := mountVolume(ctx, l)
		if err != nil {
			logFatalln(err)
		}
		defer func() { _ = fs.Shutdown(ctx) }()

		s := fs.Stats()
		fmt.Printf("blobs:        %d\n", s.Blobs)
		fmt.Printf("inodes:       %d / %d\n", s.AllocInodeCount, s.InodeCount)
		fmt.Printf("data blocks:  %d / %d\n", s.AllocBlockCount, s.DataBlockCount)
		fmt.Printf("data used:    %s / %s\n",
			units.HumanSize(float64(s.AllocBlockCount*layout.BlockSize)),
			units.HumanSize(float64(s.DataBlockCount*layout.BlockSize)))
		fmt.Printf("growable:     %t\n", s.FVM)
	},
}

func init() {
	addDeviceFlags(statsCmd)
	rootCmd.AddCommand(statsCmd)
}
