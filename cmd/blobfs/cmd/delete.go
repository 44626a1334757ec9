package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oneconcern/blobfs/pkg/merkle"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <hash>...",
	Short: "Remove blobs from a volume",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		l := mustGetLogger()

		fs, err := mountVolume(ctx, l)
		if err != nil {
			logFatalln(err)
		}
		defer func() { _ = fs.Shutdown(ctx) }()

		for _, arg := range args {
			key, err := merkle.KeyFromString(arg)
			if err != nil {
				logFatalln(err)
			}
			if err := fs.Delete(ctx, key); err != nil {
				logFatalf("%s: %v", arg, err)
			}
			fmt.Printf("%s  deleted\n", arg)
		}
	},
}

func init() {
	addDeviceFlags(deleteCmd)
	addMountFlags(deleteCmd)
	rootCmd.AddCommand(deleteCmd)
}
