package cmd

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/oneconcern/blobfs/pkg/merkle"
)

var getCmd = &cobra.Command{
	Use:   "get <hash>",
	Short: "Write the blob stored under a content address to stdout",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		l := mustGetLogger()

		key, err := merkle.KeyFromString(args[0])
		if err != nil {
			logFatalln(err)
		}

		params.device.ReadOnly = true
		fs, err := mountVolume(ctx, l)
		if err != nil {
			logFatalln(err)
		}
		defer func() { _ = fs.Shutdown(ctx) }()

		rdr, err := fs.Get(ctx, key)
		if err != nil {
			logFatalln(err)
		}
		defer func() { _ = rdr.Close() }()
		if _, err := io.Copy(os.Stdout, rdr); err != nil {
			logFatalln(err)
		}
	},
}

func init() {
	addDeviceFlags(getCmd)
	addMountFlags(getCmd)
	rootCmd.AddCommand(getCmd)
}
