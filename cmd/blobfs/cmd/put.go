package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put [file...]",
	Short: "Store blobs and print their content addresses",
	Long: "Store each named file as a blob, or standard input when no file is given. " +
		"Content already present is reported, not rewritten.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		l := mustGetLogger()

		fs, err := mountVolume(ctx, l)
		if err != nil {
			logFatalln(err)
		}
		defer func() { _ = fs.Shutdown(ctx) }()

		store := func(name string, src io.Reader) {
			res, err := fs.Put(ctx, src)
			if err != nil {
				logFatalf("%s: %v", name, err)
			}
			state := "stored"
			if res.Found {
				state = "exists"
			}
			fmt.Printf("%s  %s  %s\n", res.Key, state, name)
		}

		if len(args) == 0 {
			store("-", os.Stdin)
			return
		}
		for _, name := range args {
			f, err := os.Open(name)
			if err != nil {
				logFatalln(err)
			}
			store(name, f)
			_ = f.Close()
		}
	},
}

func init() {
	addDeviceFlags(putCmd)
	addMountFlags(putCmd)
	rootCmd.AddCommand(putCmd)
}
