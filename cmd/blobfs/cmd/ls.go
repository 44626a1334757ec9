package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List the content addresses stored in a volume",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		l := mustGetLogger()

		params.device.ReadOnly = true
		fs, err := mountVolume(ctx, l)
		if err != nil {
			logFatalln(err)
		}
		defer func() { _ = fs.Shutdown(ctx) }()

		cookie := uint64(0)
		for {
			keys, next, err := fs.Readdir(cookie, params.ls.Limit)
			if err != nil {
				logFatalln(err)
			}
			for _, key := range keys {
				fmt.Println(key)
			}
			if next == 0 {
				return
			}
			cookie = next
		}
	},
}

func init() {
	addDeviceFlags(lsCmd)
	lsCmd.Flags().IntVar(&params.ls.Limit, "batch", 1024,
		"number of entries fetched per listing batch")
	rootCmd.AddCommand(lsCmd)
}
