package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run a full consistency scan of a volume",
	Long: "Verify allocator accounting against the live node chains and re-derive " +
		"the Merkle tree of every stored blob. All findings are reported.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		l := mustGetLogger()

		params.device.ReadOnly = true
		fs, err := mountVolume(ctx, l)
		if err != nil {
			logFatalln(err)
		}
		defer func() { _ = fs.Shutdown(ctx) }()

		if err := fs.Check(ctx); err != nil {
			logFatalf("check failed: %v", err)
		}
		fmt.Println("volume is consistent")
	},
}

func init() {
	addDeviceFlags(checkCmd)
	rootCmd.AddCommand(checkCmd)
}
