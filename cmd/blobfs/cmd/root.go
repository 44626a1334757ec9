// Package cmd implements the blobfs command line tool: formatting,
// inspecting and manipulating content-addressed volumes stored in image
// files or badger directories.
package cmd

import (
	"fmt"
	"log"
	"os"
	"runtime/pprof"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blobfs",
	Short: "Blobfs manages content-addressed blob volumes",
	Long: `Blobfs stores immutable blobs addressed by the Merkle root of their
content. Volumes live in a plain image file or in a badger directory and
carry a write-ahead journal, so interrupted operations either happened
entirely or not at all.
`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if params.root.cpuProf {
			f, err := os.Create("cpu.prof")
			if err != nil {
				log.Fatal(err)
			}
			_ = pprof.StartCPUProfile(f)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if params.root.cpuProf {
			pprof.StopCPUProfile()
		}
	},
}

// used to patch over calls to os.Exit() during test
var logFatalln = log.Fatalln
var logFatalf = log.Fatalf

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	log.SetFlags(0)
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&params.root.logLevel, "loglevel", "info",
		"log level (info, debug, none)")
	rootCmd.PersistentFlags().BoolVar(&params.root.cpuProf, "cpuprof", false,
		"write a cpu profile to cpu.prof")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	viper.SetDefault("loglevel", "info")
	if os.Getenv("BLOBFS_CONFIG") != "" {
		viper.SetConfigFile(os.Getenv("BLOBFS_CONFIG"))
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.blobfs")
		viper.AddConfigPath("/etc/blobfs")
		viper.SetConfigName("blobfs")
	}

	viper.SetEnvPrefix("blobfs")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		log.Println("Using config file:", viper.ConfigFileUsed())
	}
	if !rootCmd.PersistentFlags().Changed("loglevel") {
		params.root.logLevel = viper.GetString("loglevel")
	}
}
