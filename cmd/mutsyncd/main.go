// Command mutsyncd runs the mutation sync pusher/processor: it coalesces
// per-client pushes, dispatches them to an upstream application, and fans
// the replies back out to the originating clients.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/syncbridge/mutsync/internal/debug"
)

// Version is overridden by ldflags at build time.
var Version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mutsyncd",
	Short: "Mutation sync pusher/processor daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to mutsyncd.toml (optional)")
	rootCmd.PersistentFlags().BoolVarP(&debugVerbose, "verbose", "v", false, "enable verbose diagnostic output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(versionCmd)
}

var debugVerbose bool

func main() {
	cobra.OnInitialize(func() {
		debug.SetVerbose(debugVerbose)
	})
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}
