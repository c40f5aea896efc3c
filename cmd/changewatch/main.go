// Command changewatch is the filesystem change-notification daemon. It loads
// a YAML configuration file, watches the configured paths through inotify,
// records every change in a local outbox, delivers it to the configured
// sinks and serves the HTTP API until SIGTERM or SIGINT.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "/etc/changewatch/config.yaml"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "changewatch",
		Short:         "Watch filesystem paths and report changes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to the changewatch YAML configuration file")

	root.AddCommand(newRunCmd(), newValidateCmd(), newMasksCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "changewatch: %v\n", err)
		os.Exit(1)
	}
}
