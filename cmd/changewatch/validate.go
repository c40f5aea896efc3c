package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tripwire/changewatch/internal/config"
	"github.com/tripwire/changewatch/internal/watcher"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file and print the watch list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadConfig(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", path)
			for _, p := range cfg.Beacon.Paths() {
				spec, _ := cfg.Beacon.Lookup(p)
				fmt.Fprintf(out, "  %s  %s", p, watcher.MaskName(spec.Mask()))
				if spec.Recurse {
					fmt.Fprint(out, "  recurse")
				}
				if spec.AutoAdd {
					fmt.Fprint(out, "  auto_add")
				}
				if n := len(spec.Exclude); n > 0 {
					fmt.Fprintf(out, "  exclude=%d", n)
				}
				fmt.Fprintln(out)
			}
			if cfg.Beacon.Coalesce {
				fmt.Fprintln(out, "  coalesce")
			}
			return nil
		},
	}
}

func newMasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "masks",
		Short: "List the event names accepted in a watch mask",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			for _, name := range watcher.ValidMaskNames() {
				bit := watcher.LookupMask(name)
				fmt.Fprintf(out, "%-14s %#010x  %s\n", name, bit, watcher.MaskName(bit))
			}
			return nil
		},
	}
}
