package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/darkwatch/internal/targets"
)

func targetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "Validate and list the watch targets",
		Long:  `Load the configured targets file and list every target with its kind and priority override.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath())
			if err != nil {
				return err
			}
			set, err := targets.Load(cfg.TargetsFile)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TARGET\tKIND\tPRIORITY\tCATEGORY")
			for _, e := range set.Entries() {
				priority, _ := set.PriorityOf(e.Value)
				category, _ := set.CategoryOf(e.Value)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Value, e.Kind, dash(string(priority)), dash(category))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d target(s) from %s\n", set.Len(), cfg.TargetsFile)
			return nil
		},
	}
}

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove expired entries from the dedup store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath())
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())

			n, err := a.store.Purge(cmd.Context(), time.Now())
			if err != nil {
				return fmt.Errorf("purging dedup store: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries from the %s store\n", n, cfg.Dedup.Backend)
			return nil
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
