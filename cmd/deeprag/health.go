package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"deeprag/internal/api"
	"deeprag/internal/app/bootstrap"
)

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check reachability of the configured backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := bootstrap.Build(ctx, configFrom(ctx), version)
			if err != nil {
				return err
			}
			defer app.Close()
			return runHealth(ctx, app.Health, cmd.OutOrStdout())
		},
	}
}

func runHealth(ctx context.Context, hc *api.HealthChecker, out io.Writer) error {
	report := hc.Check(ctx)

	names := make([]string, 0, len(report.Components))
	for name := range report.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c := report.Components[name]
		mark := "✅"
		if c.Status != "up" {
			mark = "❌"
			if !c.Critical {
				mark = "⚠️ "
			}
		}
		line := fmt.Sprintf("%s %-12s %4dms", mark, name, c.LatencyMs)
		if c.Error != "" {
			line += "  " + c.Error
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "\nstatus: %s (version %s)\n", report.Status, report.Version)

	if report.Status == api.HealthUnhealthy {
		return fmt.Errorf("backend unhealthy")
	}
	return nil
}
