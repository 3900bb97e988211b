package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/msto63/ipcpool/pkg/core/health"
	"github.com/msto63/ipcpool/pkg/core/version"
)

var (
	statusJSON  bool
	statusProbe bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Start the pool and show its health",
	Long: `Starts the worker pool, runs the pool health checks and prints the
workers in circulation. With --probe every worker is called once first.

Exits non-zero unless the pool is healthy.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the health report as JSON")
	statusCmd.Flags().BoolVar(&statusProbe, "probe", false, "Call pid on every worker before checking")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt, err := startExecPool(ctx, cfg)
	if err != nil {
		printError("starting worker pool", err)
		return err
	}
	defer rt.Close()

	if statusProbe {
		for i := 0; i < cfg.Pool.MaxWorkers; i++ {
			if _, err := rt.engine.Invoke(ctx, "pid", nil, nil); err != nil {
				printCallError(err)
			}
		}
	}

	registry := health.NewRegistry(cfg.General.Name, version.Release)
	rt.manager.RegisterHealthChecks(registry)
	report := registry.Check(ctx)

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		renderReport(report)
		fmt.Println()
		renderHandles(rt.manager.Pool())
	}

	if !report.Healthy() {
		return fmt.Errorf("pool %s", report.Status)
	}
	return nil
}

func renderReport(report *health.Report) {
	bold.Printf("%s %s (VO=%s)\n", report.Service, report.Version, cfg.Pool.Label)
	fmt.Printf("Status: %s\n\n", colorStatus(report.Status))

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Check", "Status", "Message", "Duration")
	for _, c := range report.Checks {
		_ = table.Append(
			c.Name,
			colorStatus(c.Status),
			c.Message,
			c.Duration.Round(time.Microsecond).String(),
		)
	}
	if err := table.Render(); err != nil {
		printError("rendering health report", err)
	}
}

func colorStatus(s health.Status) string {
	switch s {
	case health.StatusHealthy:
		return green.Sprint(s)
	case health.StatusDegraded:
		return yellow.Sprint(s)
	default:
		return red.Sprint(s)
	}
}
