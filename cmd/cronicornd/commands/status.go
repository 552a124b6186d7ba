package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/cronicorn/cronicorn/db"
	"github.com/cronicorn/cronicorn/logger"
	"github.com/cronicorn/cronicorn/quota"
	"github.com/cronicorn/cronicorn/schedule"
)

var (
	statusLimit     int
	statusEndpoint  string
	statusUsageDays int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show due endpoints, recent runs, and AI usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		log := logger.ComponentLogger("status")
		conn, err := db.Open(cfg.Database.Path, log)
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := db.EnsureSchema(conn, log); err != nil {
			return err
		}

		return runStatus(cmd.Context(), schedule.NewJobsStore(conn), schedule.NewRunsStore(conn), quota.NewUsageStore(conn))
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "Rows per table")
	statusCmd.Flags().StringVar(&statusEndpoint, "endpoint", "", "Show runs for this endpoint id only")
	statusCmd.Flags().IntVar(&statusUsageDays, "usage-days", 7, "Days of AI usage to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(ctx context.Context, jobs *schedule.JobsStore, runs *schedule.RunsStore, usage *quota.UsageStore) error {
	now := time.Now().UTC()

	endpoints, err := jobs.ListUpcoming(ctx, statusLimit)
	if err != nil {
		return err
	}

	pterm.DefaultSection.Println("Upcoming endpoints")
	epRows := pterm.TableData{{"ID", "Tenant", "Name", "Next run", "Failures", "State"}}
	for _, ep := range endpoints {
		state := "scheduled"
		switch {
		case ep.Paused(now):
			state = "paused until " + ep.PausedUntil.Format(time.RFC3339)
		case ep.LockedBy != nil && ep.LockExpiresAt != nil && ep.LockExpiresAt.After(now):
			state = "running on " + *ep.LockedBy
		case ep.HintFresh(now):
			state = "ai-hinted"
		}
		epRows = append(epRows, []string{
			shortID(ep.ID),
			ep.TenantID,
			ep.Name,
			formatUntil(ep.NextRunAt, now),
			fmt.Sprintf("%d", ep.FailureCount),
			state,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(epRows).Render(); err != nil {
		return err
	}

	if statusEndpoint != "" {
		recent, err := runs.ListRecent(ctx, statusEndpoint, statusLimit)
		if err != nil {
			return err
		}

		pterm.DefaultSection.Println("Recent runs")
		runRows := pterm.TableData{{"Run", "Status", "Attempt", "Source", "Started", "Duration", "Code"}}
		for _, run := range recent {
			duration, code := "-", "-"
			if run.DurationMs != nil {
				duration = fmt.Sprintf("%dms", *run.DurationMs)
			}
			if run.StatusCode != nil {
				code = fmt.Sprintf("%d", *run.StatusCode)
			}
			runRows = append(runRows, []string{
				shortID(run.ID),
				run.Status,
				fmt.Sprintf("%d", run.Attempt),
				run.Source,
				run.StartedAt.Format(time.RFC3339),
				duration,
				code,
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(runRows).Render(); err != nil {
			return err
		}
	}

	usages, err := usage.ListRecent(ctx, now.AddDate(0, 0, -statusUsageDays))
	if err != nil {
		return err
	}
	if len(usages) > 0 {
		pterm.DefaultSection.Println("AI usage")
		usageRows := pterm.TableData{{"Day", "Tenant", "Tokens", "Analyses"}}
		for _, u := range usages {
			usageRows = append(usageRows, []string{
				u.Day, u.TenantID, fmt.Sprintf("%d", u.Tokens), fmt.Sprintf("%d", u.Analyses),
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(usageRows).Render(); err != nil {
			return err
		}
	}

	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatUntil(at, now time.Time) string {
	if at.Before(now) {
		return "due"
	}
	return "in " + at.Sub(now).Round(time.Second).String()
}
