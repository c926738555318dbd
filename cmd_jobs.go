package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/anatolykoptev/go_apply/internal/engine"
	"github.com/anatolykoptev/go_apply/internal/engine/jobs"
	"github.com/spf13/cobra"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp runs fn against a wired app; SIGINT cancels the context so an
// interrupted run still records its outcome.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a, err := openApp(ctx, ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

var (
	searchParams jobs.SearchParams
	searchStore  bool
)

var searchCmd = &cobra.Command{
	Use:   "search [keywords]",
	Short: "Search LinkedIn jobs; --store saves new results",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			searchParams.Keywords = args[0]
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if searchParams.Keywords == "" && !searchStore {
				return engine.Errorf("search", engine.CategoryValidation, "keywords required")
			}
			if searchStore {
				var params []jobs.SearchParams
				if searchParams.Keywords != "" {
					params = append(params, searchParams)
				}
				rep, err := a.svc.SearchAndStore(ctx, params)
				if rep != nil {
					_ = printJSON(rep)
				}
				return err
			}
			found, err := a.svc.Search(ctx, searchParams)
			if err != nil {
				return err
			}
			return printJSON(found)
		})
	},
}

var applyDryRun bool

var applyCmd = &cobra.Command{
	Use:   "apply [job-id]",
	Short: "Apply to one tracked job, or run the apply phase over the queue",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if len(args) == 0 {
				rep, err := a.svc.RunNow(ctx, jobs.SessionApply, jobs.RunOptions{DryRun: applyDryRun})
				if rep != nil {
					_ = printJSON(rep)
				}
				return err
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return engine.Errorf("apply", engine.CategoryValidation, "invalid job id %q", args[0])
			}
			out, err := a.svc.Apply(ctx, id, applyDryRun)
			if out != nil {
				_ = printJSON(out)
			}
			return err
		})
	},
}

var (
	runKind   string
	runDryRun bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one automation session (recon, apply or both) in the foreground",
	RunE: func(cmd *cobra.Command, _ []string) error {
		kind, err := jobs.ParseSessionKind(runKind)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			rep, err := a.svc.RunNow(ctx, kind, jobs.RunOptions{DryRun: runDryRun})
			if rep != nil {
				_ = printJSON(rep)
			}
			return err
		})
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Fail jobs stuck in applying and interrupt dead sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			rep, err := a.svc.Recover(ctx)
			if err != nil {
				return err
			}
			return printJSON(rep)
		})
	},
}

var cleanupDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old logs, finished sessions, history and unsaved failed jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			rep, err := a.svc.Cleanup(ctx, cleanupDays)
			if err != nil {
				return err
			}
			return printJSON(rep)
		})
	},
}

var (
	jobsStatus  string
	jobsCompany string
	jobsLimit   int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List tracked jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			list, total, err := a.svc.ListJobs(ctx, jobs.JobFilter{
				Status:  jobs.JobStatus(jobsStatus),
				Company: jobsCompany,
				Limit:   jobsLimit,
			})
			if err != nil {
				return err
			}
			for _, j := range list {
				fmt.Printf("%6d  %-9s  %-30.30s  %-24.24s  %s\n", j.ID, j.Status, j.Title, j.Company, j.URL)
			}
			fmt.Printf("%d of %d jobs\n", len(list), total)
			return nil
		})
	},
}

func init() {
	f := searchCmd.Flags()
	f.StringVar(&searchParams.Location, "location", "", "Location, e.g. \"Berlin\" or \"Remote\"")
	f.StringVar(&searchParams.Experience, "experience", "", "internship, entry, associate, mid-senior, director, executive")
	f.StringVar(&searchParams.JobType, "job-type", "", "full-time, part-time, contract, temporary, internship, volunteer")
	f.StringVar(&searchParams.Remote, "remote", "", "onsite, hybrid, remote")
	f.StringVar(&searchParams.TimeRange, "time-range", "", "day, week, month")
	f.StringVar(&searchParams.Salary, "salary", "", "Minimum salary bucket: 40k .. 200k")
	f.BoolVar(&searchParams.EasyApply, "easy-apply", false, "Only Easy Apply postings")
	f.IntVar(&searchParams.Page, "page", 0, "Zero-based result page")
	f.BoolVar(&searchStore, "store", false, "Save new results; without keywords uses the profile's searches")

	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "Fill forms without submitting; jobs stay scraped")
	runCmd.Flags().StringVar(&runKind, "kind", "run", "recon, apply or run")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Fill forms without submitting")
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 90, "Retention in days")
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "scraped, applying, applied or failed")
	jobsCmd.Flags().StringVar(&jobsCompany, "company", "", "Company name substring")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum rows")

	rootCmd.AddCommand(searchCmd, applyCmd, runCmd, recoverCmd, cleanupCmd, jobsCmd)
}
