package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anatolykoptev/go-kit/env"
	"github.com/anatolykoptev/go-mcpserver"
	"github.com/anatolykoptev/go_apply/internal/api"
	"github.com/anatolykoptev/go_apply/internal/engine"
	"github.com/anatolykoptev/go_apply/internal/jobserver"
	"github.com/anatolykoptev/go_apply/internal/scheduler"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP tools over HTTP, the REST API and the automation scheduler",
	RunE:  runServe,
}

var (
	serveNoREST      bool
	serveNoScheduler bool
)

func init() {
	serveCmd.Flags().BoolVar(&serveNoREST, "no-rest", false, "Do not start the REST API")
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "Do not start the cron scheduler")
	rootCmd.AddCommand(serveCmd)
}

func newMCPServer() *mcp.Server {
	return mcp.NewServer(&mcp.Implementation{Name: "go_apply", Version: version}, nil)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if rep, err := a.svc.Recover(ctx); err != nil {
		slog.Warn("startup recovery failed", slog.Any("error", err))
	} else if rep.Jobs > 0 || rep.Sessions > 0 {
		slog.Info("startup recovery", slog.Int("jobs", rep.Jobs), slog.Int("sessions", rep.Sessions))
	}

	if !serveNoScheduler {
		sch, err := scheduler.New(a.svc, scheduler.Config{
			RunSchedule:   env.Str("AUTOMATION_SCHEDULE", ""),
			SweepSchedule: env.Str("SWEEP_SCHEDULE", scheduler.DefaultSweepSchedule),
			RetentionDays: env.Int("RETENTION_DAYS", 90),
		})
		if err != nil {
			return err
		}
		sch.Start()
		defer sch.Stop()
	}

	if !serveNoREST {
		srv := api.New(a.svc, api.Config{
			Port:           env.Str("HTTP_PORT", "8892"),
			AllowedOrigins: env.List("CORS_ORIGINS", ""),
			Version:        version,
		})
		go func() {
			if err := srv.Run(ctx); err != nil {
				slog.Error("rest api stopped", slog.Any("error", err))
			}
		}()
	}

	server := newMCPServer()
	jobserver.RegisterTools(server, a.svc)
	mcpPort := env.Str("MCP_PORT", "8891")
	slog.Info("starting go_apply",
		slog.String("version", version),
		slog.String("mcp_port", mcpPort),
		slog.Int("tools", jobserver.ToolCount),
		slog.String("user", a.user.Email),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- mcpserver.Run(server, mcpserver.Config{
			Name:         "go_apply",
			Version:      version,
			Port:         mcpPort,
			WriteTimeout: 600 * time.Second,
			Metrics:      engine.FormatMetrics,
		})
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down")
		waitRunDrain(a, 30*time.Second)
		return nil
	}
}

// waitRunDrain gives an in-flight session time to record its outcome after
// the run context is cancelled.
func waitRunDrain(a *app, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for a.orch.Running() && time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
	}
	if a.orch.Running() {
		slog.Warn("session still running at shutdown; the next start will mark it interrupted")
	}
}
