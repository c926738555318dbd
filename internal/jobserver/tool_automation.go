package jobserver

import (
	"context"

	"github.com/anatolykoptev/go_apply/internal/engine/jobs"
	"github.com/anatolykoptev/go_apply/internal/toolutil"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type AutomationRunInput struct {
	Kind   string `json:"kind,omitempty" jsonschema:"recon (search and store), apply (apply to queued jobs) or run (both); default run"`
	Wait   bool   `json:"wait,omitempty" jsonschema:"Block until the run finishes and return its report; otherwise start it in the background"`
	DryRun bool   `json:"dry_run,omitempty" jsonschema:"Fill application forms without submitting; jobs stay scraped"`
}

type AutomationRunOutput struct {
	Session *jobs.SessionData `json:"session,omitempty"`
	Report  *jobs.RunReport   `json:"report,omitempty"`
}

func registerAutomationRun(server *mcp.Server, svc *jobs.Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "automation_run",
		Description: "Start an automation session: recon searches LinkedIn with the profile's preferences and stores new jobs; apply sweeps stuck jobs, requeues retryable failures and applies to queued Easy Apply jobs; run does both. Only one session runs at a time.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input AutomationRunInput) (*mcp.CallToolResult, AutomationRunOutput, error) {
		kind, err := jobs.ParseSessionKind(input.Kind)
		if err != nil {
			return nil, AutomationRunOutput{}, toolError(err)
		}
		ro := jobs.RunOptions{DryRun: input.DryRun}
		if input.Wait {
			rep, err := svc.RunNow(ctx, kind, ro)
			if rep == nil {
				return nil, AutomationRunOutput{}, toolError(err)
			}
			return nil, AutomationRunOutput{Report: rep}, nil
		}
		sess, err := svc.StartRun(ctx, kind, ro)
		if err != nil {
			return nil, AutomationRunOutput{}, toolError(err)
		}
		return nil, AutomationRunOutput{Session: sess}, nil
	})
}

type AutomationStatsInput struct {
	Sessions int `json:"sessions,omitempty" jsonschema:"How many recent sessions to include, default 5"`
}

type AutomationStatsOutput struct {
	Stats    *jobs.Stats        `json:"stats"`
	Sessions []jobs.SessionData `json:"sessions"`
}

func registerAutomationStats(server *mcp.Server, svc *jobs.Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "automation_stats",
		Description: "Job counts by status, queue length, whether a session is running, process counters and the most recent sessions with their progress.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input AutomationStatsInput) (*mcp.CallToolResult, AutomationStatsOutput, error) {
		st, err := svc.Stats(ctx)
		if err != nil {
			return nil, AutomationStatsOutput{}, toolError(err)
		}
		sessions, err := svc.Sessions(ctx, toolutil.Clamp(input.Sessions, 5, 50))
		if err != nil {
			return nil, AutomationStatsOutput{}, toolError(err)
		}
		return nil, AutomationStatsOutput{Stats: st, Sessions: sessions}, nil
	})
}

type AutomationLogsInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"Only logs of this session"`
	JobID     int64  `json:"job_id,omitempty" jsonschema:"Only logs about this job"`
	Level     string `json:"level,omitempty" jsonschema:"info, warn or error"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Default 100, max 500"`
}

type AutomationLogsOutput struct {
	Logs []jobs.AutomationLog `json:"logs"`
}

func registerAutomationLogs(server *mcp.Server, svc *jobs.Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "automation_logs",
		Description: "Audit log of what the automation did, newest first. Filter by session, job or level.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input AutomationLogsInput) (*mcp.CallToolResult, AutomationLogsOutput, error) {
		logs, err := svc.Logs(ctx, jobs.LogFilter{
			SessionID: input.SessionID,
			JobID:     input.JobID,
			Level:     input.Level,
			Limit:     toolutil.Clamp(input.Limit, 100, 500),
		})
		if err != nil {
			return nil, AutomationLogsOutput{}, toolError(err)
		}
		return nil, AutomationLogsOutput{Logs: logs}, nil
	})
}

type RecoverySweepInput struct{}

func registerRecoverySweep(server *mcp.Server, svc *jobs.Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "recovery_sweep",
		Description: "Fail jobs stuck in applying past the stuck threshold (recorded as interrupted) and mark sessions without a recent heartbeat as interrupted.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ RecoverySweepInput) (*mcp.CallToolResult, jobs.SweepReport, error) {
		rep, err := svc.Recover(ctx)
		if err != nil {
			return nil, jobs.SweepReport{}, toolError(err)
		}
		return nil, rep, nil
	})
}

type CleanupInput struct {
	Days int `json:"days" jsonschema:"Delete logs, finished sessions, status history and unsaved failed jobs older than this many days"`
}

func registerCleanup(server *mcp.Server, svc *jobs.Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "cleanup_old_data",
		Description: "Retention cleanup. Applied, scraped and saved jobs are never deleted.",
		Annotations: &mcp.ToolAnnotations{DestructiveHint: ptr(true)},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input CleanupInput) (*mcp.CallToolResult, jobs.CleanupReport, error) {
		rep, err := svc.Cleanup(ctx, input.Days)
		if err != nil {
			return nil, jobs.CleanupReport{}, toolError(err)
		}
		return nil, rep, nil
	})
}

func ptr[T any](v T) *T { return &v }
