package jobserver

import (
	"context"

	"github.com/anatolykoptev/go_apply/internal/engine/jobs"
	"github.com/anatolykoptev/go_apply/internal/toolutil"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type JobListInput struct {
	Status    string `json:"status,omitempty" jsonschema:"Filter by status: scraped, applying, applied, failed"`
	Saved     *bool  `json:"saved,omitempty" jsonschema:"Only saved (true) or unsaved (false) jobs"`
	EasyApply *bool  `json:"easy_apply,omitempty" jsonschema:"Only Easy Apply (true) or external (false) jobs"`
	Company   string `json:"company,omitempty" jsonschema:"Company name substring"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Page size, default 50, max 200"`
	Offset    int    `json:"offset,omitempty"`
}

type JobListOutput struct {
	Jobs  []jobs.ScrapedJob `json:"jobs"`
	Total int               `json:"total"`
}

func registerJobList(server *mcp.Server, svc *jobs.Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "job_list",
		Description: "List tracked jobs, newest first. Filter by status (scraped, applying, applied, failed), saved flag, easy_apply, company. Returns the page and the total count.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input JobListInput) (*mcp.CallToolResult, JobListOutput, error) {
		list, total, err := svc.ListJobs(ctx, jobs.JobFilter{
			Status:    jobs.JobStatus(input.Status),
			Saved:     input.Saved,
			EasyApply: input.EasyApply,
			Company:   input.Company,
			Limit:     toolutil.Clamp(input.Limit, 50, 200),
			Offset:    max(input.Offset, 0),
		})
		if err != nil {
			return nil, JobListOutput{}, toolError(err)
		}
		return nil, JobListOutput{Jobs: list, Total: total}, nil
	})
}

type JobIDInput struct {
	ID int64 `json:"id" jsonschema:"Tracker job ID from job_list"`
}

type JobGetOutput struct {
	Job    *jobs.ScrapedJob `json:"job"`
	Events []jobs.JobEvent  `json:"events"`
}

func registerJobGet(server *mcp.Server, svc *jobs.Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "job_get",
		Description: "Get one tracked job by ID with its status history.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input JobIDInput) (*mcp.CallToolResult, JobGetOutput, error) {
		j, err := svc.GetJob(ctx, input.ID)
		if err != nil {
			return nil, JobGetOutput{}, toolError(err)
		}
		events, err := svc.JobEvents(ctx, input.ID)
		if err != nil {
			return nil, JobGetOutput{}, toolError(err)
		}
		return nil, JobGetOutput{Job: j, Events: events}, nil
	})
}

type JobSaveInput struct {
	ID    int64   `json:"id" jsonschema:"Tracker job ID"`
	Saved *bool   `json:"saved,omitempty" jsonschema:"Saved flag, default true"`
	Notes *string `json:"notes,omitempty" jsonschema:"Replace the job's notes"`
}

func registerJobSave(server *mcp.Server, svc *jobs.Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "job_save",
		Description: "Flag a tracked job as saved (or unsaved with saved=false) and optionally set notes. Saved jobs are kept by cleanup_old_data.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input JobSaveInput) (*mcp.CallToolResult, *jobs.ScrapedJob, error) {
		saved := true
		if input.Saved != nil {
			saved = *input.Saved
		}
		j, err := svc.SetSaved(ctx, input.ID, saved)
		if err != nil {
			return nil, nil, toolError(err)
		}
		if input.Notes != nil {
			if j, err = svc.UpdateNotes(ctx, input.ID, *input.Notes); err != nil {
				return nil, nil, toolError(err)
			}
		}
		return nil, j, nil
	})
}

type JobApplyInput struct {
	ID     int64 `json:"id" jsonschema:"Tracker job ID of a scraped Easy Apply job"`
	DryRun bool  `json:"dry_run,omitempty" jsonschema:"Fill the form but do not submit; the job keeps its status"`
}

func registerJobApply(server *mcp.Server, svc *jobs.Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "job_apply",
		Description: "Apply to one scraped Easy Apply job now. The job moves scraped → applying → applied or failed; already-applied jobs count as applied. dry_run walks the form without submitting.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input JobApplyInput) (*mcp.CallToolResult, *jobs.ApplyOutcome, error) {
		out, err := svc.Apply(ctx, input.ID, input.DryRun)
		if err != nil && out == nil {
			return nil, nil, toolError(err)
		}
		return nil, out, nil
	})
}

func registerJobRequeue(server *mcp.Server, svc *jobs.Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "job_requeue",
		Description: "Move a failed job back to scraped so the next apply run retries it. Refused once the job used all its attempts.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input JobIDInput) (*mcp.CallToolResult, *jobs.ScrapedJob, error) {
		j, err := svc.Requeue(ctx, input.ID)
		if err != nil {
			return nil, nil, toolError(err)
		}
		return nil, j, nil
	})
}

func registerJobFit(server *mcp.Server, svc *jobs.Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "job_fit",
		Description: "Score 0-100 how well a tracked job fits the applicant profile (LLM when configured, keyword overlap otherwise) and store the score on the job.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input JobIDInput) (*mcp.CallToolResult, jobs.FitResult, error) {
		fit, err := svc.Fit(ctx, input.ID)
		if err != nil {
			return nil, jobs.FitResult{}, toolError(err)
		}
		return nil, fit, nil
	})
}
