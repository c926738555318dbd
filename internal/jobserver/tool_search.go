package jobserver

import (
	"context"
	"log/slog"

	"github.com/anatolykoptev/go_apply/internal/engine/jobs"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// LinkedInSearchInput is a single LinkedIn query, optionally stored.
type LinkedInSearchInput struct {
	jobs.SearchParams
	Store bool `json:"store,omitempty" jsonschema:"Save new results to the tracker as scraped jobs"`
}

type LinkedInSearchOutput struct {
	Jobs   []jobs.LinkedInJob `json:"jobs"`
	Count  int                `json:"count"`
	Report *jobs.RunReport    `json:"report,omitempty"`
}

func registerLinkedInSearch(server *mcp.Server, svc *jobs.Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "linkedin_search",
		Description: "Search LinkedIn job postings through the public guest API. Filters: location, experience, job_type, remote, time_range, salary, easy_apply, page. With store=true new results are saved to the tracker (duplicates skipped) and a recon report is returned.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input LinkedInSearchInput) (*mcp.CallToolResult, LinkedInSearchOutput, error) {
		found, err := svc.Search(ctx, input.SearchParams)
		if err != nil {
			return nil, LinkedInSearchOutput{}, toolError(err)
		}
		out := LinkedInSearchOutput{Jobs: found, Count: len(found)}
		if out.Jobs == nil {
			out.Jobs = []jobs.LinkedInJob{}
		}
		if input.Store {
			rep, err := svc.SearchAndStore(ctx, []jobs.SearchParams{input.SearchParams})
			if err != nil {
				return nil, LinkedInSearchOutput{}, toolError(err)
			}
			out.Report = rep
		}
		slog.Info("linkedin_search", slog.String("keywords", input.Keywords), slog.Int("count", out.Count), slog.Bool("store", input.Store))
		return nil, out, nil
	})
}

type JobDetailsInput struct {
	URL string `json:"url" jsonschema:"LinkedIn job URL (https://www.linkedin.com/jobs/view/<id>/)"`
}

func registerJobDetails(server *mcp.Server, svc *jobs.Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "job_details",
		Description: "Fetch the full description of a LinkedIn job posting and whether it offers Easy Apply.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input JobDetailsInput) (*mcp.CallToolResult, *jobs.JobDetails, error) {
		d, err := svc.Details(ctx, input.URL)
		if err != nil {
			return nil, nil, toolError(err)
		}
		return nil, d, nil
	})
}
