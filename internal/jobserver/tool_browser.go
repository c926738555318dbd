package jobserver

import (
	"context"
	"log/slog"

	"github.com/anatolykoptev/go_apply/internal/engine/jobs"
	"github.com/anatolykoptev/go_apply/internal/toolutil"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterBrowserTools registers browser_easy_apply, served by the browser
// subprocess. Apply failures are returned in the output's error envelope so
// the caller can recover the category and sentinel.
func RegisterBrowserTools(server *mcp.Server, applier jobs.Applier) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        toolutil.ToolEasyApply,
		Description: "Open a LinkedIn job page in Chrome and complete its Easy Apply form from the applicant profile. dry_run stops before submitting.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input jobs.ApplyRequest) (*mcp.CallToolResult, toolutil.ApplyOutput, error) {
		res, err := applier.Apply(ctx, input)
		if err != nil {
			slog.Warn("browser_easy_apply: failed", slog.String("url", input.JobURL), slog.Any("error", err))
			return nil, toolutil.ApplyOutput{Result: res, Error: toolutil.NewToolError(err, toolutil.ErrorCode(err))}, nil
		}
		return nil, toolutil.ApplyOutput{Result: res}, nil
	})
}
