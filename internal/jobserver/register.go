package jobserver

import (
	"fmt"

	"github.com/anatolykoptev/go_apply/internal/engine"
	"github.com/anatolykoptev/go_apply/internal/engine/jobs"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterTools registers the job pipeline tools on the given MCP server:
// linkedin_search, job_details, job_list, job_get, job_save, job_apply,
// job_requeue, job_fit, automation_run, automation_stats, automation_logs,
// recovery_sweep, cleanup_old_data.
func RegisterTools(server *mcp.Server, svc *jobs.Service) {
	registerLinkedInSearch(server, svc)
	registerJobDetails(server, svc)
	registerJobList(server, svc)
	registerJobGet(server, svc)
	registerJobSave(server, svc)
	registerJobApply(server, svc)
	registerJobRequeue(server, svc)
	registerJobFit(server, svc)
	registerAutomationRun(server, svc)
	registerAutomationStats(server, svc)
	registerAutomationLogs(server, svc)
	registerRecoverySweep(server, svc)
	registerCleanup(server, svc)
}

// ToolCount is the number of tools RegisterTools adds.
const ToolCount = 13

// toolError prefixes the category so MCP callers can tell a bad request
// from an outage without parsing the message.
func toolError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %w", engine.CategoryOf(err), err)
}
