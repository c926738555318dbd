package toolutil

import (
	"errors"

	"github.com/anatolykoptev/go_apply/internal/engine/jobs"
)

// ToolEasyApply is the browser subprocess tool that submits one application.
const ToolEasyApply = "browser_easy_apply"

// Error codes for apply failures the caller handles specially.
const (
	CodeNotEasyApply   = "not_easy_apply"
	CodeAlreadyApplied = "already_applied"
	CodeLoginRequired  = "login_required"
	CodeJobClosed      = "job_closed"
)

var codeSentinels = map[string]error{
	CodeNotEasyApply:   jobs.ErrNotEasyApply,
	CodeAlreadyApplied: jobs.ErrAlreadyApplied,
	CodeLoginRequired:  jobs.ErrLoginRequired,
	CodeJobClosed:      jobs.ErrJobClosed,
}

// ApplyOutput is the structured output of ToolEasyApply. Result is set
// even on failure when the browser got part way through the form.
type ApplyOutput struct {
	Result *jobs.ApplyResult `json:"result,omitempty"`
	Error  *ToolError        `json:"error,omitempty"`
}

// ErrorCode returns the code for a known apply sentinel, or "".
func ErrorCode(err error) string {
	for code, sentinel := range codeSentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

// Sentinel returns the error a code stands for, or nil.
func Sentinel(code string) error {
	return codeSentinels[code]
}
