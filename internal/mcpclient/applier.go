package mcpclient

import (
	"context"
	"errors"

	"github.com/anatolykoptev/go_apply/internal/engine"
	"github.com/anatolykoptev/go_apply/internal/engine/jobs"
	"github.com/anatolykoptev/go_apply/internal/toolutil"
)

// Applier implements jobs.Applier by delegating to the browser subprocess.
type Applier struct {
	client *Client
}

func NewApplier(c *Client) *Applier {
	return &Applier{client: c}
}

var _ jobs.Applier = (*Applier)(nil)

// Apply calls browser_easy_apply and maps its error envelope back to the
// jobs sentinels and categories.
func (a *Applier) Apply(ctx context.Context, req jobs.ApplyRequest) (*jobs.ApplyResult, error) {
	const op = "mcpclient: apply"
	res, err := a.client.CallTool(ctx, toolutil.ToolEasyApply, req)
	if err != nil {
		return nil, err
	}
	out, derr := toolutil.Decode[toolutil.ApplyOutput](res)
	if res.IsError {
		if derr == nil && out.Error != nil {
			return out.Result, out.Error.Err(op, toolutil.Sentinel(out.Error.Code))
		}
		msg := toolutil.TextOf(res)
		if msg == "" {
			msg = "browser tool failed"
		}
		return nil, engine.E(op, engine.CategoryExternalService, errors.New(msg))
	}
	if derr != nil {
		return nil, engine.E(op, engine.CategoryExternalService, derr)
	}
	if out.Error != nil {
		return out.Result, out.Error.Err(op, toolutil.Sentinel(out.Error.Code))
	}
	if out.Result == nil {
		return nil, engine.Errorf(op, engine.CategoryExternalService, "browser tool returned no result")
	}
	return out.Result, nil
}
