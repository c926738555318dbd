// Package toolutil provides helpers shared by the MCP tool servers and the
// MCP subprocess client.
package toolutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anatolykoptev/go_apply/internal/engine"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolError is the error envelope returned in a tool's structured output.
type ToolError struct {
	Message  string `json:"message"`
	Category string `json:"category"`
	Code     string `json:"code,omitempty"`
}

// NewToolError describes err for a tool caller. code names a sentinel the
// caller can map back to a typed error.
func NewToolError(err error, code string) *ToolError {
	if err == nil {
		return nil
	}
	return &ToolError{Message: err.Error(), Category: string(engine.CategoryOf(err)), Code: code}
}

// Err rebuilds a categorized error from the envelope. sentinel, when
// non-nil, is wrapped so errors.Is keeps working across the process boundary.
func (e *ToolError) Err(op string, sentinel error) error {
	if e == nil {
		return nil
	}
	cat := engine.Category(e.Category)
	if cat == "" {
		cat = engine.CategoryExternalService
	}
	if sentinel != nil {
		return engine.E(op, cat, fmt.Errorf("%s: %w", e.Message, sentinel))
	}
	return engine.E(op, cat, errors.New(e.Message))
}

// TextOf joins the text content blocks of a tool result.
func TextOf(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	var parts []string
	for _, c := range res.Content {
		if t, ok := c.(*mcp.TextContent); ok && t.Text != "" {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Decode unmarshals a tool result into T, preferring structured content and
// falling back to the first text block holding JSON.
func Decode[T any](res *mcp.CallToolResult) (T, error) {
	var out T
	if res == nil {
		return out, errors.New("empty tool result")
	}
	var data []byte
	if res.StructuredContent != nil {
		b, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return out, fmt.Errorf("marshal structured content: %w", err)
		}
		data = b
	} else {
		text := strings.TrimSpace(TextOf(res))
		if text == "" {
			return out, errors.New("tool result has no content")
		}
		data = []byte(text)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode tool result: %w", err)
	}
	return out, nil
}

// Clamp bounds a requested page size.
func Clamp(n, def, max int) int {
	switch {
	case n <= 0:
		return def
	case n > max:
		return max
	}
	return n
}
