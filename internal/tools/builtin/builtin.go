// Package builtin provides the demo tools registered by the serve
// command. They exercise both approval modes end to end without
// external services.
package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gatewright/gatewright/internal/tools"
	"github.com/gatewright/gatewright/pkg/models"
)

// Register adds all builtin tools to the registry.
func Register(registry *tools.Registry) error {
	for _, tool := range []tools.Tool{
		MathAdd(),
		TimeNow(),
		CalendarUpdate(),
		RemoveProjectDomain(),
	} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// MathAdd returns the auto-approved addition tool.
func MathAdd() tools.Tool {
	return &tools.Func{
		ToolPath:        "math.add",
		ToolDescription: "Add two numbers and return their sum.",
		Mode:            models.ApprovalAuto,
		Input: []byte(`{
			"type": "object",
			"properties": {
				"a": {"type": "number"},
				"b": {"type": "number"}
			},
			"required": ["a", "b"]
		}`),
		Output: []byte(`{
			"type": "object",
			"properties": {"sum": {"type": "number"}}
		}`),
		Fn: func(ctx context.Context, input map[string]any) (any, error) {
			a, aok := input["a"].(float64)
			b, bok := input["b"].(float64)
			if !aok || !bok {
				return nil, fmt.Errorf("a and b must be numbers")
			}
			return map[string]any{"sum": a + b}, nil
		},
	}
}

// TimeNow returns the current server time. The sandbox itself exposes
// no clock; this tool is the sanctioned way for generated code to
// observe time.
func TimeNow() tools.Tool {
	return &tools.Func{
		ToolPath:        "time.now",
		ToolDescription: "Return the current time in RFC 3339 format.",
		Mode:            models.ApprovalAuto,
		Input:           []byte(`{"type": "object", "properties": {}}`),
		Fn: func(ctx context.Context, input map[string]any) (any, error) {
			return map[string]any{"now": time.Now().UTC().Format(time.RFC3339)}, nil
		},
	}
}

// CalendarUpdate is a sensitive demo tool: every invocation requires
// human approval. It carries a custom input preview.
func CalendarUpdate() tools.Tool {
	return &tools.Func{
		ToolPath:        "calendar.update",
		ToolDescription: "Create or update a calendar event.",
		Mode:            models.ApprovalRequired,
		Input: []byte(`{
			"type": "object",
			"properties": {
				"title": {"type": "string"},
				"start": {"type": "string"},
				"attendees": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["title", "start"]
		}`),
		Preview: func(input map[string]any) string {
			title, _ := input["title"].(string)
			start, _ := input["start"].(string)
			preview := strings.TrimSpace(title)
			if preview == "" {
				preview = "(untitled event)"
			}
			if start != "" {
				preview += " at " + start
			}
			return preview
		},
		Fn: func(ctx context.Context, input map[string]any) (any, error) {
			return map[string]any{
				"event_id": fmt.Sprintf("evt-%d", time.Now().UnixNano()),
				"title":    input["title"],
				"start":    input["start"],
			}, nil
		},
	}
}

// RemoveProjectDomain is a sensitive demo tool with a nested path,
// exercising rule-based auto-resolution on the "owner" field.
func RemoveProjectDomain() tools.Tool {
	return &tools.Func{
		ToolPath:        "vercel.projects.removeProjectDomain",
		ToolDescription: "Remove a custom domain from a project.",
		Mode:            models.ApprovalRequired,
		Input: []byte(`{
			"type": "object",
			"properties": {
				"owner": {"type": "string"},
				"project": {"type": "string"},
				"domain": {"type": "string"}
			},
			"required": ["owner", "project", "domain"]
		}`),
		Fn: func(ctx context.Context, input map[string]any) (any, error) {
			return map[string]any{
				"removed": true,
				"domain":  input["domain"],
			}, nil
		},
	}
}
