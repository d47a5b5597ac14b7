// Package tools holds the namespaced tool tree and the contract every
// tool implementation satisfies. The registry is read-mostly: trees are
// built at startup and runners hold read-only references.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gatewright/gatewright/pkg/models"
)

// Tool is the contract external implementers provide. Implementations
// must be safe to invoke concurrently with distinct inputs and must not
// share mutable state with other tools.
type Tool interface {
	// Path is the canonical dotted path, e.g. "calendar.update".
	Path() string

	// Description is shown to the model in the tool catalog.
	Description() string

	// Approval declares whether invocations pass through the approval
	// pipeline. Approval mode is part of the tool's identity.
	Approval() models.ApprovalMode

	// InputSchema and OutputSchema are JSON Schema documents.
	InputSchema() []byte
	OutputSchema() []byte

	// Run executes the tool. The input has already been validated
	// against InputSchema.
	Run(ctx context.Context, input map[string]any) (any, error)
}

// Previewer lets a tool control the human-readable projection of its
// input shown on approval requests. Tools carrying secrets should
// implement this; the runner's default is a truncated JSON rendering
// with schema-marked secret fields redacted.
type Previewer interface {
	PreviewInput(input map[string]any) string
}

// Descriptor is the catalog entry for one tool, used for prompt and
// type-declaration generation.
type Descriptor struct {
	Path         string              `json:"path"`
	Description  string              `json:"description"`
	Approval     models.ApprovalMode `json:"approval"`
	InputSchema  json.RawMessage     `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage     `json:"output_schema,omitempty"`
}

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolPathLength is the maximum length of a tool path.
	MaxToolPathLength = 256

	// MaxToolInputSize is the maximum size of a tool input JSON (10MB).
	MaxToolInputSize = 10 << 20
)

var schemaCache sync.Map

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// ValidateInput checks input against the tool's input schema. A tool
// with no schema accepts any input.
func ValidateInput(t Tool, input map[string]any) error {
	schema := t.InputSchema()
	if len(schema) == 0 {
		return nil
	}

	compiled, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", t.Path(), err)
	}

	// Round-trip through JSON so numeric types match what the schema
	// library expects.
	payload, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode input for %s: %w", t.Path(), err)
	}
	if len(payload) > MaxToolInputSize {
		return fmt.Errorf("input for %s exceeds maximum size of %d bytes", t.Path(), MaxToolInputSize)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode input for %s: %w", t.Path(), err)
	}

	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("input for %s invalid: %w", t.Path(), err)
	}
	return nil
}

// SecretFields returns the names of top-level schema properties marked
// with `"secret": true`. Used by the default preview to redact them.
func SecretFields(t Tool) map[string]bool {
	schema := t.InputSchema()
	if len(schema) == 0 {
		return nil
	}
	var doc struct {
		Properties map[string]struct {
			Secret bool `json:"secret"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil
	}
	var secret map[string]bool
	for name, prop := range doc.Properties {
		if prop.Secret {
			if secret == nil {
				secret = make(map[string]bool)
			}
			secret[name] = true
		}
	}
	return secret
}

// Func is a convenience Tool built from a function, used by builtin
// tools and tests.
type Func struct {
	ToolPath        string
	ToolDescription string
	Mode            models.ApprovalMode
	Input           []byte
	Output          []byte
	Preview         func(input map[string]any) string
	Fn              func(ctx context.Context, input map[string]any) (any, error)
}

func (f *Func) Path() string                  { return f.ToolPath }
func (f *Func) Description() string           { return f.ToolDescription }
func (f *Func) Approval() models.ApprovalMode { return f.Mode }
func (f *Func) InputSchema() []byte           { return f.Input }
func (f *Func) OutputSchema() []byte          { return f.Output }

func (f *Func) Run(ctx context.Context, input map[string]any) (any, error) {
	if f.Fn == nil {
		return nil, fmt.Errorf("tool %s has no implementation", f.ToolPath)
	}
	return f.Fn(ctx, input)
}

// PreviewInput implements Previewer when a preview function is set;
// otherwise it returns "" and the runner default applies.
func (f *Func) PreviewInput(input map[string]any) string {
	if f.Preview == nil {
		return ""
	}
	return f.Preview(input)
}
