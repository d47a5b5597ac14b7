// Package agent drives one turn: it iterates the language model and the
// code-mode runner until the model produces a final message or a budget
// runs out.
package agent

import (
	"context"
	"errors"

	"github.com/gatewright/gatewright/internal/tools"
)

// ErrNoProvider is returned when a loop is started without a provider.
var ErrNoProvider = errors.New("no LLM provider configured")

// ReplyKind discriminates the two shapes a model reply can take.
type ReplyKind string

const (
	// ReplyFinal is a natural-language answer; it terminates the turn.
	ReplyFinal ReplyKind = "final"
	// ReplyCode is a code snippet to execute in the sandbox.
	ReplyCode ReplyKind = "code"
)

// Message is one transcript entry. Execution feedback is carried as a
// user-role message with structured text.
type Message struct {
	Role    string
	Content string
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request is the provider-agnostic completion request: system prompt,
// tool catalog, and the running transcript (user prompt included).
type Request struct {
	System   string
	Catalog  []tools.Descriptor
	Messages []Message
}

// Reply is the parsed model output.
type Reply struct {
	Kind ReplyKind
	Text string // final message, when Kind == ReplyFinal
	Code string // snippet to execute, when Kind == ReplyCode
}

// Provider abstracts one language-model backend. Implementations must
// be safe for concurrent use; each Generate call is independent.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Reply, error)
}
