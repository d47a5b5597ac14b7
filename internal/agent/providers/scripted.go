package providers

import (
	"context"
	"errors"
	"sync"

	"github.com/gatewright/gatewright/internal/agent"
)

// ErrScriptExhausted is returned when a ScriptedProvider runs out of
// canned replies.
var ErrScriptExhausted = errors.New("scripted provider: no replies left")

// ScriptedProvider replays a fixed sequence of replies. Used by tests
// and by the dry-run serve mode, where no real model is configured.
type ScriptedProvider struct {
	mu      sync.Mutex
	replies []agent.Reply
	cursor  int
}

// NewScriptedProvider creates a provider replaying the given replies in
// order, one per Generate call.
func NewScriptedProvider(replies ...agent.Reply) *ScriptedProvider {
	return &ScriptedProvider{replies: replies}
}

func (p *ScriptedProvider) Name() string { return "scripted" }

// Generate returns the next canned reply.
func (p *ScriptedProvider) Generate(ctx context.Context, _ *agent.Request) (*agent.Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursor >= len(p.replies) {
		return nil, ErrScriptExhausted
	}
	reply := p.replies[p.cursor]
	p.cursor++
	return &reply, nil
}

// Remaining reports how many canned replies are left.
func (p *ScriptedProvider) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.replies) - p.cursor
}
