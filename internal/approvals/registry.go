// Package approvals implements the process-wide approval registry:
// pending-decision bookkeeping with timeouts, authorization, and
// rule-based auto-resolution.
package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatewright/gatewright/pkg/models"
)

var (
	// ErrAlreadyPending signals a duplicate Open for a callID that still
	// has an unresolved approval. Duplicates are a caller bug.
	ErrAlreadyPending = errors.New("approval already pending")
)

// NotifyFunc receives the resolution of an approval exactly once. It is
// invoked synchronously before the waiter is released, so a session
// that enqueues the approval_resolved event from it observes the event
// strictly before any receipt that depends on the decision.
type NotifyFunc func(models.ApprovalResolution)

// OpenRequest describes one approval to open.
type OpenRequest struct {
	CallID      string
	TurnID      string
	RequesterID string
	ToolPath    string
	Input       map[string]any
	Preview     string
	Timeout     time.Duration
	Notify      NotifyFunc
}

// Pending is the waiter side of an open approval. Wait blocks until a
// decision is delivered by a human, a rule, the timeout, or teardown.
type Pending struct {
	registry *Registry
	callID   string

	// Immediate is true when a rule matched at Open time; the decision
	// channel is already filled and no registry entry was recorded.
	Immediate bool

	decisionCh chan models.ApprovalDecision
}

// Wait blocks until the approval is decided. Context cancellation
// forces a denial with actor "system:cancelled" before returning, so
// no pending entry outlives the waiter.
func (p *Pending) Wait(ctx context.Context) models.ApprovalDecision {
	select {
	case decision := <-p.decisionCh:
		return decision
	case <-ctx.Done():
		p.registry.Cancel(p.callID, models.ActorCancelled)
		// Cancel guarantees a buffered decision is present even if a
		// concurrent resolution won the race.
		return <-p.decisionCh
	}
}

type pendingEntry struct {
	req       OpenRequest
	createdAt time.Time
	deadline  time.Time
	timer     *time.Timer
	waiter    *Pending
}

// Registry maps pending approval callIDs to decision channels and owns
// turn-scoped auto-resolution rules. All operations are total: errors
// surface as enumerated statuses, never panics.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry            // by callID
	byTurn  map[string]map[string]*pendingEntry // turnID -> callID -> entry
	rules   map[string][]models.ApprovalRule    // by turnID, registration order
	logger  *slog.Logger
}

// NewRegistry creates an empty approval registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pending: make(map[string]*pendingEntry),
		byTurn:  make(map[string]map[string]*pendingEntry),
		rules:   make(map[string][]models.ApprovalRule),
		logger:  logger,
	}
}

// Open registers a pending approval and returns its waiter. Rules of
// the turn are evaluated first, in registration order; on a match the
// waiter resolves immediately and nothing is recorded.
func (r *Registry) Open(req OpenRequest) (*Pending, error) {
	if strings.TrimSpace(req.CallID) == "" {
		return nil, errors.New("approval call id is required")
	}
	if req.Timeout <= 0 {
		req.Timeout = 5 * time.Minute
	}

	r.mu.Lock()

	if _, exists := r.pending[req.CallID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPending, req.CallID)
	}

	if rule, ok := r.matchRulesLocked(req.TurnID, req.ToolPath, req.Input); ok {
		r.mu.Unlock()
		resolution := models.ApprovalResolution{
			CallID:   req.CallID,
			TurnID:   req.TurnID,
			ToolPath: req.ToolPath,
			Decision: rule.Decision,
			ActorID:  models.ActorRule,
			At:       time.Now(),
		}
		if req.Notify != nil {
			req.Notify(resolution)
		}
		waiter := &Pending{
			registry:   r,
			callID:     req.CallID,
			Immediate:  true,
			decisionCh: make(chan models.ApprovalDecision, 1),
		}
		waiter.decisionCh <- rule.Decision
		r.logger.Debug("approval auto-resolved by rule",
			"call_id", req.CallID, "turn_id", req.TurnID,
			"tool", req.ToolPath, "rule_id", rule.ID, "decision", rule.Decision)
		return waiter, nil
	}

	now := time.Now()
	waiter := &Pending{
		registry:   r,
		callID:     req.CallID,
		decisionCh: make(chan models.ApprovalDecision, 1),
	}
	entry := &pendingEntry{
		req:       req,
		createdAt: now,
		deadline:  now.Add(req.Timeout),
		waiter:    waiter,
	}
	callID := req.CallID
	entry.timer = time.AfterFunc(req.Timeout, func() {
		r.deliver(callID, models.ActorTimeout, models.DecisionDenied, true)
	})

	r.pending[callID] = entry
	turnPending := r.byTurn[req.TurnID]
	if turnPending == nil {
		turnPending = make(map[string]*pendingEntry)
		r.byTurn[req.TurnID] = turnPending
	}
	turnPending[callID] = entry
	r.mu.Unlock()

	r.logger.Debug("approval opened",
		"call_id", callID, "turn_id", req.TurnID,
		"tool", req.ToolPath, "timeout", req.Timeout)
	return waiter, nil
}

// Resolve settles a pending approval on behalf of a human actor. The
// actor must match the requester that opened the turn.
func (r *Registry) Resolve(callID, actorID string, decision models.ApprovalDecision) models.ResolveStatus {
	if !decision.Valid() {
		return models.ResolveNotFound
	}

	r.mu.Lock()
	entry, ok := r.pending[callID]
	if !ok {
		r.mu.Unlock()
		return models.ResolveNotFound
	}
	if actorID != entry.req.RequesterID {
		r.mu.Unlock()
		r.logger.Warn("unauthorized approval resolution attempt",
			"call_id", callID, "actor_id", actorID)
		return models.ResolveUnauthorized
	}
	r.mu.Unlock()

	if r.deliver(callID, actorID, decision, false) {
		return models.ResolveOK
	}
	// Lost the race to a timeout or cancellation.
	return models.ResolveNotFound
}

// Cancel forces a denial with the given system actor. Idempotent:
// cancelling an unknown or already-resolved approval is a no-op.
func (r *Registry) Cancel(callID, actorID string) {
	r.deliver(callID, actorID, models.DecisionDenied, false)
}

// CancelTurn denies every outstanding approval of a turn and drops the
// turn's rules. Used on session teardown; after it returns no pending
// approval of the turn survives.
func (r *Registry) CancelTurn(turnID string) {
	r.mu.Lock()
	callIDs := make([]string, 0, len(r.byTurn[turnID]))
	for callID := range r.byTurn[turnID] {
		callIDs = append(callIDs, callID)
	}
	delete(r.rules, turnID)
	r.mu.Unlock()

	for _, callID := range callIDs {
		r.deliver(callID, models.ActorCancelled, models.DecisionDenied, false)
	}
}

// ListPending returns the caller-facing projection of a turn's
// unresolved approvals, oldest first.
func (r *Registry) ListPending(turnID string) []models.ApprovalRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	requests := make([]models.ApprovalRequest, 0, len(r.byTurn[turnID]))
	for _, entry := range r.byTurn[turnID] {
		requests = append(requests, models.ApprovalRequest{
			CallID:       entry.req.CallID,
			TurnID:       entry.req.TurnID,
			ToolPath:     entry.req.ToolPath,
			InputPreview: entry.req.Preview,
			CreatedAt:    entry.createdAt,
		})
	}
	sortRequests(requests)
	return requests
}

// Size returns the number of unresolved approvals across all turns.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// deliver settles the approval: removes it, stops the timer, invokes
// notify, then releases the waiter. Returns false when the callID was
// unknown or already resolved.
func (r *Registry) deliver(callID, actorID string, decision models.ApprovalDecision, timedOut bool) bool {
	r.mu.Lock()
	entry, ok := r.pending[callID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.pending, callID)
	if turnPending, ok := r.byTurn[entry.req.TurnID]; ok {
		delete(turnPending, callID)
		if len(turnPending) == 0 {
			delete(r.byTurn, entry.req.TurnID)
		}
	}
	entry.timer.Stop()
	r.mu.Unlock()

	resolution := models.ApprovalResolution{
		CallID:   callID,
		TurnID:   entry.req.TurnID,
		ToolPath: entry.req.ToolPath,
		Decision: decision,
		ActorID:  actorID,
		TimedOut: timedOut,
		At:       time.Now(),
	}
	if entry.req.Notify != nil {
		entry.req.Notify(resolution)
	}
	entry.waiter.decisionCh <- decision

	r.logger.Info("approval resolved",
		"call_id", callID, "turn_id", entry.req.TurnID,
		"tool", entry.req.ToolPath, "decision", decision,
		"actor_id", actorID, "timed_out", timedOut)
	return true
}

// AddRule stores a turn-scoped rule and retroactively applies it to
// the turn's currently-pending approvals whose tool path matches and
// whose input satisfies the predicate. Returns the number of
// approvals it auto-resolved.
func (r *Registry) AddRule(rule models.ApprovalRule) (int, error) {
	if strings.TrimSpace(rule.TurnID) == "" {
		return 0, errors.New("rule turn id is required")
	}
	if strings.TrimSpace(rule.ToolPath) == "" {
		return 0, errors.New("rule tool path is required")
	}
	if !rule.Operator.Valid() {
		return 0, fmt.Errorf("unknown rule operator %q", rule.Operator)
	}
	if !rule.Decision.Valid() {
		return 0, fmt.Errorf("unknown rule decision %q", rule.Decision)
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	r.mu.Lock()
	r.rules[rule.TurnID] = append(r.rules[rule.TurnID], rule)

	var matched []string
	for callID, entry := range r.byTurn[rule.TurnID] {
		if entry.req.ToolPath != rule.ToolPath {
			continue
		}
		if ruleMatches(rule, entry.req.Input) {
			matched = append(matched, callID)
		}
	}
	r.mu.Unlock()

	for _, callID := range matched {
		r.deliver(callID, models.ActorRule, rule.Decision, false)
	}

	r.logger.Info("approval rule added",
		"rule_id", rule.ID, "turn_id", rule.TurnID,
		"tool", rule.ToolPath, "auto_resolved", len(matched))
	return len(matched), nil
}

// matchRulesLocked returns the first rule of the turn matching the
// call, in registration order. Caller holds r.mu.
func (r *Registry) matchRulesLocked(turnID, toolPath string, input map[string]any) (models.ApprovalRule, bool) {
	for _, rule := range r.rules[turnID] {
		if rule.ToolPath != toolPath {
			continue
		}
		if ruleMatches(rule, input) {
			return rule, true
		}
	}
	return models.ApprovalRule{}, false
}
