package turns

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gatewright/gatewright/internal/agent"
	"github.com/gatewright/gatewright/internal/approvals"
	"github.com/gatewright/gatewright/internal/audit"
	"github.com/gatewright/gatewright/internal/observability"
	"github.com/gatewright/gatewright/internal/tools"
	"github.com/gatewright/gatewright/pkg/models"
)

var (
	// ErrUnknownTurn covers both never-existed and already-torn-down
	// turns; callers cannot distinguish the two.
	ErrUnknownTurn = errors.New("unknown turn")
	// ErrShuttingDown rejects new turns during shutdown.
	ErrShuttingDown = errors.New("manager is shutting down")
)

// Config bounds sessions owned by a Manager.
type Config struct {
	// Loop configures the per-turn agent loop; nil means defaults.
	Loop *agent.LoopConfig

	// PostTerminalRetention keeps terminal events readable for slow
	// subscribers. Default: 30s
	PostTerminalRetention time.Duration

	// EventQueueSoftCap bounds per-session queues. Default: 1024
	EventQueueSoftCap int

	// Metrics receives turn and approval counters; nil disables them.
	Metrics *observability.Metrics

	// Tracer opens one span per turn; nil disables tracing.
	Tracer *observability.Tracer
}

// Manager owns all live turn sessions. One goroutine runs per active
// turn; the manager itself only does bookkeeping.
type Manager struct {
	provider  agent.Provider
	registry  *tools.Registry
	approvals *approvals.Registry
	auditLog  *audit.Logger
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	wg sync.WaitGroup
}

// NewManager creates a manager. auditLog may be nil.
func NewManager(provider agent.Provider, registry *tools.Registry, approvalReg *approvals.Registry, auditLog *audit.Logger, cfg Config, logger *slog.Logger) *Manager {
	if cfg.PostTerminalRetention <= 0 {
		cfg.PostTerminalRetention = 30 * time.Second
	}
	if cfg.EventQueueSoftCap <= 0 {
		cfg.EventQueueSoftCap = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		provider:  provider,
		registry:  registry,
		approvals: approvalReg,
		auditLog:  auditLog,
		cfg:       cfg,
		logger:    logger,
		sessions:  make(map[string]*Session),
	}
}

// StartRequest describes one new turn.
type StartRequest struct {
	Prompt      string
	RequesterID string
	ChannelID   string
	Now         time.Time
}

// Start creates a session, emits the initial status event, and spawns
// the agent loop. The status event is enqueued before Start returns,
// so the caller's first read is deterministic.
func (m *Manager) Start(req StartRequest) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", errors.New("prompt is required")
	}
	if strings.TrimSpace(req.RequesterID) == "" {
		return "", errors.New("requester id is required")
	}

	turnID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	session := newSession(turnID, req.RequesterID, req.ChannelID, req.Prompt, cancel, m.auditLog, m.cfg.Metrics, m.cfg.EventQueueSoftCap, m.logger)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return "", ErrShuttingDown
	}
	m.sessions[turnID] = session
	m.mu.Unlock()

	session.Emit(models.TurnEvent{
		Type:   models.EventStatus,
		Status: &models.StatusPayload{State: models.TurnRunning, Detail: "turn started"},
	})
	m.auditLog.LogTurnStarted(turnID, req.RequesterID, req.ChannelID, req.Prompt)
	m.logger.Info("turn started", "turn_id", turnID, "requester_id", req.RequesterID, "channel_id", req.ChannelID)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TurnsStarted.WithLabelValues(req.ChannelID).Inc()
		m.cfg.Metrics.ActiveTurns.Inc()
	}

	m.wg.Add(1)
	go m.runTurn(ctx, session, req)
	return turnID, nil
}

func (m *Manager) runTurn(ctx context.Context, session *Session, req StartRequest) {
	defer m.wg.Done()

	if m.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = m.cfg.Tracer.Start(ctx, "agent.turn",
			attribute.String("turn.id", session.id),
			attribute.String("turn.channel", session.channelID))
		defer span.End()
	}

	loop := agent.NewLoop(m.provider, m.registry, m.approvals, m.cfg.Loop, session, session.id, session.requesterID, req.Now, m.logger)
	outcome := loop.Run(ctx, req.Prompt)
	m.finish(session, outcome)
}

// finish tears the session down: denies outstanding approvals, drops
// rules, appends the terminal event, and schedules garbage collection.
func (m *Manager) finish(session *Session, outcome *agent.Outcome) {
	m.approvals.CancelTurn(session.id)

	var terminal models.TurnEvent
	switch outcome.State {
	case models.TurnCompleted:
		terminal = models.TurnEvent{
			Type: models.EventCompleted,
			Completion: &models.CompletionPayload{
				Text:         outcome.Text,
				ReceiptCount: len(outcome.Receipts),
				Footer:       outcome.Footer,
			},
		}
	case models.TurnCancelled:
		terminal = models.TurnEvent{
			Type:   models.EventStatus,
			Status: &models.StatusPayload{State: models.TurnCancelled, Detail: outcome.Diagnostic},
		}
	default:
		terminal = models.TurnEvent{
			Type: models.EventFailed,
			Failure: &models.FailurePayload{
				Reason:     outcome.FailReason,
				Diagnostic: outcome.Diagnostic,
			},
		}
	}

	state := outcome.State
	reason := outcome.FailReason
	if !session.terminate(terminal) {
		// The session already failed on backpressure; the loop outcome
		// is superseded.
		state = models.TurnFailed
		reason = models.ReasonBackpressure
	}

	m.auditLog.LogTurnFinished(session.id, state, reason, len(outcome.Receipts), time.Since(session.createdAt))
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TurnsFinished.WithLabelValues(string(state), string(reason)).Inc()
		m.cfg.Metrics.TurnDuration.Observe(time.Since(session.createdAt).Seconds())
		m.cfg.Metrics.LoopSteps.Observe(float64(outcome.Steps))
		m.cfg.Metrics.ActiveTurns.Dec()
	}
	m.logger.Info("turn finished",
		"turn_id", session.id, "state", state,
		"reason", reason, "receipts", len(outcome.Receipts), "steps", outcome.Steps)

	m.scheduleGC(session, 1)
}

// scheduleGC removes the session after the retention window, extending
// once if a subscriber is still mid-stream.
func (m *Manager) scheduleGC(session *Session, attempt int) {
	time.AfterFunc(m.cfg.PostTerminalRetention, func() {
		if !session.drained() && attempt < 2 {
			m.scheduleGC(session, attempt+1)
			return
		}
		m.mu.Lock()
		delete(m.sessions, session.id)
		m.mu.Unlock()
		m.logger.Debug("turn session collected", "turn_id", session.id)
	})
}

func (m *Manager) lookup(turnID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[turnID]
}

// WaitForNext returns the next unread event for the cursor, blocking
// until one arrives or ctx expires. ErrUnknownTurn covers unknown,
// torn-down, and fully-drained turns.
func (m *Manager) WaitForNext(ctx context.Context, turnID, cursorID string) (*models.TurnEvent, error) {
	session := m.lookup(turnID)
	if session == nil {
		return nil, ErrUnknownTurn
	}
	event, err := session.next(ctx, cursorID)
	if errors.Is(err, ErrDrained) {
		return nil, ErrUnknownTurn
	}
	return event, err
}

// ResolveApproval settles a pending approval on behalf of an actor.
func (m *Manager) ResolveApproval(turnID, callID, actorID string, decision models.ApprovalDecision) models.ResolveStatus {
	if m.lookup(turnID) == nil {
		return models.ResolveNotFound
	}
	return m.approvals.Resolve(callID, actorID, decision)
}

// AddRule registers a turn-scoped approval rule and retroactively
// applies it to pending approvals. Returns how many it auto-resolved.
func (m *Manager) AddRule(turnID string, rule models.ApprovalRule) (int, error) {
	if m.lookup(turnID) == nil {
		return 0, ErrUnknownTurn
	}
	rule.TurnID = turnID
	count, err := m.approvals.AddRule(rule)
	if err != nil {
		return 0, err
	}
	m.auditLog.LogRuleAdded(rule, count)
	return count, nil
}

// ListPendingApprovals returns the turn's unresolved approvals, oldest
// first.
func (m *Manager) ListPendingApprovals(turnID string) ([]models.ApprovalRequest, error) {
	if m.lookup(turnID) == nil {
		return nil, ErrUnknownTurn
	}
	return m.approvals.ListPending(turnID), nil
}

// Cancel aborts a running turn. Already-enqueued events stay readable
// until retention expires.
func (m *Manager) Cancel(turnID string) error {
	session := m.lookup(turnID)
	if session == nil {
		return ErrUnknownTurn
	}
	session.cancel()
	return nil
}

// State reports a turn's lifecycle state.
func (m *Manager) State(turnID string) (models.TurnState, error) {
	session := m.lookup(turnID)
	if session == nil {
		return "", ErrUnknownTurn
	}
	return session.State(), nil
}

// ActiveTurns counts sessions that have not reached a terminal state.
func (m *Manager) ActiveTurns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, session := range m.sessions {
		if !session.State().Terminal() {
			active++
		}
	}
	return active
}

// Close cancels every live turn and waits for their loops to exit, or
// until ctx expires.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, session := range m.sessions {
		session.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
