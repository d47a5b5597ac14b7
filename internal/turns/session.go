// Package turns owns per-turn lifecycle and event distribution: it
// spawns one agent loop per turn, queues the loop's events, and backs
// the RunTurn / ContinueTurn / ResolveApproval verbs.
package turns

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gatewright/gatewright/internal/audit"
	"github.com/gatewright/gatewright/internal/observability"
	"github.com/gatewright/gatewright/pkg/models"
)

// ErrDrained signals that a cursor has consumed the terminal event and
// nothing more will ever arrive.
var ErrDrained = errors.New("turn event stream drained")

// cursor tracks one subscriber's read position.
type cursor struct {
	next        int
	sawTerminal bool
}

// Session is the in-memory state of one turn: the event queue, its
// subscribers, and the lifecycle state. It implements agent.EventSink.
type Session struct {
	id          string
	requesterID string
	channelID   string
	prompt      string
	createdAt   time.Time
	cancel      context.CancelFunc
	auditLog    *audit.Logger
	metrics     *observability.Metrics
	softCap     int
	logger      *slog.Logger

	mu            sync.Mutex
	state         models.TurnState
	queue         []models.TurnEvent
	cursors       map[string]*cursor
	waiters       []chan struct{}
	seq           uint64
	overflowed    bool
	approvalOpens map[string]time.Time
}

func newSession(id, requesterID, channelID, prompt string, cancel context.CancelFunc, auditLog *audit.Logger, metrics *observability.Metrics, softCap int, logger *slog.Logger) *Session {
	if softCap <= 0 {
		softCap = 1024
	}
	return &Session{
		id:            id,
		requesterID:   requesterID,
		channelID:     channelID,
		prompt:        prompt,
		createdAt:     time.Now(),
		cancel:        cancel,
		auditLog:      auditLog,
		metrics:       metrics,
		softCap:       softCap,
		logger:        logger,
		state:         models.TurnRunning,
		cursors:       make(map[string]*cursor),
		approvalOpens: make(map[string]time.Time),
	}
}

// stamp fills the envelope fields. Caller holds s.mu.
func (s *Session) stamp(event *models.TurnEvent) {
	s.seq++
	event.Version = 1
	event.Time = time.Now()
	event.Sequence = s.seq
	event.TurnID = s.id
}

// Emit enqueues one non-terminal event, handing it to a blocked reader
// if one is waiting. Events arriving after the terminal event are
// dropped. Exceeding the soft cap coalesces adjacent status events;
// a non-coalescible overflow fails the turn with event_backpressure.
func (s *Session) Emit(event models.TurnEvent) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}

	switch event.Type {
	case models.EventAwaitingApproval:
		s.state = models.TurnAwaitingApproval
	case models.EventApprovalResolved:
		s.state = models.TurnRunning
	}

	if len(s.queue) >= s.softCap {
		last := len(s.queue) - 1
		if event.Type == models.EventStatus && s.queue[last].Type == models.EventStatus {
			s.stamp(&event)
			s.queue[last] = event
			s.signalLocked()
			s.mu.Unlock()
			return
		}
		s.overflowed = true
		s.state = models.TurnFailed
		terminal := models.TurnEvent{
			Type: models.EventFailed,
			Failure: &models.FailurePayload{
				Reason:     models.ReasonBackpressure,
				Diagnostic: "event queue soft cap exceeded by a slow reader",
			},
		}
		s.stamp(&terminal)
		s.queue = append(s.queue, terminal)
		s.signalLocked()
		s.mu.Unlock()
		s.logger.Error("turn failed on event backpressure", "turn_id", s.id, "queue", s.softCap)
		s.cancel()
		return
	}

	s.stamp(&event)
	s.queue = append(s.queue, event)
	depth := len(s.queue)
	var wait time.Duration
	var waitKnown bool
	switch event.Type {
	case models.EventAwaitingApproval:
		s.approvalOpens[event.Approval.CallID] = event.Time
	case models.EventApprovalResolved:
		if opened, ok := s.approvalOpens[event.Resolution.CallID]; ok {
			wait = event.Time.Sub(opened)
			waitKnown = true
			delete(s.approvalOpens, event.Resolution.CallID)
		}
	}
	s.signalLocked()
	s.mu.Unlock()

	switch event.Type {
	case models.EventToolResult:
		s.auditLog.LogToolCall(s.id, *event.Receipt)
	case models.EventApprovalResolved:
		s.auditLog.LogApproval(*event.Resolution)
	}

	if s.metrics != nil {
		s.metrics.EventQueueDepth.Observe(float64(depth))
		switch event.Type {
		case models.EventToolResult:
			r := event.Receipt
			s.metrics.ToolExecutions.WithLabelValues(r.ToolPath, string(r.Decision), string(r.Status)).Inc()
		case models.EventAwaitingApproval:
			s.metrics.ApprovalsOpened.WithLabelValues(event.Approval.ToolPath).Inc()
		case models.EventApprovalResolved:
			res := event.Resolution
			s.metrics.ApprovalsResolved.WithLabelValues(string(res.Decision), actorKind(res.ActorID)).Inc()
			if waitKnown {
				s.metrics.ApprovalWait.Observe(wait.Seconds())
			}
		}
	}
}

// actorKind folds actor IDs into a low-cardinality metric label.
func actorKind(actorID string) string {
	switch actorID {
	case models.ActorTimeout:
		return "timeout"
	case models.ActorCancelled:
		return "cancelled"
	case models.ActorRule:
		return "rule"
	default:
		return "human"
	}
}

// terminate appends the terminal event, cap-exempt. Returns false when
// the session already terminated (e.g. on backpressure).
func (s *Session) terminate(event models.TurnEvent) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	switch event.Type {
	case models.EventCompleted:
		s.state = models.TurnCompleted
	case models.EventFailed:
		s.state = models.TurnFailed
	case models.EventStatus:
		s.state = event.Status.State
	}
	s.stamp(&event)
	s.queue = append(s.queue, event)
	s.signalLocked()
	s.mu.Unlock()
	return true
}

// next blocks until an unread event is available for the cursor. A
// cursor never sees the same event twice.
func (s *Session) next(ctx context.Context, cursorID string) (*models.TurnEvent, error) {
	s.mu.Lock()
	cur := s.cursors[cursorID]
	if cur == nil {
		cur = &cursor{}
		s.cursors[cursorID] = cur
	}
	for {
		if cur.next < len(s.queue) {
			event := s.queue[cur.next]
			cur.next++
			if event.Terminal() {
				cur.sawTerminal = true
			}
			s.mu.Unlock()
			return &event, nil
		}
		if s.state.Terminal() {
			s.mu.Unlock()
			return nil, ErrDrained
		}
		ch := make(chan struct{})
		s.waiters = append(s.waiters, ch)
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.mu.Lock()
	}
}

// signalLocked releases every blocked reader. Caller holds s.mu.
func (s *Session) signalLocked() {
	for _, ch := range s.waiters {
		close(ch)
	}
	s.waiters = nil
}

// drained reports whether every subscriber that observed any event has
// observed the terminal one.
func (s *Session) drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		return false
	}
	for _, cur := range s.cursors {
		if cur.next > 0 && !cur.sawTerminal {
			return false
		}
	}
	return true
}

// State returns the current lifecycle state.
func (s *Session) State() models.TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
