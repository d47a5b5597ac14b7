package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gatewright/gatewright/internal/turns"
	"github.com/gatewright/gatewright/pkg/models"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return false
	}
	if len(body) > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "request too large")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

type startTurnRequest struct {
	Prompt      string `json:"prompt"`
	RequesterID string `json:"requester_id"`
	ChannelID   string `json:"channel_id"`
}

type startTurnResponse struct {
	TurnID string            `json:"turn_id"`
	Cursor string            `json:"cursor"`
	Event  *models.TurnEvent `json:"event"`
}

// handleStartTurn creates a turn and returns its first event, which is
// always the initial running status.
func (s *Server) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	var req startTurnRequest
	if !decodeBody(w, r, &req) {
		return
	}

	turnID, err := s.manager.Start(turns.StartRequest{
		Prompt:      req.Prompt,
		RequesterID: req.RequesterID,
		ChannelID:   req.ChannelID,
		Now:         time.Now(),
	})
	if err != nil {
		if errors.Is(err, turns.ErrShuttingDown) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cursor := uuid.NewString()
	event, err := s.manager.WaitForNext(r.Context(), turnID, cursor)
	if err != nil {
		// The initial status event is enqueued before Start returns, so
		// this only fires when the caller disconnects mid-request.
		writeError(w, http.StatusInternalServerError, "turn started but first event unavailable")
		return
	}
	writeJSON(w, http.StatusOK, startTurnResponse{TurnID: turnID, Cursor: cursor, Event: event})
}

type nextEventResponse struct {
	Cursor string            `json:"cursor"`
	Event  *models.TurnEvent `json:"event"` // null when the poll timed out
}

// handleNextEvent long-polls for the cursor's next unread event. A null
// event means the poll window elapsed; the caller should poll again
// with the same cursor.
func (s *Server) handleNextEvent(w http.ResponseWriter, r *http.Request) {
	turnID := r.PathValue("turn_id")
	cursor := r.URL.Query().Get("cursor")
	if cursor == "" {
		cursor = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.PollTimeout)
	defer cancel()

	event, err := s.manager.WaitForNext(ctx, turnID, cursor)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, nextEventResponse{Cursor: cursor, Event: event})
	case errors.Is(err, turns.ErrUnknownTurn):
		writeError(w, http.StatusNotFound, "unknown turn")
	case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
		writeJSON(w, http.StatusOK, nextEventResponse{Cursor: cursor})
	default:
		writeError(w, http.StatusInternalServerError, "event wait failed")
	}
}

func (s *Server) handleTurnState(w http.ResponseWriter, r *http.Request) {
	state, err := s.manager.State(r.PathValue("turn_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown turn")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state})
}

func (s *Server) handleCancelTurn(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Cancel(r.PathValue("turn_id")); err != nil {
		writeError(w, http.StatusNotFound, "unknown turn")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelling"})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.manager.ListPendingApprovals(r.PathValue("turn_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown turn")
		return
	}
	if pending == nil {
		pending = []models.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

type resolveApprovalRequest struct {
	ActorID  string                  `json:"actor_id"`
	Decision models.ApprovalDecision `json:"decision"`
}

// handleResolveApproval settles one pending approval. The outcome is an
// enumerated status, never an error: a stale call_id is not_found, a
// requester deciding their own approval is unauthorized.
func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req resolveApprovalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ActorID == "" {
		writeError(w, http.StatusBadRequest, "actor_id is required")
		return
	}
	if !req.Decision.Valid() {
		writeError(w, http.StatusBadRequest, "decision must be approved or denied")
		return
	}

	status := s.manager.ResolveApproval(r.PathValue("turn_id"), r.PathValue("call_id"), req.ActorID, req.Decision)
	code := http.StatusOK
	switch status {
	case models.ResolveNotFound:
		code = http.StatusNotFound
	case models.ResolveUnauthorized:
		code = http.StatusForbidden
	}
	writeJSON(w, code, map[string]any{"status": status})
}

type addRuleRequest struct {
	ToolPath string                  `json:"tool_path"`
	Field    string                  `json:"field"`
	Operator models.RuleOperator     `json:"operator"`
	Value    string                  `json:"value"`
	Decision models.ApprovalDecision `json:"decision"`
}

// handleAddRule registers a turn-scoped auto-approval rule and reports
// how many pending approvals it resolved retroactively.
func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req addRuleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	rule := models.ApprovalRule{
		ID:       uuid.NewString(),
		ToolPath: req.ToolPath,
		Field:    req.Field,
		Operator: req.Operator,
		Value:    req.Value,
		Decision: req.Decision,
	}
	count, err := s.manager.AddRule(r.PathValue("turn_id"), rule)
	if err != nil {
		if errors.Is(err, turns.ErrUnknownTurn) {
			writeError(w, http.StatusNotFound, "unknown turn")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule_id": rule.ID, "auto_resolved": count})
}
