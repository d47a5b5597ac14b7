package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/gatewright/gatewright/internal/agent"
	"github.com/gatewright/gatewright/internal/agent/providers"
	"github.com/gatewright/gatewright/internal/approvals"
	"github.com/gatewright/gatewright/internal/tools"
	"github.com/gatewright/gatewright/internal/turns"
	"github.com/gatewright/gatewright/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func gatewayRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	add := &tools.Func{
		ToolPath: "math.add",
		Mode:     models.ApprovalAuto,
		Fn: func(_ context.Context, input map[string]any) (any, error) {
			a, _ := input["a"].(float64)
			b, _ := input["b"].(float64)
			return map[string]any{"sum": a + b}, nil
		},
	}
	update := &tools.Func{
		ToolPath: "calendar.update",
		Mode:     models.ApprovalRequired,
		Preview: func(input map[string]any) string {
			title, _ := input["title"].(string)
			return title
		},
		Fn: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"updated": true}, nil
		},
	}
	for _, tool := range []tools.Tool{add, update} {
		if err := reg.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

// startGateway boots a full stack on a loopback port and returns the
// base URL.
func startGateway(t *testing.T, provider agent.Provider, cfg Config) string {
	t.Helper()
	manager := turns.NewManager(provider, gatewayRegistry(t), approvals.NewRegistry(discardLogger()), nil, turns.Config{}, discardLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = manager.Close(ctx)
	})

	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	server := NewServer(manager, nil, cfg, discardLogger())
	if err := server.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { server.Stop(nil) })
	return "http://" + server.Addr()
}

func doJSON(t *testing.T, method, url, token string, body, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

// pollUntil reads events until the predicate matches or the turn ends.
func pollUntil(t *testing.T, base, turnID, cursor string, match func(*models.TurnEvent) bool) *models.TurnEvent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var next nextEventResponse
		code := doJSON(t, http.MethodGet, fmt.Sprintf("%s/v1/turns/%s/next?cursor=%s", base, turnID, cursor), "", nil, &next)
		if code != http.StatusOK {
			t.Fatalf("next returned %d", code)
		}
		if next.Event == nil {
			continue
		}
		if match(next.Event) {
			return next.Event
		}
		if next.Event.Terminal() {
			t.Fatalf("turn ended with %s before predicate matched", next.Event.Type)
		}
	}
	t.Fatal("timed out polling for event")
	return nil
}

func TestHealthzOpen(t *testing.T) {
	base := startGateway(t, providers.NewScriptedProvider(), Config{AuthToken: "hunter2"})

	var out map[string]any
	if code := doJSON(t, http.MethodGet, base+"/healthz", "", nil, &out); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}
	if out["status"] != "ok" {
		t.Errorf("healthz body = %v", out)
	}
}

func TestAuthRequired(t *testing.T) {
	base := startGateway(t, providers.NewScriptedProvider(), Config{AuthToken: "hunter2"})

	body := startTurnRequest{Prompt: "hi", RequesterID: "U1"}
	if code := doJSON(t, http.MethodPost, base+"/v1/turns", "", body, nil); code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", code)
	}
	if code := doJSON(t, http.MethodPost, base+"/v1/turns", "wrong", body, nil); code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", code)
	}
}

func TestStartTurnToCompletion(t *testing.T) {
	provider := providers.NewScriptedProvider(
		agent.Reply{Kind: agent.ReplyCode, Code: `tools.math.add({a: 2, b: 3})`},
		agent.Reply{Kind: agent.ReplyFinal, Text: "The sum is 5."},
	)
	base := startGateway(t, provider, Config{})

	var started startTurnResponse
	code := doJSON(t, http.MethodPost, base+"/v1/turns", "", startTurnRequest{Prompt: "add 2 and 3", RequesterID: "U1"}, &started)
	if code != http.StatusOK {
		t.Fatalf("start = %d", code)
	}
	if started.TurnID == "" || started.Cursor == "" {
		t.Fatalf("missing turn_id or cursor: %+v", started)
	}
	if started.Event == nil || started.Event.Type != models.EventStatus || started.Event.Status.State != models.TurnRunning {
		t.Fatalf("first event = %+v, want running status", started.Event)
	}

	terminal := pollUntil(t, base, started.TurnID, started.Cursor, func(e *models.TurnEvent) bool {
		return e.Type == models.EventCompleted
	})
	if terminal.Completion.ReceiptCount != 1 {
		t.Errorf("receipt count = %d", terminal.Completion.ReceiptCount)
	}
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	provider := providers.NewScriptedProvider(
		agent.Reply{Kind: agent.ReplyCode, Code: `tools.calendar.update({title: "Dinner with Ella"})`},
		agent.Reply{Kind: agent.ReplyFinal, Text: "Scheduled."},
	)
	base := startGateway(t, provider, Config{})

	var started startTurnResponse
	doJSON(t, http.MethodPost, base+"/v1/turns", "", startTurnRequest{Prompt: "move dinner", RequesterID: "U2"}, &started)

	awaiting := pollUntil(t, base, started.TurnID, started.Cursor, func(e *models.TurnEvent) bool {
		return e.Type == models.EventAwaitingApproval
	})
	if awaiting.Approval.InputPreview != "Dinner with Ella" {
		t.Errorf("preview = %q", awaiting.Approval.InputPreview)
	}

	var listed struct {
		Approvals []models.ApprovalRequest `json:"approvals"`
	}
	doJSON(t, http.MethodGet, fmt.Sprintf("%s/v1/turns/%s/approvals", base, started.TurnID), "", nil, &listed)
	if len(listed.Approvals) != 1 || listed.Approvals[0].CallID != awaiting.Approval.CallID {
		t.Fatalf("pending approvals = %+v", listed.Approvals)
	}

	resolveURL := fmt.Sprintf("%s/v1/turns/%s/approvals/%s", base, started.TurnID, awaiting.Approval.CallID)

	// Only the turn's requester may settle the approval.
	var resolved map[string]any
	code := doJSON(t, http.MethodPost, resolveURL, "", resolveApprovalRequest{ActorID: "U1", Decision: models.DecisionApproved}, &resolved)
	if code != http.StatusForbidden || resolved["status"] != string(models.ResolveUnauthorized) {
		t.Fatalf("wrong actor: code=%d body=%v", code, resolved)
	}

	code = doJSON(t, http.MethodPost, resolveURL, "", resolveApprovalRequest{ActorID: "U2", Decision: models.DecisionApproved}, &resolved)
	if code != http.StatusOK || resolved["status"] != string(models.ResolveOK) {
		t.Fatalf("approve: code=%d body=%v", code, resolved)
	}

	// A second resolution finds nothing pending.
	code = doJSON(t, http.MethodPost, resolveURL, "", resolveApprovalRequest{ActorID: "U2", Decision: models.DecisionApproved}, &resolved)
	if code != http.StatusNotFound || resolved["status"] != string(models.ResolveNotFound) {
		t.Fatalf("re-approve: code=%d body=%v", code, resolved)
	}

	terminal := pollUntil(t, base, started.TurnID, started.Cursor, func(e *models.TurnEvent) bool {
		return e.Type == models.EventCompleted
	})
	if terminal.Completion.ReceiptCount != 1 {
		t.Errorf("receipt count = %d", terminal.Completion.ReceiptCount)
	}
}

func TestAddRuleOverHTTP(t *testing.T) {
	provider := providers.NewScriptedProvider(
		agent.Reply{Kind: agent.ReplyCode, Code: `tools.calendar.update({title: "Dinner"})`},
		agent.Reply{Kind: agent.ReplyFinal, Text: "Scheduled."},
	)
	base := startGateway(t, provider, Config{})

	var started startTurnResponse
	doJSON(t, http.MethodPost, base+"/v1/turns", "", startTurnRequest{Prompt: "move dinner", RequesterID: "U2"}, &started)

	pollUntil(t, base, started.TurnID, started.Cursor, func(e *models.TurnEvent) bool {
		return e.Type == models.EventAwaitingApproval
	})

	var added struct {
		RuleID       string `json:"rule_id"`
		AutoResolved int    `json:"auto_resolved"`
	}
	code := doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/turns/%s/rules", base, started.TurnID), "", addRuleRequest{
		ToolPath: "calendar.update",
		Field:    "title",
		Operator: models.OpEquals,
		Value:    "Dinner",
		Decision: models.DecisionApproved,
	}, &added)
	if code != http.StatusOK {
		t.Fatalf("add rule = %d", code)
	}
	if added.RuleID == "" || added.AutoResolved != 1 {
		t.Fatalf("add rule body = %+v", added)
	}

	resolved := pollUntil(t, base, started.TurnID, started.Cursor, func(e *models.TurnEvent) bool {
		return e.Type == models.EventApprovalResolved
	})
	if resolved.Resolution.ActorID != models.ActorRule {
		t.Errorf("actor = %q", resolved.Resolution.ActorID)
	}
}

func TestCancelTurnOverHTTP(t *testing.T) {
	provider := providers.NewScriptedProvider(
		agent.Reply{Kind: agent.ReplyCode, Code: `tools.calendar.update({title: "Dinner"})`},
	)
	base := startGateway(t, provider, Config{})

	var started startTurnResponse
	doJSON(t, http.MethodPost, base+"/v1/turns", "", startTurnRequest{Prompt: "move dinner", RequesterID: "U2"}, &started)

	pollUntil(t, base, started.TurnID, started.Cursor, func(e *models.TurnEvent) bool {
		return e.Type == models.EventAwaitingApproval
	})

	var out map[string]any
	if code := doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/turns/%s/cancel", base, started.TurnID), "", nil, &out); code != http.StatusOK {
		t.Fatalf("cancel = %d", code)
	}

	terminal := pollUntil(t, base, started.TurnID, started.Cursor, func(e *models.TurnEvent) bool {
		return e.Terminal()
	})
	if terminal.Type != models.EventStatus || terminal.Status.State != models.TurnCancelled {
		t.Errorf("terminal = %+v, want cancelled status", terminal)
	}
}

func TestUnknownTurnRoutes(t *testing.T) {
	base := startGateway(t, providers.NewScriptedProvider(), Config{})

	cases := []struct {
		method string
		url    string
		body   any
	}{
		{http.MethodGet, base + "/v1/turns/nope/next", nil},
		{http.MethodGet, base + "/v1/turns/nope", nil},
		{http.MethodGet, base + "/v1/turns/nope/approvals", nil},
		{http.MethodPost, base + "/v1/turns/nope/cancel", nil},
		{http.MethodPost, base + "/v1/turns/nope/rules", addRuleRequest{ToolPath: "x", Operator: models.OpEquals, Decision: models.DecisionApproved}},
		{http.MethodPost, base + "/v1/turns/nope/approvals/c1", resolveApprovalRequest{ActorID: "U1", Decision: models.DecisionDenied}},
	}
	for _, tc := range cases {
		if code := doJSON(t, tc.method, tc.url, "", tc.body, nil); code != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", tc.method, tc.url, code)
		}
	}
}

func TestStartTurnValidation(t *testing.T) {
	base := startGateway(t, providers.NewScriptedProvider(), Config{})

	if code := doJSON(t, http.MethodPost, base+"/v1/turns", "", startTurnRequest{RequesterID: "U1"}, nil); code != http.StatusBadRequest {
		t.Errorf("empty prompt = %d, want 400", code)
	}
	if code := doJSON(t, http.MethodPost, base+"/v1/turns", "", startTurnRequest{Prompt: "hi"}, nil); code != http.StatusBadRequest {
		t.Errorf("empty requester = %d, want 400", code)
	}
}

func TestResolveValidation(t *testing.T) {
	base := startGateway(t, providers.NewScriptedProvider(agent.Reply{Kind: agent.ReplyFinal, Text: "hi"}), Config{})

	var started startTurnResponse
	doJSON(t, http.MethodPost, base+"/v1/turns", "", startTurnRequest{Prompt: "hi", RequesterID: "U1"}, &started)

	url := fmt.Sprintf("%s/v1/turns/%s/approvals/c1", base, started.TurnID)
	if code := doJSON(t, http.MethodPost, url, "", resolveApprovalRequest{Decision: models.DecisionApproved}, nil); code != http.StatusBadRequest {
		t.Errorf("missing actor = %d, want 400", code)
	}
	if code := doJSON(t, http.MethodPost, url, "", resolveApprovalRequest{ActorID: "U1", Decision: "maybe"}, nil); code != http.StatusBadRequest {
		t.Errorf("bad decision = %d, want 400", code)
	}
}
