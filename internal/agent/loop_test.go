package agent_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gatewright/gatewright/internal/agent"
	"github.com/gatewright/gatewright/internal/agent/providers"
	"github.com/gatewright/gatewright/internal/approvals"
	"github.com/gatewright/gatewright/internal/tools"
	"github.com/gatewright/gatewright/pkg/models"
)

type eventLog struct {
	mu     sync.Mutex
	events []models.TurnEvent
}

func (l *eventLog) Emit(event models.TurnEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) all() []models.TurnEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.TurnEvent(nil), l.events...)
}

func (l *eventLog) types() []models.TurnEventType {
	var out []models.TurnEventType
	for _, e := range l.all() {
		out = append(out, e.Type)
	}
	return out
}

func loopRegistry(t *testing.T) *tools.Registry {
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

func newLoop(t *testing.T, provider agent.Provider, cfg *agent.LoopConfig, sink agent.EventSink) (*agent.Loop, *approvals.Registry) {
	t.Helper()
	approvalReg := approvals.NewRegistry(nil)
	loop := agent.NewLoop(provider, loopRegistry(t), approvalReg, cfg, sink, "turn-1", "U1", time.Time{}, nil)
	return loop, approvalReg
}

func TestLoopAutoToolHappyPath(t *testing.T) {
	provider := providers.NewScriptedProvider(
		agent.Reply{Kind: agent.ReplyCode, Code: `tools.math.add({a: 2, b: 3})`},
		agent.Reply{Kind: agent.ReplyFinal, Text: "2 + 3 = 5"},
	)
	log := &eventLog{}
	loop, _ := newLoop(t, provider, nil, log)

	outcome := loop.Run(context.Background(), "add 2 and 3")

	if outcome.State != models.TurnCompleted {
		t.Fatalf("state = %q, diagnostic %q", outcome.State, outcome.Diagnostic)
	}
	if !strings.Contains(outcome.Text, "5") {
		t.Errorf("text = %q", outcome.Text)
	}
	if len(outcome.Receipts) != 1 {
		t.Fatalf("receipts = %d, want 1", len(outcome.Receipts))
	}
	receipt := outcome.Receipts[0]
	if receipt.ToolPath != "math.add" || receipt.Decision != models.ReceiptAuto || receipt.Status != models.StatusSucceeded {
		t.Errorf("receipt = %+v", receipt)
	}

	want := []models.TurnEventType{models.EventCodeGenerated, models.EventToolResult, models.EventAgentMessage}
	got := log.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLoopApprovalApproved(t *testing.T) {
	provider := providers.NewScriptedProvider(
		agent.Reply{Kind: agent.ReplyCode, Code: `tools.calendar.update({title: "Dinner with Ella"})`},
		agent.Reply{Kind: agent.ReplyFinal, Text: "Scheduled."},
	)
	log := &eventLog{}
	loop, approvalReg := newLoop(t, provider, nil, log)

	done := make(chan *agent.Outcome, 1)
	go func() { done <- loop.Run(context.Background(), "schedule dinner with Ella tomorrow at 5pm") }()

	callID := waitForPending(t, approvalReg, "turn-1")
	if status := approvalReg.Resolve(callID, "U1", models.DecisionApproved); status != models.ResolveOK {
		t.Fatalf("resolve status = %q", status)
	}

	outcome := <-done
	if outcome.State != models.TurnCompleted {
		t.Fatalf("state = %q, diagnostic %q", outcome.State, outcome.Diagnostic)
	}
	if len(outcome.Receipts) != 1 || outcome.Receipts[0].Decision != models.ReceiptApproved {
		t.Errorf("receipts = %+v", outcome.Receipts)
	}

	// awaiting_approval, then approval_resolved, then the receipt.
	assertCallOrdering(t, log.all(), callID)
}

func TestLoopApprovalDeniedContinues(t *testing.T) {
	provider := providers.NewScriptedProvider(
		agent.Reply{Kind: agent.ReplyCode, Code: `tools.calendar.update({title: "Dinner"})`},
		agent.Reply{Kind: agent.ReplyFinal, Text: "Understood, I won't touch the calendar."},
	)
	log := &eventLog{}
	loop, approvalReg := newLoop(t, provider, nil, log)

	done := make(chan *agent.Outcome, 1)
	go func() { done <- loop.Run(context.Background(), "schedule dinner") }()

	callID := waitForPending(t, approvalReg, "turn-1")
	approvalReg.Resolve(callID, "U1", models.DecisionDenied)

	outcome := <-done
	if outcome.State != models.TurnCompleted {
		t.Fatalf("denied approval must not fail the turn: %q (%s)", outcome.State, outcome.Diagnostic)
	}
	if len(outcome.Receipts) != 1 {
		t.Fatalf("receipts = %+v", outcome.Receipts)
	}
	if outcome.Receipts[0].Decision != models.ReceiptDenied || outcome.Receipts[0].Status != models.StatusDenied {
		t.Errorf("receipt = %+v", outcome.Receipts[0])
	}
}

func TestLoopStepBudgetExhaustion(t *testing.T) {
	useless := agent.Reply{Kind: agent.ReplyCode, Code: `1 + 1`}
	provider := providers.NewScriptedProvider(useless, useless, useless)
	log := &eventLog{}
	loop, _ := newLoop(t, provider, &agent.LoopConfig{MaxSteps: 2}, log)

	outcome := loop.Run(context.Background(), "do something")

	if outcome.State != models.TurnFailed || outcome.FailReason != models.ReasonStepBudget {
		t.Fatalf("outcome = %+v", outcome)
	}
	codeEvents := 0
	for _, e := range log.all() {
		if e.Type == models.EventCodeGenerated {
			codeEvents++
		}
	}
	if codeEvents != 2 {
		t.Errorf("code_generated events = %d, want exactly 2", codeEvents)
	}
}

func TestLoopProviderUnavailable(t *testing.T) {
	calls := 0
	provider := providerFunc(func(context.Context, *agent.Request) (*agent.Reply, error) {
		calls++
		return nil, errors.New("connection refused")
	})
	loop, _ := newLoop(t, provider, nil, &eventLog{})

	outcome := loop.Run(context.Background(), "hello")

	if outcome.State != models.TurnFailed || outcome.FailReason != models.ReasonLMUnavailable {
		t.Fatalf("outcome = %+v", outcome)
	}
	if calls != 2 {
		t.Errorf("provider calls = %d, want 2 (one retry)", calls)
	}
}

func TestLoopSandboxFaultAfterRepeatedFailures(t *testing.T) {
	broken := agent.Reply{Kind: agent.ReplyCode, Code: `this is not javascript at all(`}
	provider := providers.NewScriptedProvider(broken, broken, broken)
	loop, _ := newLoop(t, provider, nil, &eventLog{})

	outcome := loop.Run(context.Background(), "hello")

	if outcome.State != models.TurnFailed || outcome.FailReason != models.ReasonSandboxFault {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.Steps != 2 {
		t.Errorf("steps = %d, want 2", outcome.Steps)
	}
}

func TestLoopCancellation(t *testing.T) {
	provider := providers.NewScriptedProvider(
		agent.Reply{Kind: agent.ReplyCode, Code: `tools.calendar.update({title: "Dinner"})`},
	)
	loop, approvalReg := newLoop(t, provider, nil, &eventLog{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *agent.Outcome, 1)
	go func() { done <- loop.Run(ctx, "schedule dinner") }()

	waitForPending(t, approvalReg, "turn-1")
	cancel()

	outcome := <-done
	if outcome.State != models.TurnCancelled {
		t.Fatalf("state = %q", outcome.State)
	}
	if approvalReg.Size() != 0 {
		t.Errorf("approval registry size = %d after cancellation, want 0", approvalReg.Size())
	}
}

func TestLoopVerboseFooter(t *testing.T) {
	provider := providers.NewScriptedProvider(
		agent.Reply{Kind: agent.ReplyCode, Code: `tools.math.add({a: 1, b: 1})`},
		agent.Reply{Kind: agent.ReplyFinal, Text: "done"},
	)
	loop, _ := newLoop(t, provider, &agent.LoopConfig{VerboseFooter: true}, &eventLog{})

	outcome := loop.Run(context.Background(), "add")
	if outcome.State != models.TurnCompleted {
		t.Fatalf("state = %q", outcome.State)
	}
	if !strings.Contains(outcome.Footer, "step 1") || !strings.Contains(outcome.Footer, "step 2") {
		t.Errorf("footer = %q", outcome.Footer)
	}
}

func TestLoopRuleMatchAtOpenEmitsNoApprovalEvents(t *testing.T) {
	provider := providers.NewScriptedProvider(
		agent.Reply{Kind: agent.ReplyCode, Code: `tools.calendar.update({title: "Dinner"})`},
		agent.Reply{Kind: agent.ReplyFinal, Text: "Scheduled."},
	)
	log := &eventLog{}
	loop, approvalReg := newLoop(t, provider, nil, log)

	if _, err := approvalReg.AddRule(models.ApprovalRule{
		TurnID:   "turn-1",
		ToolPath: "calendar.update",
		Field:    "title",
		Operator: models.OpEquals,
		Value:    "Dinner",
		Decision: models.DecisionApproved,
	}); err != nil {
		t.Fatal(err)
	}

	outcome := loop.Run(context.Background(), "schedule dinner")
	if outcome.State != models.TurnCompleted {
		t.Fatalf("state = %q (%s)", outcome.State, outcome.Diagnostic)
	}
	if len(outcome.Receipts) != 1 || outcome.Receipts[0].Decision != models.ReceiptApproved || outcome.Receipts[0].Status != models.StatusSucceeded {
		t.Fatalf("receipts = %+v", outcome.Receipts)
	}

	// The call never suspended: no awaiting_approval, and no
	// approval_resolved without a preceding awaiting_approval.
	for _, e := range log.all() {
		if e.Type == models.EventAwaitingApproval || e.Type == models.EventApprovalResolved {
			t.Errorf("unexpected %s event for a rule match at open time", e.Type)
		}
	}
	want := []models.TurnEventType{models.EventCodeGenerated, models.EventToolResult, models.EventAgentMessage}
	got := log.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestLoopPerStepTimeoutBoundsProvider(t *testing.T) {
	provider := providerFunc(func(ctx context.Context, _ *agent.Request) (*agent.Reply, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	loop, _ := newLoop(t, provider, &agent.LoopConfig{
		PerStepTimeout: 30 * time.Millisecond,
		TotalTimeout:   5 * time.Second,
	}, &eventLog{})

	start := time.Now()
	outcome := loop.Run(context.Background(), "hello")

	if outcome.State != models.TurnFailed || outcome.FailReason != models.ReasonLMUnavailable {
		t.Fatalf("outcome = %+v", outcome)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("stalled provider held the turn for %s; the step deadline did not apply", elapsed)
	}
}

type providerFunc func(ctx context.Context, req *agent.Request) (*agent.Reply, error)

func (providerFunc) Name() string { return "stub" }

func (f providerFunc) Generate(ctx context.Context, req *agent.Request) (*agent.Reply, error) {
	return f(ctx, req)
}

func waitForPending(t *testing.T, reg *approvals.Registry, turnID string) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if pending := reg.ListPending(turnID); len(pending) > 0 {
			return pending[0].CallID
		}
		select {
		case <-deadline:
			t.Fatal("no pending approval appeared")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func assertCallOrdering(t *testing.T, events []models.TurnEvent, callID string) {
	t.Helper()
	awaitingAt, resolvedAt, receiptAt := -1, -1, -1
	for i, e := range events {
		switch e.Type {
		case models.EventAwaitingApproval:
			if e.Approval.CallID == callID && awaitingAt < 0 {
				awaitingAt = i
			}
		case models.EventApprovalResolved:
			if e.Resolution.CallID == callID && resolvedAt < 0 {
				resolvedAt = i
			}
		case models.EventToolResult:
			if e.Receipt.CallID == callID && receiptAt < 0 {
				receiptAt = i
			}
		}
	}
	if awaitingAt < 0 || resolvedAt < 0 || receiptAt < 0 {
		t.Fatalf("missing events for call %s: awaiting=%d resolved=%d receipt=%d", callID, awaitingAt, resolvedAt, receiptAt)
	}
	if !(awaitingAt < resolvedAt && resolvedAt < receiptAt) {
		t.Errorf("ordering violated: awaiting=%d resolved=%d receipt=%d", awaitingAt, resolvedAt, receiptAt)
	}
}
