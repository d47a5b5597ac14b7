// Package runner executes one model-generated code snippet in a
// sandboxed JavaScript interpreter. The only host surface is the
// namespaced tools object; every call is gated through schema
// validation and, for sensitive tools, the approval registry.
package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/gatewright/gatewright/internal/approvals"
	"github.com/gatewright/gatewright/internal/tools"
	"github.com/gatewright/gatewright/pkg/models"
)

// Fixed error kinds thrown into the sandbox. Generated code may catch
// them; uncaught they fail the run.
const (
	ErrKindApprovalDenied       = "approval_denied"
	ErrKindInputSchemaViolation = "input_schema_violation"
	ErrKindTimedOut             = "timed_out"
	ErrKindCancelled            = "cancelled"
)

// Config bounds a single run.
type Config struct {
	// RunTimeout is the wall-clock budget for the whole snippet.
	RunTimeout time.Duration
	// ApprovalTimeout is the per-approval deadline passed to the
	// approval registry.
	ApprovalTimeout time.Duration
	// MaxPreviewLen bounds default input previews, in runes.
	MaxPreviewLen int
}

// Hooks connect a run to its owning session. All hooks are optional.
type Hooks struct {
	// OnAwaitingApproval fires after a pending approval is opened and
	// before the run suspends on it.
	OnAwaitingApproval func(models.ApprovalRequest)
	// OnReceipt fires for every receipt, in invocation order.
	OnReceipt func(models.Receipt)
	// NotifyResolution is forwarded to the approval registry; the
	// session uses it to emit approval_resolved events in order.
	NotifyResolution approvals.NotifyFunc
}

// Result is the outcome of one run. Receipts are populated in call
// order regardless of OK.
type Result struct {
	OK       bool
	Value    string // JSON rendering of the snippet's completion value
	Err      string
	Receipts []models.Receipt
}

// Runner executes code snippets for one turn. It holds read-only
// references into the tool registry; the registry owns the tools.
// Runs are serial: a turn executes one snippet at a time.
type Runner struct {
	tools     *tools.Registry
	approvals *approvals.Registry
	cfg       Config
	logger    *slog.Logger

	turnID      string
	requesterID string
	hooks       Hooks

	clock *stepClock // set for the duration of one Run
}

// New creates a runner bound to one turn.
func New(registry *tools.Registry, approvalReg *approvals.Registry, cfg Config, turnID, requesterID string, hooks Hooks, logger *slog.Logger) *Runner {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 20 * time.Second
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 5 * time.Minute
	}
	if cfg.MaxPreviewLen <= 0 {
		cfg.MaxPreviewLen = 160
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		tools:       registry,
		approvals:   approvalReg,
		cfg:         cfg,
		logger:      logger,
		turnID:      turnID,
		requesterID: requesterID,
		hooks:       hooks,
	}
}

// Run executes one snippet. The context carries cancellation from the
// session; cancelling it prevents further tool invocations, denies the
// outstanding approval, and still reports receipts for completed calls.
func (r *Runner) Run(ctx context.Context, code string) *Result {
	result := &Result{}

	vm := goja.New()
	if err := vm.Set("tools", r.buildToolTree(ctx, vm, result)); err != nil {
		result.Err = fmt.Sprintf("sandbox setup: %v", err)
		return result
	}

	// The wall clock covers sandbox execution only; it pauses while a
	// call is suspended on a human approval.
	r.clock = newStepClock(r.cfg.RunTimeout, func() {
		vm.Interrupt(ErrKindTimedOut)
	})
	defer func() {
		r.clock.StopClock()
		r.clock = nil
	}()

	cancelDone := make(chan struct{})
	defer close(cancelDone)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ErrKindCancelled)
		case <-cancelDone:
		}
	}()

	value, err := vm.RunString(code)
	if err != nil {
		result.Err = runError(err)
		r.logger.Debug("code run failed", "turn_id", r.turnID, "error", result.Err)
		return result
	}

	result.OK = true
	result.Value = exportValue(value)
	return result
}

func runError(err error) string {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if reason, ok := interrupted.Value().(string); ok {
			return reason
		}
		return ErrKindCancelled
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return exception.Error()
	}
	return err.Error()
}

func exportValue(value goja.Value) string {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return ""
	}
	exported := value.Export()
	payload, err := json.Marshal(exported)
	if err != nil {
		return fmt.Sprintf("%v", exported)
	}
	return string(payload)
}

// buildToolTree materializes the namespaced tools object inside the VM.
// Leaves become host functions; interior segments become plain objects.
func (r *Runner) buildToolTree(ctx context.Context, vm *goja.Runtime, result *Result) *goja.Object {
	root := vm.NewObject()
	r.tools.Walk(func(path string, tool tools.Tool) {
		segments := strings.Split(path, ".")
		current := root
		for _, seg := range segments[:len(segments)-1] {
			child, ok := current.Get(seg).(*goja.Object)
			if !ok || child == nil {
				child = vm.NewObject()
				_ = current.Set(seg, child)
			}
			current = child
		}
		leaf := segments[len(segments)-1]
		boundPath, boundTool := path, tool
		_ = current.Set(leaf, func(call goja.FunctionCall) goja.Value {
			return r.invoke(ctx, vm, result, boundPath, boundTool, call)
		})
	})
	return root
}

// invoke gates and executes one tool call from the sandbox.
func (r *Runner) invoke(ctx context.Context, vm *goja.Runtime, result *Result, path string, tool tools.Tool, call goja.FunctionCall) goja.Value {
	if ctx.Err() != nil {
		panic(vm.NewGoError(errors.New(ErrKindCancelled)))
	}

	input := exportInput(call)
	callID := uuid.NewString()
	started := time.Now()

	fail := func(decision models.ReceiptDecision, status models.ReceiptStatus, kind string) goja.Value {
		r.record(result, models.Receipt{
			ToolPath:     path,
			CallID:       callID,
			Decision:     decision,
			Status:       status,
			InputPreview: r.preview(tool, input),
			Error:        kind,
			StartedAt:    started,
			FinishedAt:   time.Now(),
		})
		panic(vm.NewGoError(errors.New(kind)))
	}

	if err := tools.ValidateInput(tool, input); err != nil {
		r.logger.Debug("tool input rejected", "turn_id", r.turnID, "tool", path, "error", err)
		return fail(models.ReceiptAuto, models.StatusFailed, ErrKindInputSchemaViolation)
	}

	decision := models.ReceiptAuto
	if tool.Approval() == models.ApprovalRequired {
		preview := r.preview(tool, input)

		var resolution models.ApprovalResolution
		notify := func(res models.ApprovalResolution) {
			resolution = res
		}

		pending, err := r.approvals.Open(approvals.OpenRequest{
			CallID:      callID,
			TurnID:      r.turnID,
			RequesterID: r.requesterID,
			ToolPath:    path,
			Input:       input,
			Preview:     preview,
			Timeout:     r.cfg.ApprovalTimeout,
			Notify:      notify,
		})
		if err != nil {
			return fail(models.ReceiptAuto, models.StatusFailed, err.Error())
		}

		if !pending.Immediate && r.hooks.OnAwaitingApproval != nil {
			r.hooks.OnAwaitingApproval(models.ApprovalRequest{
				CallID:       callID,
				TurnID:       r.turnID,
				ToolPath:     path,
				InputPreview: preview,
				CreatedAt:    started,
			})
		}

		r.clock.Pause()
		decided := pending.Wait(ctx)
		r.clock.Resume()

		// A rule match at Open time never suspended the call, so no
		// awaiting_approval event went out and no resolution event may
		// follow it. Wait returning guarantees notify has run.
		if !pending.Immediate && r.hooks.NotifyResolution != nil {
			r.hooks.NotifyResolution(resolution)
		}

		if decided == models.DecisionDenied {
			kind := ErrKindApprovalDenied
			if resolution.TimedOut {
				kind = ErrKindTimedOut
			} else if resolution.ActorID == models.ActorCancelled {
				kind = ErrKindCancelled
			}
			r.record(result, models.Receipt{
				ToolPath:     path,
				CallID:       callID,
				Decision:     models.ReceiptDenied,
				Status:       models.StatusDenied,
				InputPreview: preview,
				Error:        kind,
				StartedAt:    started,
				FinishedAt:   time.Now(),
			})
			panic(vm.NewGoError(errors.New(ErrKindApprovalDenied)))
		}
		decision = models.ReceiptApproved
	}

	output, err := tool.Run(ctx, input)
	if err != nil {
		status := models.StatusFailed
		if errors.Is(err, context.DeadlineExceeded) {
			status = models.StatusTimedOut
		}
		r.record(result, models.Receipt{
			ToolPath:     path,
			CallID:       callID,
			Decision:     decision,
			Status:       status,
			InputPreview: r.preview(tool, input),
			Error:        err.Error(),
			StartedAt:    started,
			FinishedAt:   time.Now(),
		})
		panic(vm.NewGoError(fmt.Errorf("tool %s failed: %w", path, err)))
	}

	r.record(result, models.Receipt{
		ToolPath:     path,
		CallID:       callID,
		Decision:     decision,
		Status:       models.StatusSucceeded,
		InputPreview: r.preview(tool, input),
		OutputDigest: digest(output),
		StartedAt:    started,
		FinishedAt:   time.Now(),
	})
	return vm.ToValue(output)
}

func (r *Runner) record(result *Result, receipt models.Receipt) {
	result.Receipts = append(result.Receipts, receipt)
	if r.hooks.OnReceipt != nil {
		r.hooks.OnReceipt(receipt)
	}
}

// preview renders the human-readable projection of a tool input. The
// tool's own Previewer wins; the default truncates canonical JSON with
// schema-marked secret fields redacted.
func (r *Runner) preview(tool tools.Tool, input map[string]any) string {
	if previewer, ok := tool.(tools.Previewer); ok {
		if p := previewer.PreviewInput(input); p != "" {
			return truncate(p, r.cfg.MaxPreviewLen)
		}
	}

	secret := tools.SecretFields(tool)
	projected := make(map[string]any, len(input))
	for key, value := range input {
		if secret[key] {
			projected[key] = "[redacted]"
			continue
		}
		projected[key] = value
	}
	payload, err := json.Marshal(projected)
	if err != nil {
		return ""
	}
	return truncate(string(payload), r.cfg.MaxPreviewLen)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

// exportInput converts the snippet's argument to the JSON data model
// tools are written against. The round-trip matters: goja exports JS
// integer literals as int64, while tools assert float64.
func exportInput(call goja.FunctionCall) map[string]any {
	if len(call.Arguments) == 0 {
		return map[string]any{}
	}
	payload, err := json.Marshal(call.Argument(0).Export())
	if err != nil {
		return map[string]any{}
	}
	var input map[string]any
	if err := json.Unmarshal(payload, &input); err != nil {
		return map[string]any{}
	}
	return input
}

// stepClock is the pausable wall-clock watchdog for one run. Pausing
// while suspended on an approval keeps human latency from counting
// against the execution budget.
type stepClock struct {
	mu        sync.Mutex
	timer     *time.Timer
	remaining time.Duration
	since     time.Time
	expired   bool
}

func newStepClock(budget time.Duration, onExpire func()) *stepClock {
	c := &stepClock{remaining: budget, since: time.Now()}
	c.timer = time.AfterFunc(budget, func() {
		c.mu.Lock()
		c.expired = true
		c.mu.Unlock()
		onExpire()
	})
	return c
}

func (c *stepClock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired || !c.timer.Stop() {
		return
	}
	c.remaining -= time.Since(c.since)
	if c.remaining < 0 {
		c.remaining = 0
	}
}

func (c *stepClock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired {
		return
	}
	c.since = time.Now()
	c.timer.Reset(c.remaining)
}

func (c *stepClock) StopClock() {
	c.timer.Stop()
}

func digest(output any) string {
	payload, err := json.Marshal(output)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
