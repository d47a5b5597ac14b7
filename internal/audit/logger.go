// Package audit writes a durable record of turn lifecycles, tool
// invocations, and approval decisions. Receipts die with their session;
// the audit log is the copy that survives.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatewright/gatewright/pkg/models"
)

// Logger is an async, buffered audit writer. All Log* methods are
// nil-safe and non-blocking: when the buffer is full the event is
// dropped and a drop counter incremented.
type Logger struct {
	config  Config
	output  io.WriteCloser
	slogger *slog.Logger
	buffer  chan *Event
	wg      sync.WaitGroup
	done    chan struct{}

	mu      sync.Mutex
	dropped int
}

// NewLogger creates an audit logger. A disabled config yields a no-op
// logger; Close is still safe to call.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}

	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	var output io.WriteCloser
	switch {
	case config.Output == "stdout" || config.Output == "":
		output = os.Stdout
	case config.Output == "stderr":
		output = os.Stderr
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log file: %w", err)
		}
		output = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", config.Output)
	}

	l := &Logger{
		config: config,
		output: output,
		buffer: make(chan *Event, config.BufferSize),
		done:   make(chan struct{}),
	}
	l.slogger = slog.New(slog.NewJSONHandler(output, nil)).With("component", "audit")

	l.wg.Add(1)
	go l.writeLoop()
	return l, nil
}

// Close flushes buffered events and closes the output.
func (l *Logger) Close() error {
	if l == nil || !l.config.Enabled {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	if l.output != os.Stdout && l.output != os.Stderr {
		return l.output.Close()
	}
	return nil
}

// Dropped reports how many events were discarded due to a full buffer.
func (l *Logger) Dropped() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *Logger) log(event *Event) {
	if l == nil || !l.config.Enabled {
		return
	}
	event.ID = uuid.NewString()
	event.Timestamp = time.Now().UTC()
	select {
	case l.buffer <- event:
	default:
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
	}
}

// LogTurnStarted records the opening of a turn session.
func (l *Logger) LogTurnStarted(turnID, requesterID, channelID, prompt string) {
	l.log(&Event{
		Type:    EventTurnStarted,
		TurnID:  turnID,
		ActorID: requesterID,
		Details: map[string]any{
			"channel_id": channelID,
			"prompt":     l.redact(prompt),
		},
	})
}

// LogTurnFinished records the terminal outcome of a turn.
func (l *Logger) LogTurnFinished(turnID string, state models.TurnState, reason models.FailReason, receiptCount int, duration time.Duration) {
	details := map[string]any{
		"state":         string(state),
		"receipt_count": receiptCount,
		"duration_ms":   duration.Milliseconds(),
	}
	if reason != "" {
		details["reason"] = string(reason)
	}
	l.log(&Event{Type: EventTurnFinished, TurnID: turnID, Details: details})
}

// LogToolCall records one receipt.
func (l *Logger) LogToolCall(turnID string, receipt models.Receipt) {
	l.log(&Event{
		Type:   EventToolCall,
		TurnID: turnID,
		Details: map[string]any{
			"tool_path":     receipt.ToolPath,
			"call_id":       receipt.CallID,
			"decision":      string(receipt.Decision),
			"status":        string(receipt.Status),
			"input_preview": l.redact(receipt.InputPreview),
			"output_digest": receipt.OutputDigest,
			"error":         receipt.Error,
			"duration_ms":   receipt.FinishedAt.Sub(receipt.StartedAt).Milliseconds(),
		},
	})
}

// LogApproval records who decided an approval and how.
func (l *Logger) LogApproval(res models.ApprovalResolution) {
	l.log(&Event{
		Type:    EventApprovalResolved,
		TurnID:  res.TurnID,
		ActorID: res.ActorID,
		Details: map[string]any{
			"call_id":   res.CallID,
			"tool_path": res.ToolPath,
			"decision":  string(res.Decision),
			"timed_out": res.TimedOut,
		},
	})
}

// LogRuleAdded records a new turn-scoped approval rule.
func (l *Logger) LogRuleAdded(rule models.ApprovalRule, autoResolved int) {
	l.log(&Event{
		Type:   EventRuleAdded,
		TurnID: rule.TurnID,
		Details: map[string]any{
			"rule_id":       rule.ID,
			"tool_path":     rule.ToolPath,
			"field":         rule.Field,
			"operator":      string(rule.Operator),
			"decision":      string(rule.Decision),
			"auto_resolved": autoResolved,
		},
	})
}

// redact is called while building events, before log()'s nil guard,
// so it must tolerate a nil receiver itself.
func (l *Logger) redact(s string) string {
	if l == nil || !l.config.HashInputs || s == "" {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(sum[:8])
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		case <-ticker.C:
			l.drain()
		case <-l.done:
			l.drain()
			return
		}
	}
}

func (l *Logger) drain() {
	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		default:
			return
		}
	}
}

func (l *Logger) writeEvent(event *Event) {
	attrs := []any{
		"audit_id", event.ID,
		"event_type", string(event.Type),
		"ts", event.Timestamp.Format(time.RFC3339Nano),
	}
	if event.TurnID != "" {
		attrs = append(attrs, "turn_id", event.TurnID)
	}
	if event.ActorID != "" {
		attrs = append(attrs, "actor_id", event.ActorID)
	}
	for key, value := range event.Details {
		attrs = append(attrs, key, value)
	}
	l.slogger.Info(string(event.Type), attrs...)
}
