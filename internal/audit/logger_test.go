package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gatewright/gatewright/pkg/models"
)

func fileLogger(t *testing.T, hashInputs bool) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewLogger(Config{
		Enabled:    true,
		Output:     "file:" + path,
		HashInputs: hashInputs,
	})
	if err != nil {
		t.Fatal(err)
	}
	return l, path
}

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var records []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var record map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("malformed audit line %q: %v", scanner.Text(), err)
		}
		records = append(records, record)
	}
	return records
}

func TestLoggerWritesTurnLifecycle(t *testing.T) {
	l, path := fileLogger(t, false)

	l.LogTurnStarted("t-1", "U1", "C1", "schedule dinner")
	l.LogToolCall("t-1", models.Receipt{
		ToolPath:   "calendar.update",
		CallID:     "c-1",
		Decision:   models.ReceiptApproved,
		Status:     models.StatusSucceeded,
		StartedAt:  time.Now(),
		FinishedAt: time.Now().Add(5 * time.Millisecond),
	})
	l.LogTurnFinished("t-1", models.TurnCompleted, "", 1, 200*time.Millisecond)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	records := readRecords(t, path)
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	wantTypes := []string{string(EventTurnStarted), string(EventToolCall), string(EventTurnFinished)}
	for i, record := range records {
		if record["event_type"] != wantTypes[i] {
			t.Errorf("record %d type = %v, want %s", i, record["event_type"], wantTypes[i])
		}
		if record["turn_id"] != "t-1" {
			t.Errorf("record %d turn_id = %v", i, record["turn_id"])
		}
		if record["audit_id"] == "" || record["audit_id"] == nil {
			t.Errorf("record %d has no audit_id", i)
		}
	}
	if records[0]["prompt"] != "schedule dinner" {
		t.Errorf("prompt = %v", records[0]["prompt"])
	}
	if records[1]["decision"] != "approved" || records[1]["status"] != "succeeded" {
		t.Errorf("tool call record = %v", records[1])
	}
}

func TestLoggerHashesInputs(t *testing.T) {
	l, path := fileLogger(t, true)

	l.LogTurnStarted("t-1", "U1", "C1", "a sensitive prompt")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	records := readRecords(t, path)
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	prompt, _ := records[0]["prompt"].(string)
	if !strings.HasPrefix(prompt, "sha256:") {
		t.Errorf("prompt = %q, want sha256 digest", prompt)
	}
	if strings.Contains(prompt, "sensitive") {
		t.Error("raw prompt leaked into the audit log")
	}
}

func TestLoggerApprovalRecord(t *testing.T) {
	l, path := fileLogger(t, false)

	l.LogApproval(models.ApprovalResolution{
		CallID:   "c-1",
		TurnID:   "t-1",
		ToolPath: "calendar.update",
		Decision: models.DecisionDenied,
		ActorID:  models.ActorTimeout,
		TimedOut: true,
	})
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	records := readRecords(t, path)
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	r := records[0]
	if r["actor_id"] != models.ActorTimeout || r["decision"] != "denied" || r["timed_out"] != true {
		t.Errorf("approval record = %v", r)
	}
}

func TestDisabledLoggerIsNoop(t *testing.T) {
	l, err := NewLogger(Config{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	l.LogTurnStarted("t-1", "U1", "C1", "hello")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// Every Log* method must tolerate a nil logger, including the ones
	// that redact details while building the event.
	var nilLogger *Logger
	nilLogger.LogTurnStarted("t-1", "U1", "C1", "hello")
	nilLogger.LogToolCall("t-1", models.Receipt{ToolPath: "math.add", InputPreview: `{"a":1}`})
	nilLogger.LogTurnFinished("t-1", models.TurnFailed, models.ReasonInternal, 0, 0)
	if err := nilLogger.Close(); err != nil {
		t.Fatal(err)
	}
	if nilLogger.Dropped() != 0 {
		t.Error("nil logger reported drops")
	}
}

func TestLoggerRejectsUnknownOutput(t *testing.T) {
	if _, err := NewLogger(Config{Enabled: true, Output: "syslog"}); err == nil {
		t.Fatal("expected error for unsupported output")
	}
}
