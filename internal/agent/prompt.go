package agent

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gatewright/gatewright/internal/tools"
	"github.com/gatewright/gatewright/pkg/models"
)

// SystemPrompt renders the instructions and tool catalog shown to the
// model. The contract: reply with either a final plain-text answer or a
// single fenced JavaScript snippet that calls tools.*.
func SystemPrompt(catalog []tools.Descriptor, now time.Time) string {
	var b strings.Builder
	b.WriteString("You are an assistant that completes tasks by writing JavaScript.\n")
	b.WriteString("Reply with EITHER a final plain-text answer for the user, OR a single\n")
	b.WriteString("fenced ```js code block to execute. Never both.\n\n")
	b.WriteString("Sandbox rules:\n")
	b.WriteString("- The only available API is the `tools` object listed below.\n")
	b.WriteString("- Tool calls are synchronous: `var r = tools.math.add({a: 1, b: 2});`\n")
	b.WriteString("- The value of the last expression is returned to you.\n")
	b.WriteString("- Tools marked approval=required suspend until a human decides;\n")
	b.WriteString("  a denial throws \"approval_denied\", which you may catch.\n")
	b.WriteString("- No network, filesystem, timers, or other ambient authority.\n\n")

	fmt.Fprintf(&b, "Current time: %s\n\n", now.UTC().Format(time.RFC3339))

	b.WriteString("Available tools:\n")
	for _, d := range catalog {
		fmt.Fprintf(&b, "- tools.%s (approval=%s)", d.Path, d.Approval)
		if d.Description != "" {
			fmt.Fprintf(&b, ": %s", d.Description)
		}
		b.WriteString("\n")
		if len(d.InputSchema) > 0 {
			fmt.Fprintf(&b, "  input schema: %s\n", compactJSON(d.InputSchema))
		}
		if len(d.OutputSchema) > 0 {
			fmt.Fprintf(&b, "  output schema: %s\n", compactJSON(d.OutputSchema))
		}
	}
	return b.String()
}

func compactJSON(raw []byte) string {
	return strings.Join(strings.Fields(string(raw)), " ")
}

var fencedBlock = regexp.MustCompile("(?s)```[a-zA-Z]*\n(.*?)```")

// ParseReply classifies raw model output. A fenced code block makes the
// reply executable; anything else is a final message.
func ParseReply(raw string) *Reply {
	trimmed := strings.TrimSpace(raw)
	if m := fencedBlock.FindStringSubmatch(trimmed); m != nil {
		if code := strings.TrimSpace(m[1]); code != "" {
			return &Reply{Kind: ReplyCode, Code: code}
		}
	}
	return &Reply{Kind: ReplyFinal, Text: trimmed}
}

// formatExecution renders a run result as the structured feedback the
// model sees on the next step.
func formatExecution(ok bool, value, errText string, receipts []models.Receipt) string {
	var b strings.Builder
	if ok {
		b.WriteString("Execution succeeded.\n")
		if value != "" {
			fmt.Fprintf(&b, "Result: %s\n", value)
		}
	} else {
		fmt.Fprintf(&b, "Execution failed: %s\n", errText)
	}
	if len(receipts) > 0 {
		b.WriteString("Tool calls:\n")
		for _, r := range receipts {
			fmt.Fprintf(&b, "- %s: decision=%s status=%s", r.ToolPath, r.Decision, r.Status)
			if r.Error != "" {
				fmt.Fprintf(&b, " error=%s", r.Error)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("Reply with a final answer, or another ```js block to continue.")
	return b.String()
}
