package approvals

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/gatewright/gatewright/pkg/models"
)

// ruleMatches evaluates one rule predicate against a tool input. The
// field is extracted by dot-path; a missing field reads as "".
func ruleMatches(rule models.ApprovalRule, input map[string]any) bool {
	fv := fieldString(input, rule.Field)
	switch rule.Operator {
	case models.OpEquals:
		return fv == rule.Value
	case models.OpNotEquals:
		return fv != rule.Value
	case models.OpIncludes:
		return strings.Contains(fv, rule.Value)
	case models.OpNotIncludes:
		return !strings.Contains(fv, rule.Value)
	}
	return false
}

// fieldString extracts input[path] by dot-path and renders it as a
// string. nil and missing values render as "".
func fieldString(input map[string]any, path string) string {
	if path == "" {
		return ""
	}
	var current any = input
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = m[seg]
		if !ok {
			return ""
		}
	}
	return stringify(current)
}

func stringify(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case json.Number:
		return typed.String()
	default:
		payload, err := json.Marshal(typed)
		if err != nil {
			return ""
		}
		return string(payload)
	}
}

func sortRequests(requests []models.ApprovalRequest) {
	sort.Slice(requests, func(i, j int) bool {
		if requests[i].CreatedAt.Equal(requests[j].CreatedAt) {
			return requests[i].CallID < requests[j].CallID
		}
		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})
}
