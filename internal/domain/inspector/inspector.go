// Package inspector decodes the results of the page inspection tools.
package inspector

import (
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"taskrunner/internal/domain/action"
	"taskrunner/internal/domain/task"
	jsonx "taskrunner/internal/shared/json"
)

const (
	jsExecutionMarker  = "JavaScript execution"
	networkStartMarker = "<inspector>"
	networkEndMarker   = "</inspector>"
	networkOperation   = "Network monitoring"
)

// Kind distinguishes inspector results.
type Kind string

const (
	KindJS      Kind = "js"
	KindNetwork Kind = "network"
)

// JSResult is a decoded JavaScript inspector result.
type JSResult struct {
	Code       string    `json:"code"`
	Operation  string    `json:"operation"`
	Result     any       `json:"result,omitempty"`
	HasResult  bool      `json:"has_result"`
	ResultType string    `json:"result_type"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Validation converts the result into the report verdict. Success means no
// error and a result was produced; a JavaScript null counts as a result.
func (r JSResult) Validation() *task.JSValidation {
	return &task.JSValidation{
		Expression: r.Code,
		Success:    r.Error == "" && r.HasResult,
		Result:     r.Result,
		Error:      r.Error,
	}
}

// NetworkResult is a decoded network inspector result.
type NetworkResult struct {
	Requests  []any     `json:"requests"`
	Operation string    `json:"operation"`
	RawOutput string    `json:"raw_output,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsJSResult reports whether a tool result should be read as JavaScript
// inspector output.
func IsJSResult(tool, output, errText string) bool {
	if output == "" && errText == "" {
		return false
	}
	return action.IsJSInspector(tool) || strings.Contains(output, jsExecutionMarker)
}

// IsNetworkResult reports whether a tool result carries network inspector output.
func IsNetworkResult(tool, output string) bool {
	return output != "" && tool == action.ToolInspectNetwork
}

type jsPayload struct {
	Code       string `json:"code"`
	Result     any    `json:"result"`
	ResultType string `json:"resultType"`
	Error      string `json:"error"`
}

// ParseJS decodes a JavaScript inspector result. inspect_js returns the raw
// value, so the code comes from the preceding tool call (lastCode).
// js_inspector returns a JSON object; malformed JSON is repaired when
// possible and otherwise treated as plain text.
func ParseJS(tool, output, errText, lastCode string, now time.Time) JSResult {
	operation := action.ToolJSInspector
	var payload jsPayload
	resultKey := false

	if tool == action.ToolInspectJS {
		operation = action.ToolInspectJS
		payload = jsPayload{
			Code:       orDefault(lastCode, "JavaScript code"),
			Result:     orDefault(output, "Error occurred"),
			ResultType: "text",
			Error:      errText,
		}
	} else if !decodeObject(output, &payload) {
		code := "Unknown"
		if strings.Contains(output, "Result:") || strings.Contains(output, jsExecutionMarker) {
			code = jsExecutionMarker
		}
		payload = jsPayload{Code: code, Result: output, ResultType: "text", Error: errText}
	} else {
		var fields map[string]any
		if decodeObject(output, &fields) {
			_, resultKey = fields["result"]
		}
		if payload.Error == "" {
			payload.Error = errText
		}
	}

	result := payload.Result
	if result == nil || result == "" {
		result = nil
		if output != "" {
			result = output
		}
	}

	return JSResult{
		Code:       orDefault(payload.Code, jsExecutionMarker),
		Operation:  operation,
		Result:     result,
		HasResult:  result != nil || resultKey,
		ResultType: orDefault(payload.ResultType, "unknown"),
		Error:      payload.Error,
		Timestamp:  now,
	}
}

type networkPayload struct {
	Requests  []any  `json:"requests"`
	Operation string `json:"operation"`
	Error     string `json:"error"`
}

// ParseNetwork decodes network inspector output. Structured data sits
// between <inspector> markers; anything else is kept as raw output.
func ParseNetwork(output string, now time.Time) NetworkResult {
	result := NetworkResult{Requests: []any{}, Operation: networkOperation, Timestamp: now}

	start := strings.Index(output, networkStartMarker)
	if start < 0 {
		result.RawOutput = output
		return result
	}
	end := strings.Index(output, networkEndMarker)
	if end < start {
		result.Error = "Failed to parse structured data"
		return result
	}

	var payload networkPayload
	body := strings.TrimSpace(output[start+len(networkStartMarker) : end])
	if !decodeObject(body, &payload) {
		result.Error = "Failed to parse structured data"
		return result
	}
	if payload.Requests != nil {
		result.Requests = payload.Requests
	}
	result.Operation = orDefault(payload.Operation, networkOperation)
	result.Error = payload.Error
	return result
}

// decodeObject unmarshals a JSON object from raw, repairing it once on failure.
func decodeObject(raw string, out any) bool {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	if err := jsonx.Unmarshal([]byte(trimmed), out); err == nil {
		return true
	}
	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err != nil {
		return false
	}
	return jsonx.Unmarshal([]byte(repaired), out) == nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
