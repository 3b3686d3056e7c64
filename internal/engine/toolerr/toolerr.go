// Package toolerr normalizes function execution failures into the textual
// form delivered back to the model. Execution failures are not protocol
// failures: the chain continues and the model reacts to the rendered text.
package toolerr

import (
	"context"
	"errors"
	"strings"
)

// Code is a stable, machine-readable tool error code.
type Code string

const (
	CodeUnknownFunction Code = "UNKNOWN_FUNCTION"
	CodeInvalidArgs     Code = "INVALID_ARGS"
	CodeTimeout         Code = "TIMEOUT"
	CodeCanceled        Code = "CANCELED"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeUnknown         Code = "UNKNOWN"
)

// ToolError carries structured failure metadata for one function call.
type ToolError struct {
	Code           Code     `json:"code"`
	Message        string   `json:"message"`
	Retryable      bool     `json:"retryable,omitempty"`
	SuggestedFixes []string `json:"suggested_fixes,omitempty"`
}

func (e *ToolError) Normalize() {
	if e == nil {
		return
	}
	e.Message = strings.TrimSpace(e.Message)
	if e.Message == "" {
		e.Message = "Tool failed"
	}
	if e.Code == "" {
		e.Code = CodeUnknown
	}
	if len(e.SuggestedFixes) > 0 {
		out := make([]string, 0, len(e.SuggestedFixes))
		seen := make(map[string]struct{}, len(e.SuggestedFixes))
		for _, it := range e.SuggestedFixes {
			v := strings.TrimSpace(it)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
		e.SuggestedFixes = out
	}
}

// Classify derives a ToolError from an execution failure.
func Classify(name string, err error) *ToolError {
	if err == nil {
		return nil
	}

	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "Tool failed"
	}
	lower := strings.ToLower(msg)

	out := &ToolError{Code: CodeUnknown, Message: msg}

	switch {
	case errors.Is(err, context.Canceled):
		out.Code = CodeCanceled
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(lower, "timed out"), strings.Contains(lower, "timeout"):
		out.Code = CodeTimeout
		out.Retryable = true
		out.SuggestedFixes = []string{"Retry with a smaller scope."}
	case strings.Contains(lower, "unknown function"), strings.Contains(lower, "no such function"):
		out.Code = CodeUnknownFunction
		out.SuggestedFixes = []string{"Use one of the declared functions."}
	case strings.Contains(lower, "invalid argument"), strings.Contains(lower, "invalid json"), strings.Contains(lower, "unmarshal"):
		out.Code = CodeInvalidArgs
		out.Retryable = true
		out.SuggestedFixes = []string{"Re-issue the call with arguments matching the declared schema."}
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"):
		out.Code = CodeRateLimited
		out.Retryable = true
	}

	out.Normalize()
	return out
}

// Render produces the textual output delivered to the model for a failed
// call. Always prefixed with "Error: " so the model can distinguish failures
// from results.
func Render(toolErr *ToolError) string {
	if toolErr == nil {
		return ""
	}
	toolErr.Normalize()
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(toolErr.Message)
	for _, fix := range toolErr.SuggestedFixes {
		b.WriteString("\nHint: ")
		b.WriteString(fix)
	}
	return b.String()
}

// RenderError is Classify followed by Render.
func RenderError(name string, err error) string {
	return Render(Classify(name, err))
}
