package toolerr

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		err       error
		code      Code
		retryable bool
	}{
		{"nil error", nil, "", false},
		{"canceled", context.Canceled, CodeCanceled, false},
		{"wrapped canceled", errors.Join(errors.New("call aborted"), context.Canceled), CodeCanceled, false},
		{"deadline", context.DeadlineExceeded, CodeTimeout, true},
		{"timeout text", errors.New("request timed out after 30s"), CodeTimeout, true},
		{"unknown function", errors.New("unknown function: fetch_weather"), CodeUnknownFunction, false},
		{"invalid json", errors.New("invalid JSON arguments for current_time"), CodeInvalidArgs, true},
		{"rate limited", errors.New("429 Too Many Requests"), CodeRateLimited, true},
		{"other", errors.New("disk full"), CodeUnknown, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify("some_tool", tc.err)
			if tc.err == nil {
				if got != nil {
					t.Fatalf("Classify(nil) = %+v; want nil", got)
				}
				return
			}
			if got.Code != tc.code {
				t.Fatalf("code = %s; want %s", got.Code, tc.code)
			}
			if got.Retryable != tc.retryable {
				t.Fatalf("retryable = %v; want %v", got.Retryable, tc.retryable)
			}
			if got.Message == "" {
				t.Fatalf("message must not be empty")
			}
		})
	}
}

func TestRender(t *testing.T) {
	t.Parallel()

	if got := Render(nil); got != "" {
		t.Fatalf("Render(nil) = %q", got)
	}

	got := Render(&ToolError{Code: CodeInvalidArgs, Message: "  bad args  ", SuggestedFixes: []string{"Fix A", " Fix A ", "", "Fix B"}})
	want := "Error: bad args\nHint: Fix A\nHint: Fix B"
	if got != want {
		t.Fatalf("Render = %q; want %q", got, want)
	}
}

func TestRenderErrorPrefix(t *testing.T) {
	t.Parallel()

	got := RenderError("current_time", errors.New("no clock available"))
	if !strings.HasPrefix(got, "Error: ") {
		t.Fatalf("rendered output %q lacks the Error prefix", got)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	te := &ToolError{}
	te.Normalize()
	if te.Code != CodeUnknown || te.Message != "Tool failed" {
		t.Fatalf("normalized = %+v", te)
	}
}
