package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want errorKind
	}{
		{"canceled", context.Canceled, errKindCanceled},
		{"wrapped canceled", fmt.Errorf("stream: %w", context.Canceled), errKindCanceled},
		{"stale previous response", errors.New("400: Previous response with id 'resp_1' not found"), errKindStaleContinuation},
		{"stale expired", errors.New("response has expired"), errKindStaleContinuation},
		{"missing reasoning", errors.New("400: Item 'rs_1' of type 'reasoning' was provided without its required following item: missing reasoning item"), errKindProtocolMismatch},
		{"no tool output", errors.New("No tool output found for function call call_7"), errKindProtocolMismatch},
		{"plain transport", errors.New("connection reset by peer"), errKindTransport},
		{"server 500", errors.New("500 internal server error"), errKindTransport},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := classifyError(tc.err); got != tc.want {
				t.Fatalf("classifyError(%v) = %q; want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsSuppressedProtocolError(t *testing.T) {
	t.Parallel()
	if !isSuppressedProtocolError(errors.New("no tool output found for call")) {
		t.Fatalf("expected suppression")
	}
	if isSuppressedProtocolError(errors.New("boom")) {
		t.Fatalf("plain errors must not be suppressed")
	}
}
