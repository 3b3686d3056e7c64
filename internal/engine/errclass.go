package engine

import (
	"context"
	"errors"
	"strings"
)

// errorKind is the engine-level error taxonomy.
type errorKind string

const (
	errKindTransport         errorKind = "transport"
	errKindStaleContinuation errorKind = "stale_continuation"
	errKindProtocolMismatch  errorKind = "protocol_mismatch"
	errKindCanceled          errorKind = "canceled"
)

// staleContinuationMarkers match the server rejecting a continuation id as
// unknown or expired, which happens after model/version changes invalidate
// old identifiers.
var staleContinuationMarkers = []string{
	"previous response",
	"previous_response",
	"continuation not found",
	"response not found",
	"response id not found",
	"has expired",
}

// suppressedProtocolMarkers are known transient, self-correcting races. They
// are logged but never surfaced to the user because the next turn naturally
// resolves them.
var suppressedProtocolMarkers = []string{
	"missing reasoning item",
	"no tool output found",
}

func classifyError(err error) errorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return errKindCanceled
	}
	lower := strings.ToLower(err.Error())
	for _, marker := range staleContinuationMarkers {
		if strings.Contains(lower, marker) {
			return errKindStaleContinuation
		}
	}
	for _, marker := range suppressedProtocolMarkers {
		if strings.Contains(lower, marker) {
			return errKindProtocolMismatch
		}
	}
	return errKindTransport
}

func isSuppressedProtocolError(err error) bool {
	return classifyError(err) == errKindProtocolMismatch
}
