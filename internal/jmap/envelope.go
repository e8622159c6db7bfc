// Package jmap is the typed request/response layer: it knows how to
// build one of the method calls listed in spec §4.1 and how to pull a
// typed result back out of a batched jmap.Response by its echoed call
// id. It owns no transport or retry policy; that belongs to
// internal/remote.
package jmap

import (
	"fmt"

	gojmap "git.sr.ht/~rockorager/go-jmap"
)

// Call ids the engine uses. They are fixed per method rather than
// generated, since a run only ever issues a handful of invocations per
// batch and the ids exist purely so responses can be matched back to
// requests.
const (
	CallState   = "0"
	CallPrimary = "1"
	CallSecondary = "2"
)

// MethodError wraps a JMAP method-level error (as opposed to a
// transport error), carrying the method name it was returned for so
// callers can distinguish e.g. CannotCalculateChanges from everything
// else.
type MethodError struct {
	Method string
	Type   string
}

func (e *MethodError) Error() string {
	return fmt.Sprintf("%s returned method error %q", e.Method, e.Type)
}

// IsCannotCalculateChanges reports whether this is the one method error
// the engine treats as non-fatal (demote to full sync).
func (e *MethodError) IsCannotCalculateChanges() bool {
	return e.Type == "cannotCalculateChanges"
}

// Extract finds the invocation in resp matching callID and type-asserts
// its arguments to T (a pointer-to-response-struct type, e.g.
// *mailbox.GetResponse). A method-level error for that call id is
// returned as a *MethodError; a missing or mismatched call id is an
// "unexpected response" error, which the engine treats as fatal per
// §4.1.
func Extract[T any](resp *gojmap.Response, callID string) (T, error) {
	var zero T
	for _, inv := range resp.Responses {
		if inv.ID != callID {
			continue
		}
		if methodErr, ok := inv.Args.(*gojmap.MethodError); ok {
			return zero, &MethodError{Method: inv.Name, Type: methodErr.Type}
		}
		v, ok := inv.Args.(T)
		if !ok {
			return zero, fmt.Errorf("unexpected response for call %q: method %s returned %T", callID, inv.Name, inv.Args)
		}
		return v, nil
	}
	return zero, fmt.Errorf("unexpected response: call id %q not present in batch", callID)
}

// ExtractAll returns every invocation in resp matching callID and
// asserting to T, in response order. Invocations whose arguments are not
// a T, method errors included, are skipped.
func ExtractAll[T any](resp *gojmap.Response, callID string) []T {
	var out []T
	for _, inv := range resp.Responses {
		if inv.ID != callID {
			continue
		}
		if v, ok := inv.Args.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
