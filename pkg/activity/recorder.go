// Package activity records the diagnostic trail of proxied requests and
// their failures. Technical detail lands here, not in user-visible errors.
package activity

import (
	"context"
	"time"
)

// Entry is one activity record.
type Entry struct {
	// ID is the record identifier.
	ID string

	// Time is when the event happened.
	Time time.Time

	// Service is the generation service involved ("imagen", "veo").
	Service string

	// Operation is the logical operation name, e.g. "IMAGEN GENERATE".
	Operation string

	// Status is "success" or "error".
	Status string

	// Server is the proxy server the call targeted.
	Server string

	// Detail is free-form context: the error text on failures.
	Detail string
}

// Recorder accepts activity entries. Recording is a side effect of request
// execution, never part of its contract; implementations must not fail the
// caller.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// NopRecorder discards every entry.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(context.Context, Entry) {}
