// Package admission gates generation-class calls behind the backend-enforced
// global rate limit. One slot per server per cooldown window; callers wait
// until granted.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"monoklix/relay/pkg/config"
	"monoklix/relay/pkg/telemetry/metrics"
)

// ErrSlotAcquisition is returned when the backend itself fails during
// acquisition. A backend error is fatal to the request; only an explicit
// denial triggers the wait-and-retry loop.
var ErrSlotAcquisition = errors.New("slot acquisition failed")

// SlotAcquisitionError wraps a backend failure during slot acquisition.
type SlotAcquisitionError struct {
	// Server is the target server.
	Server string

	// Cause is the backend error.
	Cause error
}

// Error implements the error interface.
func (e *SlotAcquisitionError) Error() string {
	return fmt.Sprintf("slot acquisition failed for %s: %v", e.Server, e.Cause)
}

// Is implements error matching for errors.Is().
func (e *SlotAcquisitionError) Is(target error) bool {
	return target == ErrSlotAcquisition
}

// Unwrap returns the wrapped error for error chain traversal.
func (e *SlotAcquisitionError) Unwrap() error {
	return e.Cause
}

// SlotGranter is the backend try-acquire operation.
type SlotGranter interface {
	TryAcquireSlot(ctx context.Context, server string, cooldown time.Duration) (bool, error)
}

// StatusFunc receives human-readable progress messages while the caller
// waits. Optional; used by the UI collaborator to show queue state.
type StatusFunc func(status string)

// Controller acquires generation slots, retrying denials indefinitely at a
// fixed interval. Only generation-class calls go through here; health probes
// and usage queries never do.
type Controller struct {
	granter       SlotGranter
	cooldown      time.Duration
	retryInterval time.Duration
	metrics       *metrics.Collector
	logger        *slog.Logger
}

// NewController creates an admission controller.
func NewController(granter SlotGranter, cfg config.AdmissionConfig, collector *metrics.Collector) *Controller {
	return &Controller{
		granter:       granter,
		cooldown:      cfg.Cooldown,
		retryInterval: cfg.RetryInterval,
		metrics:       collector,
		logger:        slog.Default().With("component", "admission"),
	}
}

// AcquireSlot blocks until the backend grants a generation slot for the
// server. Denials are retried without an attempt limit; the context is the
// only way out, which keeps the caller (a foreground, user-cancellable
// operation) in control. Backend errors abort immediately with a
// SlotAcquisitionError.
func (c *Controller) AcquireSlot(ctx context.Context, server string, onStatus StatusFunc) error {
	start := time.Now()

	for attempt := 1; ; attempt++ {
		granted, err := c.granter.TryAcquireSlot(ctx, server, c.cooldown)
		if err != nil {
			c.metrics.RecordSlotAttempt("error")
			return &SlotAcquisitionError{Server: server, Cause: err}
		}
		if granted {
			c.metrics.RecordSlotAttempt("granted")
			c.metrics.RecordSlotWait(time.Since(start))
			c.logger.Debug("slot granted",
				"server", server, "attempts", attempt, "waited", time.Since(start))
			notify(onStatus, "Slot acquired successfully. Starting generation...")
			return nil
		}

		c.metrics.RecordSlotAttempt("denied")
		if attempt == 1 {
			notify(onStatus, "All slots are in use. You are in the queue...")
		}
		notify(onStatus, fmt.Sprintf("Retrying to get a slot in %s...", c.retryInterval))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryInterval):
		}
	}
}

func notify(fn StatusFunc, status string) {
	if fn != nil {
		fn(status)
	}
}
