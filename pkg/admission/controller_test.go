package admission

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"monoklix/relay/internal/backendtest"
	"monoklix/relay/pkg/config"
)

func testConfig() config.AdmissionConfig {
	return config.AdmissionConfig{
		Cooldown:      10 * time.Second,
		RetryInterval: time.Millisecond,
	}
}

func TestAcquireSlot_GrantedImmediately(t *testing.T) {
	be := backendtest.New()
	ctrl := NewController(be, testConfig(), nil)

	var statuses []string
	err := ctrl.AcquireSlot(context.Background(), "https://s1.example.com", func(s string) {
		statuses = append(statuses, s)
	})
	if err != nil {
		t.Fatalf("AcquireSlot: %v", err)
	}
	if got := be.SlotAttemptCount("https://s1.example.com"); got != 1 {
		t.Errorf("expected 1 attempt, got %d", got)
	}
	if len(statuses) != 1 || !strings.Contains(statuses[0], "Slot acquired") {
		t.Errorf("unexpected status updates: %v", statuses)
	}
}

func TestAcquireSlot_DeniedThenGranted(t *testing.T) {
	be := backendtest.New()
	be.SlotResults["https://s1.example.com"] = []bool{false, false, true}
	ctrl := NewController(be, testConfig(), nil)

	var statuses []string
	err := ctrl.AcquireSlot(context.Background(), "https://s1.example.com", func(s string) {
		statuses = append(statuses, s)
	})
	if err != nil {
		t.Fatalf("AcquireSlot: %v", err)
	}

	// Two denials and one grant: exactly three attempts, never four.
	if got := be.SlotAttemptCount("https://s1.example.com"); got != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", got)
	}

	var queued bool
	for _, s := range statuses {
		if strings.Contains(s, "in the queue") {
			queued = true
		}
	}
	if !queued {
		t.Errorf("expected a queue status update, got %v", statuses)
	}
	if last := statuses[len(statuses)-1]; !strings.Contains(last, "Slot acquired") {
		t.Errorf("expected final acquired status, got %q", last)
	}
}

func TestAcquireSlot_BackendErrorIsFatal(t *testing.T) {
	be := backendtest.New()
	be.SlotErr = errors.New("backend unreachable")
	ctrl := NewController(be, testConfig(), nil)

	err := ctrl.AcquireSlot(context.Background(), "https://s1.example.com", nil)
	if !errors.Is(err, ErrSlotAcquisition) {
		t.Fatalf("expected ErrSlotAcquisition, got %v", err)
	}

	var slotErr *SlotAcquisitionError
	if !errors.As(err, &slotErr) {
		t.Fatalf("expected *SlotAcquisitionError, got %T", err)
	}
	if slotErr.Server != "https://s1.example.com" {
		t.Errorf("unexpected server on error: %q", slotErr.Server)
	}

	// Errors abort immediately, no retry.
	if got := be.SlotAttemptCount("https://s1.example.com"); got != 1 {
		t.Errorf("expected 1 attempt, got %d", got)
	}
}

func TestAcquireSlot_ContextCancellation(t *testing.T) {
	be := backendtest.New()
	// Endless denials.
	be.SlotResults["https://s1.example.com"] = make([]bool, 1000)

	cfg := testConfig()
	cfg.RetryInterval = time.Hour
	ctrl := NewController(be, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := ctrl.AcquireSlot(ctx, "https://s1.example.com", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
