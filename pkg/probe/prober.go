// Package probe validates credentials against the downstream generation
// services before they are assigned to a user.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"monoklix/relay/pkg/credential"
	"monoklix/relay/pkg/executor"
	"monoklix/relay/pkg/session"
	"monoklix/relay/pkg/telemetry/metrics"
)

// Caller is the executor surface the prober needs.
type Caller interface {
	Execute(ctx context.Context, sess *session.Session, req executor.Request) (*executor.Response, error)
}

// Prober checks that a credential is accepted by every generation service.
type Prober interface {
	// Probe returns nil only if the credential works against all services.
	Probe(ctx context.Context, sess *session.Session, cred credential.Credential) error
}

// HealthProber probes by issuing minimal no-op generation calls with the
// candidate credential. Probes are lightweight-class: they never consume a
// generation slot.
type HealthProber struct {
	caller  Caller
	timeout time.Duration
	metrics *metrics.Collector
	logger  *slog.Logger
}

// probedServices are the services a credential must satisfy. A credential
// valid for only one of them is considered unhealthy, because the user may
// use either at any time.
var probedServices = []executor.Service{executor.ServiceImage, executor.ServiceVideo}

// NewHealthProber creates a prober with a per-probe timeout.
func NewHealthProber(caller Caller, timeout time.Duration, collector *metrics.Collector) *HealthProber {
	return &HealthProber{
		caller:  caller,
		timeout: timeout,
		metrics: collector,
		logger:  slog.Default().With("component", "prober"),
	}
}

// Probe issues a no-op generate call per service with the candidate
// credential. The first failing service fails the probe.
func (p *HealthProber) Probe(ctx context.Context, sess *session.Session, cred credential.Credential) error {
	for _, svc := range probedServices {
		if err := p.probeService(ctx, sess, svc, cred); err != nil {
			p.metrics.RecordProbe(string(svc), "failure")
			p.logger.Debug("credential probe failed",
				"service", svc,
				"credential", "..."+cred.Suffix(),
				"error", err,
			)
			return fmt.Errorf("probe of %s failed: %w", svc, err)
		}
		p.metrics.RecordProbe(string(svc), "success")
	}
	return nil
}

func (p *HealthProber) probeService(ctx context.Context, sess *session.Session, svc executor.Service, cred credential.Credential) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.caller.Execute(probeCtx, sess, executor.Request{
		Path:      "/generate",
		Service:   svc,
		Operation: probeOperation(svc),
		Class:     executor.ClassLightweight,
		Body:      probeBody(svc),
		Override:  &cred,
	})
	if err == nil {
		return nil
	}
	// Context cancellation from the caller is not the credential's fault.
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// probeOperation labels the probe in logs and the activity trail.
func probeOperation(svc executor.Service) string {
	switch svc {
	case executor.ServiceImage:
		return "IMAGEN HEALTH CHECK"
	case executor.ServiceVideo:
		return "VEO HEALTH CHECK"
	default:
		return fmt.Sprintf("%s HEALTH CHECK", svc)
	}
}

// probeBody is the smallest valid generation request per service. The cheap
// single-sample request keeps probe cost negligible.
func probeBody(svc executor.Service) map[string]any {
	switch svc {
	case executor.ServiceVideo:
		return map[string]any{
			"prompt":      "test",
			"aspectRatio": "16:9",
			"sampleCount": 1,
		}
	default:
		return map[string]any{
			"prompt":      "test",
			"aspectRatio": "1:1",
			"sampleCount": 1,
		}
	}
}
