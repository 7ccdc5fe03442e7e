// Package health aggregates component probes for the health endpoint.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aula-cloud/asistente/internal/domain"
)

const probeTimeout = 5 * time.Second

// Pinger is the liveness contract for the optional cache store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status is the aggregated health report.
type Status struct {
	Status     string            `json:"status"`
	Ready      bool              `json:"ready"`
	Components map[string]string `json:"components"`
}

// Service probes the answer provider and the optional cache store.
type Service struct {
	provider domain.HealthChecker
	store    Pinger
	ready    func() bool
	logger   *zap.Logger
}

// New creates a health service. store may be nil when no cache is configured.
func New(provider domain.HealthChecker, store Pinger, ready func() bool, logger *zap.Logger) *Service {
	return &Service{provider: provider, store: store, ready: ready, logger: logger}
}

// Check probes every configured component. A down provider degrades the
// overall status; a down cache does not, the pipeline works without it.
func (s *Service) Check(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	status := Status{
		Status:     "ok",
		Ready:      s.ready(),
		Components: map[string]string{},
	}

	if err := s.provider.HealthCheck(ctx); err != nil {
		s.logger.Warn("Provider health check failed", zap.Error(err))
		status.Components["provider"] = "down"
		status.Status = "degraded"
	} else {
		status.Components["provider"] = "up"
	}

	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Warn("Cache health check failed", zap.Error(err))
			status.Components["cache"] = "down"
		} else {
			status.Components["cache"] = "up"
		}
	}

	return status
}
