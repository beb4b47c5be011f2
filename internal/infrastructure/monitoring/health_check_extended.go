package monitoring

import (
	"context"
	"time"
)

// Pinger is satisfied by the repository factory and the analysis client.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// AddPingCheck adds a check that passes when p.HealthCheck returns nil.
func (h *HealthChecker) AddPingCheck(name string, p Pinger, interval, timeout time.Duration) {
	h.AddCheck(name, func(ctx context.Context) (bool, error) {
		if err := p.HealthCheck(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddStorageCheck checks the membership store backend.
func (h *HealthChecker) AddStorageCheck(storage Pinger, interval, timeout time.Duration) {
	h.AddPingCheck("storage", storage, interval, timeout)
}

// AddAnalysisCheck fails while the analysis circuit breaker is open.
func (h *HealthChecker) AddAnalysisCheck(client Pinger, interval, timeout time.Duration) {
	h.AddPingCheck("analysis", client, interval, timeout)
}

// GetReadinessStatus returns readiness status for load balancer
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
