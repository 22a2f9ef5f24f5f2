package monitoring

import (
	"context"
	"sync"
	"time"
)

// HealthChecker aggregates named dependency probes behind one endpoint.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []healthCheck
}

type healthCheck struct {
	name    string
	probe   func(ctx context.Context) error
	timeout time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// AddCheck registers a probe under a name. Each probe gets a bounded slice
// of the request context.
func (h *HealthChecker) AddCheck(name string, probe func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, healthCheck{
		name:    name,
		probe:   probe,
		timeout: 3 * time.Second,
	})
}

// CheckAll runs every probe and reports the aggregate.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}

	for _, check := range h.checks {
		checkCtx, cancel := context.WithTimeout(ctx, check.timeout)
		err := check.probe(checkCtx)
		cancel()

		if err != nil {
			status.Status = "unhealthy"
			status.Checks[check.name] = err.Error()
		} else {
			status.Checks[check.name] = "healthy"
		}
	}

	return status
}
