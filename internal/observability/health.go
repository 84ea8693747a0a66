package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const probeTimeout = 3 * time.Second

// Check status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// HealthChecker backs /healthz and /readyz. Readiness probes (history
// store, engine lifecycle) run concurrently, each under its own deadline.
type HealthChecker struct {
	mu      sync.RWMutex
	probes  []probe
	stats   func() map[string]int
	started time.Time
	logger  *slog.Logger
}

type probe struct {
	name  string
	check func(ctx context.Context) error
}

// HealthStatus is the JSON response for the health and readiness endpoints.
type HealthStatus struct {
	Status       string                 `json:"status"`
	Uptime       string                 `json:"uptime,omitempty"`
	Approvements map[string]int         `json:"approvements,omitempty"` // Bucket sizes, liveness only.
	Checks       map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one readiness probe.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// NewHealthChecker creates a HealthChecker with no probes registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger, started: time.Now()}
}

// AddCheck registers a named readiness probe.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, probe{name: name, check: check})
}

// SetStats installs the source of the approvement counts reported on
// liveness, typically the engine's bucket sizes.
func (h *HealthChecker) SetStats(stats func() map[string]int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats = stats
}

// CheckHealth reports liveness. It never runs probes.
func (h *HealthChecker) CheckHealth() HealthStatus {
	h.mu.RLock()
	stats := h.stats
	h.mu.RUnlock()

	status := HealthStatus{
		Status: StatusOK,
		Uptime: time.Since(h.started).Truncate(time.Second).String(),
	}
	if stats != nil {
		status.Approvements = stats()
	}
	return status
}

// CheckReady runs every probe and reports "ok" only if all pass.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	probes := append([]probe(nil), h.probes...)
	h.mu.RUnlock()

	if len(probes) == 0 {
		return HealthStatus{Status: StatusOK}
	}

	results := make([]CheckResult, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p probe) {
			defer wg.Done()
			results[i] = h.run(ctx, p)
		}(i, p)
	}
	wg.Wait()

	status := HealthStatus{
		Status: StatusOK,
		Checks: make(map[string]CheckResult, len(probes)),
	}
	for i, p := range probes {
		status.Checks[p.name] = results[i]
		if results[i].Status != StatusOK {
			status.Status = StatusDegraded
		}
	}
	return status
}

func (h *HealthChecker) run(ctx context.Context, p probe) CheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := p.check(probeCtx)
	latency := time.Since(start).Round(time.Microsecond).String()
	if err == nil {
		return CheckResult{Status: StatusOK, Latency: latency}
	}
	if h.logger != nil {
		h.logger.Warn("readiness check failed",
			slog.String("check", p.name),
			slog.String("error", err.Error()),
		)
	}
	return CheckResult{Status: StatusFail, Message: err.Error(), Latency: latency}
}
