package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthStatus is the aggregated state reported by /health.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

const defaultProbeTimeout = 5 * time.Second

// HealthCheck probes one dependency. A failing critical check makes the
// process unhealthy; any other failure only degrades it.
type HealthCheck struct {
	Name      string
	CheckFunc func(context.Context) error
	Timeout   time.Duration
	Critical  bool
}

// HealthChecker runs the registered checks.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []*HealthCheck
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Sessions  int64                  `json:"sessions"`
	Checks    map[string]CheckStatus `json:"checks"`
	Runtime   RuntimeInfo            `json:"runtime"`
}

// CheckStatus is the outcome of one check.
type CheckStatus struct {
	Status   HealthStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
	Duration string       `json:"duration"`
}

// RuntimeInfo describes the Go process.
type RuntimeInfo struct {
	Goroutines int    `json:"goroutines"`
	HeapMB     uint64 `json:"heap_mb"`
}

// Version is reported by the health endpoint (set via ldflags in cmd).
var Version = "dev"

var (
	startTime = time.Now()
	// sessionCount mirrors the sessions gauge for the health report.
	sessionCount atomic.Int64
)

// NewHealthChecker creates an empty checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// RegisterCheck adds check, replacing any check with the same name.
func (hc *HealthChecker) RegisterCheck(check *HealthCheck) {
	if check.Timeout <= 0 {
		check.Timeout = defaultProbeTimeout
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	for i, c := range hc.checks {
		if c.Name == check.Name {
			hc.checks[i] = check
			return
		}
	}
	hc.checks = append(hc.checks, check)
}

// Check runs every check concurrently and aggregates the results.
func (hc *HealthChecker) Check(ctx context.Context) HealthResponse {
	hc.mu.RLock()
	checks := append([]*HealthCheck(nil), hc.checks...)
	hc.mu.RUnlock()

	results := make([]CheckStatus, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			results[i] = probe(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	resp := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now().UTC(),
		Version:   Version,
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Sessions:  sessionCount.Load(),
		Checks:    make(map[string]CheckStatus, len(checks)),
		Runtime:   runtimeInfo(),
	}
	for i, check := range checks {
		resp.Checks[check.Name] = results[i]
		resp.Status = worst(resp.Status, results[i].Status)
	}
	return resp
}

// probe runs one check under its timeout. A check that ignores its context
// is abandoned when the timeout fires.
func probe(ctx context.Context, check *HealthCheck) CheckStatus {
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- check.CheckFunc(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	status := CheckStatus{Status: HealthStatusHealthy, Duration: time.Since(start).String()}
	if err != nil {
		status.Status = HealthStatusDegraded
		if check.Critical {
			status.Status = HealthStatusUnhealthy
		}
		status.Message = err.Error()
	}
	return status
}

var severity = map[HealthStatus]int{
	HealthStatusHealthy:   0,
	HealthStatusDegraded:  1,
	HealthStatusUnhealthy: 2,
}

func worst(a, b HealthStatus) HealthStatus {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

func runtimeInfo() RuntimeInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return RuntimeInfo{
		Goroutines: runtime.NumGoroutine(),
		HeapMB:     m.HeapAlloc >> 20,
	}
}

// Names lists the registered checks in order.
func (hc *HealthChecker) Names() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	names := make([]string, 0, len(hc.checks))
	for _, c := range hc.checks {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// HealthHandler serves the full report. Degraded still answers 200 since a
// chat without persistence keeps working.
func HealthHandler(checker *HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := checker.Check(r.Context())
		code := http.StatusOK
		if resp.Status == HealthStatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

// LivenessHandler answers as long as the process serves requests.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler is ready only when every check passes.
func ReadinessHandler(checker *HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker.Check(r.Context()).Status != HealthStatusHealthy {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// StoreCheck probes the document store. Persistence is best effort, so a
// failure only degrades the status.
func StoreCheck(ping func(context.Context) error) *HealthCheck {
	return &HealthCheck{Name: "store", CheckFunc: ping}
}

// RemoteCheck probes the conversation service.
func RemoteCheck(ping func(context.Context) error) *HealthCheck {
	return &HealthCheck{Name: "remote", CheckFunc: ping, Timeout: 10 * time.Second}
}
