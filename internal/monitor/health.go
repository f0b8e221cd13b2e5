package monitor

import (
	"sync"
	"time"

	"github.com/astro-monitor/backend/internal/ws"
)

// endpointHealth tracks consecutive failures for one polled endpoint.
// Fields are protected by mu because the poller writes them while the HTTP
// server reads them for /api/health.
type endpointHealth struct {
	mu          sync.Mutex
	failures    int
	lastErr     string
	lastFail    time.Time
	lastSuccess time.Time
	lastEmitted ws.HealthStatus
}

func newEndpointHealth() *endpointHealth {
	return &endpointHealth{lastEmitted: ws.StatusHealthy}
}

func (h *endpointHealth) recordSuccess(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.lastErr = ""
	h.lastSuccess = at
}

func (h *endpointHealth) recordFailure(err error, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastErr = err.Error()
	h.lastFail = at
}

// statusLocked computes health status. Caller must hold h.mu.
func (h *endpointHealth) statusLocked(threshold int) ws.HealthStatus {
	switch {
	case h.failures >= threshold:
		return ws.StatusFailed
	case h.failures > 0:
		return ws.StatusDegraded
	}
	return ws.StatusHealthy
}

func (h *endpointHealth) status(threshold int) ws.HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked(threshold)
}

func (h *endpointHealth) payloadLocked(name string, threshold int, now time.Time) ws.EndpointHealth {
	p := ws.EndpointHealth{
		Endpoint:  name,
		Status:    h.statusLocked(threshold),
		Failures:  h.failures,
		LastError: h.lastErr,
		Timestamp: now,
	}
	if !h.lastSuccess.IsZero() {
		t := h.lastSuccess
		p.LastSuccess = &t
	}
	if !h.lastFail.IsZero() {
		t := h.lastFail
		p.LastFailure = &t
	}
	return p
}

// snapshot returns a consistent copy of the health fields.
func (h *endpointHealth) snapshot(name string, threshold int, now time.Time) ws.EndpointHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.payloadLocked(name, threshold, now)
}

// snapshotAndEmit is snapshot plus whether the status changed since the
// last emission, recording the new status if so.
func (h *endpointHealth) snapshotAndEmit(name string, threshold int, now time.Time) (ws.EndpointHealth, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.payloadLocked(name, threshold, now)
	changed := p.Status != h.lastEmitted
	if changed {
		h.lastEmitted = p.Status
	}
	return p, changed
}
