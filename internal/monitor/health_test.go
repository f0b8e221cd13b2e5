package monitor

import (
	"fmt"
	"testing"
	"time"

	"github.com/astro-monitor/backend/internal/ws"
)

func TestEndpointHealthFailureTracking(t *testing.T) {
	h := newEndpointHealth()
	now := time.Now()

	if h.status(3) != ws.StatusHealthy {
		t.Fatal("new health should be healthy")
	}

	h.recordFailure(fmt.Errorf("connection refused"), now)
	if h.status(3) != ws.StatusDegraded {
		t.Error("one failure below threshold should be degraded")
	}

	h.recordFailure(fmt.Errorf("timeout"), now)
	h.recordFailure(fmt.Errorf("still broken"), now)
	if h.status(3) != ws.StatusFailed {
		t.Error("should be failed at threshold")
	}
	if got := h.snapshot("camera", 3, now).LastError; got != "still broken" {
		t.Errorf("LastError = %q, want %q", got, "still broken")
	}
}

func TestEndpointHealthRecovery(t *testing.T) {
	h := newEndpointHealth()
	now := time.Now()

	for i := 0; i < 5; i++ {
		h.recordFailure(fmt.Errorf("fail %d", i), now)
	}
	h.recordSuccess(now)

	p := h.snapshot("mount", 3, now)
	if p.Status != ws.StatusHealthy {
		t.Errorf("Status = %s, want healthy after success", p.Status)
	}
	if p.Failures != 0 || p.LastError != "" {
		t.Errorf("failures not cleared: %+v", p)
	}
	if p.LastSuccess == nil || !p.LastSuccess.Equal(now) {
		t.Errorf("LastSuccess = %v, want %v", p.LastSuccess, now)
	}
	if p.LastFailure == nil || !p.LastFailure.Equal(now) {
		t.Errorf("LastFailure = %v, want %v", p.LastFailure, now)
	}
}

func TestEndpointHealthEmitsOnTransitionOnly(t *testing.T) {
	h := newEndpointHealth()
	now := time.Now()

	if _, changed := h.snapshotAndEmit("camera", 2, now); changed {
		t.Error("healthy -> healthy should not emit")
	}

	h.recordFailure(fmt.Errorf("boom"), now)
	if p, changed := h.snapshotAndEmit("camera", 2, now); !changed || p.Status != ws.StatusDegraded {
		t.Errorf("expected degraded transition, got %s changed=%v", p.Status, changed)
	}
	if _, changed := h.snapshotAndEmit("camera", 2, now); changed {
		t.Error("repeated degraded should not emit")
	}

	h.recordFailure(fmt.Errorf("boom"), now)
	if p, changed := h.snapshotAndEmit("camera", 2, now); !changed || p.Status != ws.StatusFailed {
		t.Errorf("expected failed transition, got %s changed=%v", p.Status, changed)
	}
}

func TestHealthThresholdDefault(t *testing.T) {
	if got := healthThreshold(pollConfig(time.Second, time.Second)); got != 2 {
		t.Errorf("healthThreshold = %d, want configured 2", got)
	}
	cfg := pollConfig(time.Second, time.Second)
	cfg.FailureThreshold = 0
	if got := healthThreshold(cfg); got != 3 {
		t.Errorf("healthThreshold = %d, want fallback 3", got)
	}
}
