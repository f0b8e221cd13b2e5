package sysinfo

import (
	"context"
	"testing"
	"time"

	"github.com/astro-monitor/backend/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect(t *testing.T) {
	s := NewSampler(config.SystemConfig{Interval: time.Second, DiskPath: t.TempDir()})

	sample, err := s.Collect(context.Background())
	require.NotNil(t, sample)
	if err != nil {
		// Sandboxed CI may hide some probes; the rest must still be filled.
		t.Logf("partial sample: %v", err)
	}
	assert.Greater(t, sample.MemTotal, uint64(0))
	assert.Greater(t, sample.DiskTotal, uint64(0))
	assert.GreaterOrEqual(t, sample.CPUPercent, 0.0)
	assert.False(t, sample.Time.IsZero())
}

func TestCollectBadDiskPath(t *testing.T) {
	s := NewSampler(config.SystemConfig{Interval: time.Second, DiskPath: "/definitely/not/here"})

	sample, err := s.Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk /definitely/not/here")
	assert.Zero(t, sample.DiskTotal)
	assert.Greater(t, sample.MemTotal, uint64(0), "other probes still run")
}

func TestRunPublishesLatest(t *testing.T) {
	s := NewSampler(config.SystemConfig{Interval: 10 * time.Millisecond, DiskPath: t.TempDir()})
	assert.Nil(t, s.Latest())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.Latest() != nil }, 2*time.Second, 5*time.Millisecond)
	first := s.Latest()
	require.Eventually(t, func() bool { return s.Latest().Time.After(first.Time) }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
