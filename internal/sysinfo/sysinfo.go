// Package sysinfo samples the host the daemon runs on: CPU, memory, free
// space on the image drive, and uptime.
package sysinfo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/astro-monitor/backend/internal/config"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

type Sample struct {
	Time            time.Time `json:"time"`
	CPUPercent      float64   `json:"cpuPercent"`
	MemUsedPercent  float64   `json:"memUsedPercent"`
	MemUsed         uint64    `json:"memUsed"`
	MemTotal        uint64    `json:"memTotal"`
	DiskPath        string    `json:"diskPath"`
	DiskUsedPercent float64   `json:"diskUsedPercent"`
	DiskFree        uint64    `json:"diskFree"`
	DiskTotal       uint64    `json:"diskTotal"`
	UptimeSeconds   uint64    `json:"uptimeSeconds"`
}

// Sampler keeps the most recent Sample.
type Sampler struct {
	mu      sync.RWMutex // protects cfg, latest
	cfg     config.SystemConfig
	latest  *Sample
	lastErr string
}

func NewSampler(cfg config.SystemConfig) *Sampler {
	return &Sampler{cfg: cfg}
}

// SetConfig applies a new interval and disk path from the next tick.
func (s *Sampler) SetConfig(cfg config.SystemConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *Sampler) config() config.SystemConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Latest returns a copy of the newest sample, or nil before the first one.
func (s *Sampler) Latest() *Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return nil
	}
	c := *s.latest
	return &c
}

// Collect takes one sample. Individual probe failures are joined into the
// returned error; the sample still carries whatever succeeded.
func (s *Sampler) Collect(ctx context.Context) (*Sample, error) {
	cfg := s.config()
	out := &Sample{Time: time.Now(), DiskPath: cfg.DiskPath}
	var errs []error

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	} else if len(pct) > 0 {
		out.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		out.MemUsedPercent = vm.UsedPercent
		out.MemUsed = vm.Used
		out.MemTotal = vm.Total
	}

	if cfg.DiskPath != "" {
		if du, err := disk.UsageWithContext(ctx, cfg.DiskPath); err != nil {
			errs = append(errs, fmt.Errorf("disk %s: %w", cfg.DiskPath, err))
		} else {
			out.DiskUsedPercent = du.UsedPercent
			out.DiskFree = du.Free
			out.DiskTotal = du.Total
		}
	}

	if up, err := host.UptimeWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("uptime: %w", err))
	} else {
		out.UptimeSeconds = up
	}

	return out, errors.Join(errs...)
}

// Run samples every system.interval until ctx is done. A failing probe is
// logged once until its error changes.
func (s *Sampler) Run(ctx context.Context) {
	for {
		s.sample(ctx)

		t := time.NewTimer(s.config().Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Sampler) sample(ctx context.Context) {
	sample, err := s.Collect(ctx)
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = sample
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if msg != s.lastErr {
		if msg != "" {
			log.Printf("System sample incomplete: %v", err)
		}
		s.lastErr = msg
	}
}
