package monitor

import (
	"context"
	"log"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astro-monitor/backend/internal/config"
	"github.com/astro-monitor/backend/internal/event"
	"github.com/astro-monitor/backend/internal/nina"
	"github.com/astro-monitor/backend/internal/ws"
)

// Fetcher is the REST side of the automation tool. *nina.Client
// implements it.
type Fetcher interface {
	Fetch(ctx context.Context, ep nina.Endpoint) (event.Raw, error)
}

// Poller is the fallback source used while the event stream is down. It
// wakes after the stream has been out for poll.start_after, then fetches
// every configured endpoint each poll.interval and hands the responses to
// the same entry point the stream uses. When the stream comes back it
// stops, after one refresh round that re-confirms equipment state.
type Poller struct {
	mu     sync.RWMutex // protects cfg, health
	cfg    config.PollConfig
	health map[string]*endpointHealth

	fetch  Fetcher
	submit func(event.Raw)
	out    Broadcaster
	status chan event.ConnectionStatus
	active atomic.Bool
	now    func() time.Time
}

func NewPoller(cfg config.PollConfig, fetch Fetcher, submit func(event.Raw), out Broadcaster) *Poller {
	return &Poller{
		cfg:    cfg,
		health: make(map[string]*endpointHealth),
		fetch:  fetch,
		submit: submit,
		out:    out,
		status: make(chan event.ConnectionStatus, 1),
		now:    time.Now,
	}
}

// SetConfig replaces the poll settings. New timings take effect from the
// next tick.
func (p *Poller) SetConfig(cfg config.PollConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

func (p *Poller) config() config.PollConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// StreamStatus records the latest stream state. Only the newest value is
// kept if Run has not consumed the previous one yet.
func (p *Poller) StreamStatus(st event.ConnectionStatus) {
	select {
	case <-p.status:
	default:
	}
	select {
	case p.status <- st:
	default:
	}
}

// Active reports whether the poller is currently standing in for the stream.
func (p *Poller) Active() bool {
	return p.active.Load()
}

// Run drives the poller until ctx is done. The stream is assumed down
// until told otherwise.
func (p *Poller) Run(ctx context.Context) {
	connected := false
	timer := time.NewTimer(p.config().StartAfter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case st := <-p.status:
			switch {
			case st == event.Connected && !connected:
				connected = true
				timer.Stop()
				if p.active.Swap(false) {
					log.Println("Stream recovered, polling stopped")
				}
				p.PollOnce(ctx)
			case st != event.Connected && connected:
				connected = false
				timer.Reset(p.config().StartAfter)
			}

		case <-timer.C:
			if connected {
				continue
			}
			cfg := p.config()
			if !p.active.Swap(true) {
				log.Printf("Stream unavailable, polling %s every %v", strings.Join(cfg.Devices, ", "), cfg.Interval)
			}
			p.PollOnce(ctx)
			timer.Reset(cfg.Interval)
		}
	}
}

// PollOnce fetches every configured endpoint once, in order, submitting
// each successful response.
func (p *Poller) PollOnce(ctx context.Context) {
	cfg := p.config()
	eps, err := nina.Endpoints(cfg.Devices)
	if err != nil {
		log.Printf("Poller: %v", err)
		return
	}
	threshold := healthThreshold(cfg)
	for _, ep := range eps {
		if ctx.Err() != nil {
			return
		}
		h := p.healthFor(ep.Name)
		raw, err := p.fetch.Fetch(ctx, ep)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.recordFailure(err, p.now())
		} else {
			h.recordSuccess(p.now())
			p.submit(raw)
		}
		p.maybeEmitHealth(ep.Name, h, threshold)
	}
}

func (p *Poller) healthFor(name string) *endpointHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.health[name]
	if !ok {
		h = newEndpointHealth()
		p.health[name] = h
	}
	return h
}

// maybeEmitHealth broadcasts an endpoint_health message when the endpoint's
// status transitions (e.g. healthy -> degraded).
func (p *Poller) maybeEmitHealth(name string, h *endpointHealth, threshold int) {
	payload, changed := h.snapshotAndEmit(name, threshold, p.now())
	if !changed {
		return
	}
	log.Printf("[%s] poll health: %s (failures=%d) %s", name, payload.Status, payload.Failures, payload.LastError)
	if p.out != nil {
		p.out.BroadcastMessage(ws.MsgEndpointHealth, payload)
	}
}

// Health reports every endpoint polled so far, sorted by name.
func (p *Poller) Health() []ws.EndpointHealth {
	threshold := healthThreshold(p.config())
	now := p.now()
	p.mu.RLock()
	out := make([]ws.EndpointHealth, 0, len(p.health))
	for name, h := range p.health {
		out = append(out, h.snapshot(name, threshold, now))
	}
	p.mu.RUnlock()

	slices.SortFunc(out, func(a, b ws.EndpointHealth) int {
		return strings.Compare(a.Endpoint, b.Endpoint)
	})
	return out
}

// healthThreshold returns the configured failure threshold, falling back
// to 3 if unconfigured or zero.
func healthThreshold(cfg config.PollConfig) int {
	if t := cfg.FailureThreshold; t > 0 {
		return t
	}
	return 3
}
