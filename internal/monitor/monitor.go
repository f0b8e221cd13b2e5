package monitor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/astro-monitor/backend/internal/config"
	"github.com/astro-monitor/backend/internal/event"
	"github.com/astro-monitor/backend/internal/normalize"
	"github.com/astro-monitor/backend/internal/session"
	"github.com/astro-monitor/backend/internal/ws"
	"github.com/patrickmn/go-cache"
)

// discardLogWindow is how long repeated discards of the same kind are
// counted silently after the first one is logged.
const discardLogWindow = time.Minute

// ErrStopped is returned by Submit once Run has returned.
var ErrStopped = errors.New("monitor stopped")

// Broadcaster is the part of ws.Broadcaster the monitor and poller use.
type Broadcaster interface {
	Publish()
	BroadcastMessage(t ws.MessageType, payload any)
}

// Monitor is the single writer of the session snapshot. The stream, the
// poller, the grace timer and HTTP commands all submit events through one
// bounded queue, and Run folds them one at a time.
type Monitor struct {
	mu      sync.RWMutex // protects cfg, poller
	cfg     *config.Config
	poller  *Poller
	machine *session.Machine
	store   *session.Store
	out     Broadcaster

	in       chan event.Event
	done     chan struct{}
	now      func() time.Time
	discards *cache.Cache

	// Owned by the Run goroutine.
	snap       *session.Snapshot
	graceTimer *time.Timer
	graceFor   int64

	lifecycle        chan<- session.Event // nil disables lifecycle events
	lifecycleDropped int64
	lifecycleLastLog time.Time
}

func New(cfg *config.Config, machine *session.Machine, store *session.Store, out Broadcaster) *Monitor {
	m := &Monitor{
		cfg:      cfg,
		machine:  machine,
		store:    store,
		out:      out,
		in:       make(chan event.Event, cfg.Monitor.QueueSize),
		done:     make(chan struct{}),
		now:      time.Now,
		discards: cache.New(discardLogWindow, discardLogWindow),
		snap:     store.Get(),
	}
	m.discards.OnEvicted(func(key string, v any) {
		if n, ok := v.(int64); ok && n > 0 {
			log.Printf("Discarded %d more %s events in the last %v", n, key, discardLogWindow)
		}
	})
	return m
}

// SetConfig replaces the monitor's config pointer. A new grace period
// applies to the next disconnection.
func (m *Monitor) SetConfig(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// SetPoller connects the polling fallback so it hears every stream state
// change. Call before the stream starts.
func (m *Monitor) SetPoller(p *Poller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poller = p
}

// SetLifecycle configures a channel for session lifecycle events (images,
// target runs, resets). Pass nil to disable.
func (m *Monitor) SetLifecycle(ch chan<- session.Event) {
	m.lifecycle = ch
}

func (m *Monitor) gracePeriod() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Monitor.GracePeriod
}

// OnEvent normalizes raw in the caller's goroutine and queues the result.
// Discards are logged, with repeats of the same kind suppressed for a
// minute. It implements nina.Sink and also serves the poller and the
// simulator.
func (m *Monitor) OnEvent(raw event.Raw) {
	evs, err := normalize.Normalize(raw)
	if err != nil {
		m.logDiscard(raw, err)
		return
	}
	for _, ev := range evs {
		if m.Submit(context.Background(), ev) != nil {
			return
		}
	}
}

// OnConnectionState turns a transport state change into a control event
// and tells the poller about it. A transport error that ends an established
// connection is recorded as ConnectionLost so its reason reaches the
// snapshot.
func (m *Monitor) OnConnectionState(status event.ConnectionStatus, err error) {
	m.mu.RLock()
	p := m.poller
	m.mu.RUnlock()
	if p != nil {
		p.StreamStatus(status)
	}
	if err != nil && status == event.Reconnecting {
		log.Printf("Feed lost: %v", err)
		m.Submit(context.Background(), m.local(event.ConnectionLost{Reason: err.Error()}))
		return
	}
	m.Submit(context.Background(), m.local(event.ConnectionState{Status: status}))
}

// Reset starts a new session, keeping only the feed's connection state.
func (m *Monitor) Reset(ctx context.Context, reason string) error {
	return m.Submit(ctx, m.local(event.SessionReset{Reason: reason}))
}

// Submit queues ev for the fold loop, blocking while the queue is full.
func (m *Monitor) Submit(ctx context.Context, ev event.Event) error {
	select {
	case <-m.done:
		return ErrStopped
	default:
	}
	select {
	case m.in <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

func (m *Monitor) local(b event.Body) event.Event {
	return event.Event{Time: event.Millis(m.now()), Origin: event.OriginLocal, Body: b}
}

func (m *Monitor) logDiscard(raw event.Raw, err error) {
	key := string(raw.Origin) + " " + raw.Kind
	if m.discards.Add(key, int64(0), cache.DefaultExpiration) != nil {
		m.discards.IncrementInt64(key, 1)
		return
	}
	log.Printf("Discarded %s event: %v", raw.Origin, err)
}

// Run folds queued events until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)
	defer m.stopGrace()

	log.Printf("Monitor started (session %s)", m.snap.SessionID)
	for {
		select {
		case <-ctx.Done():
			log.Println("Monitor stopped")
			return
		case ev := <-m.in:
			m.apply(ev)
		}
	}
}

func (m *Monitor) apply(ev event.Event) {
	next, out := m.machine.Apply(m.snap, ev)
	for _, w := range out.Warnings {
		log.Printf("Session %s: %s", m.snap.SessionID, w)
	}
	m.snap = next
	m.armGrace()
	if !out.Changed {
		return
	}

	m.store.Set(next)
	if m.out != nil {
		m.out.Publish()
	}
	for _, e := range out.Events {
		switch e.Type {
		case session.EventReset:
			log.Printf("Session reset (%s): %s -> %s", e.Reason, e.PreviousSessionID, e.SessionID)
		case session.EventTargetEnded:
			if e.Aborted {
				log.Printf("Feed down for %v, abandoning target %q", m.gracePeriod(), e.Target.Name)
			}
		}
		m.emit(e)
	}
}

// armGrace keeps one timer running for the current disconnection. The
// machine ignores a GraceExpired whose LostAt no longer matches, so a timer
// that loses the race with a reconnect is harmless.
func (m *Monitor) armGrace() {
	lost := m.snap.DisconnectedAt
	if lost == nil || m.snap.Stale {
		m.stopGrace()
		return
	}
	if m.graceTimer != nil && m.graceFor == *lost {
		return
	}
	m.stopGrace()

	at := *lost
	wait := m.gracePeriod() - m.now().Sub(time.UnixMilli(at))
	m.graceFor = at
	m.graceTimer = time.AfterFunc(max(wait, 0), func() {
		m.Submit(context.Background(), m.local(event.GraceExpired{LostAt: at}))
	})
}

func (m *Monitor) stopGrace() {
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
}

// emit sends a lifecycle event without blocking the fold loop. Dropped
// events are counted and logged at most once per 10 seconds.
func (m *Monitor) emit(e session.Event) {
	if m.lifecycle == nil {
		return
	}
	select {
	case m.lifecycle <- e:
	default:
		m.lifecycleDropped++
		now := m.now()
		if m.lifecycleLastLog.IsZero() || now.Sub(m.lifecycleLastLog) >= 10*time.Second {
			log.Printf("Lifecycle events dropped: %d (channel full)", m.lifecycleDropped)
			m.lifecycleDropped = 0
			m.lifecycleLastLog = now
		}
	}
}
