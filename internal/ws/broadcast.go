package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/astro-monitor/backend/internal/session"
	"github.com/google/uuid"
)

// ErrTooManyConnections is returned by Subscribe when the subscriber limit
// has been reached.
var ErrTooManyConnections = errors.New("too many subscribers")

const subscriberBuffer = 64

// Subscription is one consumer of snapshot and delta messages. The first
// message on C is always a full snapshot.
type Subscription struct {
	ID   string
	send chan Message
	b    *Broadcaster
	stop func() bool

	// Guarded by Broadcaster.mu.
	seq       uint64
	sessionID string
	version   uint64
}

// C returns the message channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Message {
	return s.send
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.Unsubscribe(s)
}

// Broadcaster fans the store's snapshot out to subscribers. Publish calls
// are coalesced into at most one delta per throttle window; a full snapshot
// goes to everyone every snapshot interval and whenever the session changes.
type Broadcaster struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	store    *session.Store
	maxSubs  int
	lastSent *session.Snapshot
	stopped  bool

	flushMu    sync.Mutex
	throttle   time.Duration
	flushTimer *time.Timer

	snapshotTicker *time.Ticker
	done           chan struct{}
	stopOnce       sync.Once
}

// NewBroadcaster creates a broadcaster over store. maxSubs <= 0 means no
// limit.
func NewBroadcaster(store *session.Store, throttle, snapshotInterval time.Duration, maxSubs int) *Broadcaster {
	b := &Broadcaster{
		subs:     make(map[*Subscription]struct{}),
		store:    store,
		maxSubs:  maxSubs,
		lastSent: store.Get(),
		throttle: throttle,
		done:     make(chan struct{}),
	}

	b.snapshotTicker = time.NewTicker(snapshotInterval)
	go b.snapshotLoop()

	return b
}

// SetTiming applies new throttle and snapshot intervals.
func (b *Broadcaster) SetTiming(throttle, snapshotInterval time.Duration) {
	b.flushMu.Lock()
	b.throttle = throttle
	b.flushMu.Unlock()
	b.snapshotTicker.Reset(snapshotInterval)
}

// Snapshot returns the current snapshot for late subscribers and HTTP.
func (b *Broadcaster) Snapshot() *session.Snapshot {
	return b.store.Get()
}

// Subscribe registers a subscriber and queues the current snapshot for it.
// The subscription ends when ctx is done or Close is called.
func (b *Broadcaster) Subscribe(ctx context.Context) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return nil, errors.New("broadcaster stopped")
	}
	if b.maxSubs > 0 && len(b.subs) >= b.maxSubs {
		return nil, ErrTooManyConnections
	}

	sub := &Subscription{
		ID:   uuid.NewString(),
		send: make(chan Message, subscriberBuffer),
		b:    b,
	}
	b.subs[sub] = struct{}{}
	b.sendSnapshotLocked(sub, b.store.Get())
	sub.stop = context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.send)
	}
	b.mu.Unlock()
	if sub.stop != nil {
		sub.stop()
	}
}

// Resync queues a fresh full snapshot for sub, e.g. on client request.
func (b *Broadcaster) Resync(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		b.sendSnapshotLocked(sub, b.store.Get())
	}
}

// Publish schedules a flush of whatever changed since the last one.
func (b *Broadcaster) Publish() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	b.flushTimer = nil
	b.flushMu.Unlock()

	cur := b.store.Get()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	delta, ok := session.Diff(b.lastSent, cur)
	b.lastSent = cur
	if !ok {
		for sub := range b.subs {
			b.sendSnapshotLocked(sub, cur)
		}
		return
	}
	if delta.Empty() {
		return
	}

	msg := deltaMessage(delta)
	for sub := range b.subs {
		switch {
		case sub.sessionID == cur.SessionID && sub.version >= cur.Version:
			// Subscribed or resynced after this state was produced.
		case sub.sessionID != delta.SessionID || sub.version != delta.BaseVersion:
			b.sendSnapshotLocked(sub, cur)
		default:
			if b.enqueueLocked(sub, msg) {
				sub.version = delta.Version
			} else {
				b.resetLocked(sub, cur)
			}
		}
	}
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.snapshotTicker.C:
			b.broadcastSnapshot()
		}
	}
}

func (b *Broadcaster) broadcastSnapshot() {
	cur := b.store.Get()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.lastSent = cur
	for sub := range b.subs {
		b.sendSnapshotLocked(sub, cur)
	}
}

// BroadcastMessage sends an out-of-band notice to every subscriber. A
// subscriber with no room is reset instead.
func (b *Broadcaster) BroadcastMessage(t MessageType, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var cur *session.Snapshot
	for sub := range b.subs {
		if b.enqueueLocked(sub, Message{Type: t, Payload: payload}) {
			continue
		}
		if cur == nil {
			cur = b.store.Get()
		}
		b.resetLocked(sub, cur)
	}
}

func (b *Broadcaster) enqueueLocked(sub *Subscription, msg Message) bool {
	msg.Seq = sub.seq + 1
	select {
	case sub.send <- msg:
		sub.seq = msg.Seq
		return true
	default:
		return false
	}
}

func (b *Broadcaster) sendSnapshotLocked(sub *Subscription, snap *session.Snapshot) {
	if !b.enqueueLocked(sub, snapshotMessage(snap)) {
		b.resetLocked(sub, snap)
		return
	}
	sub.sessionID = snap.SessionID
	sub.version = snap.Version
}

// resetLocked throws away everything queued for a subscriber that cannot
// keep up and replaces it with one full snapshot.
func (b *Broadcaster) resetLocked(sub *Subscription, snap *session.Snapshot) {
	log.Printf("ws subscriber %s too slow, resetting to snapshot v%d", sub.ID, snap.Version)
drain:
	for {
		select {
		case <-sub.send:
		default:
			break drain
		}
	}
	b.enqueueLocked(sub, snapshotMessage(snap))
	sub.sessionID = snap.SessionID
	sub.version = snap.Version
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Stop halts the tickers and ends every subscription.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.snapshotTicker.Stop()

		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.flushMu.Unlock()

		b.mu.Lock()
		b.stopped = true
		subs := make([]*Subscription, 0, len(b.subs))
		for sub := range b.subs {
			subs = append(subs, sub)
			delete(b.subs, sub)
			close(sub.send)
		}
		b.mu.Unlock()

		for _, sub := range subs {
			sub.stop()
		}
	})
}
