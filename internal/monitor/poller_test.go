package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/astro-monitor/backend/internal/config"
	"github.com/astro-monitor/backend/internal/event"
	"github.com/astro-monitor/backend/internal/nina"
	"github.com/astro-monitor/backend/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	fail    map[string]error
	payload map[string]string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls:   make(map[string]int),
		fail:    make(map[string]error),
		payload: make(map[string]string),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, ep nina.Endpoint) (event.Raw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ep.Name]++
	if err := f.fail[ep.Name]; err != nil {
		return event.Raw{}, err
	}
	body := f.payload[ep.Name]
	if body == "" {
		body = `{"Connected":true}`
	}
	return event.Raw{Kind: ep.Kind, Payload: json.RawMessage(body), ReceivedAt: time.Now(), Origin: event.OriginPoll}, nil
}

func (f *fakeFetcher) setFail(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[name] = err
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type rawSink struct {
	mu   sync.Mutex
	raws []event.Raw
}

func (s *rawSink) add(r event.Raw) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raws = append(s.raws, r)
}

func (s *rawSink) all() []event.Raw {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Raw(nil), s.raws...)
}

func pollConfig(startAfter, interval time.Duration) config.PollConfig {
	return config.PollConfig{
		Interval:         interval,
		StartAfter:       startAfter,
		Devices:          []string{"camera", "mount"},
		FailureThreshold: 2,
	}
}

func runPoller(t *testing.T, p *Poller) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestPollerStartsAfterSustainedOutage(t *testing.T) {
	fetch := newFakeFetcher()
	sink := &rawSink{}
	p := NewPoller(pollConfig(50*time.Millisecond, 20*time.Millisecond), fetch, sink.add, nil)
	runPoller(t, p)

	assert.Zero(t, fetch.total(), "no polling before start_after")
	require.Eventually(t, func() bool {
		return fetch.total() >= 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, p.Active())

	for _, r := range sink.all() {
		assert.Equal(t, event.OriginPoll, r.Origin)
		assert.Contains(t, []string{"CAMERA-INFO", "MOUNT-INFO"}, r.Kind)
	}
}

func TestPollerStopsWhenStreamRecovers(t *testing.T) {
	fetch := newFakeFetcher()
	p := NewPoller(pollConfig(10*time.Millisecond, 10*time.Millisecond), fetch, func(event.Raw) {}, nil)
	runPoller(t, p)

	require.Eventually(t, p.Active, 2*time.Second, 5*time.Millisecond)
	p.StreamStatus(event.Connected)
	require.Eventually(t, func() bool { return !p.Active() }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	settled := fetch.total()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, fetch.total(), "no polling while the stream is up")
}

func TestPollerRefreshesOnConnect(t *testing.T) {
	fetch := newFakeFetcher()
	sink := &rawSink{}
	p := NewPoller(pollConfig(time.Hour, time.Hour), fetch, sink.add, nil)
	runPoller(t, p)

	p.StreamStatus(event.Connected)
	require.Eventually(t, func() bool {
		return fetch.total() == 2 && len(sink.all()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.False(t, p.Active())

	// Going down again only re-arms the start delay.
	p.StreamStatus(event.Reconnecting)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, fetch.total())
}

func TestPollerEndpointHealth(t *testing.T) {
	fetch := newFakeFetcher()
	fetch.setFail("camera", errors.New("connection refused"))
	out := &fakeBroadcaster{}
	p := NewPoller(pollConfig(time.Hour, time.Hour), fetch, func(event.Raw) {}, out)
	ctx := context.Background()

	p.PollOnce(ctx)
	health := p.Health()
	require.Len(t, health, 2)
	assert.Equal(t, "camera", health[0].Endpoint)
	assert.Equal(t, ws.StatusDegraded, health[0].Status)
	assert.Equal(t, "connection refused", health[0].LastError)
	assert.Nil(t, health[0].LastSuccess)
	require.NotNil(t, health[0].LastFailure)
	assert.Nil(t, health[1].LastFailure)
	assert.Equal(t, "mount", health[1].Endpoint)
	assert.Equal(t, ws.StatusHealthy, health[1].Status)
	assert.NotNil(t, health[1].LastSuccess)

	p.PollOnce(ctx)
	health = p.Health()
	assert.Equal(t, ws.StatusFailed, health[0].Status)
	assert.Equal(t, 2, health[0].Failures)

	fetch.setFail("camera", nil)
	p.PollOnce(ctx)
	recovered := p.Health()[0]
	assert.Equal(t, ws.StatusHealthy, recovered.Status)
	assert.NotNil(t, recovered.LastFailure, "last failure time survives recovery")
	assert.Empty(t, recovered.LastError)

	sent := out.sent()
	require.Len(t, sent, 3, "one message per transition")
	wantStatus := []ws.HealthStatus{ws.StatusDegraded, ws.StatusFailed, ws.StatusHealthy}
	for i, msg := range sent {
		assert.Equal(t, ws.MsgEndpointHealth, msg.Type)
		payload, ok := msg.Payload.(ws.EndpointHealth)
		require.True(t, ok)
		assert.Equal(t, "camera", payload.Endpoint)
		assert.Equal(t, wantStatus[i], payload.Status)
	}
}

func TestPollerUnknownDeviceSkipsRound(t *testing.T) {
	fetch := newFakeFetcher()
	cfg := pollConfig(time.Hour, time.Hour)
	cfg.Devices = []string{"camera", "telescope9"}
	p := NewPoller(cfg, fetch, func(event.Raw) {}, nil)

	p.PollOnce(context.Background())
	assert.Zero(t, fetch.total())
}

func TestPollerSetConfig(t *testing.T) {
	fetch := newFakeFetcher()
	p := NewPoller(pollConfig(time.Hour, time.Hour), fetch, func(event.Raw) {}, nil)

	cfg := pollConfig(time.Hour, time.Hour)
	cfg.Devices = []string{"guidergraph"}
	p.SetConfig(cfg)
	p.PollOnce(context.Background())

	fetch.mu.Lock()
	defer fetch.mu.Unlock()
	assert.Equal(t, map[string]int{"guidergraph": 1}, fetch.calls)
}
