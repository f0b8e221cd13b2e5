package nina

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/astro-monitor/backend/internal/event"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

const (
	defaultIdleTimeout   = 60 * time.Second
	defaultReconnectBase = 1 * time.Second
	defaultReconnectMax  = 30 * time.Second
	writeTimeout         = 10 * time.Second
)

// Sink receives everything the stream produces. Calls come from the
// stream's goroutine and must not block for long.
type Sink interface {
	OnEvent(event.Raw)
	OnConnectionState(status event.ConnectionStatus, err error)
}

type StreamConfig struct {
	URL           string
	IdleTimeout   time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// Stream supervises one logical WebSocket connection to the tool's event
// socket. It reconnects with jittered exponential backoff after drops and
// after idle stalls.
type Stream struct {
	cfg    StreamConfig
	dialer *websocket.Dialer
}

func NewStream(cfg StreamConfig) *Stream {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		cfg.ReconnectMax = max(defaultReconnectMax, cfg.ReconnectBase)
	}
	return &Stream{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.IdleTimeout,
		},
	}
}

func (s *Stream) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectBase
	bo.MaxInterval = s.cfg.ReconnectMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.Reset()
	return bo
}

// Run connects and reads until ctx is cancelled. It only returns ctx's
// error; transport failures are reported to sink and retried.
func (s *Stream) Run(ctx context.Context, sink Sink) error {
	bo := s.newBackOff()
	defer sink.OnConnectionState(event.Disconnected, nil)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sink.OnConnectionState(event.Reconnecting, nil)

		conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			terr := &TransportError{Op: "dial", URL: s.cfg.URL, Err: err}
			sink.OnConnectionState(event.Errored, terr)
			delay := bo.NextBackOff()
			log.Printf("nina stream: %v (retry in %v)", terr, delay.Round(time.Millisecond))
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		bo.Reset()
		log.Printf("nina stream connected: %s", s.cfg.URL)
		sink.OnConnectionState(event.Connected, nil)

		err = s.serve(ctx, conn, sink)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		terr := &TransportError{Op: "read", URL: s.cfg.URL, Err: err}
		sink.OnConnectionState(event.Reconnecting, terr)
		delay := bo.NextBackOff()
		log.Printf("nina stream dropped: %v (reconnect in %v)", terr, delay.Round(time.Millisecond))
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

// serve reads frames until the connection fails, goes idle, or ctx ends.
// It always closes conn before returning.
func (s *Stream) serve(ctx context.Context, conn *websocket.Conn, sink Sink) error {
	idle := s.cfg.IdleTimeout
	done := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(done)
		conn.Close()
		wg.Wait()
	}()

	conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	wg.Add(2)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer wg.Done()
		pingLoop(conn, max(idle/3, time.Millisecond), done)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return errIdle
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(idle))
		sink.OnEvent(parseFrame(data, time.Now()))
	}
}

var errIdle = errors.New("no frames or pongs within idle window")

// pingLoop keeps the idle deadline fed on quiet but healthy connections.
func pingLoop(conn *websocket.Conn, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
