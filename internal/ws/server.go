package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/astro-monitor/backend/internal/config"
	"github.com/astro-monitor/backend/internal/history"
	"github.com/astro-monitor/backend/internal/sysinfo"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// HistoryReader serves the history endpoints. *history.Store implements it.
type HistoryReader interface {
	RecentImages(ctx context.Context, limit int) ([]history.ImageRecord, error)
	RecentTargets(ctx context.Context, limit int) ([]history.TargetRecord, error)
}

type Server struct {
	broadcaster    *Broadcaster
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string

	reset   func(ctx context.Context, reason string) error
	health  func() []EndpointHealth
	polling func() bool
	history HistoryReader
	system  func() *sysinfo.Sample
}

func NewServer(cfg config.ServerConfig, broadcaster *Broadcaster) *Server {
	s := &Server{
		broadcaster:    broadcaster,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.AuthToken,
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// SetResetHook configures the command behind POST /api/session/reset.
// Must be called before SetupRoutes.
func (s *Server) SetResetHook(reset func(ctx context.Context, reason string) error) {
	s.reset = reset
}

// SetHealthHook configures the poller view reported by /api/health.
func (s *Server) SetHealthHook(endpoints func() []EndpointHealth, polling func() bool) {
	s.health = endpoints
	s.polling = polling
}

func (s *Server) SetHistory(h HistoryReader) {
	s.history = h
}

func (s *Server) SetSystem(latest func() *sysinfo.Sample) {
	s.system = latest
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/session/reset", s.handleReset)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/images", s.handleImages)
	mux.HandleFunc("/api/targets", s.handleTargets)
	mux.HandleFunc("/api/system", s.handleSystem)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	// The subscription outlives nothing but this handler, which blocks in
	// the read loop below.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := s.broadcaster.Subscribe(ctx)
	if err != nil {
		log.Printf("WebSocket client rejected: %s: %v", r.RemoteAddr, err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	log.Printf("WebSocket client connected: %s (%s)", r.RemoteAddr, sub.ID)
	go writePump(conn, sub)

	defer func() {
		sub.Close()
		log.Printf("WebSocket client disconnected: %s (%s)", r.RemoteAddr, sub.ID)
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Type == clientResync {
			s.broadcaster.Resync(sub)
		}
	}
}

// writePump sends queued messages until the subscription ends or a write
// fails. It owns closing conn.
func writePump(conn *websocket.Conn, sub *Subscription) {
	defer conn.Close()
	for msg := range sub.C() {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, s.broadcaster.Snapshot())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.reset == nil {
		http.Error(w, "reset not available", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.Reason == "" {
		body.Reason = "manual"
	}

	if err := s.reset(r.Context(), body.Reason); err != nil {
		http.Error(w, fmt.Sprintf("reset failed: %v", err), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	snap := s.broadcaster.Snapshot()
	payload := HealthPayload{
		Stream:      snap.ConnectionStatus,
		LostReason:  snap.DisconnectReason,
		Stale:       snap.Stale,
		Subscribers: s.broadcaster.SubscriberCount(),
		SessionID:   snap.SessionID,
		Version:     snap.Version,
		Endpoints:   []EndpointHealth{},
	}
	if s.health != nil {
		payload.Endpoints = s.health()
	}
	if s.polling != nil {
		payload.Polling = s.polling()
	}
	writeJSON(w, payload)
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	s.serveHistory(w, r, func(ctx context.Context, limit int) (any, error) {
		return s.history.RecentImages(ctx, limit)
	})
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	s.serveHistory(w, r, func(ctx context.Context, limit int) (any, error) {
		return s.history.RecentTargets(ctx, limit)
	})
}

func (s *Server) serveHistory(w http.ResponseWriter, r *http.Request, query func(context.Context, int) (any, error)) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.history == nil {
		http.Error(w, "history not available", http.StatusServiceUnavailable)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	rows, err := query(r.Context(), limit)
	if err != nil {
		log.Printf("History query failed: %v", err)
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var sample *sysinfo.Sample
	if s.system != nil {
		sample = s.system()
	}
	if sample == nil {
		http.Error(w, "no system sample yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, sample)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Astro-Monitor-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// securityHeaders sets conservative browser security headers on every
// response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves mux on host:port until ctx is done, then shuts
// down gracefully.
func ListenAndServe(ctx context.Context, host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           securityHeaders(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
