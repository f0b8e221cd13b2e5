package ws

import (
	"time"

	"github.com/astro-monitor/backend/internal/event"
	"github.com/astro-monitor/backend/internal/session"
)

type MessageType string

const (
	MsgSnapshot       MessageType = "snapshot"
	MsgDelta          MessageType = "delta"
	MsgEndpointHealth MessageType = "endpoint_health"
	MsgError          MessageType = "error"
)

// Message is one frame sent to a subscriber. Seq increases by one per
// message on each subscription.
type Message struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload any         `json:"payload"`
}

// ClientMessage is what subscribers may send back over the socket.
type ClientMessage struct {
	Type string `json:"type"`
}

const clientResync = "resync"

type ErrorPayload struct {
	Message string `json:"message"`
}

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

// EndpointHealth reports the poller's view of one REST endpoint.
type EndpointHealth struct {
	Endpoint    string       `json:"endpoint"`
	Status      HealthStatus `json:"status"`
	Failures    int          `json:"failures"`
	LastError   string       `json:"lastError,omitempty"`
	LastSuccess *time.Time   `json:"lastSuccess,omitempty"`
	LastFailure *time.Time   `json:"lastFailure,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// HealthPayload is the body of GET /api/health.
type HealthPayload struct {
	Stream      event.ConnectionStatus `json:"stream"`
	LostReason  string                 `json:"lostReason,omitempty"`
	Stale       bool                   `json:"stale"`
	Polling     bool                   `json:"polling"`
	Subscribers int                    `json:"subscribers"`
	SessionID   string                 `json:"sessionId"`
	Version     uint64                 `json:"version"`
	Endpoints   []EndpointHealth       `json:"endpoints"`
}

func snapshotMessage(snap *session.Snapshot) Message {
	return Message{Type: MsgSnapshot, Payload: snap}
}

func deltaMessage(d *session.Delta) Message {
	return Message{Type: MsgDelta, Payload: d}
}
