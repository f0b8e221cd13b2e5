// Package nina talks to the imaging-automation tool: a WebSocket event
// stream for live updates and a REST client for polled equipment state.
// Both hand back event.Raw values and never interpret payloads beyond the
// response envelope.
package nina

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/astro-monitor/backend/internal/event"
)

// TransportError wraps a failure talking to the automation tool. It is
// always retried and never fatal.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrUnsuccessful is wrapped when the tool answers with Success=false.
var ErrUnsuccessful = errors.New("request unsuccessful")

// envelope is the wrapper the tool puts around every socket frame and REST
// response.
type envelope struct {
	Response   json.RawMessage `json:"Response"`
	Error      string          `json:"Error"`
	StatusCode int             `json:"StatusCode"`
	Success    *bool           `json:"Success"`
	Type       string          `json:"Type"`
}

func (e envelope) failed() bool {
	return e.Success != nil && !*e.Success
}

// parseFrame turns one socket frame into a raw event. Frames that cannot be
// read, report failure, or carry no discriminator come back with an empty
// Kind so the normalizer discards them with a logged reason.
func parseFrame(data []byte, receivedAt time.Time) event.Raw {
	raw := event.Raw{Payload: data, ReceivedAt: receivedAt, Origin: event.OriginStream}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.failed() || len(env.Response) == 0 {
		return raw
	}
	raw.Payload = env.Response
	raw.Kind = discriminator(env.Response)
	return raw
}

// discriminator reads the Event field of a response body, matching the key
// case-insensitively.
func discriminator(body json.RawMessage) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return ""
	}
	for k, v := range fields {
		if !strings.EqualFold(k, "event") {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
	}
	return ""
}
