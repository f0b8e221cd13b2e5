package nina

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/astro-monitor/backend/internal/event"
)

// Endpoint is one REST resource the poller fetches. Kind is the synthetic
// discriminator given to its payload.
type Endpoint struct {
	Name string
	Path string
	Kind string
}

// deviceEndpoints maps config device names to the tool's equipment paths
// and the info discriminator the normalizer expects.
var deviceEndpoints = map[string]Endpoint{
	"camera":        {Name: "camera", Path: "/v2/api/equipment/camera/info", Kind: "CAMERA-INFO"},
	"filterwheel":   {Name: "filterwheel", Path: "/v2/api/equipment/filterwheel/info", Kind: "FILTERWHEEL-INFO"},
	"focuser":       {Name: "focuser", Path: "/v2/api/equipment/focuser/info", Kind: "FOCUSER-INFO"},
	"mount":         {Name: "mount", Path: "/v2/api/equipment/mount/info", Kind: "MOUNT-INFO"},
	"rotator":       {Name: "rotator", Path: "/v2/api/equipment/rotator/info", Kind: "ROTATOR-INFO"},
	"safetymonitor": {Name: "safetymonitor", Path: "/v2/api/equipment/safetymonitor/info", Kind: "SAFETYMONITOR-INFO"},
	"guider":        {Name: "guider", Path: "/v2/api/equipment/guider/info", Kind: "GUIDER-INFO"},
	"dome":          {Name: "dome", Path: "/v2/api/equipment/dome/info", Kind: "DOME-INFO"},
	"flatdevice":    {Name: "flatdevice", Path: "/v2/api/equipment/flatdevice/info", Kind: "FLATDEVICE-INFO"},
	"switch":        {Name: "switch", Path: "/v2/api/equipment/switch/info", Kind: "SWITCH-INFO"},
	"weather":       {Name: "weather", Path: "/v2/api/equipment/weather/info", Kind: "WEATHER-INFO"},
	"guidergraph":   {Name: "guidergraph", Path: "/v2/api/equipment/guider/graph", Kind: "GUIDER-GRAPH"},
	"sequence":      {Name: "sequence", Path: "/v2/api/sequence/state", Kind: "SEQUENCE-STATE"},
}

// DeviceNames lists every name Endpoints accepts.
func DeviceNames() []string {
	out := make([]string, 0, len(deviceEndpoints))
	for k := range deviceEndpoints {
		out = append(out, k)
	}
	return out
}

// Endpoints resolves configured device names. Unknown names are returned
// as an error.
func Endpoints(names []string) ([]Endpoint, error) {
	out := make([]Endpoint, 0, len(names))
	for _, n := range names {
		ep, ok := deviceEndpoints[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("unknown poll device %q", n)
		}
		out = append(out, ep)
	}
	return out, nil
}

// Client makes REST calls to the automation tool's API.
type Client struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// NewClient creates a client targeting the given base URL (e.g.
// "http://127.0.0.1:1888").
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

// Fetch GETs ep and returns its unwrapped response body as a raw event
// stamped with the time the response arrived.
func (c *Client) Fetch(ctx context.Context, ep Endpoint) (event.Raw, error) {
	body, err := c.get(ctx, ep.Path)
	if err != nil {
		return event.Raw{}, err
	}
	return event.Raw{
		Kind:       ep.Kind,
		Payload:    body,
		ReceivedAt: c.now(),
		Origin:     event.OriginPoll,
	}, nil
}

func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "GET", URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &TransportError{Op: "GET", URL: url, Err: fmt.Errorf("%d %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, &TransportError{Op: "GET", URL: url, Err: fmt.Errorf("decode: %w", err)}
	}
	if env.failed() {
		return nil, &TransportError{Op: "GET", URL: url, Err: fmt.Errorf("%w: %s", ErrUnsuccessful, env.Error)}
	}
	return env.Response, nil
}
