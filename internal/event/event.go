// Package event defines the raw and normalized event types that flow from the
// automation tool into the session fold. Raw events are untrusted transport
// payloads; normalized events are a closed set of typed variants with
// canonical field types (epoch millis, Celsius, real booleans).
package event

import (
	"encoding/json"
	"time"
)

// Origin identifies which ingestion path produced an event.
type Origin string

const (
	OriginStream Origin = "stream"
	OriginPoll   Origin = "poll"
	OriginMock   Origin = "mock"
	OriginLocal  Origin = "local" // control events generated inside the daemon
)

// Raw is an opaque payload from the automation tool. Kind is the
// discriminator; Payload is not trusted until normalized.
type Raw struct {
	Kind       string
	Payload    json.RawMessage
	ReceivedAt time.Time
	Origin     Origin
}

// Millis converts t to epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Event is a normalized event. Time is epoch milliseconds, taken from the
// payload when it carries one and from the ingestion stamp otherwise.
type Event struct {
	Time   int64
	Origin Origin
	Body   Body
}

// Kind returns the variant tag of the event body.
func (e Event) Kind() Kind {
	if e.Body == nil {
		return KindUnknown
	}
	return e.Body.Kind()
}

// Body is implemented by every normalized variant. The unexported method
// keeps the set closed to this package.
type Body interface {
	Kind() Kind
	sealed()
}

// Kind tags a normalized variant.
type Kind int

const (
	KindUnknown Kind = iota
	KindEquipmentConnection
	KindDeviceStatus
	KindFilterChange
	KindTargetStart
	KindTargetEnd
	KindSafetyChange
	KindImageSaved
	KindGuideStep
	KindSequenceProgress
	KindConnectionLost
	KindConnectionState
	KindGraceExpired
	KindSessionReset
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindEquipmentConnection: "equipment_connection",
	KindDeviceStatus:        "device_status",
	KindFilterChange:        "filter_change",
	KindTargetStart:         "target_start",
	KindTargetEnd:           "target_end",
	KindSafetyChange:        "safety_change",
	KindImageSaved:          "image_saved",
	KindGuideStep:           "guide_step",
	KindSequenceProgress:    "sequence_progress",
	KindConnectionLost:      "connection_lost",
	KindConnectionState:     "connection_state",
	KindGraceExpired:        "grace_expired",
	KindSessionReset:        "session_reset",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// DeviceKind names a piece of equipment in the snapshot.
type DeviceKind string

const (
	Camera        DeviceKind = "camera"
	FilterWheel   DeviceKind = "filterWheel"
	Focuser       DeviceKind = "focuser"
	Mount         DeviceKind = "mount"
	Rotator       DeviceKind = "rotator"
	SafetyMonitor DeviceKind = "safetyMonitor"
	Guider        DeviceKind = "guider"
	Dome          DeviceKind = "dome"
	FlatDevice    DeviceKind = "flatDevice"
	Switch        DeviceKind = "switch"
	Weather       DeviceKind = "weather"
)

// DeviceKinds lists every device the snapshot always carries, in display order.
var DeviceKinds = []DeviceKind{
	Camera, FilterWheel, Focuser, Mount, Rotator, SafetyMonitor,
	Guider, Dome, FlatDevice, Switch, Weather,
}

// ConnectionStatus is the state of our own feed from the automation tool,
// distinct from any equipment connection.
type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connected
	Reconnecting
	Errored
)

var statusNames = map[ConnectionStatus]string{
	Disconnected: "disconnected",
	Connected:    "connected",
	Reconnecting: "reconnecting",
	Errored:      "error",
}

var statusFromName = map[string]ConnectionStatus{
	"disconnected": Disconnected,
	"connected":    Connected,
	"reconnecting": Reconnecting,
	"error":        Errored,
}

func (s ConnectionStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s ConnectionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ConnectionStatus) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := statusFromName[n]; ok {
		*s = v
	}
	return nil
}

// DeviceFields carries optional device-specific readings. Nil pointers mean
// the source did not report the field; they must never be treated as zero.
type DeviceFields struct {
	Name           string
	Temperature    *float64
	CoolerOn       *bool
	CoolerPower    *float64
	Position       *int
	Filter         string
	FilterPosition *int
	Angle          *float64
	Parked         *bool
	Tracking       *bool
	IsSafe         *bool
}

// IsEmpty reports whether no field is set.
func (f DeviceFields) IsEmpty() bool {
	return f.Name == "" && f.Temperature == nil && f.CoolerOn == nil &&
		f.CoolerPower == nil && f.Position == nil && f.Filter == "" &&
		f.FilterPosition == nil && f.Angle == nil && f.Parked == nil &&
		f.Tracking == nil && f.IsSafe == nil
}

// Coordinates are equatorial target coordinates in degrees.
type Coordinates struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

// EquipmentConnection reports a device connecting or disconnecting, with any
// fields the source supplied alongside.
type EquipmentConnection struct {
	Device    DeviceKind
	Connected bool
	Fields    DeviceFields
}

// DeviceStatus refreshes device fields without changing the connection flag.
type DeviceStatus struct {
	Device DeviceKind
	Fields DeviceFields
}

type FilterChange struct {
	Filter   string
	Position *int
}

type TargetStart struct {
	Name        string
	ProjectName string
	EndTime     *int64
	Coordinates *Coordinates
}

// TargetEnd ends the active target when Name matches it. SequenceFinished
// ends whatever target is active, for sources that report a sequence stop
// without naming the target.
type TargetEnd struct {
	Name             string
	SequenceFinished bool
}

type SafetyChange struct {
	IsSafe bool
}

// ImageSaved describes a frame written by the camera. Index is the source's
// monotonic frame number when it provides one.
type ImageSaved struct {
	Index           *int
	Filter          string
	ExposureSeconds *float64
	Temperature     *float64
	HFR             *float64
	Stars           *int
	Camera          string
	Gain            *int
	Offset          *int
}

// GuideStep is one guider correction. ID is monotonic per guiding run.
type GuideStep struct {
	ID     int64
	RA     *float64
	Dec    *float64
	Dither bool
}

type SequenceProgress struct {
	Current int
	Total   int
}

// ConnectionLost marks our own feed going down.
type ConnectionLost struct {
	Reason string
}

// ConnectionState is the control event the ingress emits on every transport
// state change.
type ConnectionState struct {
	Status ConnectionStatus
}

// GraceExpired fires when the feed has stayed down for the grace period
// since LostAt.
type GraceExpired struct {
	LostAt int64
}

// SessionReset restores the snapshot to defaults.
type SessionReset struct {
	Reason string
}

func (EquipmentConnection) Kind() Kind { return KindEquipmentConnection }
func (DeviceStatus) Kind() Kind        { return KindDeviceStatus }
func (FilterChange) Kind() Kind        { return KindFilterChange }
func (TargetStart) Kind() Kind         { return KindTargetStart }
func (TargetEnd) Kind() Kind           { return KindTargetEnd }
func (SafetyChange) Kind() Kind        { return KindSafetyChange }
func (ImageSaved) Kind() Kind          { return KindImageSaved }
func (GuideStep) Kind() Kind           { return KindGuideStep }
func (SequenceProgress) Kind() Kind    { return KindSequenceProgress }
func (ConnectionLost) Kind() Kind      { return KindConnectionLost }
func (ConnectionState) Kind() Kind     { return KindConnectionState }
func (GraceExpired) Kind() Kind        { return KindGraceExpired }
func (SessionReset) Kind() Kind        { return KindSessionReset }

func (EquipmentConnection) sealed() {}
func (DeviceStatus) sealed()        {}
func (FilterChange) sealed()        {}
func (TargetStart) sealed()         {}
func (TargetEnd) sealed()           {}
func (SafetyChange) sealed()        {}
func (ImageSaved) sealed()          {}
func (GuideStep) sealed()           {}
func (SequenceProgress) sealed()    {}
func (ConnectionLost) sealed()      {}
func (ConnectionState) sealed()     {}
func (GraceExpired) sealed()        {}
func (SessionReset) sealed()        {}

// IsControl reports whether the body is a transport or lifecycle control
// event rather than equipment/session data.
func IsControl(b Body) bool {
	switch b.(type) {
	case ConnectionLost, ConnectionState, GraceExpired, SessionReset:
		return true
	}
	return false
}
