// Package normalize maps raw automation-tool payloads onto the closed set of
// normalized event variants. Normalize is a pure function: it never logs and
// never touches session state. Unknown or malformed payloads come back as a
// *Error so the caller can discard and log them.
package normalize

import (
	"errors"
	"fmt"
	"strings"

	"github.com/astro-monitor/backend/internal/event"
)

var (
	// ErrUnknownKind is returned for discriminators with no table entry.
	ErrUnknownKind = errors.New("unknown event kind")
	// ErrMalformed is returned when a known kind lacks a required field or
	// its body cannot be decoded.
	ErrMalformed = errors.New("malformed event payload")
)

// Error describes why a raw event was discarded.
type Error struct {
	Kind   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Kind, e.Err, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

func malformed(kind, detail string) error {
	return &Error{Kind: kind, Detail: detail, Err: ErrMalformed}
}

// stamped is one normalized body plus an optional time taken from inside the
// payload, which overrides the envelope time.
type stamped struct {
	body event.Body
	at   *int64
}

func one(b event.Body) []stamped { return []stamped{{body: b}} }

// handler converts one decoded payload.
type handler func(kind string, r record) ([]stamped, error)

// devicePrefixes maps discriminator prefixes to device kinds. Several
// devices are announced under more than one prefix.
var devicePrefixes = map[string]event.DeviceKind{
	"CAMERA":        event.Camera,
	"FILTERWHEEL":   event.FilterWheel,
	"FOCUSER":       event.Focuser,
	"MOUNT":         event.Mount,
	"TELESCOPE":     event.Mount,
	"ROTATOR":       event.Rotator,
	"SAFETY":        event.SafetyMonitor,
	"SAFETYMONITOR": event.SafetyMonitor,
	"GUIDER":        event.Guider,
	"DOME":          event.Dome,
	"FLAT":          event.FlatDevice,
	"FLATDEVICE":    event.FlatDevice,
	"SWITCH":        event.Switch,
	"WEATHER":       event.Weather,
}

// table is the static translation table. It is filled once at init and
// never mutated afterwards.
var table = map[string]handler{
	"FILTERWHEEL-CHANGED": filterChanged,
	"SAFETY-CHANGED":      safetyChanged,
	"IMAGE-SAVE":          imageSaved,
	"TS-TARGETSTART":      targetStart,
	"TS-NEWTARGETSTART":   targetStart,
	"TS-TARGETEND":        targetEnd,
	"SEQUENCE-FINISHED":   sequenceFinished,
	"SEQUENCE-STOPPED":    sequenceFinished,
	"SEQUENCE-PROGRESS":   sequenceProgress,
	"SEQUENCE-STATE":      sequenceProgress,
	"GUIDER-STEP":         guideStep,
	"GUIDER-GRAPH":        guideGraph,
	"MOUNT-PARKED":        mountParked(true),
	"MOUNT-UNPARKED":      mountParked(false),
}

func init() {
	for prefix, dev := range devicePrefixes {
		table[prefix+"-CONNECTED"] = connection(dev, true)
		table[prefix+"-DISCONNECTED"] = connection(dev, false)
		table[prefix+"-INFO"] = deviceInfo(dev)
	}
}

// Kinds returns every discriminator the table understands.
func Kinds() []string {
	out := make([]string, 0, len(table))
	for k := range table {
		out = append(out, k)
	}
	return out
}

// Normalize converts a raw event into zero or more normalized events. Stream
// events produce exactly one; polled info payloads may fan out (a guider
// graph yields one GuideStep per entry).
func Normalize(raw event.Raw) ([]event.Event, error) {
	kind := strings.ToUpper(strings.TrimSpace(raw.Kind))
	if kind == "" {
		return nil, &Error{Kind: "(empty)", Err: ErrUnknownKind}
	}
	h, ok := table[kind]
	if !ok {
		return nil, &Error{Kind: kind, Err: ErrUnknownKind}
	}

	r := record{}
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		var err error
		r, err = decodeRecord(raw.Payload)
		if err != nil {
			return nil, &Error{Kind: kind, Detail: err.Error(), Err: ErrMalformed}
		}
	}

	ts := event.Millis(raw.ReceivedAt)
	if t := r.millis("Time", "Timestamp", "Date"); t != nil {
		ts = *t
	}

	items, err := h(kind, r)
	if err != nil {
		return nil, err
	}

	out := make([]event.Event, 0, len(items))
	for _, it := range items {
		e := event.Event{Time: ts, Origin: raw.Origin, Body: it.body}
		if it.at != nil {
			e.Time = *it.at
		}
		out = append(out, e)
	}
	return out, nil
}

func connection(dev event.DeviceKind, connected bool) handler {
	return func(_ string, r record) ([]stamped, error) {
		return one(event.EquipmentConnection{
			Device:    dev,
			Connected: connected,
			Fields:    deviceFields(dev, r),
		}), nil
	}
}

func deviceInfo(dev event.DeviceKind) handler {
	return func(kind string, r record) ([]stamped, error) {
		connected := r.boolOf("Connected")
		if connected == nil {
			return nil, malformed(kind, "missing Connected")
		}
		return one(event.EquipmentConnection{
			Device:    dev,
			Connected: *connected,
			Fields:    deviceFields(dev, r),
		}), nil
	}
}

// deviceFields extracts the readings relevant to dev. Fields that belong to
// other device kinds are ignored even when present.
func deviceFields(dev event.DeviceKind, r record) event.DeviceFields {
	f := event.DeviceFields{Name: r.str("Name", "DisplayName", "DeviceName")}
	switch dev {
	case event.Camera:
		f.Temperature = r.floatOf("Temperature", "CCDTemperature")
		f.CoolerOn = r.boolOf("CoolerOn")
		f.CoolerPower = r.floatOf("CoolerPower")
	case event.FilterWheel:
		if sel, ok := r.object("SelectedFilter"); ok {
			f.Filter = sel.str("Name")
			f.FilterPosition = sel.intOf("Id", "Position")
		}
	case event.Focuser:
		f.Position = r.intOf("Position")
		f.Temperature = r.floatOf("Temperature")
	case event.Mount:
		f.Parked = r.boolOf("AtPark", "Parked")
		f.Tracking = r.boolOf("TrackingEnabled", "Tracking")
	case event.Rotator:
		f.Angle = r.floatOf("Position", "MechanicalPosition")
	case event.SafetyMonitor:
		f.IsSafe = r.boolOf("IsSafe")
	case event.Weather:
		f.Temperature = r.floatOf("Temperature")
	}
	return f
}

func filterChanged(kind string, r record) ([]stamped, error) {
	next, ok := r.object("New")
	if !ok {
		return nil, malformed(kind, "missing New")
	}
	name := next.str("Name")
	pos := next.intOf("Id", "Position")
	if name == "" && pos == nil {
		return nil, malformed(kind, "New has neither Name nor Id")
	}
	return one(event.FilterChange{Filter: name, Position: pos}), nil
}

func safetyChanged(kind string, r record) ([]stamped, error) {
	safe := r.boolOf("IsSafe")
	if safe == nil {
		return nil, malformed(kind, "missing IsSafe")
	}
	return one(event.SafetyChange{IsSafe: *safe}), nil
}

func imageSaved(kind string, r record) ([]stamped, error) {
	stats, ok := r.object("ImageStatistics")
	if !ok {
		// Some tool versions flatten the statistics into the event body.
		if !r.has("ExposureTime", "Filter", "HFR") {
			return nil, malformed(kind, "missing ImageStatistics")
		}
		stats = r
	}
	img := event.ImageSaved{
		Index:           stats.intOf("Index", "Id"),
		Filter:          stats.str("Filter"),
		ExposureSeconds: stats.floatOf("ExposureTime", "Exposure"),
		Temperature:     stats.floatOf("Temperature"),
		HFR:             stats.floatOf("HFR"),
		Stars:           stats.intOf("Stars"),
		Camera:          stats.str("CameraName"),
		Gain:            stats.intOf("Gain"),
		Offset:          stats.intOf("Offset"),
	}
	// The capture date inside the statistics block wins over the envelope.
	return []stamped{{body: img, at: stats.millis("Date")}}, nil
}

func targetStart(kind string, r record) ([]stamped, error) {
	name := r.str("TargetName", "Name")
	if name == "" {
		return nil, malformed(kind, "missing TargetName")
	}
	ts := event.TargetStart{
		Name:        name,
		ProjectName: r.str("ProjectName"),
		EndTime:     r.millis("TargetEndTime", "EndTime"),
	}
	if c, ok := r.object("Coordinates"); ok {
		ts.Coordinates = coordinates(c)
	}
	return one(ts), nil
}

// coordinates prefers explicit degree fields; RA alone is in hours.
func coordinates(c record) *event.Coordinates {
	ra := c.floatOf("RADegrees")
	if ra == nil {
		if h := c.floatOf("RA"); h != nil {
			deg := *h * 15
			ra = &deg
		}
	}
	dec := c.floatOf("DecDegrees", "Dec")
	if ra == nil || dec == nil {
		return nil
	}
	return &event.Coordinates{RA: *ra, Dec: *dec}
}

func targetEnd(kind string, r record) ([]stamped, error) {
	name := r.str("TargetName", "Name")
	if name == "" {
		return nil, malformed(kind, "missing TargetName")
	}
	return one(event.TargetEnd{Name: name}), nil
}

func sequenceFinished(_ string, r record) ([]stamped, error) {
	return one(event.TargetEnd{Name: r.str("TargetName"), SequenceFinished: true}), nil
}

func sequenceProgress(kind string, r record) ([]stamped, error) {
	cur := r.intOf("Current", "Completed", "CompletedIterations")
	total := r.intOf("Total", "Iterations", "TotalIterations")
	if cur == nil || total == nil {
		return nil, malformed(kind, "missing Current or Total")
	}
	return one(event.SequenceProgress{Current: *cur, Total: *total}), nil
}

func guideStep(kind string, r record) ([]stamped, error) {
	step, ok := parseGuideStep(r)
	if !ok {
		return nil, malformed(kind, "missing Id")
	}
	return one(step), nil
}

func guideGraph(kind string, r record) ([]stamped, error) {
	steps, ok := r.list("GuideSteps")
	if !ok {
		return nil, malformed(kind, "missing GuideSteps")
	}
	out := make([]stamped, 0, len(steps))
	for _, s := range steps {
		if step, ok := parseGuideStep(s); ok {
			out = append(out, stamped{body: step})
		}
	}
	return out, nil
}

// parseGuideStep prefers the display values, which the tool scales to
// arcseconds when an image scale is known.
func parseGuideStep(r record) (event.GuideStep, bool) {
	id := r.int64Of("Id", "Step", "Frame")
	if id == nil {
		return event.GuideStep{}, false
	}
	step := event.GuideStep{
		ID:  *id,
		RA:  r.floatOf("RADistanceRawDisplay", "RADistanceRaw", "RADistance", "RA"),
		Dec: r.floatOf("DECDistanceRawDisplay", "DECDistanceRaw", "DECDistance", "Dec"),
	}
	if d := r.boolOf("Dither"); d != nil {
		step.Dither = *d
	} else if r.str("Dither") != "" && r.str("Dither") != "NaN" {
		// Older graph payloads carry the dither offset instead of a flag.
		step.Dither = true
	}
	return step, true
}

func mountParked(parked bool) handler {
	return func(_ string, r record) ([]stamped, error) {
		p := parked
		f := deviceFields(event.Mount, r)
		f.Parked = &p
		return one(event.DeviceStatus{Device: event.Mount, Fields: f}), nil
	}
}
