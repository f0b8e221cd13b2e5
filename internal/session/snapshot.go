package session

import (
	"github.com/astro-monitor/backend/internal/event"
)

// Device is the mirrored state of one piece of equipment. Optional readings
// are pointers so an unreported value is absent rather than zero.
type Device struct {
	Connected      bool     `json:"connected"`
	Stale          bool     `json:"stale,omitempty"`
	Name           string   `json:"name,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	CoolerOn       *bool    `json:"coolerOn,omitempty"`
	CoolerPower    *float64 `json:"coolerPower,omitempty"`
	Position       *int     `json:"position,omitempty"`
	Filter         string   `json:"filter,omitempty"`
	FilterPosition *int     `json:"filterPosition,omitempty"`
	Angle          *float64 `json:"angle,omitempty"`
	Parked         *bool    `json:"parked,omitempty"`
	Tracking       *bool    `json:"tracking,omitempty"`
	IsSafe         *bool    `json:"isSafe,omitempty"`
}

type Target struct {
	Name        string             `json:"name"`
	ProjectName string             `json:"projectName,omitempty"`
	EndTime     *int64             `json:"endTime,omitempty"`
	Coordinates *event.Coordinates `json:"coordinates,omitempty"`
	StartedAt   int64              `json:"startedAt"`
}

type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

type Image struct {
	Timestamp       int64    `json:"timestamp"`
	Index           *int     `json:"index,omitempty"`
	Filter          string   `json:"filter,omitempty"`
	ExposureSeconds *float64 `json:"exposureSeconds,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	HFR             *float64 `json:"hfr,omitempty"`
	Stars           *int     `json:"stars,omitempty"`
	Camera          string   `json:"camera,omitempty"`
}

type GuideStep struct {
	ID     int64    `json:"id"`
	Time   int64    `json:"time"`
	RA     *float64 `json:"ra,omitempty"`
	Dec    *float64 `json:"dec,omitempty"`
	Dither bool     `json:"dither,omitempty"`
}

// GuideRMS is the root-mean-square guide error over the retained window.
type GuideRMS struct {
	RA    float64 `json:"ra"`
	Dec   float64 `json:"dec"`
	Total float64 `json:"total"`
	Steps int     `json:"steps"`
}

// Snapshot is the aggregated view of the current imaging session. A
// Snapshot handed out by the Store or the Machine is never mutated again;
// callers that want to change one must Clone it first.
type Snapshot struct {
	SessionID        string                      `json:"sessionId"`
	Version          uint64                      `json:"version"`
	Equipment        map[event.DeviceKind]Device `json:"equipment"`
	ActiveTarget     *Target                     `json:"activeTarget"`
	SequenceProgress *Progress                   `json:"sequenceProgress"`
	LastImage        *Image                      `json:"lastImage"`
	Images           []Image                     `json:"images"`
	GuideStats       []GuideStep                 `json:"guideStats"`
	GuideRMS         *GuideRMS                   `json:"guideRms,omitempty"`
	ConnectionStatus event.ConnectionStatus      `json:"connectionStatus"`
	Stale            bool                        `json:"stale"`
	DisconnectedAt   *int64                      `json:"disconnectedAt,omitempty"`
	DisconnectReason string                      `json:"disconnectReason,omitempty"`
	LastUpdate       int64                       `json:"lastUpdate"`

	// clocks holds the last-applied event time per field so that stale
	// updates can be rejected field by field.
	clocks map[string]int64
}

// New returns the startup snapshot: every known device present and
// disconnected, no target, no images, feed disconnected.
func New(sessionID string) *Snapshot {
	s := &Snapshot{
		SessionID:        sessionID,
		Equipment:        make(map[event.DeviceKind]Device, len(event.DeviceKinds)),
		Images:           []Image{},
		GuideStats:       []GuideStep{},
		ConnectionStatus: event.Disconnected,
		clocks:           make(map[string]int64),
	}
	for _, k := range event.DeviceKinds {
		s.Equipment[k] = Device{}
	}
	return s
}

// Clone returns a deep copy of the Snapshot, duplicating pointer, slice, and
// map fields so the copy can be mutated independently of the original.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Equipment = make(map[event.DeviceKind]Device, len(s.Equipment))
	for k, d := range s.Equipment {
		c.Equipment[k] = d.clone()
	}
	if s.ActiveTarget != nil {
		t := *s.ActiveTarget
		t.EndTime = clonePtr(t.EndTime)
		t.Coordinates = clonePtr(t.Coordinates)
		c.ActiveTarget = &t
	}
	c.SequenceProgress = clonePtr(s.SequenceProgress)
	if s.LastImage != nil {
		img := s.LastImage.clone()
		c.LastImage = &img
	}
	c.Images = make([]Image, len(s.Images))
	for i, img := range s.Images {
		c.Images[i] = img.clone()
	}
	c.GuideStats = make([]GuideStep, len(s.GuideStats))
	for i, g := range s.GuideStats {
		c.GuideStats[i] = g.clone()
	}
	c.GuideRMS = clonePtr(s.GuideRMS)
	c.DisconnectedAt = clonePtr(s.DisconnectedAt)
	c.clocks = make(map[string]int64, len(s.clocks))
	for k, v := range s.clocks {
		c.clocks[k] = v
	}
	return &c
}

// Device returns the state for kind. Unknown kinds read as disconnected.
func (s *Snapshot) Device(kind event.DeviceKind) Device {
	return s.Equipment[kind]
}

// Clock returns the last-applied time for a field key, or 0.
func (s *Snapshot) Clock(field string) int64 {
	return s.clocks[field]
}

func (d Device) clone() Device {
	d.Temperature = clonePtr(d.Temperature)
	d.CoolerOn = clonePtr(d.CoolerOn)
	d.CoolerPower = clonePtr(d.CoolerPower)
	d.Position = clonePtr(d.Position)
	d.FilterPosition = clonePtr(d.FilterPosition)
	d.Angle = clonePtr(d.Angle)
	d.Parked = clonePtr(d.Parked)
	d.Tracking = clonePtr(d.Tracking)
	d.IsSafe = clonePtr(d.IsSafe)
	return d
}

func (i Image) clone() Image {
	i.Index = clonePtr(i.Index)
	i.ExposureSeconds = clonePtr(i.ExposureSeconds)
	i.Temperature = clonePtr(i.Temperature)
	i.HFR = clonePtr(i.HFR)
	i.Stars = clonePtr(i.Stars)
	return i
}

func (g GuideStep) clone() GuideStep {
	g.RA = clonePtr(g.RA)
	g.Dec = clonePtr(g.Dec)
	return g
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
