package session

import (
	"fmt"
	"math"
	"strings"

	"github.com/astro-monitor/backend/internal/event"
	"github.com/google/uuid"
)

const (
	DefaultGuideHistory = 300
	DefaultImageHistory = 50
)

// Clock keys for fields that are not per-device.
const (
	clockTarget     = "target"
	clockProgress   = "progress"
	clockLastImage  = "lastImage"
	clockConnection = "connection"
	clockReset      = "reset"
)

// Outcome reports what an Apply call did. Warnings carry clamp and
// default-arm notices for the caller to log; Events carries lifecycle
// notifications for observers such as the history recorder.
type Outcome struct {
	Changed  bool
	Warnings []string
	Events   []Event
}

func (o *Outcome) warnf(format string, args ...any) {
	o.Warnings = append(o.Warnings, fmt.Sprintf(format, args...))
}

// Machine folds normalized events into snapshots. It holds only
// configuration; all state lives in the Snapshot passed to Apply.
type Machine struct {
	guideCap int
	imageCap int
	newID    func() string
}

// NewMachine returns a Machine with the given history caps. Non-positive
// caps fall back to the defaults.
func NewMachine(guideCap, imageCap int) *Machine {
	if guideCap <= 0 {
		guideCap = DefaultGuideHistory
	}
	if imageCap <= 0 {
		imageCap = DefaultImageHistory
	}
	return &Machine{guideCap: guideCap, imageCap: imageCap, newID: uuid.NewString}
}

// NewSnapshot returns the startup snapshot with a fresh session ID.
func (m *Machine) NewSnapshot() *Snapshot {
	return New(m.newID())
}

// Apply returns the snapshot that results from applying ev to prev. prev is
// never modified. Outcome.Changed reports whether any visible field changed;
// only then is Version bumped.
func (m *Machine) Apply(prev *Snapshot, ev event.Event) (*Snapshot, Outcome) {
	var out Outcome
	if ev.Body == nil {
		out.warnf("event without body from %s ignored", ev.Origin)
		return prev, out
	}
	// Data events stamped before the last explicit reset belong to the
	// previous session.
	if !event.IsControl(ev.Body) && ev.Time < prev.clocks[clockReset] {
		return prev, out
	}

	next := prev.Clone()
	switch b := ev.Body.(type) {
	case event.EquipmentConnection:
		connected := b.Connected
		out.Changed = mergeDevice(next, ev.Time, b.Device, &connected, b.Fields)
	case event.DeviceStatus:
		out.Changed = mergeDevice(next, ev.Time, b.Device, nil, b.Fields)
	case event.FilterChange:
		out.Changed = mergeDevice(next, ev.Time, event.FilterWheel, nil, event.DeviceFields{
			Filter:         b.Filter,
			FilterPosition: b.Position,
		})
	case event.SafetyChange:
		safe := b.IsSafe
		out.Changed = mergeDevice(next, ev.Time, event.SafetyMonitor, nil, event.DeviceFields{IsSafe: &safe})
	case event.TargetStart:
		m.targetStart(next, ev.Time, b, &out)
	case event.TargetEnd:
		m.targetEnd(next, ev.Time, b, &out)
	case event.SequenceProgress:
		m.progress(next, ev.Time, b, &out)
	case event.ImageSaved:
		m.imageSaved(next, ev.Time, b, &out)
	case event.GuideStep:
		m.guideStep(next, ev.Time, ev.Origin, b, &out)
	case event.ConnectionLost:
		out.Changed = markDisconnected(next, ev.Time, event.Disconnected)
		if b.Reason != "" && next.DisconnectReason != b.Reason {
			next.DisconnectReason = b.Reason
			out.Changed = true
		}
	case event.ConnectionState:
		m.connectionState(next, ev.Time, b, &out)
	case event.GraceExpired:
		m.graceExpired(next, ev.Time, b, &out)
	case event.SessionReset:
		next = m.reset(prev, ev.Time, b, &out)
	default:
		out.warnf("unhandled event body %T ignored", ev.Body)
		return prev, out
	}

	if !out.Changed {
		// Clocks may still have advanced on an unchanged value.
		return next, out
	}
	next.Version = prev.Version + 1
	if ev.Time > next.LastUpdate {
		next.LastUpdate = ev.Time
	}
	for i := range out.Events {
		out.Events[i].SessionID = next.SessionID
	}
	return next, out
}

// merger applies per-field clocked writes to one device.
type merger struct {
	s        *Snapshot
	dev      event.DeviceKind
	at       int64
	accepted bool
	changed  bool
}

func (mg *merger) admit(field string) bool {
	key := deviceClock(mg.dev, field)
	if mg.at < mg.s.clocks[key] {
		return false
	}
	mg.s.clocks[key] = mg.at
	mg.accepted = true
	return true
}

func deviceClock(dev event.DeviceKind, field string) string {
	return string(dev) + "." + field
}

func mergePtr[T comparable](mg *merger, field string, dst **T, v *T) {
	if v == nil || !mg.admit(field) {
		return
	}
	if *dst != nil && **dst == *v {
		return
	}
	*dst = clonePtr(v)
	mg.changed = true
}

func mergeString(mg *merger, field string, dst *string, v string) {
	if v == "" || !mg.admit(field) {
		return
	}
	if *dst != v {
		*dst = v
		mg.changed = true
	}
}

// mergeDevice writes every supplied field whose clock admits at. A nil
// connected leaves the connection flag alone. Any accepted write proves the
// device is reporting again, so its stale flag is cleared.
func mergeDevice(s *Snapshot, at int64, dev event.DeviceKind, connected *bool, f event.DeviceFields) bool {
	d := s.Equipment[dev]
	mg := &merger{s: s, dev: dev, at: at}

	if connected != nil && mg.admit("connected") && d.Connected != *connected {
		d.Connected = *connected
		mg.changed = true
	}
	mergeString(mg, "name", &d.Name, f.Name)
	mergePtr(mg, "temperature", &d.Temperature, f.Temperature)
	mergePtr(mg, "coolerOn", &d.CoolerOn, f.CoolerOn)
	mergePtr(mg, "coolerPower", &d.CoolerPower, f.CoolerPower)
	mergePtr(mg, "position", &d.Position, f.Position)
	mergeString(mg, "filter", &d.Filter, f.Filter)
	mergePtr(mg, "filterPosition", &d.FilterPosition, f.FilterPosition)
	mergePtr(mg, "angle", &d.Angle, f.Angle)
	mergePtr(mg, "parked", &d.Parked, f.Parked)
	mergePtr(mg, "tracking", &d.Tracking, f.Tracking)
	mergePtr(mg, "isSafe", &d.IsSafe, f.IsSafe)

	if mg.accepted && d.Stale {
		d.Stale = false
		mg.changed = true
	}
	if mg.changed {
		s.Equipment[dev] = d
	}
	return mg.changed
}

func (m *Machine) targetStart(s *Snapshot, at int64, b event.TargetStart, out *Outcome) {
	// A start older than the last target transition would resurrect a
	// target that has since ended or been replaced.
	if at < s.clocks[clockTarget] {
		return
	}
	t := &Target{
		Name:        b.Name,
		ProjectName: b.ProjectName,
		EndTime:     clonePtr(b.EndTime),
		Coordinates: clonePtr(b.Coordinates),
		StartedAt:   at,
	}
	s.clocks[clockTarget] = at

	// A repeated announcement of the running target refreshes its details
	// but keeps its start time and progress.
	if s.ActiveTarget != nil && s.ActiveTarget.Name == t.Name {
		t.StartedAt = s.ActiveTarget.StartedAt
		if !sameTarget(s.ActiveTarget, t) {
			s.ActiveTarget = t
			out.Changed = true
		}
		return
	}

	// Switching targets without an explicit end closes the previous run.
	if prev := s.ActiveTarget; prev != nil {
		out.Events = append(out.Events, Event{Type: EventTargetEnded, At: at, Target: prev})
	}
	s.ActiveTarget = t
	out.Changed = true
	out.Events = append(out.Events, Event{Type: EventTargetStarted, At: at, Target: clonePtr(t)})
	if at >= s.clocks[clockProgress] {
		s.clocks[clockProgress] = at
		s.SequenceProgress = nil
	}
}

func (m *Machine) targetEnd(s *Snapshot, at int64, b event.TargetEnd, out *Outcome) {
	active := s.ActiveTarget
	if active == nil {
		return
	}
	if !b.SequenceFinished && !strings.EqualFold(strings.TrimSpace(b.Name), active.Name) {
		return
	}
	if at < active.StartedAt || at < s.clocks[clockTarget] {
		return
	}
	s.clocks[clockTarget] = at
	s.ActiveTarget = nil
	out.Changed = true
	out.Events = append(out.Events, Event{Type: EventTargetEnded, At: at, Target: active})
}

func (m *Machine) progress(s *Snapshot, at int64, b event.SequenceProgress, out *Outcome) {
	if at < s.clocks[clockProgress] {
		return
	}
	cur, total := b.Current, b.Total
	if total < 0 {
		out.warnf("sequence progress total %d below zero, clamped to 0", total)
		total = 0
	}
	if cur < 0 {
		out.warnf("sequence progress current %d below zero, clamped to 0", cur)
		cur = 0
	}
	if cur > total {
		out.warnf("sequence progress current %d exceeds total %d, clamped", cur, total)
		cur = total
	}
	s.clocks[clockProgress] = at
	p := Progress{Current: cur, Total: total}
	if s.SequenceProgress != nil && *s.SequenceProgress == p {
		return
	}
	s.SequenceProgress = &p
	out.Changed = true
}

func (m *Machine) imageSaved(s *Snapshot, at int64, b event.ImageSaved, out *Outcome) {
	img := Image{
		Timestamp:       at,
		Index:           clonePtr(b.Index),
		Filter:          b.Filter,
		ExposureSeconds: clonePtr(b.ExposureSeconds),
		Temperature:     clonePtr(b.Temperature),
		HFR:             clonePtr(b.HFR),
		Stars:           clonePtr(b.Stars),
		Camera:          b.Camera,
	}
	key := img.Key()
	if s.LastImage != nil && s.LastImage.Key() == key {
		return
	}
	for _, prev := range s.Images {
		if prev.Key() == key {
			return
		}
	}

	s.Images = append(s.Images, img)
	if over := len(s.Images) - m.imageCap; over > 0 {
		s.Images = append([]Image(nil), s.Images[over:]...)
	}
	if at >= s.clocks[clockLastImage] {
		s.clocks[clockLastImage] = at
		latest := img.clone()
		s.LastImage = &latest
	}
	out.Changed = true
	out.Events = append(out.Events, Event{Type: EventImageSaved, At: at, Image: &img, Target: clonePtr(s.ActiveTarget)})
}

// Key identifies an image for deduplication: the source's frame index and
// capture time when an index is present, otherwise capture time, filter and
// exposure. The index alone is not enough since it restarts with the tool.
func (i Image) Key() string {
	if i.Index != nil {
		return fmt.Sprintf("#%d|%d", *i.Index, i.Timestamp)
	}
	exp := "-"
	if i.ExposureSeconds != nil {
		exp = fmt.Sprintf("%g", *i.ExposureSeconds)
	}
	return fmt.Sprintf("%d|%s|%s", i.Timestamp, i.Filter, exp)
}

func (m *Machine) guideStep(s *Snapshot, at int64, origin event.Origin, b event.GuideStep, out *Outcome) {
	if !admitGuideStep(s.GuideStats, at, origin, b) {
		return
	}

	s.GuideStats = append(s.GuideStats, GuideStep{
		ID:     b.ID,
		Time:   at,
		RA:     clonePtr(b.RA),
		Dec:    clonePtr(b.Dec),
		Dither: b.Dither,
	})
	if over := len(s.GuideStats) - m.guideCap; over > 0 {
		s.GuideStats = append([]GuideStep(nil), s.GuideStats[over:]...)
	}
	s.GuideRMS = guideRMS(s.GuideStats)
	out.Changed = true
}

// admitGuideStep reports whether b is a new step. Step IDs restart at 1
// whenever guiding restarts, so IDs are only compared within the current
// run: the trailing stretch of the window whose IDs keep increasing.
func admitGuideStep(steps []GuideStep, at int64, origin event.Origin, b event.GuideStep) bool {
	n := len(steps)
	if n == 0 {
		return true
	}
	for _, g := range steps {
		if g.ID == b.ID && g.Time == at {
			return false
		}
	}
	last := steps[n-1]
	run := n - 1
	for run > 0 && steps[run-1].ID < steps[run].ID {
		run--
	}

	for _, g := range steps[run:] {
		if g.ID != b.ID {
			continue
		}
		// A repeated ID is a new run only when it arrives later and behind
		// the run's newest step. Polled graphs stamp every entry with the
		// fetch time, so they also need different readings to count.
		if at <= g.Time || b.ID >= last.ID {
			return false
		}
		if origin == event.OriginPoll && sameGuideReading(g, b) {
			return false
		}
		return true
	}
	// A lower ID with an older time is a replayed step already evicted
	// from the window. A lower ID with a newer time is a new guiding run,
	// except from a poll when the run's first steps may have been evicted.
	if b.ID < last.ID && at < last.Time {
		return false
	}
	if origin == event.OriginPoll && run == 0 && b.ID < steps[0].ID {
		return false
	}
	return true
}

func sameGuideReading(g GuideStep, b event.GuideStep) bool {
	return g.Dither == b.Dither && eqPtr(g.RA, b.RA) && eqPtr(g.Dec, b.Dec)
}

// guideRMS computes RMS error over steps that carry both axes. Dither
// steps are excluded since their offsets are intentional.
func guideRMS(steps []GuideStep) *GuideRMS {
	var ra2, dec2 float64
	n := 0
	for _, g := range steps {
		if g.Dither || g.RA == nil || g.Dec == nil {
			continue
		}
		ra2 += *g.RA * *g.RA
		dec2 += *g.Dec * *g.Dec
		n++
	}
	if n == 0 {
		return nil
	}
	ra := math.Sqrt(ra2 / float64(n))
	dec := math.Sqrt(dec2 / float64(n))
	return &GuideRMS{RA: ra, Dec: dec, Total: math.Hypot(ra, dec), Steps: n}
}

// markDisconnected moves the feed to a non-connected status and records
// when it was lost if it was not already down.
func markDisconnected(s *Snapshot, at int64, status event.ConnectionStatus) bool {
	changed := false
	if s.ConnectionStatus != status {
		s.ConnectionStatus = status
		changed = true
	}
	if s.DisconnectedAt == nil {
		lost := at
		s.DisconnectedAt = &lost
		changed = true
	}
	s.clocks[clockConnection] = at
	return changed
}

func (m *Machine) connectionState(s *Snapshot, at int64, b event.ConnectionState, out *Outcome) {
	if b.Status != event.Connected {
		out.Changed = markDisconnected(s, at, b.Status)
		return
	}
	s.clocks[clockConnection] = at
	if s.ConnectionStatus != event.Connected {
		s.ConnectionStatus = event.Connected
		out.Changed = true
	}
	if s.DisconnectedAt != nil {
		s.DisconnectedAt = nil
		out.Changed = true
	}
	if s.DisconnectReason != "" {
		s.DisconnectReason = ""
		out.Changed = true
	}
	if s.Stale {
		s.Stale = false
		out.Changed = true
	}
}

func (m *Machine) graceExpired(s *Snapshot, at int64, b event.GraceExpired, out *Outcome) {
	if s.ConnectionStatus == event.Connected || s.DisconnectedAt == nil || *s.DisconnectedAt != b.LostAt || s.Stale {
		return
	}
	s.Stale = true
	out.Changed = true

	if s.ActiveTarget != nil {
		out.Events = append(out.Events, Event{Type: EventTargetEnded, At: at, Target: s.ActiveTarget, Aborted: true})
		s.ActiveTarget = nil
	}
	if at > s.clocks[clockTarget] {
		s.clocks[clockTarget] = at
	}
	s.SequenceProgress = nil
	if at > s.clocks[clockProgress] {
		s.clocks[clockProgress] = at
	}
	for k, d := range s.Equipment {
		d.Stale = true
		s.Equipment[k] = d
	}
}

func (m *Machine) reset(prev *Snapshot, at int64, b event.SessionReset, out *Outcome) *Snapshot {
	next := New(m.newID())
	next.ConnectionStatus = prev.ConnectionStatus
	next.DisconnectedAt = clonePtr(prev.DisconnectedAt)
	next.DisconnectReason = prev.DisconnectReason
	next.LastUpdate = prev.LastUpdate
	next.clocks[clockReset] = at
	next.clocks[clockConnection] = prev.clocks[clockConnection]
	out.Changed = true
	out.Events = append(out.Events, Event{Type: EventReset, At: at, Reason: b.Reason, PreviousSessionID: prev.SessionID})
	return next
}

func sameTarget(a, b *Target) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Name == b.Name && a.ProjectName == b.ProjectName && a.StartedAt == b.StartedAt &&
		eqPtr(a.EndTime, b.EndTime) && eqPtr(a.Coordinates, b.Coordinates)
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
