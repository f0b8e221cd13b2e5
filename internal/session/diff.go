package session

import (
	"github.com/astro-monitor/backend/internal/event"
)

// Sections named in Delta.Cleared.
const (
	SectionActiveTarget     = "activeTarget"
	SectionSequenceProgress = "sequenceProgress"
	SectionLastImage        = "lastImage"
	SectionImages           = "images"
	SectionGuideStats       = "guideStats"
	SectionGuideRMS         = "guideRms"
	SectionDisconnectedAt   = "disconnectedAt"
	SectionDisconnectReason = "disconnectReason"
)

// Delta is the difference between two snapshots of the same session.
// Equipment holds only devices whose state changed. Sections that were
// replaced carry their new value; sections that became absent are listed in
// Cleared. NewImages and NewGuideSteps are the entries appended since the
// base, in order; when Cleared names images or guideStats, the client must
// replace that history with the new entries instead of appending.
type Delta struct {
	SessionID        string                      `json:"sessionId"`
	Version          uint64                      `json:"version"`
	BaseVersion      uint64                      `json:"baseVersion"`
	Equipment        map[event.DeviceKind]Device `json:"equipment,omitempty"`
	ActiveTarget     *Target                     `json:"activeTarget,omitempty"`
	SequenceProgress *Progress                   `json:"sequenceProgress,omitempty"`
	LastImage        *Image                      `json:"lastImage,omitempty"`
	NewImages        []Image                     `json:"newImages,omitempty"`
	NewGuideSteps    []GuideStep                 `json:"newGuideSteps,omitempty"`
	GuideRMS         *GuideRMS                   `json:"guideRms,omitempty"`
	ConnectionStatus *event.ConnectionStatus     `json:"connectionStatus,omitempty"`
	Stale            *bool                       `json:"stale,omitempty"`
	DisconnectedAt   *int64                      `json:"disconnectedAt,omitempty"`
	DisconnectReason *string                     `json:"disconnectReason,omitempty"`
	LastUpdate       int64                       `json:"lastUpdate"`
	Cleared          []string                    `json:"cleared,omitempty"`
}

// Empty reports whether the delta carries no change.
func (d *Delta) Empty() bool {
	return len(d.Equipment) == 0 && d.ActiveTarget == nil && d.SequenceProgress == nil &&
		d.LastImage == nil && len(d.NewImages) == 0 && len(d.NewGuideSteps) == 0 &&
		d.GuideRMS == nil && d.ConnectionStatus == nil && d.Stale == nil &&
		d.DisconnectedAt == nil && d.DisconnectReason == nil && len(d.Cleared) == 0
}

// Diff computes the delta that takes a client holding base to next. It
// returns ok=false when no delta can express the change (no base, or a
// different session) and a full snapshot must be sent instead.
func Diff(base, next *Snapshot) (d *Delta, ok bool) {
	if base == nil || next == nil || base.SessionID != next.SessionID || next.Version < base.Version {
		return nil, false
	}
	d = &Delta{
		SessionID:   next.SessionID,
		Version:     next.Version,
		BaseVersion: base.Version,
		LastUpdate:  next.LastUpdate,
	}

	for kind, dev := range next.Equipment {
		old, present := base.Equipment[kind]
		if present && deviceEqual(old, dev) {
			continue
		}
		if d.Equipment == nil {
			d.Equipment = make(map[event.DeviceKind]Device)
		}
		d.Equipment[kind] = dev.clone()
	}

	switch {
	case next.ActiveTarget == nil && base.ActiveTarget != nil:
		d.Cleared = append(d.Cleared, SectionActiveTarget)
	case next.ActiveTarget != nil && !sameTarget(base.ActiveTarget, next.ActiveTarget):
		t := *next.ActiveTarget
		t.EndTime = clonePtr(t.EndTime)
		t.Coordinates = clonePtr(t.Coordinates)
		d.ActiveTarget = &t
	}

	switch {
	case next.SequenceProgress == nil && base.SequenceProgress != nil:
		d.Cleared = append(d.Cleared, SectionSequenceProgress)
	case next.SequenceProgress != nil && !eqPtr(base.SequenceProgress, next.SequenceProgress):
		d.SequenceProgress = clonePtr(next.SequenceProgress)
	}

	switch {
	case next.LastImage == nil && base.LastImage != nil:
		d.Cleared = append(d.Cleared, SectionLastImage)
	case next.LastImage != nil && (base.LastImage == nil || !imageEqual(*base.LastImage, *next.LastImage)):
		img := next.LastImage.clone()
		d.LastImage = &img
	}

	images, replaced := appended(base.Images, next.Images, func(a, b Image) bool { return a.Key() == b.Key() })
	if replaced {
		d.Cleared = append(d.Cleared, SectionImages)
	}
	for _, img := range images {
		d.NewImages = append(d.NewImages, img.clone())
	}

	steps, replaced := appended(base.GuideStats, next.GuideStats, func(a, b GuideStep) bool {
		return a.ID == b.ID && a.Time == b.Time
	})
	if replaced {
		d.Cleared = append(d.Cleared, SectionGuideStats)
	}
	for _, g := range steps {
		d.NewGuideSteps = append(d.NewGuideSteps, g.clone())
	}

	switch {
	case next.GuideRMS == nil && base.GuideRMS != nil:
		d.Cleared = append(d.Cleared, SectionGuideRMS)
	case next.GuideRMS != nil && !eqPtr(base.GuideRMS, next.GuideRMS):
		d.GuideRMS = clonePtr(next.GuideRMS)
	}

	if next.ConnectionStatus != base.ConnectionStatus {
		st := next.ConnectionStatus
		d.ConnectionStatus = &st
	}
	if next.Stale != base.Stale {
		stale := next.Stale
		d.Stale = &stale
	}
	switch {
	case next.DisconnectedAt == nil && base.DisconnectedAt != nil:
		d.Cleared = append(d.Cleared, SectionDisconnectedAt)
	case next.DisconnectedAt != nil && !eqPtr(base.DisconnectedAt, next.DisconnectedAt):
		d.DisconnectedAt = clonePtr(next.DisconnectedAt)
	}
	switch {
	case next.DisconnectReason == "" && base.DisconnectReason != "":
		d.Cleared = append(d.Cleared, SectionDisconnectReason)
	case next.DisconnectReason != base.DisconnectReason:
		reason := next.DisconnectReason
		d.DisconnectReason = &reason
	}
	return d, true
}

// appended returns the entries of next that follow the last entry of base.
// If that entry is no longer in next, or next shrank to empty while base was
// not, the whole of next is returned with replaced=true.
func appended[T any](base, next []T, same func(a, b T) bool) (added []T, replaced bool) {
	if len(base) == 0 {
		return next, false
	}
	if len(next) == 0 {
		return nil, true
	}
	last := base[len(base)-1]
	for i := len(next) - 1; i >= 0; i-- {
		if same(next[i], last) {
			return next[i+1:], false
		}
	}
	return next, true
}

func deviceEqual(a, b Device) bool {
	return a.Connected == b.Connected && a.Stale == b.Stale && a.Name == b.Name &&
		eqPtr(a.Temperature, b.Temperature) && eqPtr(a.CoolerOn, b.CoolerOn) &&
		eqPtr(a.CoolerPower, b.CoolerPower) && eqPtr(a.Position, b.Position) &&
		a.Filter == b.Filter && eqPtr(a.FilterPosition, b.FilterPosition) &&
		eqPtr(a.Angle, b.Angle) && eqPtr(a.Parked, b.Parked) &&
		eqPtr(a.Tracking, b.Tracking) && eqPtr(a.IsSafe, b.IsSafe)
}

func imageEqual(a, b Image) bool {
	return a.Key() == b.Key() && a.Timestamp == b.Timestamp && a.Filter == b.Filter &&
		eqPtr(a.HFR, b.HFR) && eqPtr(a.Stars, b.Stars) && eqPtr(a.Temperature, b.Temperature)
}
