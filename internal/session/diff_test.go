package session

import (
	"testing"

	"github.com/astro-monitor/backend/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffOnlyChangedDevices(t *testing.T) {
	m := testMachine(0, 0)
	base := m.NewSnapshot()
	next := fold(t, m, base,
		at(100, event.EquipmentConnection{Device: event.Camera, Connected: true}),
		at(200, event.FilterChange{Filter: "OIII"}),
	)

	d, ok := Diff(base, next)
	require.True(t, ok)
	assert.Len(t, d.Equipment, 2)
	assert.True(t, d.Equipment[event.Camera].Connected)
	assert.Equal(t, "OIII", d.Equipment[event.FilterWheel].Filter)
	assert.Equal(t, base.Version, d.BaseVersion)
	assert.Equal(t, next.Version, d.Version)
	assert.False(t, d.Empty())
}

func TestDiffClearedSections(t *testing.T) {
	m := testMachine(0, 0)
	base := fold(t, m, m.NewSnapshot(),
		at(100, event.ConnectionState{Status: event.Connected}),
		at(200, event.TargetStart{Name: "M31"}),
		at(300, event.SequenceProgress{Current: 1, Total: 4}),
		at(400, event.ConnectionLost{Reason: "read: unexpected EOF"}),
	)
	next := fold(t, m, base,
		at(60400, event.GraceExpired{LostAt: 400}),
		at(61000, event.ConnectionState{Status: event.Connected}),
	)

	d, ok := Diff(base, next)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{SectionActiveTarget, SectionSequenceProgress, SectionDisconnectedAt, SectionDisconnectReason}, d.Cleared)
	require.NotNil(t, d.ConnectionStatus)
	assert.Equal(t, event.Connected, *d.ConnectionStatus)
	assert.Len(t, d.Equipment, len(event.DeviceKinds), "every device turned stale")
}

func TestDiffAppendsGuideStepsInOrder(t *testing.T) {
	m := testMachine(4, 0)
	base := fold(t, m, m.NewSnapshot(),
		at(100, event.GuideStep{ID: 1}),
		at(200, event.GuideStep{ID: 2}),
	)
	next := fold(t, m, base,
		at(300, event.GuideStep{ID: 3}),
		at(400, event.GuideStep{ID: 4}),
		at(500, event.GuideStep{ID: 5}),
	)

	d, ok := Diff(base, next)
	require.True(t, ok)
	require.Len(t, d.NewGuideSteps, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{d.NewGuideSteps[0].ID, d.NewGuideSteps[1].ID, d.NewGuideSteps[2].ID})
	assert.NotContains(t, d.Cleared, SectionGuideStats)
}

func TestDiffReplacesRotatedHistory(t *testing.T) {
	m := testMachine(2, 0)
	base := fold(t, m, m.NewSnapshot(), at(100, event.GuideStep{ID: 1}))
	next := fold(t, m, base,
		at(200, event.GuideStep{ID: 2}),
		at(300, event.GuideStep{ID: 3}),
	)

	d, ok := Diff(base, next)
	require.True(t, ok)
	assert.Contains(t, d.Cleared, SectionGuideStats)
	assert.Len(t, d.NewGuideSteps, 2)
}

func TestDiffRequiresSameSession(t *testing.T) {
	m := testMachine(0, 0)
	base := m.NewSnapshot()
	next := fold(t, m, base, at(100, event.SessionReset{}))

	_, ok := Diff(base, next)
	assert.False(t, ok)
	_, ok = Diff(nil, next)
	assert.False(t, ok)
}

func TestDiffOfIdenticalSnapshotsIsEmpty(t *testing.T) {
	m := testMachine(0, 0)
	s := fold(t, m, m.NewSnapshot(), at(100, event.ImageSaved{Index: ptr(1)}))
	d, ok := Diff(s, s.Clone())
	require.True(t, ok)
	assert.True(t, d.Empty())
}
