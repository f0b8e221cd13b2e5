package normalize

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/astro-monitor/backend/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var received = time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)

func raw(kind, payload string) event.Raw {
	return event.Raw{Kind: kind, Payload: json.RawMessage(payload), ReceivedAt: received, Origin: event.OriginStream}
}

func normalizeOne(t *testing.T, r event.Raw) event.Event {
	t.Helper()
	evs, err := Normalize(r)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	return evs[0]
}

func TestNormalizeDiscards(t *testing.T) {
	tests := []struct {
		name    string
		raw     event.Raw
		wantErr error
	}{
		{"empty kind", raw("", `{}`), ErrUnknownKind},
		{"unknown kind", raw("TELESCOPE-EXPLODED", `{}`), ErrUnknownKind},
		{"bad json", raw("IMAGE-SAVE", `{"ImageStatistics":`), ErrMalformed},
		{"image without stats", raw("IMAGE-SAVE", `{"Event":"IMAGE-SAVE"}`), ErrMalformed},
		{"target without name", raw("TS-TARGETSTART", `{"ProjectName":"x"}`), ErrMalformed},
		{"filter change without new", raw("FILTERWHEEL-CHANGED", `{"Previous":{"Name":"L"}}`), ErrMalformed},
		{"safety without flag", raw("SAFETY-CHANGED", `{}`), ErrMalformed},
		{"progress without total", raw("SEQUENCE-PROGRESS", `{"Current":3}`), ErrMalformed},
		{"guide step without id", raw("GUIDER-STEP", `{"RADistanceRaw":0.1}`), ErrMalformed},
		{"info without connected", raw("CAMERA-INFO", `{"Temperature":-5}`), ErrMalformed},
		{"graph without steps", raw("GUIDER-GRAPH", `{}`), ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evs, err := Normalize(tt.raw)
			assert.Nil(t, evs)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			var nerr *Error
			assert.True(t, errors.As(err, &nerr))
		})
	}
}

func TestNormalizeEquipmentConnection(t *testing.T) {
	ev := normalizeOne(t, raw("camera-connected", `{"Event":"CAMERA-CONNECTED"}`))
	assert.Equal(t, received.UnixMilli(), ev.Time)
	assert.Equal(t, event.EquipmentConnection{Device: event.Camera, Connected: true}, ev.Body)

	ev = normalizeOne(t, raw("TELESCOPE-DISCONNECTED", `null`))
	assert.Equal(t, event.EquipmentConnection{Device: event.Mount, Connected: false}, ev.Body)
}

func TestNormalizeDeviceInfo(t *testing.T) {
	ev := normalizeOne(t, raw("CAMERA-INFO", `{
		"Connected": "true",
		"Name": "ZWO ASI2600MM Pro",
		"Temperature": "-10.1",
		"CoolerOn": 1,
		"CoolerPower": 35.5,
		"Position": 12
	}`))
	b, ok := ev.Body.(event.EquipmentConnection)
	require.True(t, ok)
	assert.True(t, b.Connected)
	assert.Equal(t, "ZWO ASI2600MM Pro", b.Fields.Name)
	assert.Equal(t, -10.1, *b.Fields.Temperature)
	assert.True(t, *b.Fields.CoolerOn)
	assert.Equal(t, 35.5, *b.Fields.CoolerPower)
	assert.Nil(t, b.Fields.Position, "focuser-only field ignored for camera")
}

func TestNormalizeMissingOptionalFieldsStayNil(t *testing.T) {
	ev := normalizeOne(t, raw("CAMERA-INFO", `{"Connected":true,"Temperature":"NaN","CoolerPower":null}`))
	b := ev.Body.(event.EquipmentConnection)
	assert.Nil(t, b.Fields.Temperature)
	assert.Nil(t, b.Fields.CoolerPower)
	assert.Nil(t, b.Fields.CoolerOn)
}

func TestNormalizeFilterWheel(t *testing.T) {
	ev := normalizeOne(t, raw("FILTERWHEEL-CHANGED", `{"Previous":{"Name":"L","Id":0},"New":{"Name":"Ha","Id":4}}`))
	assert.Equal(t, event.FilterChange{Filter: "Ha", Position: intp(4)}, ev.Body)

	ev = normalizeOne(t, raw("FILTERWHEEL-INFO", `{"Connected":true,"SelectedFilter":{"Name":"OIII","Id":5}}`))
	b := ev.Body.(event.EquipmentConnection)
	assert.Equal(t, "OIII", b.Fields.Filter)
	assert.Equal(t, 5, *b.Fields.FilterPosition)
}

func TestNormalizeSafety(t *testing.T) {
	ev := normalizeOne(t, raw("SAFETY-CHANGED", `{"IsSafe":false}`))
	assert.Equal(t, event.SafetyChange{IsSafe: false}, ev.Body)
}

func TestNormalizeMountPark(t *testing.T) {
	ev := normalizeOne(t, raw("MOUNT-PARKED", `{}`))
	b := ev.Body.(event.DeviceStatus)
	assert.Equal(t, event.Mount, b.Device)
	assert.True(t, *b.Fields.Parked)
}

func TestNormalizeImageSave(t *testing.T) {
	ev := normalizeOne(t, raw("IMAGE-SAVE", `{
		"Event": "IMAGE-SAVE",
		"ImageStatistics": {
			"ExposureTime": 300,
			"Index": 17,
			"Filter": "Ha",
			"RmsText": "0.52",
			"Temperature": -10,
			"CameraName": "ZWO ASI2600MM Pro",
			"Gain": 100,
			"Offset": 50,
			"Date": "2026-03-01T23:15:04.123Z",
			"HFR": 2.31,
			"Stars": 812
		}
	}`))
	assert.Equal(t, time.Date(2026, 3, 1, 23, 15, 4, 123e6, time.UTC).UnixMilli(), ev.Time, "capture date wins")
	b := ev.Body.(event.ImageSaved)
	assert.Equal(t, 17, *b.Index)
	assert.Equal(t, "Ha", b.Filter)
	assert.Equal(t, 300.0, *b.ExposureSeconds)
	assert.Equal(t, -10.0, *b.Temperature)
	assert.Equal(t, 2.31, *b.HFR)
	assert.Equal(t, 812, *b.Stars)
	assert.Equal(t, 100, *b.Gain)
	assert.Equal(t, "ZWO ASI2600MM Pro", b.Camera)
}

func TestNormalizeImageSaveFlattened(t *testing.T) {
	ev := normalizeOne(t, raw("IMAGE-SAVE", `{"ExposureTime":"60","Filter":"L"}`))
	b := ev.Body.(event.ImageSaved)
	assert.Equal(t, 60.0, *b.ExposureSeconds)
	assert.Nil(t, b.HFR)
	assert.Nil(t, b.Stars)
	assert.Equal(t, received.UnixMilli(), ev.Time)
}

func TestNormalizeTargetStart(t *testing.T) {
	ev := normalizeOne(t, raw("TS-NEWTARGETSTART", `{
		"TargetName": "M31",
		"ProjectName": "Andromeda Mosaic",
		"TargetEndTime": "2026-03-02T04:30:00Z",
		"Coordinates": {"RA": 0.712, "Dec": 41.27},
		"Time": 1772402400
	}`))
	assert.Equal(t, int64(1772402400000), ev.Time, "epoch seconds become millis")
	b := ev.Body.(event.TargetStart)
	assert.Equal(t, "M31", b.Name)
	assert.Equal(t, "Andromeda Mosaic", b.ProjectName)
	assert.Equal(t, time.Date(2026, 3, 2, 4, 30, 0, 0, time.UTC).UnixMilli(), *b.EndTime)
	require.NotNil(t, b.Coordinates)
	assert.InDelta(t, 10.68, b.Coordinates.RA, 1e-9)
	assert.InDelta(t, 41.27, b.Coordinates.Dec, 1e-9)
}

func TestNormalizeTargetEnd(t *testing.T) {
	ev := normalizeOne(t, raw("TS-TARGETEND", `{"TargetName":"M31"}`))
	assert.Equal(t, event.TargetEnd{Name: "M31"}, ev.Body)

	ev = normalizeOne(t, raw("SEQUENCE-FINISHED", `{}`))
	assert.Equal(t, event.TargetEnd{SequenceFinished: true}, ev.Body)
}

func TestNormalizeSequenceProgress(t *testing.T) {
	ev := normalizeOne(t, raw("SEQUENCE-PROGRESS", `{"Current":"5","Total":20}`))
	assert.Equal(t, event.SequenceProgress{Current: 5, Total: 20}, ev.Body)
}

func TestNormalizeGuideStep(t *testing.T) {
	ev := normalizeOne(t, raw("GUIDER-STEP", `{"Id":42,"RADistanceRaw":0.4,"RADistanceRawDisplay":0.61,"DECDistanceRawDisplay":-0.2,"Dither":"NaN"}`))
	b := ev.Body.(event.GuideStep)
	assert.Equal(t, int64(42), b.ID)
	assert.Equal(t, 0.61, *b.RA, "display value preferred")
	assert.Equal(t, -0.2, *b.Dec)
	assert.False(t, b.Dither)
}

func TestNormalizeGuideGraphFansOut(t *testing.T) {
	evs, err := Normalize(raw("GUIDER-GRAPH", `{
		"RMS": {"RA": 0.4, "Dec": 0.3},
		"GuideSteps": [
			{"Id": 1, "RADistanceRawDisplay": 0.1, "DECDistanceRawDisplay": 0.2},
			{"Id": 2, "RADistanceRawDisplay": -0.3, "DECDistanceRawDisplay": 0.1, "Dither": 1.5},
			{"RADistanceRawDisplay": 9}
		]
	}`))
	require.NoError(t, err)
	require.Len(t, evs, 2, "entries without id are skipped")
	assert.Equal(t, int64(1), evs[0].Body.(event.GuideStep).ID)
	assert.True(t, evs[1].Body.(event.GuideStep).Dither)
	for _, ev := range evs {
		assert.Equal(t, received.UnixMilli(), ev.Time)
	}
}

func TestEveryDevicePrefixIsRoutable(t *testing.T) {
	kinds := map[string]bool{}
	for _, k := range Kinds() {
		kinds[k] = true
	}
	for prefix := range devicePrefixes {
		for _, suffix := range []string{"-CONNECTED", "-DISCONNECTED", "-INFO"} {
			assert.True(t, kinds[prefix+suffix], "missing %s%s", prefix, suffix)
		}
	}
}

func TestTimestampFormats(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int64
	}{
		{"rfc3339", `{"Time":"2026-03-01T22:00:01Z"}`, received.UnixMilli() + 1000},
		{"offset-less", `{"Time":"2026-03-01T22:00:02.5"}`, received.UnixMilli() + 2500},
		{"epoch millis", `{"Timestamp":1772402403000}`, 1772402403000},
		{"unparseable", `{"Time":"yesterday"}`, received.UnixMilli()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := normalizeOne(t, raw("SAFETY-CHANGED", `{"IsSafe":true,`+tt.body[1:]))
			assert.Equal(t, tt.want, ev.Time)
		})
	}
}

func intp(v int) *int { return &v }
