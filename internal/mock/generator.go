// Package mock simulates an automation tool running an imaging night. It
// produces the same raw frames the live event socket would, so everything
// downstream of ingestion runs unchanged.
package mock

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/astro-monitor/backend/internal/config"
	"github.com/astro-monitor/backend/internal/event"
)

// Sink receives simulated frames. *monitor.Monitor implements it.
type Sink interface {
	OnEvent(event.Raw)
	OnConnectionState(status event.ConnectionStatus, err error)
}

type mockTarget struct {
	name      string
	project   string
	raHours   float64
	decDeg    float64
	filters   []string
	perFilter int     // frames per filter
	exposure  float64 // seconds
}

var defaultTargets = []mockTarget{
	{name: "M31", project: "Andromeda mosaic", raHours: 0.712, decDeg: 41.27,
		filters: []string{"L", "R", "G", "B"}, perFilter: 6, exposure: 120},
	{name: "NGC 7000", project: "North America", raHours: 20.98, decDeg: 44.33,
		filters: []string{"Ha", "OIII", "SII"}, perFilter: 4, exposure: 300},
	{name: "M42", project: "Orion core", raHours: 5.588, decDeg: -5.39,
		filters: []string{"L"}, perFilter: 10, exposure: 30},
}

type mockDevice struct {
	prefix string
	name   string
}

var devices = []mockDevice{
	{"CAMERA", "ZWO ASI2600MM Pro"},
	{"FILTERWHEEL", "ZWO EFW 7x36"},
	{"FOCUSER", "ZWO EAF"},
	{"MOUNT", "EQ6-R Pro"},
	{"GUIDER", "PHD2"},
	{"SAFETY", "Cloud sensor"},
}

const (
	unsafeEvery  = 97 // ticks between simulated cloud passes
	unsafeLength = 5
	infoEvery    = 5
)

type Generator struct {
	interval time.Duration
	sink     Sink
	targets  []mockTarget
	now      func() time.Time

	tick       int
	targetIdx  int
	frame      int // frame within the active target
	active     bool
	guideID    int64
	imageIndex int
	filter     string
	safe       bool
	temp       float64
	focuserPos int
}

func NewGenerator(cfg config.MockConfig, sink Sink) *Generator {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Generator{
		interval:   interval,
		sink:       sink,
		targets:    defaultTargets,
		now:        time.Now,
		safe:       true,
		temp:       -10,
		focuserPos: 12_400,
	}
}

// Start announces the connection and equipment synchronously, then runs the
// night in the background until ctx is done.
func (g *Generator) Start(ctx context.Context) {
	log.Printf("Mock mode: simulating %d targets every %s", len(g.targets), g.interval)
	g.sink.OnConnectionState(event.Connected, nil)
	for _, d := range devices {
		g.send(d.prefix+"-CONNECTED", g.deviceInfo(d))
	}
	g.send("SAFETY-CHANGED", map[string]any{"IsSafe": true})

	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.advance()
		}
	}
}

func (g *Generator) advance() {
	g.tick++

	g.advanceGuiding()
	g.advanceSafety()
	if g.tick%infoEvery == 0 {
		g.advanceCooling()
	}

	if !g.safe {
		return
	}
	if !g.active {
		g.startTarget()
		return
	}
	g.advanceImaging()
}

func (g *Generator) target() mockTarget {
	return g.targets[g.targetIdx%len(g.targets)]
}

func (g *Generator) totalFrames() int {
	t := g.target()
	return len(t.filters) * t.perFilter
}

func (g *Generator) startTarget() {
	t := g.target()
	g.active = true
	g.frame = 0

	end := g.now().Add(time.Duration(g.totalFrames()+1) * g.interval)
	g.send("TS-NEWTARGETSTART", map[string]any{
		"TargetName":    t.name,
		"ProjectName":   t.project,
		"TargetEndTime": end.Format(time.RFC3339),
		"Coordinates": map[string]any{
			"RA":  t.raHours,
			"Dec": t.decDeg,
		},
	})
	g.changeFilter(t.filters[0])
	g.send("SEQUENCE-PROGRESS", map[string]any{"Current": 0, "Total": g.totalFrames()})
}

func (g *Generator) advanceImaging() {
	t := g.target()
	total := g.totalFrames()

	if g.frame >= total {
		g.send("TS-TARGETEND", map[string]any{"TargetName": t.name})
		g.active = false
		g.targetIdx++
		return
	}

	if f := t.filters[g.frame/t.perFilter]; f != g.filter {
		g.changeFilter(f)
	}

	g.imageIndex++
	g.frame++
	hfr := 2.1 + 0.4*math.Sin(float64(g.tick)/7) + rand.Float64()*0.2
	g.send("IMAGE-SAVE", map[string]any{
		"ImageStatistics": map[string]any{
			"Index":        g.imageIndex,
			"Filter":       g.filter,
			"ExposureTime": t.exposure,
			"Temperature":  g.temp,
			"HFR":          math.Round(hfr*100) / 100,
			"Stars":        900 + rand.Intn(400),
			"CameraName":   devices[0].name,
			"Gain":         100,
			"Offset":       50,
			"Date":         g.now().UTC().Format(time.RFC3339Nano),
		},
	})
	g.send("SEQUENCE-PROGRESS", map[string]any{"Current": g.frame, "Total": total})
}

func (g *Generator) changeFilter(name string) {
	pos := 0
	for i, f := range g.target().filters {
		if f == name {
			pos = i
		}
	}
	g.filter = name
	g.send("FILTERWHEEL-CHANGED", map[string]any{
		"New": map[string]any{"Name": name, "Id": pos},
	})
}

func (g *Generator) advanceGuiding() {
	g.guideID++
	dither := g.guideID%25 == 0
	ra := (rand.Float64() - 0.5) * 1.2
	dec := (rand.Float64() - 0.5) * 0.9
	if dither {
		ra *= 4
		dec *= 4
	}
	g.send("GUIDER-STEP", map[string]any{
		"Id":                    g.guideID,
		"RADistanceRawDisplay":  math.Round(ra*1000) / 1000,
		"DECDistanceRawDisplay": math.Round(dec*1000) / 1000,
		"Dither":                dither,
	})
}

// advanceSafety opens a cloud window every unsafeEvery ticks. The active
// target is abandoned when it closes in.
func (g *Generator) advanceSafety() {
	phase := g.tick % unsafeEvery
	switch {
	case phase == unsafeEvery-unsafeLength && g.safe:
		g.safe = false
		g.send("SAFETY-CHANGED", map[string]any{"IsSafe": false})
		if g.active {
			g.send("SEQUENCE-STOPPED", map[string]any{"TargetName": g.target().name})
			g.active = false
			g.targetIdx++
		}
	case phase == 0 && !g.safe:
		g.safe = true
		g.send("SAFETY-CHANGED", map[string]any{"IsSafe": true})
	}
}

func (g *Generator) advanceCooling() {
	g.temp = -10 + rand.Float64()*0.4 - 0.2
	g.focuserPos += rand.Intn(21) - 10
	g.send("CAMERA-INFO", map[string]any{
		"Connected":   true,
		"Name":        devices[0].name,
		"Temperature": math.Round(g.temp*10) / 10,
		"CoolerOn":    true,
		"CoolerPower": 35 + rand.Intn(10),
	})
	g.send("FOCUSER-INFO", map[string]any{
		"Connected":   true,
		"Name":        devices[2].name,
		"Position":    g.focuserPos,
		"Temperature": 8.5,
	})
}

func (g *Generator) deviceInfo(d mockDevice) map[string]any {
	info := map[string]any{"Name": d.name}
	switch d.prefix {
	case "CAMERA":
		info["Temperature"] = g.temp
		info["CoolerOn"] = true
	case "FOCUSER":
		info["Position"] = g.focuserPos
	case "MOUNT":
		info["AtPark"] = false
		info["TrackingEnabled"] = true
	case "SAFETY":
		info["IsSafe"] = g.safe
	}
	return info
}

func (g *Generator) send(kind string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("mock: marshal %s: %v", kind, err)
		return
	}
	g.sink.OnEvent(event.Raw{
		Kind:       kind,
		Payload:    data,
		ReceivedAt: g.now(),
		Origin:     event.OriginMock,
	})
}
