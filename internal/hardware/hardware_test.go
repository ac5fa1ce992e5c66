package hardware

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ultralight/internal/config"
	"github.com/banshee-data/ultralight/internal/ranging"
	"github.com/banshee-data/ultralight/internal/recording"
	"github.com/banshee-data/ultralight/internal/timeutil"
)

func ptr[T any](v T) *T { return &v }

func TestOpenReplayAndDev(t *testing.T) {
	dir := t.TempDir()
	rec := recording.New()
	t0 := time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC)
	rec.Append("2", ranging.Reading{Time: t0, Distance: 1.7, Valid: true})
	path := filepath.Join(dir, "hall.csv")
	require.NoError(t, recording.WriteFile(path, rec))

	cfg := config.DefaultTuningConfig()
	cfg.PollInterval = ptr("20ms")
	cfg.Sensors = []config.SensorConfig{
		{Name: "replayed", Kind: config.SensorKindReplay, ReplayFile: path, ReplayChannel: "2"},
		{Name: "hall", Kind: config.SensorKindGPIO, TriggerPin: 17, EchoPin: 27},
		{Name: "bath", Kind: config.SensorKindGPIO, TriggerPin: 23, EchoPin: 24},
	}
	cfg.Door = &config.DoorConfig{Pin: 25}
	cfg.Hue = &config.HueConfig{Address: "192.0.2.1", Lights: []string{"F 1", "F 2"}}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	hw, err := Open(ctx, &wg, cfg, Options{Dev: true})
	require.NoError(t, err)
	defer func() {
		cancel()
		hw.Close()
		wg.Wait()
	}()

	require.Len(t, hw.Sources, 3)
	assert.IsType(t, &ranging.ReplaySource{}, hw.Sources["replayed"])
	assert.IsType(t, &ranging.SerialSource{}, hw.Sources["hall"])
	assert.IsType(t, &ranging.SerialSource{}, hw.Sources["bath"])
	assert.Len(t, hw.Muxes, 1)

	d, ok := hw.Sources["replayed"].Distance()
	assert.True(t, ok)
	assert.Equal(t, 1.7, d)

	on, known := hw.Door.IsOn()
	assert.True(t, on && known, "dev door reads closed")

	require.Len(t, hw.Lights, 2)
	assert.Empty(t, hw.HueLights)

	hall := hw.Sources["hall"].(*ranging.SerialSource)
	require.Eventually(t, func() bool { return hall.Received() > 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestOpenReplayErrors(t *testing.T) {
	cfg := config.DefaultTuningConfig()
	cfg.Sensors = []config.SensorConfig{{Name: "x", Kind: config.SensorKindReplay, ReplayFile: filepath.Join(t.TempDir(), "missing.csv")}}
	var wg sync.WaitGroup
	_, err := Open(context.Background(), &wg, cfg, Options{})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "rec.csv")
	rec := recording.New()
	rec.Append("1", ranging.Reading{Time: time.Unix(1, 0)})
	require.NoError(t, recording.WriteFile(path, rec))
	cfg.Sensors[0].ReplayFile = path
	cfg.Sensors[0].ReplayChannel = "9"
	_, err = Open(context.Background(), &wg, cfg, Options{})
	assert.ErrorContains(t, err, `no channel "9"`)
}

func TestOpenDoorDisabled(t *testing.T) {
	hw := &Set{}
	require.NoError(t, hw.openDoor(nil, false))
	assert.Nil(t, hw.Door)
	require.NoError(t, hw.openDoor(&config.DoorConfig{Enabled: ptr(false), Pin: 25}, false))
	assert.Nil(t, hw.Door)
	assert.Error(t, hw.openDoor(&config.DoorConfig{Pin: 25, Pull: "sideways"}, false))
}

func TestLogLight(t *testing.T) {
	l := &LogLight{Name: "F 1"}
	require.NoError(t, l.Update())
	assert.False(t, l.IsOn())
	require.NoError(t, l.Switch(true))
	assert.True(t, l.IsOn())
}

func TestSimHub(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC))
	hub := NewSimHub(2, clock, 1)

	near := func() int {
		n := 0
		for i := 0; i < 50; i++ {
			for _, f := range strings.Fields(hub.Line()) {
				src := ranging.NewSerialSource(0, time.Second, clock)
				src.HandleLine(f)
				if d, ok := src.Distance(); ok && d < 1.0 {
					n++
				}
			}
		}
		return n
	}

	assert.Len(t, strings.Fields(hub.Line()), 2)
	assert.Zero(t, near(), "empty corridor")
	clock.Advance(21 * time.Second)
	assert.Greater(t, near(), 50, "walk-through")
}

func TestOpenSkipLights(t *testing.T) {
	cfg := config.DefaultTuningConfig()
	cfg.Hue = &config.HueConfig{Address: "192.0.2.1", Lights: []string{"F 1"}}
	var wg sync.WaitGroup
	hw, err := Open(context.Background(), &wg, cfg, Options{SkipLights: true})
	require.NoError(t, err)
	defer hw.Close()
	assert.Empty(t, hw.Lights)
	assert.Empty(t, hw.Sources)
}
