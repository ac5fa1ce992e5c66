// Package hardware opens the range sources, door switch and lights named in
// a tuning config. In dev mode every GPIO or serial sensor is replaced by a
// simulated sensor hub, the door reads closed and lights only log.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/banshee-data/ultralight/internal/config"
	"github.com/banshee-data/ultralight/internal/httputil"
	"github.com/banshee-data/ultralight/internal/hue"
	"github.com/banshee-data/ultralight/internal/monitoring"
	"github.com/banshee-data/ultralight/internal/ranging"
	"github.com/banshee-data/ultralight/internal/recording"
	"github.com/banshee-data/ultralight/internal/serialmux"
	"github.com/banshee-data/ultralight/internal/timeutil"
	"github.com/banshee-data/ultralight/internal/trigger"
)

// simSettle bounds the wait for the first simulated hub line.
const simSettle = 5 * time.Second

// Options control Open.
type Options struct {
	Dev   bool
	Clock timeutil.Clock
	// SkipLights leaves the hue section unopened, for tools that only read
	// sensors.
	SkipLights bool
}

// Set holds everything opened for the sensors, door and lights.
type Set struct {
	// Sources maps sensor names to range sources.
	Sources map[string]ranging.RangeSource
	// Door is nil when no switch is configured.
	Door   ranging.Switch
	Lights []trigger.Light
	// HueLights holds the bridge lights behind Lights; empty in dev mode.
	HueLights []*hue.Light
	Muxes     []serialmux.SerialMuxInterface

	closers []io.Closer
}

// Close releases every port and GPIO line.
func (s *Set) Close() error {
	var errs []error
	for _, m := range s.Muxes {
		errs = append(errs, m.Close())
	}
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Open opens the hardware in cfg. Background readers are added to wg and
// stop when ctx is done or the Set is closed.
func Open(ctx context.Context, wg *sync.WaitGroup, cfg *config.TuningConfig, opts Options) (*Set, error) {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	s := &Set{Sources: make(map[string]ranging.RangeSource)}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	if err := s.openSources(ctx, wg, cfg, opts); err != nil {
		return nil, err
	}
	if err := s.openDoor(cfg.Door, opts.Dev); err != nil {
		return nil, err
	}
	if !opts.SkipLights {
		if err := s.openLights(ctx, cfg.Hue, opts); err != nil {
			return nil, err
		}
	}
	ok = true
	return s, nil
}

func (s *Set) openSources(ctx context.Context, wg *sync.WaitGroup, cfg *config.TuningConfig, opts Options) error {
	byPort := make(map[string][]config.SensorConfig)
	var ports []string
	var simulated []config.SensorConfig

	for _, sc := range cfg.Sensors {
		switch {
		case sc.Kind == config.SensorKindReplay:
			rec, err := recording.ReadFile(sc.ReplayFile)
			if err != nil {
				return fmt.Errorf("sensor %q: %w", sc.Name, err)
			}
			readings, found := rec.Channels[sc.GetReplayChannel()]
			if !found {
				return fmt.Errorf("sensor %q: recording %s has no channel %q", sc.Name, sc.ReplayFile, sc.GetReplayChannel())
			}
			s.Sources[sc.Name] = ranging.NewReplaySource(readings, opts.Clock)
		case opts.Dev:
			simulated = append(simulated, sc)
		case sc.Kind == config.SensorKindGPIO:
			u, err := ranging.NewUltrasonic(sc.GetChip(), sc.TriggerPin, sc.EchoPin, sc.GetEchoTimeout())
			if err != nil {
				return fmt.Errorf("sensor %q: %w", sc.Name, err)
			}
			s.closers = append(s.closers, u)
			s.Sources[sc.Name] = u
		case sc.Kind == config.SensorKindSerial:
			if _, seen := byPort[sc.SerialPort]; !seen {
				ports = append(ports, sc.SerialPort)
			}
			byPort[sc.SerialPort] = append(byPort[sc.SerialPort], sc)
		}
	}

	for _, port := range ports {
		sensors := byPort[port]
		m, err := serialmux.NewRealSerialMux(port, serialmux.PortOptions{BaudRate: sensors[0].GetBaudRate()})
		if err != nil {
			return err
		}
		if err := s.attachHub(ctx, wg, m, sensors, sensors[0].GetSerialSettle(), opts.Clock); err != nil {
			return fmt.Errorf("serial port %s: %w", port, err)
		}
	}

	if len(simulated) > 0 {
		hub := NewSimHub(len(simulated), opts.Clock, time.Now().UnixNano())
		m := serialmux.NewMockSerialMux(ctx, cfg.GetPollInterval(), hub.Line)
		for i := range simulated {
			simulated[i].SerialField = i
			simulated[i].MaxLineAge = nil
		}
		if err := s.attachHub(ctx, wg, m, simulated, simSettle, opts.Clock); err != nil {
			return fmt.Errorf("simulated hub: %w", err)
		}
	}
	return nil
}

// attachHub starts the mux reader, waits for the first full line and
// subscribes one SerialSource per sensor.
func (s *Set) attachHub(ctx context.Context, wg *sync.WaitGroup, m serialmux.SerialMuxInterface, sensors []config.SensorConfig, settle time.Duration, clock timeutil.Clock) error {
	s.Muxes = append(s.Muxes, m)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	minFields := 0
	for _, sc := range sensors {
		if sc.SerialField+1 > minFields {
			minFields = sc.SerialField + 1
		}
	}
	waitCtx, cancel := context.WithTimeout(ctx, settle)
	defer cancel()
	line, err := m.WaitForLine(waitCtx, minFields)
	if err != nil {
		return fmt.Errorf("no line with %d fields: %w", minFields, err)
	}
	monitoring.Logf("sensor hub ready: %q", line)

	for _, sc := range sensors {
		src := ranging.NewSerialSource(sc.SerialField, sc.GetMaxLineAge(), clock)
		id, lines := m.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer m.Unsubscribe(id)
			src.Consume(ctx, lines)
		}()
		s.Sources[sc.Name] = src
	}
	return nil
}

func (s *Set) openDoor(dc *config.DoorConfig, dev bool) error {
	switch {
	case !dc.GetEnabled():
		return nil
	case dev:
		// Closed door.
		s.Door = ranging.StaticSwitch{On: true, Known: true}
		return nil
	}
	pull, ok := ranging.ParsePull(dc.GetPull())
	if !ok {
		return fmt.Errorf("door: unknown pull %q", dc.GetPull())
	}
	sw, err := ranging.NewReedSwitch(dc.GetChip(), dc.Pin, pull)
	if err != nil {
		return fmt.Errorf("door: %w", err)
	}
	s.closers = append(s.closers, sw)
	s.Door = sw
	return nil
}

func (s *Set) openLights(ctx context.Context, hc *config.HueConfig, opts Options) error {
	if hc == nil {
		return nil
	}
	if opts.Dev {
		for _, name := range hc.Lights {
			s.Lights = append(s.Lights, &LogLight{Name: name})
		}
		return nil
	}

	breaker := hue.NewBreaker(hc.GetBreakerMaxFailures(), hc.GetBreakerResetTimeout(), opts.Clock)
	bridge := hue.NewBridge(hc.Address, hc.GetUsername(), httputil.NewStandardClient(hc.GetTimeout()), breaker, hc.GetTimeout())
	lights, err := bridge.LightsByName(ctx, hc.Lights)
	if err != nil {
		return fmt.Errorf("hue: %w", err)
	}
	for _, l := range lights {
		monitoring.Logf("light %s (%s): on=%t reachable=%t", l.Name, l.ID, l.On, l.Reachable)
		s.Lights = append(s.Lights, l)
	}
	s.HueLights = lights
	return nil
}

// LogLight stands in for a bridge light in dev mode.
type LogLight struct {
	Name string
	on   bool
}

func (l *LogLight) Switch(on bool) error {
	if on != l.on {
		log.Printf("dev light %s: on=%t", l.Name, on)
	}
	l.on = on
	return nil
}

func (l *LogLight) IsOn() bool    { return l.on }
func (l *LogLight) Update() error { return nil }
