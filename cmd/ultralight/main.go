// Command ultralight switches the hallway lights from ultrasonic presence
// sensors and a door switch.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/ultralight/internal/config"
	"github.com/banshee-data/ultralight/internal/db"
	"github.com/banshee-data/ultralight/internal/hardware"
	"github.com/banshee-data/ultralight/internal/hue"
	"github.com/banshee-data/ultralight/internal/monitor"
	"github.com/banshee-data/ultralight/internal/pipeline"
	"github.com/banshee-data/ultralight/internal/telemetry"
	"github.com/banshee-data/ultralight/internal/timeutil"
	"github.com/banshee-data/ultralight/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Tuning config file (.json, .yaml or .yml)")
	devMode     = flag.Bool("dev", false, "Run with a simulated sensor hub, closed door and logging lights")
	listen      = flag.String("listen", "", "Listen address for status and debug endpoints (overrides config)")
	logDir      = flag.String("log-dir", "", "Directory for log files (default ./, or /var/log/ultralight as root)")
	logInfo     = flag.Bool("log", false, "Write info log to ultralight.log")
	logDebug    = flag.Bool("log-debug", false, "Write debug log to ultralight_debug.log")
	debug       = flag.Bool("debug", false, "Print per-cycle debug output to the console")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// flashPause is the gap between the steps of a startup flash.
const flashPause = 500 * time.Millisecond

// retentionInterval is how often old telemetry rows are pruned.
const retentionInterval = time.Hour

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	closeLogs, err := setupLogging(logOptions{
		Dir:          defaultLogDir(*logDir),
		InfoFile:     *logInfo,
		DebugFile:    *logDebug,
		DebugConsole: *debug,
	})
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer closeLogs()

	cfg, err := config.LoadTuningConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.Listen = listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("starting %s", version.String())
	if err := run(ctx, cfg, *devMode); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("ultralight: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

func run(ctx context.Context, cfg *config.TuningConfig, dev bool) error {
	clock := timeutil.RealClock{}
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hw, err := hardware.Open(ctx, &wg, cfg, hardware.Options{Dev: dev, Clock: clock})
	if err != nil {
		return err
	}
	defer hw.Close()

	sink, store, err := openTelemetry(cfg.GetTelemetry())
	if err != nil {
		return err
	}
	defer sink.Close()
	if store != nil {
		defer store.Close()
	}

	var intervals pipeline.IntervalStore
	if store != nil {
		intervals = store
		if keep := cfg.GetTelemetry().GetRetention(); keep > 0 {
			// Stop pruning before the store closes.
			pruned := make(chan struct{})
			go func() {
				defer close(pruned)
				store.KeepTelemetry(ctx, clock, keep, retentionInterval)
			}()
			defer func() {
				cancel()
				<-pruned
			}()
		}
	}
	runner, err := pipeline.Build(cfg, pipeline.Collaborators{
		Sources:      hw.Sources,
		Door:         hw.Door,
		Lights:       hw.Lights,
		Clock:        clock,
		Sink:         sink,
		OnTransition: pipeline.TransitionRecorder(sink, intervals),
	})
	if err != nil {
		return err
	}

	// Start from dark so the flash is visible and the first interval samples
	// the true state.
	if len(hw.HueLights) > 0 {
		if err := hue.SwitchAll(hw.HueLights, false); err != nil {
			log.Printf("failed to switch lights off: %v", err)
		}
	}
	flash := func() {
		if cfg.GetStartupFlash() && len(hw.HueLights) > 0 {
			hue.Flash(hw.HueLights, clock, flashPause)
		}
	}

	flash()
	log.Printf("Calibrating...")
	if err := runner.Calibrate(ctx, pipeline.CalibrationOptions(cfg)); err != nil {
		return err
	}
	log.Printf("Done.")
	flash()
	if cfg.GetStartupFlash() {
		clock.Sleep(time.Second)
	}
	flash()

	mux := http.NewServeMux()
	var monitorStore monitor.Store
	if store != nil {
		monitorStore = store
		if err := store.AttachAdminRoutes(mux); err != nil {
			return err
		}
	}
	for _, m := range hw.Muxes {
		m.AttachAdminRoutes(mux)
	}
	monitor.New(monitor.Config{Status: runner, Store: monitorStore, Clock: clock}).AttachRoutes(mux)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := monitor.Serve(ctx, cfg.GetListen(), mux); err != nil {
			log.Printf("HTTP server: %v", err)
			cancel()
		}
		log.Printf("HTTP server routine stopped")
	}()

	return runner.Run(ctx)
}

func openTelemetry(tc *config.TelemetryConfig) (telemetry.Multi, *db.DB, error) {
	var (
		sinks telemetry.Multi
		store *db.DB
	)
	if tc.CSVPath != "" {
		s, err := telemetry.NewCSVSink(tc.CSVPath)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
	}
	if tc.DBPath != "" {
		d, err := db.NewDB(tc.DBPath)
		if err != nil {
			sinks.Close()
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		store = d
		sinks = append(sinks, telemetry.DBSink{R: d})
	}
	if tc.MQTTBroker != "" {
		client, err := telemetry.DialMQTT(tc.MQTTBroker, mqttClientID(tc))
		if err != nil {
			log.Printf("telemetry: %v", err)
		} else {
			sinks = append(sinks, telemetry.NewMQTTSink(client, tc.GetMQTTTopic()))
		}
	}
	return sinks, store, nil
}
