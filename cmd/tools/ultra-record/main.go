// Command ultra-record samples the configured range sensors and writes the
// raw readings to a recording. No detection runs and the lights are left
// alone. Channels are numbered from 1 in config order.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/ultralight/internal/config"
	"github.com/banshee-data/ultralight/internal/hardware"
	"github.com/banshee-data/ultralight/internal/ranging"
	"github.com/banshee-data/ultralight/internal/recording"
	"github.com/banshee-data/ultralight/internal/timeutil"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "tuning config naming the sensors")
	output := flag.String("o", "recording.csv", "output path")
	dev := flag.Bool("dev", false, "record the simulated sensor hub")
	interval := flag.Duration("interval", 70*time.Millisecond, "pause after each sweep of the sensors")
	gap := flag.Duration("gap", 20*time.Millisecond, "pause between sensors within a sweep")
	duration := flag.Duration("d", 0, "stop after this long (0 runs until interrupted)")
	flag.Parse()

	cfg, err := config.LoadTuningConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	clock := timeutil.RealClock{}
	var wg sync.WaitGroup
	hw, err := hardware.Open(ctx, &wg, cfg, hardware.Options{Dev: *dev, Clock: clock, SkipLights: true})
	if err != nil {
		log.Fatalf("failed to open sensors: %v", err)
	}

	var chans []channel
	for i, sc := range cfg.Sensors {
		name := strconv.Itoa(i + 1)
		log.Printf("ultrasound%s: %s", name, sc.Name)
		chans = append(chans, channel{name: name, src: hw.Sources[sc.Name]})
	}

	rec := record(ctx, chans, clock, *gap, *interval)
	stop()
	hw.Close()
	wg.Wait()

	if err := recording.WriteFile(*output, rec); err != nil {
		log.Fatalf("failed to write recording: %v", err)
	}
	n := 0
	for _, rs := range rec.Channels {
		n += len(rs)
	}
	log.Printf("✓ Created: %s (%d readings)", *output, n)
}

type channel struct {
	name string
	src  ranging.RangeSource
}

// record sweeps chans until ctx is done. Sources are read one after another
// with gap between them so adjacent sensors do not hear each other's echo.
func record(ctx context.Context, chans []channel, clock timeutil.Clock, gap, interval time.Duration) *recording.Recording {
	rec := recording.New()
	for _, ch := range chans {
		rec.Channels[ch.name] = nil
		rec.Order = append(rec.Order, ch.name)
	}
	for sweep := 1; ctx.Err() == nil; sweep++ {
		for _, ch := range chans {
			rec.Append(ch.name, ranging.Read(ch.src, clock))
			clock.Sleep(gap)
		}
		clock.Sleep(interval)
		if sweep%100 == 0 {
			log.Printf("%d sweeps", sweep)
		}
	}
	return rec
}
