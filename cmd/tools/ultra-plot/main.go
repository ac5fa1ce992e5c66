// Command ultra-plot renders a raw range recording next to its Kalman
// filtered distance, one PNG per channel.
package main

import (
	"errors"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/ultralight/internal/config"
	"github.com/banshee-data/ultralight/internal/kalman"
	"github.com/banshee-data/ultralight/internal/pipeline"
	"github.com/banshee-data/ultralight/internal/ranging"
	"github.com/banshee-data/ultralight/internal/recording"
)

var errTooFewSamples = errors.New("too few valid readings to calibrate")

var (
	rawColor      = color.RGBA{R: 160, G: 160, B: 160, A: 255}
	filteredColor = color.RGBA{R: 200, G: 40, B: 40, A: 255}
)

func main() {
	input := flag.String("i", "recording.csv", "recording to plot")
	outDir := flag.String("o", ".", "output directory")
	configPath := flag.String("config", "", "tuning config for the Kalman parameters (defaults if empty)")
	calSamples := flag.Int("calibrate", 20, "leading valid readings used as the baseline")
	flag.Parse()

	cfg := config.DefaultTuningConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadTuningConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	rec, err := recording.ReadFile(*input)
	if err != nil {
		log.Fatalf("failed to read recording: %v", err)
	}
	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("failed to create output dir: %v", err)
	}

	files, err := plotRecording(rec, *outDir, pipeline.KalmanConfig(cfg), *calSamples)
	if err != nil {
		log.Fatalf("plot: %v", err)
	}
	for _, f := range files {
		log.Printf("wrote %s", f)
	}
}

// series holds the points drawn for one channel. X is seconds since the
// first reading.
type series struct {
	raw      plotter.XYs
	filtered plotter.XYs
}

// filterChannel replays readings through a Kalman estimator seeded from the
// first n valid readings. Absent readings plot the prediction from the last
// correction.
func filterChannel(readings []ranging.Reading, kcfg kalman.Config, n int) (series, error) {
	var baseline []float64
	for _, r := range readings {
		if len(baseline) == n {
			break
		}
		if r.Valid {
			baseline = append(baseline, r.Distance)
		}
	}
	if n < 2 || len(baseline) < n {
		return series{}, fmt.Errorf("%w: want %d, have %d", errTooFewSamples, n, len(baseline))
	}
	mean, std := stat.MeanStdDev(baseline, nil)
	est := kalman.New(kcfg, mean, std)

	var s series
	t0 := readings[0].Time
	last := t0
	for _, r := range readings {
		x := r.Time.Sub(t0).Seconds()
		dt := r.Time.Sub(last)
		if dt < 0 {
			dt = 0
		}

		pr, err := est.Predict(dt)
		if err != nil {
			return series{}, err
		}
		if !r.Valid {
			s.filtered = append(s.filtered, plotter.XY{X: x, Y: pr.Distance()})
			continue
		}
		if err := pr.Correct(r.Distance); err != nil {
			return series{}, err
		}
		last = r.Time
		s.raw = append(s.raw, plotter.XY{X: x, Y: r.Distance})
		s.filtered = append(s.filtered, plotter.XY{X: x, Y: est.Distance()})
	}
	return s, nil
}

// plotRecording writes ultrasound<channel>.png for every channel in rec and
// returns the paths written.
func plotRecording(rec *recording.Recording, dir string, kcfg kalman.Config, n int) ([]string, error) {
	var files []string
	for _, name := range rec.Order {
		s, err := filterChannel(rec.Channels[name], kcfg, n)
		if err != nil {
			return files, fmt.Errorf("channel %s: %w", name, err)
		}

		p := plot.New()
		p.Title.Text = fmt.Sprintf("Sensor %s - raw vs filtered", name)
		p.X.Label.Text = "Time (s)"
		p.Y.Label.Text = "Distance (m)"

		raw, err := plotter.NewScatter(s.raw)
		if err != nil {
			return files, fmt.Errorf("channel %s raw: %w", name, err)
		}
		raw.GlyphStyle.Color = rawColor
		raw.GlyphStyle.Radius = vg.Points(1.5)
		p.Add(raw)
		p.Legend.Add("raw", raw)

		filtered, err := plotter.NewLine(s.filtered)
		if err != nil {
			return files, fmt.Errorf("channel %s filtered: %w", name, err)
		}
		filtered.Color = filteredColor
		filtered.Width = vg.Points(1)
		p.Add(filtered)
		p.Legend.Add("filtered", filtered)

		p.Legend.Top = true
		p.Legend.Left = false
		p.Legend.XOffs = -10
		p.Legend.YOffs = -10

		file := filepath.Join(dir, fmt.Sprintf("ultrasound%s.png", name))
		if err := p.Save(14*vg.Inch, 6*vg.Inch, file); err != nil {
			return files, fmt.Errorf("save %s: %w", file, err)
		}
		files = append(files, file)
	}
	return files, nil
}
