// Package kalman implements the 2-state (distance, velocity) Kalman filter
// that smooths one range source.
//
// Each cycle is a Predict followed by Correct on the returned Prediction.
// Only a Prediction can be corrected, so a correction without a preceding
// predict cannot be expressed.
package kalman

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrStalePrediction is returned when a Prediction is corrected after a
	// newer Predict call, or corrected twice.
	ErrStalePrediction = errors.New("kalman: stale prediction")
	// ErrNegativeStep is returned for a negative time step.
	ErrNegativeStep = errors.New("kalman: negative time step")
)

// Config holds the noise model. Zero values are used as given; callers pick
// defaults through config.TuningConfig.
type Config struct {
	MeasurementNoise     float64       // R, m²
	ProcessNoiseDistance float64       // distance process noise per NominalStep
	ProcessNoiseVelocity float64       // velocity process noise per NominalStep
	NominalStep          time.Duration // step the process noise is expressed for
	InitialVelocityStd   float64       // m/s
}

// DefaultConfig mirrors the tuning defaults.
func DefaultConfig() Config {
	return Config{
		MeasurementNoise:     0.2,
		ProcessNoiseDistance: 0.005,
		ProcessNoiseVelocity: 0.05,
		NominalStep:          100 * time.Millisecond,
		InitialVelocityStd:   0.5,
	}
}

// Estimator owns the filter state x = [distance, velocity] and its
// covariance P.
type Estimator struct {
	cfg Config

	x *mat.VecDense
	p *mat.Dense
	h *mat.Dense

	generation uint64
}

// New creates an estimator at initialDistance with distance uncertainty
// initialDistanceStd and zero velocity.
func New(cfg Config, initialDistance, initialDistanceStd float64) *Estimator {
	return &Estimator{
		cfg: cfg,
		x:   mat.NewVecDense(2, []float64{initialDistance, 0}),
		p: mat.NewDense(2, 2, []float64{
			initialDistanceStd * initialDistanceStd, 0,
			0, cfg.InitialVelocityStd * cfg.InitialVelocityStd,
		}),
		h: mat.NewDense(1, 2, []float64{1, 0}),
	}
}

// Prediction is the a-priori state for one cycle.
type Prediction struct {
	e          *Estimator
	generation uint64
	applied    bool

	x *mat.VecDense
	p *mat.Dense
}

// Distance returns the predicted distance.
func (pr *Prediction) Distance() float64 { return pr.x.AtVec(0) }

// Predict propagates the state by dt. The estimator state itself is not
// changed until the prediction is corrected.
func (e *Estimator) Predict(dt time.Duration) (*Prediction, error) {
	if dt < 0 {
		return nil, fmt.Errorf("%w: %v", ErrNegativeStep, dt)
	}
	s := dt.Seconds()
	f := mat.NewDense(2, 2, []float64{
		1, s,
		0, 1,
	})

	scale := 0.0
	if e.cfg.NominalStep > 0 {
		scale = s / e.cfg.NominalStep.Seconds()
	}
	q := mat.NewDense(2, 2, []float64{
		e.cfg.ProcessNoiseDistance * scale, 0,
		0, e.cfg.ProcessNoiseVelocity * scale,
	})

	var x mat.VecDense
	x.MulVec(f, e.x)

	var fp, p mat.Dense
	fp.Mul(f, e.p)
	p.Mul(&fp, f.T())
	p.Add(&p, q)

	e.generation++
	return &Prediction{e: e, generation: e.generation, x: &x, p: &p}, nil
}

// Correct folds measurement z into the prediction and commits the posterior
// to the estimator.
func (pr *Prediction) Correct(z float64) error {
	e := pr.e
	if pr.applied || pr.generation != e.generation {
		return ErrStalePrediction
	}

	// S = H P Hᵀ + R is 1×1, so the inverse is a division.
	var ph mat.Dense
	ph.Mul(pr.p, e.h.T())
	s := ph.At(0, 0) + e.cfg.MeasurementNoise
	if s == 0 {
		return fmt.Errorf("kalman: singular innovation covariance")
	}

	var k mat.Dense
	k.Scale(1/s, &ph)

	y := z - pr.x.AtVec(0)

	var x mat.VecDense
	x.AddScaledVec(pr.x, y, k.ColView(0))

	var kh, ikh, p mat.Dense
	kh.Mul(&k, e.h)
	ikh.Sub(identity2(), &kh)
	p.Mul(&ikh, pr.p)

	e.x = &x
	e.p = &p
	pr.applied = true
	return nil
}

// Update runs one predict/correct cycle.
func (e *Estimator) Update(dt time.Duration, z float64) error {
	pr, err := e.Predict(dt)
	if err != nil {
		return err
	}
	return pr.Correct(z)
}

// Distance returns the posterior distance.
func (e *Estimator) Distance() float64 { return e.x.AtVec(0) }

// Velocity returns the posterior velocity.
func (e *Estimator) Velocity() float64 { return e.x.AtVec(1) }

// DistanceStd returns the posterior distance standard deviation.
func (e *Estimator) DistanceStd() float64 { return math.Sqrt(e.p.At(0, 0)) }

// VelocityStd returns the posterior velocity standard deviation.
func (e *Estimator) VelocityStd() float64 { return math.Sqrt(e.p.At(1, 1)) }

// Covariance returns a copy of P.
func (e *Estimator) Covariance() *mat.Dense { return mat.DenseCopyOf(e.p) }

func identity2() *mat.Dense {
	return mat.NewDense(2, 2, []float64{1, 0, 0, 1})
}
