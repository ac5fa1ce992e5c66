package kalman

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestPredict_ZeroStepKeepsMean(t *testing.T) {
	e := New(DefaultConfig(), 2.0, 0.1)
	require.NoError(t, e.Update(100*time.Millisecond, 1.8))

	before := []float64{e.Distance(), e.Velocity()}
	pr, err := e.Predict(0)
	require.NoError(t, err)
	assert.Equal(t, before[0], pr.Distance())
	assert.Equal(t, before[0], e.Distance(), "predict does not commit")
	assert.Equal(t, before[1], e.Velocity())
}

func TestPredict_NegativeStep(t *testing.T) {
	e := New(DefaultConfig(), 2.0, 0.1)
	_, err := e.Predict(-time.Millisecond)
	assert.True(t, errors.Is(err, ErrNegativeStep))
}

func TestPredict_IntegratesVelocity(t *testing.T) {
	e := New(DefaultConfig(), 2.0, 0.1)
	e.x.SetVec(1, -0.5)
	pr, err := e.Predict(time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, pr.Distance(), 1e-12)
}

func TestCorrect_StalePrediction(t *testing.T) {
	e := New(DefaultConfig(), 2.0, 0.1)

	first, err := e.Predict(100 * time.Millisecond)
	require.NoError(t, err)
	second, err := e.Predict(100 * time.Millisecond)
	require.NoError(t, err)

	assert.ErrorIs(t, first.Correct(2.0), ErrStalePrediction)
	require.NoError(t, second.Correct(2.0))
	assert.ErrorIs(t, second.Correct(2.0), ErrStalePrediction, "a prediction applies once")
}

func TestCorrect_MovesTowardMeasurement(t *testing.T) {
	e := New(DefaultConfig(), 2.0, 0.1)
	require.NoError(t, e.Update(0, 1.0))
	assert.Less(t, e.Distance(), 2.0)
	assert.Greater(t, e.Distance(), 1.0)
}

// With no process noise and a known-static target the distance variance can
// only shrink.
func TestVariance_MonotoneWithoutProcessNoise(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProcessNoiseDistance = 0
	cfg.ProcessNoiseVelocity = 0
	cfg.InitialVelocityStd = 0
	e := New(cfg, 2.0, 0.3)

	rng := rand.New(rand.NewSource(1))
	prev := e.DistanceStd()
	for i := 0; i < 200; i++ {
		z := 2.0 + rng.NormFloat64()*0.2
		require.NoError(t, e.Update(100*time.Millisecond, z))
		cur := e.DistanceStd()
		assert.LessOrEqual(t, cur, prev, "cycle %d", i)
		prev = cur
	}
	assert.InDelta(t, 2.0, e.Distance(), 0.1)
}

func TestVariance_ConvergesWithDefaults(t *testing.T) {
	e := New(DefaultConfig(), 2.0, 0.3)
	initial := e.DistanceStd()

	rng := rand.New(rand.NewSource(7))
	var stds []float64
	for i := 0; i < 300; i++ {
		z := 2.0 + rng.NormFloat64()*0.2
		require.NoError(t, e.Update(100*time.Millisecond, z))
		stds = append(stds, e.DistanceStd())
	}

	last := stds[len(stds)-1]
	assert.Less(t, last, initial)
	assert.InDelta(t, stds[len(stds)-50], last, 1e-6, "steady state reached")
	assert.InDelta(t, 2.0, e.Distance(), 0.5)
}

func TestCovariance_StaysSymmetric(t *testing.T) {
	e := New(DefaultConfig(), 1.0, 0.2)
	for i := 0; i < 50; i++ {
		require.NoError(t, e.Update(time.Duration(i%3)*50*time.Millisecond, 1.0+0.01*float64(i%5)))
	}
	p := e.Covariance()
	assert.InDelta(t, p.At(0, 1), p.At(1, 0), 1e-12)

	var eig mat.EigenSym
	sym := mat.NewSymDense(2, []float64{p.At(0, 0), p.At(0, 1), p.At(0, 1), p.At(1, 1)})
	require.True(t, eig.Factorize(sym, false))
	for _, v := range eig.Values(nil) {
		assert.GreaterOrEqual(t, v, -1e-12)
	}
	assert.False(t, math.IsNaN(e.VelocityStd()))
}
