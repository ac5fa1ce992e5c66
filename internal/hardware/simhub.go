package hardware

import (
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/ultralight/internal/timeutil"
)

// SimHub fabricates sensor hub lines: a noisy empty corridor at 2m, with
// someone walking through every 30s for 3s and the odd missed echo.
type SimHub struct {
	mu    sync.Mutex
	n     int
	clock timeutil.Clock
	start time.Time
	rng   *rand.Rand
}

// NewSimHub creates a hub with n sensors.
func NewSimHub(n int, clock timeutil.Clock, seed int64) *SimHub {
	return &SimHub{n: n, clock: clock, start: clock.Now(), rng: rand.New(rand.NewSource(seed))}
}

// Line returns the next hub line.
func (h *SimHub) Line() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	phase := h.clock.Since(h.start) % (30 * time.Second)
	walking := phase >= 20*time.Second && phase < 23*time.Second
	fields := make([]string, h.n)
	for i := range fields {
		d := 2.0 + h.rng.NormFloat64()*0.02
		if walking {
			d = 0.6 + h.rng.NormFloat64()*0.02
		}
		if h.rng.Intn(20) == 0 {
			fields[i] = "nan"
			continue
		}
		fields[i] = strconv.FormatFloat(d, 'f', 3, 64)
	}
	return strings.Join(fields, " ")
}
