package window

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestBuffer_EvictsByAge(t *testing.T) {
	base := time.Unix(0, 0)
	b := New(500 * time.Millisecond)

	if got := b.Snapshot(); got != nil {
		t.Fatalf("empty snapshot = %v, want nil", got)
	}

	b.Update(base, 1.0)
	b.Update(base.Add(200*time.Millisecond), 1.1)
	b.Update(base.Add(500*time.Millisecond), 1.2) // first entry sits exactly on the horizon
	if diff := cmp.Diff([]float64{1.0, 1.1, 1.2}, b.Snapshot()); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	b.Update(base.Add(701*time.Millisecond), 1.3)
	if diff := cmp.Diff([]float64{1.2, 1.3}, b.Snapshot()); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
	if b.Len() != 2 {
		t.Errorf("Len = %d, want 2", b.Len())
	}
}

func TestBuffer_LongGapLeavesOnlyNewest(t *testing.T) {
	base := time.Unix(0, 0)
	b := New(500 * time.Millisecond)
	for i := 0; i < 5; i++ {
		b.Update(base.Add(time.Duration(i)*100*time.Millisecond), float64(i))
	}
	b.Update(base.Add(10*time.Second), 9)
	if diff := cmp.Diff([]float64{9}, b.Snapshot()); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestBuffer_HorizonInvariantRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		horizon := time.Duration(rng.Intn(1000)+1) * time.Millisecond
		b := New(horizon)
		now := time.Unix(1000, 0)
		for i := 0; i < 200; i++ {
			now = now.Add(time.Duration(rng.Intn(300)) * time.Millisecond)
			b.Update(now, rng.Float64()*4)

			entries := b.Entries()
			if len(entries) == 0 || !entries[len(entries)-1].Time.Equal(now) {
				t.Fatalf("trial %d step %d: newest entry missing", trial, i)
			}
			for j, e := range entries {
				if e.Time.Before(now.Add(-horizon)) {
					t.Fatalf("trial %d step %d: entry %d at %v older than horizon", trial, i, j, e.Time)
				}
				if j > 0 && e.Time.Before(entries[j-1].Time) {
					t.Fatalf("trial %d step %d: entries out of order", trial, i)
				}
			}
		}
	}
}
