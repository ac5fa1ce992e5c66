package trigger

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ultralight/internal/ranging"
)

type fakeLight struct {
	on        bool
	switches  []bool
	switchErr error
	updateErr error
	updates   int
}

func (l *fakeLight) Switch(on bool) error {
	l.switches = append(l.switches, on)
	if l.switchErr != nil {
		return l.switchErr
	}
	l.on = on
	return nil
}

func (l *fakeLight) IsOn() bool { return l.on }

func (l *fakeLight) Update() error {
	l.updates++
	return l.updateErr
}

type fakeMotion struct {
	name  string
	value bool
	calls int
}

func (m *fakeMotion) HasMotion() bool { m.calls++; return m.value }
func (m *fakeMotion) Name() string    { return m.name }

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("iv-%d", n)
	}
}

func TestController_OffDelay(t *testing.T) {
	light := &fakeLight{}
	c := New(Config{OffDelay: 15 * time.Second, Lights: []Light{light}, NewID: sequentialIDs()})
	base := time.Unix(0, 0)

	var states []State
	var lit []bool
	triggers := []bool{true, true}
	for i := 0; i < 20; i++ {
		triggers = append(triggers, false)
	}
	for i, trig := range triggers {
		require.NoError(t, c.Advance(base.Add(time.Duration(i)*time.Second), trig))
		states = append(states, c.State())
		lit = append(lit, light.on)
	}

	for i := 0; i < 2; i++ {
		assert.True(t, lit[i], "triggered cycle %d", i)
		assert.Equal(t, Active, states[i])
	}
	for k := 1; k <= 20; k++ {
		i := k + 1
		if k <= 15 {
			assert.True(t, lit[i], "quiet cycle %d held on", k)
			assert.Equal(t, Cooldown, states[i], "quiet cycle %d", k)
		} else {
			assert.False(t, lit[i], "quiet cycle %d off", k)
			assert.Equal(t, Idle, states[i], "quiet cycle %d", k)
		}
	}

	offs := 0
	for _, s := range light.switches {
		if !s {
			offs++
		}
	}
	assert.Equal(t, 1, offs, "exactly one off command")
	assert.Equal(t, 1, light.updates, "lights sampled once, at interval creation")
}

func TestController_LightsWereOn(t *testing.T) {
	light := &fakeLight{on: true}
	other := &fakeLight{}
	c := New(Config{OffDelay: 15 * time.Second, Lights: []Light{light, other}})
	base := time.Unix(0, 0)

	require.NoError(t, c.Advance(base, true))
	iv, ok := c.Interval()
	require.True(t, ok)
	assert.True(t, iv.LightsWereOn)
	assert.NotEmpty(t, iv.ID)

	require.NoError(t, c.Advance(base.Add(time.Second), false))
	assert.Equal(t, Idle, c.State(), "interval clears immediately")
	_, ok = c.Interval()
	assert.False(t, ok)

	for i := 2; i < 30; i++ {
		require.NoError(t, c.Advance(base.Add(time.Duration(i)*time.Second), false))
	}
	for _, l := range []*fakeLight{light, other} {
		for _, s := range l.switches {
			assert.True(t, s, "no off command is ever issued")
		}
	}
}

func TestController_RetriggerKeepsLightsWereOn(t *testing.T) {
	light := &fakeLight{}
	c := New(Config{OffDelay: 15 * time.Second, Lights: []Light{light}, NewID: sequentialIDs()})
	base := time.Unix(0, 0)

	require.NoError(t, c.Advance(base, true))
	require.NoError(t, c.Advance(base.Add(time.Second), false))
	require.Equal(t, Cooldown, c.State())

	// Lights are on now because we switched them; a re-trigger must not
	// reinterpret that as someone else's doing.
	require.NoError(t, c.Advance(base.Add(2*time.Second), true))
	iv, _ := c.Interval()
	want := Interval{ID: "iv-1", Start: base, End: base.Add(2 * time.Second), Active: true, LightsWereOn: false}
	if diff := cmp.Diff(want, iv); diff != "" {
		t.Errorf("interval mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, light.updates)

	require.NoError(t, c.Advance(base.Add(20*time.Second), false))
	assert.Equal(t, Idle, c.State())
	assert.False(t, light.on)
}

func TestController_CooldownKeepsEndAtLastTrigger(t *testing.T) {
	c := New(Config{OffDelay: time.Second, Lights: []Light{&fakeLight{}}})
	base := time.Unix(0, 0)
	require.NoError(t, c.Advance(base, true))
	require.NoError(t, c.Advance(base.Add(500*time.Millisecond), false))
	iv, _ := c.Interval()
	assert.Equal(t, base, iv.End)
	assert.False(t, iv.Active)
}

func TestController_IdleStaysQuiet(t *testing.T) {
	light := &fakeLight{on: true}
	c := New(Config{OffDelay: time.Second, Lights: []Light{light}})
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Advance(time.Unix(int64(i), 0), false))
	}
	assert.Empty(t, light.switches)
	assert.Zero(t, light.updates)
}

func TestController_Evaluate(t *testing.T) {
	tests := []struct {
		name   string
		motion []bool
		door   ranging.Switch
		want   bool
	}{
		{"nothing", []bool{false, false}, nil, false},
		{"one detector", []bool{false, true}, nil, true},
		{"door open", []bool{false}, ranging.StaticSwitch{On: false, Known: true}, true},
		{"door closed", []bool{false}, ranging.StaticSwitch{On: true, Known: true}, false},
		{"door unknown", []bool{false}, ranging.StaticSwitch{Known: false}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dets []Motion
			var fakes []*fakeMotion
			for i, v := range tt.motion {
				m := &fakeMotion{name: fmt.Sprintf("m%d", i), value: v}
				dets = append(dets, m)
				fakes = append(fakes, m)
			}
			c := New(Config{Detectors: dets, Door: tt.door})
			assert.Equal(t, tt.want, c.Evaluate())
			for _, m := range fakes {
				assert.Equal(t, 1, m.calls, "every detector polled once")
			}
		})
	}
}

func TestController_StepDrivesLights(t *testing.T) {
	light := &fakeLight{}
	motion := &fakeMotion{name: "max", value: true}
	c := New(Config{OffDelay: time.Second, Lights: []Light{light}, Detectors: []Motion{motion}})

	require.NoError(t, c.Step(time.Unix(0, 0)))
	assert.True(t, light.on)

	motion.value = false
	require.NoError(t, c.Step(time.Unix(2, 0)))
	assert.False(t, light.on)
	assert.Equal(t, Idle, c.State())
}

func TestController_ActuationErrorsPropagate(t *testing.T) {
	boom := errors.New("bridge down")
	bad := &fakeLight{switchErr: boom}
	good := &fakeLight{}
	c := New(Config{OffDelay: time.Second, Lights: []Light{bad, good}})

	err := c.Advance(time.Unix(0, 0), true)
	require.ErrorIs(t, err, boom)
	assert.True(t, good.on, "other lights still switched")
	assert.Equal(t, Active, c.State())
	assert.Len(t, bad.switches, 1, "no retry")
}

func TestController_SampleErrorDefersInterval(t *testing.T) {
	boom := errors.New("timeout")
	light := &fakeLight{updateErr: boom}
	c := New(Config{OffDelay: time.Second, Lights: []Light{light}})

	err := c.Advance(time.Unix(0, 0), true)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, Idle, c.State())
	assert.Empty(t, light.switches)

	light.updateErr = nil
	require.NoError(t, c.Advance(time.Unix(1, 0), true))
	assert.Equal(t, Active, c.State())
}

func TestController_Transitions(t *testing.T) {
	var got []Transition
	c := New(Config{
		OffDelay:     time.Second,
		Lights:       []Light{&fakeLight{}},
		NewID:        sequentialIDs(),
		OnTransition: func(tr Transition) { got = append(got, tr) },
	})
	base := time.Unix(0, 0)
	require.NoError(t, c.Advance(base, true))
	require.NoError(t, c.Advance(base.Add(time.Second), true))
	require.NoError(t, c.Advance(base.Add(2*time.Second), false))
	require.NoError(t, c.Advance(base.Add(4*time.Second), false))

	var summary []string
	for _, tr := range got {
		summary = append(summary, fmt.Sprintf("%s->%s %s %s", tr.From, tr.To, tr.Action, tr.Interval.ID))
	}
	want := []string{
		"idle->active on iv-1",
		"active->cooldown  iv-1",
		"cooldown->idle off iv-1",
	}
	if diff := cmp.Diff(want, summary); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestState_TextRoundTrip(t *testing.T) {
	for _, s := range []State{Idle, Active, Cooldown} {
		b, err := s.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", s, err)
		}
		var got State
		if err := got.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", b, err)
		}
		if got != s {
			t.Errorf("round trip %v -> %q -> %v", s, b, got)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("dimmed")); err == nil {
		t.Error("expected error for unknown state")
	}
}
