// Package hue drives Philips Hue lights through the bridge's local REST API.
package hue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/banshee-data/ultralight/internal/httputil"
	"github.com/banshee-data/ultralight/internal/monitoring"
	"github.com/banshee-data/ultralight/internal/timeutil"
)

// ErrLightNotFound is returned by LightByName for an unknown name.
var ErrLightNotFound = errors.New("hue: light not found")

// APIError is an error reported by the bridge in its response envelope,
// e.g. [{"error":{"type":1,"address":"/","description":"unauthorized user"}}].
type APIError struct {
	Type        int    `json:"type"`
	Address     string `json:"address"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hue: %s (type %d, %s)", e.Description, e.Type, e.Address)
}

// Bridge is a client for one Hue bridge.
type Bridge struct {
	Address  string
	Username string

	client  httputil.HTTPClient
	breaker *Breaker
	timeout time.Duration
}

// NewBridge creates a bridge client. breaker may be nil.
func NewBridge(address, username string, client httputil.HTTPClient, breaker *Breaker, timeout time.Duration) *Bridge {
	return &Bridge{
		Address:  address,
		Username: username,
		client:   client,
		breaker:  breaker,
		timeout:  timeout,
	}
}

func (b *Bridge) url(path string) string {
	return fmt.Sprintf("http://%s/api/%s/%s", b.Address, b.Username, path)
}

// call performs one request under the breaker and timeout and decodes the
// bridge envelope into out.
func (b *Bridge) call(ctx context.Context, method, path string, in, out any) error {
	op := func(ctx context.Context) error {
		if b.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
		var raw json.RawMessage
		if err := httputil.DoJSON(ctx, b.client, method, b.url(path), in, &raw); err != nil {
			return err
		}
		return decodeEnvelope(raw, out)
	}
	if b.breaker == nil {
		return op(ctx)
	}
	return b.breaker.Execute(ctx, op)
}

// decodeEnvelope returns the first APIError in an array response, or
// decodes raw into out.
func decodeEnvelope(raw json.RawMessage, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []struct {
			Error *APIError `json:"error"`
		}
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return fmt.Errorf("hue: decode response: %w", err)
		}
		for _, it := range items {
			if it.Error != nil {
				return it.Error
			}
		}
	}
	if out == nil || len(trimmed) == 0 {
		return nil
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("hue: decode response: %w", err)
	}
	return nil
}

type lightJSON struct {
	Name  string `json:"name"`
	State struct {
		On        bool `json:"on"`
		Reachable bool `json:"reachable"`
	} `json:"state"`
}

// Lights lists every light on the bridge, ordered by numeric ID.
func (b *Bridge) Lights(ctx context.Context) ([]*Light, error) {
	var resp map[string]lightJSON
	if err := b.call(ctx, http.MethodGet, "lights", nil, &resp); err != nil {
		return nil, err
	}
	lights := make([]*Light, 0, len(resp))
	for id, lj := range resp {
		lights = append(lights, b.newLight(id, lj))
	}
	sort.Slice(lights, func(i, j int) bool { return lessID(lights[i].ID, lights[j].ID) })
	return lights, nil
}

// LightByName returns the first light with the given name.
func (b *Bridge) LightByName(ctx context.Context, name string) (*Light, error) {
	lights, err := b.Lights(ctx)
	if err != nil {
		return nil, err
	}
	for _, l := range lights {
		if l.Name == name {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrLightNotFound, name)
}

// LightsByName resolves each name in order.
func (b *Bridge) LightsByName(ctx context.Context, names []string) ([]*Light, error) {
	all, err := b.Lights(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*Light, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		byName[all[i].Name] = all[i]
	}
	out := make([]*Light, 0, len(names))
	for _, n := range names {
		l, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrLightNotFound, n)
		}
		out = append(out, l)
	}
	return out, nil
}

func (b *Bridge) newLight(id string, lj lightJSON) *Light {
	return &Light{
		ID:        id,
		Name:      lj.Name,
		On:        lj.State.On,
		Reachable: lj.State.Reachable,
		bridge:    b,
	}
}

func lessID(a, b string) bool {
	ai, errA := strconv.Atoi(a)
	bi, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return ai < bi
	}
	return a < b
}

// Light is one bulb. The exported fields cache the last known state.
type Light struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	On        bool   `json:"on"`
	Reachable bool   `json:"reachable"`

	bridge *Bridge
}

// Update refreshes the cached state from the bridge.
func (l *Light) Update() error {
	var lj lightJSON
	if err := l.bridge.call(context.Background(), http.MethodGet, "lights/"+l.ID, nil, &lj); err != nil {
		return fmt.Errorf("update light %s: %w", l.Name, err)
	}
	l.Name = lj.Name
	l.On = lj.State.On
	l.Reachable = lj.State.Reachable
	return nil
}

// Switch turns the light on or off.
func (l *Light) Switch(on bool) error {
	body := map[string]bool{"on": on}
	if err := l.bridge.call(context.Background(), http.MethodPut, "lights/"+l.ID+"/state", body, nil); err != nil {
		return fmt.Errorf("switch light %s: %w", l.Name, err)
	}
	l.On = on
	return nil
}

// IsOn returns the cached on state.
func (l *Light) IsOn() bool { return l.On }

// SwitchAll switches every light, continuing past failures.
func SwitchAll(lights []*Light, on bool) error {
	var errs []error
	for _, l := range lights {
		if err := l.Switch(on); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flash blinks the lights off, on, off with pause between steps. It is used
// to signal start and end of calibration.
func Flash(lights []*Light, clock timeutil.Clock, pause time.Duration) error {
	steps := []bool{false, true, false}
	var errs []error
	for i, on := range steps {
		if i > 0 {
			clock.Sleep(pause)
		}
		if err := SwitchAll(lights, on); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		monitoring.Logf("flash lights: %v", err)
		return err
	}
	return nil
}
