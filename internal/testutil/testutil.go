// Package testutil provides fakes and helpers shared by the pipeline,
// monitor and daemon tests.
package testutil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// ErrBridgeDown is returned by a FakeLight set to fail.
var ErrBridgeDown = errors.New("bridge unreachable")

// FakeLight is an in-memory light. It satisfies trigger.Light.
type FakeLight struct {
	mu       sync.Mutex
	Name     string
	on       bool
	external *bool
	fail     bool
	switches []bool
	updates  int
}

// NewFakeLight returns a light in the given state.
func NewFakeLight(name string, on bool) *FakeLight {
	return &FakeLight{Name: name, on: on}
}

// Switch records the request and applies it unless the light is failing.
func (l *FakeLight) Switch(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.switches = append(l.switches, on)
	if l.fail {
		return ErrBridgeDown
	}
	l.on = on
	return nil
}

// IsOn returns the cached state.
func (l *FakeLight) IsOn() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

// Update pulls a pending external change into the cached state.
func (l *FakeLight) Update() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates++
	if l.fail {
		return ErrBridgeDown
	}
	if l.external != nil {
		l.on = *l.external
		l.external = nil
	}
	return nil
}

// SetExternal simulates someone operating the light outside the system; it
// becomes visible on the next Update.
func (l *FakeLight) SetExternal(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.external = &on
}

// SetFailing makes every call fail until cleared.
func (l *FakeLight) SetFailing(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = fail
}

// Switches returns every requested state in order.
func (l *FakeLight) Switches() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.switches...)
}

// Updates returns the number of Update calls.
func (l *FakeLight) Updates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.updates
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// Serve runs one request through h and returns the recorder.
func Serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// DecodeJSON decodes the recorder body into T, failing the test on error.
func DecodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}
