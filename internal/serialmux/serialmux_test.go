package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startMonitor(t *testing.T, sm *SerialMux[*TestableSerialPort]) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sm.Monitor(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-ch:
		require.True(t, ok, "channel closed")
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}

func TestSerialMux_SubscribeUnsubscribe(t *testing.T) {
	sm := NewSerialMux(NewTestableSerialPort())

	id1, ch1 := sm.Subscribe()
	id2, _ := sm.Subscribe()
	assert.NotEqual(t, id1, id2)
	assert.Len(t, id1, 16)

	sm.Unsubscribe(id1)
	_, ok := <-ch1
	assert.False(t, ok, "unsubscribed channel should be closed")

	// Unknown IDs are ignored.
	sm.Unsubscribe("does-not-exist")
}

func TestSerialMux_MonitorBroadcasts(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	sm := NewSerialMux(port)

	_, a := sm.Subscribe()
	_, b := sm.Subscribe()
	startMonitor(t, sm)

	port.AddReadData([]byte("1.20 2.30\n0.90 2.31\n"))

	assert.Equal(t, "1.20 2.30", recv(t, a))
	assert.Equal(t, "0.90 2.31", recv(t, a))
	assert.Equal(t, "1.20 2.30", recv(t, b))
	assert.Equal(t, "0.90 2.31", recv(t, b))

	lines, dropped := sm.Stats()
	assert.EqualValues(t, 2, lines)
	assert.EqualValues(t, 0, dropped)
}

func TestSerialMux_SlowSubscriberDrops(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	sm := NewSerialMux(port)

	_, slow := sm.Subscribe()
	startMonitor(t, sm)

	var data strings.Builder
	for i := 0; i < subscriberBuffer+4; i++ {
		data.WriteString("1.0\n")
	}
	port.AddReadData([]byte(data.String()))

	require.Eventually(t, func() bool {
		lines, _ := sm.Stats()
		return lines == int64(subscriberBuffer+4)
	}, 2*time.Second, 5*time.Millisecond)

	_, dropped := sm.Stats()
	assert.EqualValues(t, 4, dropped)
	assert.Len(t, slow, subscriberBuffer)
}

func TestSerialMux_MonitorReadError(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	sm := NewSerialMux(port)
	_, done := startMonitor(t, sm)

	boom := errors.New("device unplugged")
	port.FailRead(boom)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return")
	}
}

func TestSerialMux_MonitorCancel(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	sm := NewSerialMux(port)
	cancel, done := startMonitor(t, sm)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return")
	}
	sm.Close()
}

func TestSerialMux_Close(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	sm := NewSerialMux(port)
	_, ch := sm.Subscribe()
	_, done := startMonitor(t, sm)

	require.NoError(t, sm.Close())
	_, ok := <-ch
	assert.False(t, ok)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after Close")
	}
	assert.True(t, port.Closed)

	// Second close is a no-op and late subscribers get a closed channel.
	require.NoError(t, sm.Close())
	_, late := sm.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

func TestSerialMux_SendCommand(t *testing.T) {
	port := NewTestableSerialPort()
	sm := NewSerialMux(port)

	require.NoError(t, sm.SendCommand("reset"))
	require.NoError(t, sm.SendCommand("rate 10\n"))
	assert.Equal(t, "reset\nrate 10\n", string(port.GetWrittenData()))

	port.WriteError = errors.New("io")
	assert.Error(t, sm.SendCommand("reset"))

	port.ShortWrite = true
	assert.ErrorIs(t, sm.SendCommand("reset"), ErrWriteFailed)
}

func TestSerialMux_WaitForLine(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	sm := NewSerialMux(port)
	startMonitor(t, sm)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan string, 1)
	go func() {
		line, err := sm.WaitForLine(ctx, 3)
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- line
	}()

	// Let the waiter subscribe before the banner arrives.
	require.Eventually(t, func() bool {
		sm.subscriberMu.Lock()
		defer sm.subscriberMu.Unlock()
		return len(sm.subscribers) == 1
	}, time.Second, time.Millisecond)

	port.AddReadData([]byte("hub ready\n1.0 2.0 3.0\n"))
	assert.Equal(t, "1.0 2.0 3.0", recv(t, got))
}

func TestSerialMux_WaitForLineTimeout(t *testing.T) {
	sm := NewSerialMux(NewTestableSerialPort())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sm.WaitForLine(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSerialMux_WaitForLineClosed(t *testing.T) {
	sm := NewSerialMux(NewTestableSerialPort())
	go func() {
		time.Sleep(10 * time.Millisecond)
		sm.Close()
	}()
	_, err := sm.WaitForLine(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSerialMux_SendCommandRoute(t *testing.T) {
	port := NewTestableSerialPort()
	sm := NewSerialMux(port)
	mux := http.NewServeMux()
	sm.AttachAdminRoutes(mux)

	tests := []struct {
		name   string
		method string
		form   url.Values
		want   int
	}{
		{"get", http.MethodGet, nil, http.StatusMethodNotAllowed},
		{"missing", http.MethodPost, url.Values{}, http.StatusBadRequest},
		{"ok", http.MethodPost, url.Values{"command": {"reset"}}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/debug/serial/send-command", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			if w.Code == http.StatusForbidden {
				t.Skip("debug routes restricted to local requests")
			}
			assert.Equal(t, tt.want, w.Code)
		})
	}
	assert.Equal(t, "reset\n", string(port.GetWrittenData()))
}

func TestMockSerialMux(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var n atomic.Int32
	sm := NewMockSerialMux(ctx, time.Millisecond, func() string {
		if n.Add(1) == 1 {
			return "booting"
		}
		return "1.5 2.5"
	})
	go sm.Monitor(ctx)
	defer sm.Close()

	line, err := sm.WaitForLine(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "1.5 2.5", line)

	require.NoError(t, sm.SendCommand("ping"))
	assert.Equal(t, "ping\n", sm.port.Written())
}

func TestOpen(t *testing.T) {
	port := NewTestableSerialPort()
	factory := NewMockSerialPortFactory(port)

	sm, err := Open(factory, "/dev/ttyACM0", PortOptions{BaudRate: 9600})
	require.NoError(t, err)
	require.NotNil(t, sm)
	assert.Equal(t, "ttyACM0", sm.Name())
	require.Len(t, factory.OpenCalls, 1)
	assert.Equal(t, "/dev/ttyACM0", factory.OpenCalls[0].Path)
	assert.Equal(t, 9600, factory.OpenCalls[0].Opts.BaudRate)

	factory.Error = errors.New("no such device")
	_, err = Open(factory, "/dev/ttyACM1", PortOptions{})
	assert.Error(t, err)
}

func TestRouteName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/dev/ttyUSB0", "ttyUSB0"},
		{"/dev/serial/by-id/usb-Arduino_Uno-if00", "serial_by-id_usb-Arduino_Uno-if00"},
		{"COM3", "COM3"},
		{"/tmp/hub pty", "tmp_hub_pty"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RouteName(tt.path), tt.path)
	}
}

func TestSerialMux_PortsShareServeMux(t *testing.T) {
	hall, bath := NewTestableSerialPort(), NewTestableSerialPort()
	a, err := Open(NewMockSerialPortFactory(hall), "/dev/ttyUSB0", PortOptions{})
	require.NoError(t, err)
	b, err := Open(NewMockSerialPortFactory(bath), "/dev/ttyUSB1", PortOptions{})
	require.NoError(t, err)

	mux := http.NewServeMux()
	require.NotPanics(t, func() {
		a.AttachAdminRoutes(mux)
		b.AttachAdminRoutes(mux)
	})

	send := func(path, command string) int {
		form := url.Values{"command": {command}}
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.RemoteAddr = "127.0.0.1:12345"
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, send("/debug/serial/ttyUSB0/send-command", "reset"))
	assert.Equal(t, http.StatusOK, send("/debug/serial/ttyUSB1/send-command", "status"))
	assert.Equal(t, "reset\n", string(hall.GetWrittenData()))
	assert.Equal(t, "status\n", string(bath.GetWrittenData()))
}
