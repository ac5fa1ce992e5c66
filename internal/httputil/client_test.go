package httputil

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDoJSON_RoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"on":true}` {
			t.Errorf("body = %s", body)
		}
		w.Write([]byte(`{"ok":1}`))
	}))
	defer server.Close()

	var out struct{ OK int }
	err := DoJSON(context.Background(), NewStandardClient(time.Second), http.MethodPut, server.URL, map[string]bool{"on": true}, &out)
	if err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if out.OK != 1 {
		t.Errorf("out.OK = %d, want 1", out.OK)
	}
}

func TestDoJSON_StatusError(t *testing.T) {
	mock := NewMockHTTPClient().AddResponse(http.StatusNotFound, "missing")

	err := DoJSON(context.Background(), mock, http.MethodGet, "http://bridge/api", nil, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusNotFound || se.Body != "missing" {
		t.Errorf("unexpected status error %+v", se)
	}
}

func TestDoJSON_DecodeError(t *testing.T) {
	mock := NewMockHTTPClient().AddResponse(http.StatusOK, "not json")
	var out map[string]any
	if err := DoJSON(context.Background(), mock, http.MethodGet, "http://bridge/api", nil, &out); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestStandardClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	err := DoJSON(context.Background(), NewStandardClient(50*time.Millisecond), http.MethodGet, server.URL, nil, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestMockHTTPClient_QueueAndRecord(t *testing.T) {
	boom := errors.New("unreachable")
	mock := NewMockHTTPClient().
		AddResponse(http.StatusOK, `{"a":1}`).
		AddErrorResponse(boom)

	var out map[string]int
	if err := DoJSON(context.Background(), mock, http.MethodPut, "http://x/1", map[string]int{"b": 2}, &out); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if out["a"] != 1 {
		t.Errorf("out = %v", out)
	}
	if err := DoJSON(context.Background(), mock, http.MethodGet, "http://x/2", nil, nil); !errors.Is(err, boom) {
		t.Errorf("second request err = %v, want %v", err, boom)
	}
	if err := DoJSON(context.Background(), mock, http.MethodGet, "http://x/3", nil, nil); err != nil {
		t.Errorf("drained queue should return 200, got %v", err)
	}

	reqs := mock.Requests()
	if len(reqs) != 3 || mock.RequestCount() != 3 {
		t.Fatalf("recorded %d requests, want 3", len(reqs))
	}
	if reqs[0].Method != http.MethodPut || reqs[0].Body != `{"b":2}` {
		t.Errorf("first request = %+v", reqs[0])
	}
}

func TestMockHTTPClient_DefaultErrorAndDoFunc(t *testing.T) {
	boom := errors.New("down")
	mock := NewMockHTTPClient()
	mock.DefaultError = boom
	if err := DoJSON(context.Background(), mock, http.MethodGet, "http://x", nil, nil); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}

	mock.DoFunc = func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("custom")
	}
	if err := DoJSON(context.Background(), mock, http.MethodGet, "http://x", nil, nil); err == nil || err.Error() != "custom" {
		t.Errorf("err = %v, want custom", err)
	}
}
