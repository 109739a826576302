package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-console/internal/console"
	"fleet-console/internal/fleet"
	"fleet-console/internal/state"
)

// fakeConsole records calls and publishes snapshots to its subscribers.
type fakeConsole struct {
	mu        sync.Mutex
	snap      *state.Snapshot
	poll      console.PollConfig
	listeners map[int]func(*state.Snapshot)
	nextID    int

	selectErr error
	refreshed []state.StageID
	resets    int
}

func newFakeConsole() *fakeConsole {
	return &fakeConsole{
		snap: &state.Snapshot{
			Version:   1,
			Selection: state.Selection{Shop: "A", Device: "SN1"},
			Stages: map[state.StageID]state.StageState{
				state.StageShops: {Scope: "all", Status: state.StatusSettled, Data: []fleet.Shop{{ID: "A", Name: "Alpha"}}},
			},
		},
		poll:      console.PollConfig{Enabled: true, Interval: 5 * time.Second},
		listeners: make(map[int]func(*state.Snapshot)),
	}
}

func (f *fakeConsole) Snapshot() *state.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeConsole) Subscribe(fn func(*state.Snapshot)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fakeConsole) publish(snap *state.Snapshot) {
	f.mu.Lock()
	f.snap = snap
	ls := make([]func(*state.Snapshot), 0, len(f.listeners))
	for _, l := range f.listeners {
		ls = append(ls, l)
	}
	f.mu.Unlock()
	for _, l := range ls {
		l(snap)
	}
}

func (f *fakeConsole) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func (f *fakeConsole) Select(_ context.Context, field state.Field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.selectErr != nil {
		return f.selectErr
	}
	if _, err := state.ParseField(string(field)); err != nil {
		return fmt.Errorf("%w: %q", console.ErrUnknownField, field)
	}
	next := *f.snap
	if _, err := next.Selection.Set(field, value); err != nil {
		return err
	}
	f.snap = &next
	return nil
}

func (f *fakeConsole) Refresh(_ context.Context, stage state.StageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stage == "bogus" {
		return fmt.Errorf("%w: %q", console.ErrUnknownStage, stage)
	}
	f.refreshed = append(f.refreshed, stage)
	return nil
}

func (f *fakeConsole) SetPollConfig(_ context.Context, pc console.PollConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pc.Interval < 500*time.Millisecond {
		return fmt.Errorf("%w: %v", console.ErrInvalidInterval, pc.Interval)
	}
	f.poll = pc
	return nil
}

func (f *fakeConsole) PollConfig() console.PollConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.poll
}

func (f *fakeConsole) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func setupTestServer(t *testing.T, opts ...ServerOption) (*Server, *fakeConsole) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	fc := newFakeConsole()
	srv := NewServer(fc, logger, opts...)
	t.Cleanup(srv.Stop)
	return srv, fc
}

func do(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestAPISnapshot(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv, "GET", "/api/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Version   uint64                     `json:"version"`
		Selection state.Selection            `json:"selection"`
		Stages    map[string]json.RawMessage `json:"stages"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, uint64(1), got.Version)
	assert.Equal(t, "SN1", got.Selection.Device)
	assert.Contains(t, got.Stages, "shops")
}

func TestAPIStage(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv, "GET", "/api/stages/shops", "")
	require.Equal(t, http.StatusOK, w.Code)
	var ss state.StageState
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ss))
	assert.Equal(t, state.StatusSettled, ss.Status)

	w = do(t, srv, "GET", "/api/stages/points", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ss))
	assert.Equal(t, state.StatusIdle, ss.Status)

	w = do(t, srv, "GET", "/api/stages/bogus", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPISelect(t *testing.T) {
	srv, fc := setupTestServer(t)

	w := do(t, srv, "POST", "/api/select", `{"field":"map","value":"floor1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var sel state.Selection
	require.NoError(t, json.NewDecoder(w.Body).Decode(&sel))
	assert.Equal(t, "floor1", sel.Map)
	assert.Equal(t, "floor1", fc.Snapshot().Selection.Map)
}

func TestAPISelectErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		selectErr error
		want      int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"unknown field", `{"field":"color","value":"red"}`, nil, http.StatusBadRequest},
		{"bad task ref", `{"field":"task","value":"t1@x"}`, nil, http.StatusBadRequest},
		{"invalid device", `{"field":"device","value":"BAD"}`, &fleet.ValidationError{SN: "BAD", Reason: "offline"}, http.StatusUnprocessableEntity},
		{"unknown value", `{"field":"shop","value":"Z"}`, fmt.Errorf("%w: shop %q", console.ErrUnknownValue, "Z"), http.StatusConflict},
		{"closed", `{"field":"shop","value":"A"}`, console.ErrClosed, http.StatusServiceUnavailable},
		{"unexpected", `{"field":"shop","value":"A"}`, fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, fc := setupTestServer(t)
			fc.selectErr = tt.selectErr

			w := do(t, srv, "POST", "/api/select", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestAPIRefresh(t *testing.T) {
	srv, fc := setupTestServer(t)

	w := do(t, srv, "POST", "/api/refresh/detail", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []state.StageID{state.StageDetail}, fc.refreshed)

	w = do(t, srv, "POST", "/api/refresh/bogus", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIPoll(t *testing.T) {
	srv, fc := setupTestServer(t)

	w := do(t, srv, "GET", "/api/poll", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"enabled":true,"interval_ms":5000}`, w.Body.String())

	w = do(t, srv, "PUT", "/api/poll", `{"interval_ms":1000}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"enabled":true,"interval_ms":1000}`, w.Body.String())

	w = do(t, srv, "PUT", "/api/poll", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, console.PollConfig{Enabled: false, Interval: time.Second}, fc.PollConfig())

	w = do(t, srv, "PUT", "/api/poll", `{"interval_ms":10}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, time.Second, fc.PollConfig().Interval)
}

func TestAPIReset(t *testing.T) {
	srv, fc := setupTestServer(t)

	w := do(t, srv, "POST", "/api/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, fc.resets)
}

func TestAPIVersion(t *testing.T) {
	srv, _ := setupTestServer(t, WithVersion("1.2.3"))

	w := do(t, srv, "GET", "/api/version", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"version":"1.2.3"}`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(t, srv, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)

	srv, _ = setupTestServer(t, WithMetrics(false))
	w = do(t, srv, "GET", "/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret-key"))

	tests := []struct {
		name string
		key  string
		path string
		want int
	}{
		{"correct key", "secret-key", "/api/snapshot", http.StatusOK},
		{"missing key", "", "/api/snapshot", http.StatusUnauthorized},
		{"wrong key", "wrong-key", "/api/snapshot", http.StatusUnauthorized},
		{"metrics are open", "", "/metrics", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	srv, _ := setupTestServer(t, WithAllowedOrigins([]string{"http://console.local"}))

	req := httptest.NewRequest("OPTIONS", "/api/reset", nil)
	req.Header.Set("Origin", "http://console.local")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://console.local", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("POST", "/api/reset", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Reads are not origin-checked.
	req = httptest.NewRequest("GET", "/api/snapshot", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServerStopUnsubscribes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	fc := newFakeConsole()
	srv := NewServer(fc, logger)
	assert.Equal(t, 1, fc.subscribers())

	srv.Stop()
	assert.Equal(t, 0, fc.subscribers())
}
