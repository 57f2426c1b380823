package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/noise.report/internal/audio"
	"github.com/banshee-data/noise.report/internal/config"
	"github.com/banshee-data/noise.report/internal/history"
	"github.com/banshee-data/noise.report/internal/monitoring"
	"github.com/banshee-data/noise.report/internal/score"
	"github.com/banshee-data/noise.report/internal/slice"
	"github.com/banshee-data/noise.report/internal/stream"
	"github.com/banshee-data/noise.report/internal/timeutil"
)

var base = time.Date(2026, 5, 11, 10, 0, 0, 0, time.UTC)

type silentSource struct{}

func (silentSource) ReadBlock(dst []float64) int { return len(dst) }
func (silentSource) Close() error                { return nil }

func summaryEnding(end time.Time) slice.Summary {
	raw := slice.RawStats{
		AvgDbfs:           -52,
		MaxDbfs:           -40,
		P50Dbfs:           -53,
		P95Dbfs:           -45,
		OverRatioDbfs:     0.1,
		SegmentCount:      2,
		SampledDurationMs: 30000,
	}
	s := slice.Summary{
		Start:   end.Add(-30 * time.Second),
		End:     end,
		Frames:  300,
		Raw:     raw,
		Display: slice.DisplayStats{AvgDb: 48, P95Db: 55},
	}
	s.Score, s.ScoreDetail = score.Compute(raw, 30000, score.DefaultOptions())
	return s
}

type testEnv struct {
	srv   *Server
	svc   *stream.Service
	store *history.Store

	mu    sync.Mutex
	saved []*config.Settings
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	prev := monitoring.Logger()
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })

	env := &testEnv{store: history.New(history.NewMemoryBackend(0))}
	env.svc = stream.New(stream.Options{
		Factory: func(ctx context.Context) (audio.Source, error) { return silentSource{}, nil },
		Store:   env.store,
		Clock:   timeutil.NewMockClock(base),
	})
	t.Cleanup(func() { env.svc.Close() })

	env.srv = NewServer(Options{
		Service: env.svc,
		SaveSettings: func(s *config.Settings) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.saved = append(env.saved, s)
			return nil
		},
		Metrics:   http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, "# metrics") }),
		KeepAlive: time.Hour,
	})
	return env
}

func (env *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	env.srv.ServeMux().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["capture"])

	rec = env.do(t, http.MethodPost, "/healthz", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap stream.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, stream.StatusInitializing, snap.Status)
	assert.Equal(t, config.DefaultMaxLevelDb, snap.MaxLevelDb)
	assert.True(t, snap.ShowRealtimeDb)
	assert.Empty(t, snap.RingBuffer)
	assert.Nil(t, snap.LatestSlice)

	// the raw document uses the camelCase field names
	assert.Contains(t, rec.Body.String(), `"realtimeDisplayDb"`)
	assert.Contains(t, rec.Body.String(), `"ringBuffer":[]`)

	rec = env.do(t, http.MethodDelete, "/api/snapshot", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSlicesRange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		env.store.Append(ctx, summaryEnding(base.Add(time.Duration(i)*time.Minute)))
	}

	rec := env.do(t, http.MethodGet, "/api/slices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list, dropped, err := slice.DecodeList(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Zero(t, dropped)
	assert.Len(t, list, 3)

	from := base.Add(110 * time.Second).UnixMilli()
	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/slices?from=%d", from), "")
	require.Equal(t, http.StatusOK, rec.Code)
	list, _, err = slice.DecodeList(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Len(t, list, 2, "slices ending at +2m and +3m overlap")

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/slices?from=%d&to=%d", from, base.UnixMilli()), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/slices?to=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/slices", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, DELETE", rec.Header().Get("Allow"))
}

func TestSlicesEmptyIsArray(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/slices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestDeleteSlices(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.Append(ctx, summaryEnding(base))

	rec := env.do(t, http.MethodDelete, "/api/slices", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, env.store.Len(ctx))
}

func TestGetSettings(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp settingsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, config.DefaultSettings(), resp.Settings)
	assert.Contains(t, resp.Events, config.EventFileReload)
}

func TestChangeSettings(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/settings/max-level", `{"max_level_db": 72}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp changeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, config.EventMaxLevel, resp.Event)
	assert.Equal(t, 72.0, resp.Settings.GetMaxLevelDb())
	assert.Equal(t, []string{"max_level_db"}, resp.InPlace)
	assert.Equal(t, []string{}, resp.Restart)
	assert.True(t, resp.Persisted)

	env.mu.Lock()
	require.Len(t, env.saved, 1)
	assert.Equal(t, 72.0, env.saved[0].GetMaxLevelDb())
	env.mu.Unlock()

	assert.Equal(t, 72.0, env.svc.Snapshot().MaxLevelDb)
}

func TestChangeSettingsErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"unknown event", http.MethodPost, "/api/settings/volume", `{"max_level_db": 60}`, http.StatusNotFound},
		{"foreign field", http.MethodPost, "/api/settings/max-level", `{"slice_sec": 10}`, http.StatusBadRequest},
		{"out of range", http.MethodPost, "/api/settings/max-level", `{"max_level_db": 500}`, http.StatusBadRequest},
		{"empty", http.MethodPost, "/api/settings/max-level", `{}`, http.StatusBadRequest},
		{"not json", http.MethodPost, "/api/settings/max-level", `max=60`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/api/settings/max-level", ``, http.StatusMethodNotAllowed},
		{"settings post", http.MethodPost, "/api/settings", `{}`, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	env.mu.Lock()
	assert.Empty(t, env.saved)
	env.mu.Unlock()
}

func TestChangeSettingsSaveFailure(t *testing.T) {
	env := newTestEnv(t)
	env.srv.saveSettings = func(*config.Settings) error { return errors.New("read-only filesystem") }

	rec := env.do(t, http.MethodPost, "/api/settings/display-flags", `{"alert_sound_enabled": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp changeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Persisted)
	assert.True(t, env.svc.Snapshot().AlertSoundEnabled)
}

func TestRestart(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/restart", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/restart", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSliceChart(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/debug/slices", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		env.store.Append(ctx, summaryEnding(base.Add(time.Duration(i)*time.Minute)))
	}
	rec = env.do(t, http.MethodGet, "/debug/slices?max_points=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "Noise slices")
	assert.Contains(t, rec.Body.String(), "echarts")

	rec = env.do(t, http.MethodGet, "/debug/slices?from=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type sseEvent struct {
	name string
	data string
}

// readEvents parses a server-sent event stream until it ends.
func readEvents(resp *http.Response) <-chan sseEvent {
	out := make(chan sseEvent, 16)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		var ev sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			case line == "" && ev.name != "":
				out <- ev
				ev = sseEvent{}
			}
		}
	}()
	return out
}

func nextEvent(t *testing.T, events <-chan sseEvent, name string) sseEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream ended before %s", name)
			if ev.name == name {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", name)
		}
	}
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(LoggingMiddleware(env.srv.ServeMux()))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(resp)
	ev := nextEvent(t, events, SnapshotEvent)
	var snap stream.Snapshot
	require.NoError(t, json.Unmarshal([]byte(ev.data), &snap))
	assert.Equal(t, stream.StatusInitializing, snap.Status)
	assert.Equal(t, 1, env.svc.Subscribers())

	env.store.Append(context.Background(), summaryEnding(base))
	ev = nextEvent(t, events, history.UpdatedEvent)
	var u history.Update
	require.NoError(t, json.Unmarshal([]byte(ev.data), &u))
	assert.Equal(t, 1, u.Count)

	cancel()
	require.Eventually(t, func() bool { return env.svc.Subscribers() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestWebSocket(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(LoggingMiddleware(env.srv.ServeMux()))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, SnapshotEvent, msg.Type)
	var snap stream.Snapshot
	require.NoError(t, json.Unmarshal(msg.Data, &snap))
	assert.Equal(t, config.DefaultMaxLevelDb, snap.MaxLevelDb)

	env.store.Append(context.Background(), summaryEnding(base))
	for {
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == history.UpdatedEvent {
			break
		}
	}

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return env.svc.Subscribers() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.ServeMux())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	header := http.Header{"Origin": []string{"https://example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "noise.local:8080", true},
		{"http://noise.local:5173", "noise.local:8080", true},
		{"http://localhost:5173", "10.0.0.2:8080", true},
		{"http://192.168.1.20", "noise.local", true},
		{"https://example.com", "noise.local", false},
		{"://bad", "noise.local", false},
	}
	prev := monitoring.Logger()
	monitoring.SetLogger(nil)
	defer monitoring.SetLogger(prev)
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
		req.Host = tt.host
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, checkOrigin(req), "origin %q host %q", tt.origin, tt.host)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	prev := monitoring.Logger()
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	defer monitoring.SetLogger(prev)

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot?x=1", nil))

	mu.Lock()
	defer mu.Unlock()
	// sessions from earlier tests may still log while they wind down
	var access []string
	for _, l := range lines {
		if strings.Contains(l, "/api/snapshot?x=1") {
			access = append(access, l)
		}
	}
	require.Len(t, access, 1)
	assert.Contains(t, access[0], "418")
	assert.Contains(t, access[0], "GET")
}

func TestStatusCodeColor(t *testing.T) {
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"304"+colorReset, statusCodeColor(304))
	assert.Equal(t, colorBoldRed+"404"+colorReset, statusCodeColor(404))
	assert.Equal(t, colorBoldRed+"503"+colorReset, statusCodeColor(503))
	assert.Equal(t, "101", statusCodeColor(101))
}
