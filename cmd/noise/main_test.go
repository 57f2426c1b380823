package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/noise.report/internal/api"
	"github.com/banshee-data/noise.report/internal/config"
	"github.com/banshee-data/noise.report/internal/fsutil"
	"github.com/banshee-data/noise.report/internal/slice"
	"github.com/banshee-data/noise.report/internal/stream"
	"github.com/banshee-data/noise.report/internal/timeutil"
)

// TestFlagDefaults verifies the flags that a bare `noise` invocation relies on.
func TestFlagDefaults(t *testing.T) {
	if listen == nil || dbPath == nil || sourceKind == nil {
		t.Fatal("core flags not defined")
	}
	if *listen != ":8080" {
		t.Errorf("expected listen default :8080, got %q", *listen)
	}
	if *dbPath != "noise.db" {
		t.Errorf("expected db default noise.db, got %q", *dbPath)
	}
	if *sourceKind != "command" {
		t.Errorf("expected source default command, got %q", *sourceKind)
	}
	if *devMode {
		t.Error("expected dev mode to be off by default")
	}
	if *watchInterval != config.DefaultWatchInterval {
		t.Errorf("expected watch interval %v, got %v", config.DefaultWatchInterval, *watchInterval)
	}
	if *settingsPath != "" {
		t.Errorf("expected no settings file by default, got %q", *settingsPath)
	}
}

// setFlag overrides a flag value for the duration of the test.
func setFlag[T any](t *testing.T, p *T, v T) {
	t.Helper()
	old := *p
	*p = v
	t.Cleanup(func() { *p = old })
}

func TestNewFactory(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC))

	tests := []struct {
		name    string
		kind    string
		setup   func(t *testing.T)
		wantErr bool
	}{
		{name: "command", kind: "command"},
		{name: "ffmpeg command", kind: "command", setup: func(t *testing.T) { setFlag(t, captureCmd, "ffmpeg") }},
		{name: "unknown capture command", kind: "command", setup: func(t *testing.T) { setFlag(t, captureCmd, "sox") }, wantErr: true},
		{name: "serial", kind: "serial"},
		{name: "serial without port", kind: "serial", setup: func(t *testing.T) { setFlag(t, port, "") }, wantErr: true},
		{name: "udp", kind: "udp"},
		{name: "udp without address", kind: "udp", setup: func(t *testing.T) { setFlag(t, udpAddr, "") }, wantErr: true},
		{name: "pcap without file", kind: "pcap", wantErr: true},
		{name: "pcap", kind: "pcap", setup: func(t *testing.T) { setFlag(t, pcapFile, "capture.pcap") }},
		{name: "synthetic", kind: "synthetic"},
		{name: "unknown", kind: "microphone", wantErr: true},
		{name: "dev mode overrides kind", kind: "microphone", setup: func(t *testing.T) { setFlag(t, devMode, true) }},
		{name: "bad sample rate", kind: "synthetic", setup: func(t *testing.T) { setFlag(t, sampleRate, 10) }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup(t)
			}
			f, err := newFactory(tt.kind, clock)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, f)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, f)
		})
	}
}

func TestDevModeFactoryProducesAudio(t *testing.T) {
	setFlag(t, devMode, true)
	clock := timeutil.NewMockClock(time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC))

	f, err := newFactory("command", clock)
	require.NoError(t, err)

	src, err := f(context.Background())
	require.NoError(t, err)
	defer src.Close()

	buf := make([]float64, 256)
	assert.Equal(t, len(buf), src.ReadBlock(buf))
}

func TestLoadSettingsWithoutFile(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	s, w, err := loadSettings(fsys, "")
	require.NoError(t, err)
	assert.Nil(t, w)
	assert.Equal(t, config.DefaultMaxLevelDb, s.GetMaxLevelDb())
}

func TestLoadSettingsCreatesMissingFile(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	s, w, err := loadSettings(fsys, "/etc/noise/settings.yaml")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "/etc/noise/settings.yaml", w.Path())
	assert.Equal(t, config.DefaultMaxLevelDb, s.GetMaxLevelDb())

	data, err := fsys.ReadFile("/etc/noise/settings.yaml")
	require.NoError(t, err)
	saved, err := config.Decode(data, config.FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultRetentionDays, saved.GetRetentionDays())
}

func TestLoadSettingsReadsExistingFile(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, fsys.WriteFile("/etc/noise/settings.json", []byte(`{"max_level_db": 72}`), 0o644))

	s, w, err := loadSettings(fsys, "/etc/noise/settings.json")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, 72.0, s.GetMaxLevelDb())
	assert.Equal(t, config.DefaultAvgWindowSec, s.GetAvgWindowSec())
}

func TestLoadSettingsRejectsInvalidFile(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, fsys.WriteFile("/etc/noise/settings.json", []byte(`{"max_level_db": 500}`), 0o644))

	_, _, err := loadSettings(fsys, "/etc/noise/settings.json")
	assert.Error(t, err)
}

func TestPrintSnapshot(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

	t.Run("idle", func(t *testing.T) {
		var buf bytes.Buffer
		printSnapshot(&buf, stream.Snapshot{Status: stream.StatusQuiet, MaxLevelDb: 60})
		out := buf.String()
		assert.Contains(t, out, "status:        quiet")
		assert.Contains(t, out, "max level:     60.0 dB")
		assert.Contains(t, out, "latest slice:  none")
		assert.NotContains(t, out, "realtime:")
	})

	t.Run("with slice and error", func(t *testing.T) {
		var buf bytes.Buffer
		printSnapshot(&buf, stream.Snapshot{
			Status:            stream.StatusError,
			Error:             "no usable audio input",
			ShowRealtimeDb:    true,
			RealtimeDisplayDb: 48.31,
			RealtimeDbfs:      -51.75,
			MaxLevelDb:        60,
			LatestSlice:       &slice.Summary{Start: start, End: start.Add(30 * time.Second), Score: 42},
		})
		out := buf.String()
		assert.Contains(t, out, "error:         no usable audio input")
		assert.Contains(t, out, "realtime:      48.3 dB (-51.75 dBFS)")
		assert.Contains(t, out, "score 42")
	})
}

func TestRunStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/snapshot" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stream.Snapshot{Status: stream.StatusNoisy, MaxLevelDb: 55})
	}))
	defer ts.Close()

	var buf bytes.Buffer
	err := runStatus(context.Background(), &buf, api.NewClient(ts.URL, ts.Client()))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "status:        noisy")
	assert.Contains(t, buf.String(), "max level:     55.0 dB")
}

func TestRunStatusServerDown(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()

	var buf bytes.Buffer
	err := runStatus(context.Background(), &buf, api.NewClient(ts.URL, ts.Client()))
	assert.Error(t, err)
	assert.Empty(t, buf.String())
}
