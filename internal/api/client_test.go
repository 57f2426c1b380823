package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/noise.report/internal/config"
	"github.com/banshee-data/noise.report/internal/httputil"
	"github.com/banshee-data/noise.report/internal/stream"
)

func TestClientAgainstServer(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.ServeMux())
	defer ts.Close()

	ctx := context.Background()
	c := NewClient(ts.URL+"/", nil)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, stream.StatusInitializing, snap.Status)

	env.store.Append(ctx, summaryEnding(base.Add(time.Minute)))
	env.store.Append(ctx, summaryEnding(base.Add(2*time.Minute)))
	list, err := c.Slices(ctx, base.Add(100*time.Second), time.Time{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].End.Equal(base.Add(2*time.Minute)))

	maxLevel := 66.0
	settings, err := c.ChangeSettings(ctx, config.EventMaxLevel, &config.Settings{MaxLevelDb: &maxLevel})
	require.NoError(t, err)
	assert.Equal(t, 66.0, settings.GetMaxLevelDb())

	settings, err = c.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 66.0, settings.GetMaxLevelDb())

	_, err = c.ChangeSettings(ctx, config.EventMaxLevel, &config.Settings{SliceSec: new(int)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")

	require.NoError(t, c.Restart(ctx))
	require.NoError(t, c.ClearHistory(ctx))
	list, err = c.Slices(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	mock := httputil.NewMockHTTPClient().
		AddErrorResponse(errors.New("connection refused")).
		AddResponse(http.StatusInternalServerError, "oops").
		AddResponse(http.StatusOK, "not json")
	c := NewClient("http://noise.local", mock)

	_, err := c.Snapshot(ctx)
	assert.ErrorContains(t, err, "connection refused")

	_, err = c.Snapshot(ctx)
	assert.ErrorContains(t, err, "unexpected status 500")

	_, err = c.Snapshot(ctx)
	assert.ErrorContains(t, err, "decoding response")

	req, body := mock.Request(0)
	assert.Equal(t, "/api/snapshot", req.URL.Path)
	assert.Empty(t, body)
}

func TestClientSlicesQuery(t *testing.T) {
	mock := httputil.NewMockHTTPClient().AddResponse(http.StatusOK, "[]")
	c := NewClient("http://noise.local", mock)

	from := time.UnixMilli(1000)
	to := time.UnixMilli(5000)
	list, err := c.Slices(context.Background(), from, to)
	require.NoError(t, err)
	assert.Empty(t, list)

	req, _ := mock.Request(0)
	assert.Equal(t, "1000", req.URL.Query().Get("from"))
	assert.Equal(t, "5000", req.URL.Query().Get("to"))
}
