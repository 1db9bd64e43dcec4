package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-loop/internal/dispatch"
)

func newTestClient(url string) *Client {
	return NewClient(Options{Name: "ads", BaseURL: url, Token: "secret", Timeout: time.Second}, zerolog.Nop())
}

func TestGetMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/campaigns/c%2F1/insights", r.URL.EscapedPath())
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"campaign_id": "c/1",
			"impressions": 1000,
			"clicks":      40,
			"conversions": 5,
			"spend":       "80.50",
			"revenue":     "201.25",
		})
	}))
	defer srv.Close()

	sample, err := newTestClient(srv.URL).GetMetrics(context.Background(), "c/1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), sample.Impressions)
	assert.Equal(t, int64(5), sample.Conversions)
	assert.True(t, sample.Spend.Equal(decimal.RequireFromString("80.50")))
	assert.True(t, sample.Revenue.Equal(decimal.RequireFromString("201.25")))
}

func TestGetMetricsMissingFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"impressions": 10})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetMetrics(context.Background(), "c1")
	assert.Error(t, err)
}

func TestGetMetricsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "rate limited"})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).GetMetrics(context.Background(), "c1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Contains(t, err.Error(), "429")
}

func TestUpdateBudget(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/campaigns/c1/budget", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"daily_budget":"120.00"}`))
	}))
	defer srv.Close()

	raw, err := newTestClient(srv.URL).UpdateBudget(context.Background(), "c1", decimal.NewFromInt(20))
	require.NoError(t, err)
	assert.Equal(t, "20.00", got["delta"])
	assert.JSONEq(t, `{"daily_budget":"120.00"}`, string(raw))
}

func TestPauseResume(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	raw, err := c.Pause(context.Background(), "c1")
	require.NoError(t, err)
	assert.Nil(t, raw)
	_, err = c.Resume(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"/campaigns/c1/pause", "/campaigns/c1/resume"}, paths)
}

func TestClientWithoutBaseURL(t *testing.T) {
	_, err := newTestClient("").Pause(context.Background(), "c1")
	assert.Error(t, err)
}

func TestPublisher(t *testing.T) {
	var got dispatch.PublishRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/publications", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"pub-1"}`))
	}))
	defer srv.Close()

	at := time.Date(2026, 9, 1, 18, 0, 0, 0, time.UTC)
	p := NewPublisher(Options{BaseURL: srv.URL}, zerolog.Nop())
	_, err := p.Publish(context.Background(), dispatch.PublishRequest{CampaignID: "c1", CycleID: "cy", Action: "scale_up", PublishAt: at})
	require.NoError(t, err)
	assert.Equal(t, "c1", got.CampaignID)
	assert.True(t, got.PublishAt.Equal(at))
	assert.Equal(t, "content", p.Name())
}

func TestTargetCapabilities(t *testing.T) {
	assert.Equal(t, []string{"budget", "status"}, dispatch.NewTarget("ads", newTestClient("http://x")).Capabilities())
	assert.Equal(t, []string{"publish"}, dispatch.NewTarget("video", NewPublisher(Options{}, zerolog.Nop())).Capabilities())
}
