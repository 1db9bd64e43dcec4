package signals

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"campaign-loop/internal/campaign"
)

const (
	anomalyPath  = "/anomaly"
	affinityPath = "/affinity"
	timingPath   = "/timing"
)

// HTTPOptions parameterise the scoring service client.
type HTTPOptions struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	UserAgent string
}

// HTTPClient talks to the JSON scoring services. One client serves all three
// capabilities; deployments that split them use one client per base URL.
type HTTPClient struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPClient constructs a scoring service client.
func NewHTTPClient(opts HTTPOptions, logger zerolog.Logger) *HTTPClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		opts:    opts,
		logger:  logger.With().Str("component", "signal_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

type scoreRequest struct {
	CampaignID  string `json:"campaign_id"`
	CycleID     string `json:"cycle_id"`
	Impressions int64  `json:"impressions"`
	Clicks      int64  `json:"clicks"`
	Conversions int64  `json:"conversions"`
	Spend       string `json:"spend"`
	Revenue     string `json:"revenue"`
	ROAS        string `json:"roas"`
	CPA         string `json:"cpa"`
}

type anomalyResponse struct {
	Detected        *bool    `json:"detected"`
	Type            string   `json:"type"`
	Confidence      *float64 `json:"confidence"`
	CooldownSeconds *int64   `json:"cooldown_seconds"`
}

type affinityResponse struct {
	Score     *float64 `json:"score"`
	ClusterID string   `json:"cluster_id"`
}

type timingResponse struct {
	RecommendedHour *int     `json:"recommended_hour"`
	Confidence      *float64 `json:"confidence"`
}

// DetectAnomaly calls the anomaly endpoint.
func (c *HTTPClient) DetectAnomaly(ctx context.Context, sample campaign.MetricSample) (campaign.AnomalySignal, error) {
	var res anomalyResponse
	if err := c.post(ctx, anomalyPath, sample, &res); err != nil {
		return campaign.AnomalySignal{}, err
	}
	if res.Confidence == nil || res.Detected == nil {
		return campaign.AnomalySignal{}, errors.New("anomaly response missing detected/confidence")
	}
	out := campaign.AnomalySignal{Detected: *res.Detected, Type: res.Type, Confidence: *res.Confidence}
	if res.CooldownSeconds != nil {
		out.CooldownSeconds = *res.CooldownSeconds
	} else if out.Detected {
		return campaign.AnomalySignal{}, errors.New("anomaly response missing cooldown_seconds")
	}
	return out, nil
}

// ScoreAffinity calls the affinity endpoint.
func (c *HTTPClient) ScoreAffinity(ctx context.Context, sample campaign.MetricSample) (campaign.AffinitySignal, error) {
	var res affinityResponse
	if err := c.post(ctx, affinityPath, sample, &res); err != nil {
		return campaign.AffinitySignal{}, err
	}
	if res.Score == nil {
		return campaign.AffinitySignal{}, errors.New("affinity response missing score")
	}
	return campaign.AffinitySignal{Score: *res.Score, ClusterID: res.ClusterID}, nil
}

// PredictTiming calls the posting-time endpoint.
func (c *HTTPClient) PredictTiming(ctx context.Context, sample campaign.MetricSample) (campaign.TimingSignal, error) {
	var res timingResponse
	if err := c.post(ctx, timingPath, sample, &res); err != nil {
		return campaign.TimingSignal{}, err
	}
	if res.RecommendedHour == nil || res.Confidence == nil {
		return campaign.TimingSignal{}, errors.New("timing response missing recommended_hour/confidence")
	}
	return campaign.TimingSignal{RecommendedHour: *res.RecommendedHour, Confidence: *res.Confidence}, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, sample campaign.MetricSample, out any) error {
	if c.baseURL == "" {
		return errors.New("signal service url not configured")
	}

	body, err := json.Marshal(scoreRequest{
		CampaignID:  sample.CampaignID,
		CycleID:     sample.CycleID,
		Impressions: sample.Impressions,
		Clicks:      sample.Clicks,
		Conversions: sample.Conversions,
		Spend:       sample.Spend.String(),
		Revenue:     sample.Revenue.String(),
		ROAS:        sample.ROAS.String(),
		CPA:         sample.CPA.String(),
	})
	if err != nil {
		return fmt.Errorf("marshal score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send score request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read score response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signal service %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode score response: %w", err)
	}
	return nil
}

var (
	_ AnomalyDetector = (*HTTPClient)(nil)
	_ AffinityScorer  = (*HTTPClient)(nil)
	_ TimingPredictor = (*HTTPClient)(nil)
)
