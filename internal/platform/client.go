package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"campaign-loop/internal/campaign"
	"campaign-loop/internal/collector"
	"campaign-loop/internal/dispatch"
)

// Options parameterise an ad-platform client.
type Options struct {
	Name      string
	BaseURL   string
	Token     string
	Timeout   time.Duration
	UserAgent string
}

// Client is the JSON/HTTP adapter for an ad platform's insights and
// campaign-management endpoints.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

var (
	_ collector.MetricsSource = (*Client)(nil)
	_ dispatch.BudgetExecutor = (*Client)(nil)
	_ dispatch.StatusExecutor = (*Client)(nil)
)

// NewClient constructs a platform client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "ads"
	}
	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "platform_client").Str("platform", opts.Name).Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Name identifies the platform in dispatch results.
func (c *Client) Name() string { return c.opts.Name }

type insightsResponse struct {
	CampaignID  string           `json:"campaign_id"`
	Timestamp   *time.Time       `json:"timestamp"`
	Impressions *int64           `json:"impressions"`
	Clicks      *int64           `json:"clicks"`
	Conversions *int64           `json:"conversions"`
	Spend       *decimal.Decimal `json:"spend"`
	Revenue     *decimal.Decimal `json:"revenue"`
}

// GetMetrics reads the latest insights window for a campaign.
func (c *Client) GetMetrics(ctx context.Context, campaignID string) (campaign.MetricSample, error) {
	var res insightsResponse
	if _, err := c.do(ctx, http.MethodGet, campaignPath(campaignID, "insights"), nil, &res); err != nil {
		return campaign.MetricSample{}, err
	}
	if res.Impressions == nil || res.Clicks == nil || res.Conversions == nil || res.Spend == nil || res.Revenue == nil {
		return campaign.MetricSample{}, errors.New("insights response missing required fields")
	}

	sample := campaign.MetricSample{
		CampaignID:  res.CampaignID,
		Impressions: *res.Impressions,
		Clicks:      *res.Clicks,
		Conversions: *res.Conversions,
		Spend:       *res.Spend,
		Revenue:     *res.Revenue,
	}
	if res.Timestamp != nil {
		sample.Timestamp = res.Timestamp.UTC()
	}
	return sample, nil
}

type budgetRequest struct {
	Delta string `json:"delta"`
}

// UpdateBudget applies a relative change to the campaign's daily budget.
func (c *Client) UpdateBudget(ctx context.Context, campaignID string, delta decimal.Decimal) (json.RawMessage, error) {
	raw, err := c.do(ctx, http.MethodPost, campaignPath(campaignID, "budget"), budgetRequest{Delta: delta.StringFixed(2)}, nil)
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("campaign_id", campaignID).Str("delta", delta.StringFixed(2)).Msg("budget updated")
	return raw, nil
}

// Pause stops delivery.
func (c *Client) Pause(ctx context.Context, campaignID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, campaignPath(campaignID, "pause"), struct{}{}, nil)
}

// Resume restarts delivery.
func (c *Client) Resume(ctx context.Context, campaignID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, campaignPath(campaignID, "resume"), struct{}{}, nil)
}

func campaignPath(campaignID, action string) string {
	return "/campaigns/" + url.PathEscape(campaignID) + "/" + action
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) (json.RawMessage, error) {
	if c.baseURL == "" {
		return nil, errors.New("platform base url not configured")
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "campaignloop/1.0")
	}
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseHTTPError(c.opts.Name, resp.StatusCode, payloadBytes)
	}

	if out != nil {
		if err := json.Unmarshal(payloadBytes, out); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	if len(bytes.TrimSpace(payloadBytes)) == 0 {
		return nil, nil
	}
	if !json.Valid(payloadBytes) {
		return nil, fmt.Errorf("%s returned non-JSON body", path)
	}
	return json.RawMessage(payloadBytes), nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func parseHTTPError(name string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("%s api error (%d): %s", name, status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("%s api error (%d): %s", name, status, apiErr.Error)
		}
		if apiErr.Code != "" {
			return fmt.Errorf("%s api error (%d): %s", name, status, apiErr.Code)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", name, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", name, status)
}
