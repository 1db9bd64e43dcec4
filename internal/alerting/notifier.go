package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Kind classifies an operator event.
type Kind string

const (
	KindPendingAuthorization Kind = "pending_authorization"
	KindAuthorizationExpired Kind = "authorization_expired"
	KindDispatchFailed       Kind = "dispatch_failed"
	KindInvariantViolation   Kind = "invariant_violation"
	KindCampaignStopped      Kind = "campaign_stopped"
)

// Notification carries the context of an operator event.
type Notification struct {
	Kind        Kind
	At          time.Time
	CampaignID  string
	CycleID     string
	Action      string
	BudgetDelta decimal.Decimal
	Reason      string
	// Key is the decision key operators use to approve or reject.
	Key    string
	Detail string
}

// Notifier delivers operator events.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// LogNotifier writes events to the log only.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a notifier used when no chat channel is configured.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Info().
		Str("kind", string(note.Kind)).
		Str("campaign_id", note.CampaignID).
		Str("cycle_id", note.CycleID).
		Str("key", note.Key).
		Str("reason", note.Reason).
		Msg("operator event")
	return nil
}

// TelegramNotifier pushes events through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered event.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().
		Str("kind", string(note.Kind)).
		Str("campaign_id", note.CampaignID).
		Msg("operator event sent (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Campaign Loop] %s\n", strings.ReplaceAll(string(note.Kind), "_", " ")))
	builder.WriteString(fmt.Sprintf("Campaign: %s\n", note.CampaignID))
	if !note.At.IsZero() {
		builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	}
	if note.CycleID != "" {
		builder.WriteString(fmt.Sprintf("Cycle: %s\n", note.CycleID))
	}
	if note.Action != "" {
		builder.WriteString(fmt.Sprintf("Action: %s", note.Action))
		if !note.BudgetDelta.IsZero() {
			builder.WriteString(fmt.Sprintf(" (%s)", note.BudgetDelta.StringFixed(2)))
		}
		builder.WriteString("\n")
	}
	if note.Reason != "" {
		builder.WriteString(fmt.Sprintf("Reason: %s\n", note.Reason))
	}
	if note.Key != "" {
		builder.WriteString(fmt.Sprintf("Key: %s\n", note.Key))
	}
	if note.Detail != "" {
		builder.WriteString(note.Detail)
	}
	return builder.String()
}

// Multi fans a notification out to several notifiers and returns the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, note Notification) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
