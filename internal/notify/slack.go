// Package notify posts alert and sync notifications to a Slack incoming webhook.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"funnelsync/internal/alerts"
	"funnelsync/internal/config"
	"funnelsync/internal/metrics"
)

// Message is a Slack incoming-webhook payload.
type Message struct {
	Text    string  `json:"text,omitempty"`
	Channel string  `json:"channel,omitempty"`
	Blocks  []Block `json:"blocks,omitempty"`
}

// Block is a Block Kit layout block.
type Block struct {
	Type     string    `json:"type"`
	Text     *Text     `json:"text,omitempty"`
	Fields   []Text    `json:"fields,omitempty"`
	Elements []Element `json:"elements,omitempty"`
}

// Text is a Block Kit text object.
type Text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Element is a Block Kit button.
type Element struct {
	Type  string `json:"type"`
	Text  Text   `json:"text"`
	URL   string `json:"url,omitempty"`
	Style string `json:"style,omitempty"`
}

// Slack sends messages to one webhook URL.
type Slack struct {
	webhookURL string
	channel    string
	appURL     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSlack returns a sender. An empty webhookURL makes every send fail with
// config.ErrNotConfigured.
func NewSlack(webhookURL, channel, appURL string, logger *slog.Logger) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		channel:    channel,
		appURL:     strings.TrimRight(appURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Configured reports whether a webhook URL is set.
func (s *Slack) Configured() bool {
	return s.webhookURL != ""
}

// Send posts msg once; a failed delivery is returned, not retried.
func (s *Slack) Send(ctx context.Context, msg Message) error {
	if !s.Configured() {
		return fmt.Errorf("SLACK_WEBHOOK_URL: %w", config.ErrNotConfigured)
	}
	if msg.Channel == "" {
		msg.Channel = s.channel
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("Slack API error: %s", resp.Status)
	}
	return nil
}

// SendAlert formats and posts one alert.
func (s *Slack) SendAlert(ctx context.Context, alert alerts.Alert) error {
	if err := s.Send(ctx, FormatAlert(alert, s.appURL)); err != nil {
		return err
	}
	metrics.AlertsSent.WithLabelValues(string(alert.Severity)).Inc()
	s.logger.Info("Alert sent to Slack",
		slog.String("type", string(alert.Type)),
		slog.String("severity", string(alert.Severity)))
	return nil
}

// SendSyncFailure posts a short notice about a failed batch run.
func (s *Slack) SendSyncFailure(ctx context.Context, runID string, syncErr error) error {
	return s.Send(ctx, Message{
		Text: fmt.Sprintf(":x: Embeddables sync failed (run %s): %v", runID, syncErr),
	})
}

// NotifySyncFailure reports a failed sync run when a webhook is configured. Delivery
// errors are logged and dropped so they never mask syncErr.
func (s *Slack) NotifySyncFailure(ctx context.Context, runID string, syncErr error) {
	if !s.Configured() {
		return
	}
	if err := s.SendSyncFailure(ctx, runID, syncErr); err != nil {
		s.logger.Warn("Failed to notify sync failure", slog.String("run_id", runID), slog.Any("error", err))
	}
}

func severityEmoji(severity alerts.Severity) string {
	switch severity {
	case alerts.SeverityCritical:
		return ":rotating_light:"
	case alerts.SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

// FormatAlert renders an alert as Block Kit blocks with links back to the dashboard.
func FormatAlert(alert alerts.Alert, appURL string) Message {
	scope := Text{Type: "mrkdwn", Text: "*Type:*\nOverall Funnel"}
	stepParam := "all"
	if alert.StepName != "" {
		scope.Text = fmt.Sprintf("*Step:*\nStep %d - %s", alert.StepNumber, alert.StepName)
		stepParam = fmt.Sprintf("%d", alert.StepNumber)
	}

	sign := ""
	if alert.PercentageChange > 0 {
		sign = "+"
	}
	metricsText := fmt.Sprintf("*Metrics:*\n• Current: %.1f%%\n• Previous day: %.1f%%\n• 7-day average: %.1f%%\n• Change: %s%.1f%% vs yesterday",
		alert.CurrentValue, alert.PreviousDayValue, alert.SevenDayAverage, sign, alert.PercentageChange)
	if alert.Type == alerts.TypeVolume {
		metricsText = fmt.Sprintf("*Metrics:*\n• Current: %.0f starts\n• Previous day: %.0f\n• 7-day average: %.1f\n• Change: %s%.1f%% vs yesterday",
			alert.CurrentValue, alert.PreviousDayValue, alert.SevenDayAverage, sign, alert.PercentageChange)
	}

	blocks := []Block{
		{
			Type: "header",
			Text: &Text{
				Type: "plain_text",
				Text: fmt.Sprintf("%s %s ALERT: %s", severityEmoji(alert.Severity), strings.ToUpper(string(alert.Severity)), alert.Message),
			},
		},
		{
			Type: "section",
			Fields: []Text{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Funnel:*\n%s", alert.FunnelName)},
				scope,
			},
		},
		{
			Type: "section",
			Text: &Text{Type: "mrkdwn", Text: metricsText},
		},
	}

	if alert.Recommendation != "" {
		blocks = append(blocks, Block{
			Type: "section",
			Text: &Text{Type: "mrkdwn", Text: fmt.Sprintf("*Recommendation:*\n%s", alert.Recommendation)},
		})
	}

	blocks = append(blocks, Block{
		Type: "actions",
		Elements: []Element{
			{
				Type: "button",
				Text: Text{Type: "plain_text", Text: "View Dashboard"},
				URL:  fmt.Sprintf("%s/dashboard/%d?step=%s", appURL, alert.FunnelID, stepParam),
			},
			{
				Type:  "button",
				Text:  Text{Type: "plain_text", Text: "Acknowledge Alert"},
				URL:   fmt.Sprintf("%s/dashboard/alerts?id=%s", appURL, alert.ID),
				Style: "primary",
			},
		},
	})

	return Message{
		Text:   fmt.Sprintf("%s ALERT: %s", strings.ToUpper(string(alert.Severity)), alert.Message),
		Blocks: blocks,
	}
}
