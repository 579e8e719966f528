// Package notify delivers escalation notifications to responder roles
// over the configured channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Notifier delivers a notification to a set of roles.
type Notifier interface {
	Notify(ctx context.Context, roles []string, payload map[string]any) error
}

// LogNotifier writes notifications to the structured log. Used in
// development and as the fallback channel.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, roles []string, payload map[string]any) error {
	slog.Info("notification",
		"roles", roles,
		"incident_id", payload["incident_id"],
		"severity", payload["severity"],
		"level", payload["level"],
		"reason", payload["reason"])
	return nil
}

// WebhookNotifier posts the notification as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string, headers map[string]string) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, roles []string, payload map[string]any) error {
	body := map[string]any{
		"roles":   roles,
		"payload": payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// SlackNotifier posts notifications to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

// NewSlackNotifier creates a Slack notifier.
func NewSlackNotifier(webhookURL, channel, username string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *SlackNotifier) Notify(ctx context.Context, roles []string, payload map[string]any) error {
	severity, _ := payload["severity"].(string)
	title, _ := payload["title"].(string)
	reason, _ := payload["reason"].(string)

	body := map[string]any{
		"channel":  s.channel,
		"username": s.username,
		"attachments": []map[string]any{
			{
				"color": severityColor(severity),
				"title": fmt.Sprintf("[%s] %s", strings.ToUpper(severity), title),
				"text":  reason,
				"fields": []map[string]any{
					{"title": "Escalation level", "value": fmt.Sprintf("%v", payload["level"]), "short": true},
					{"title": "Notify", "value": strings.Join(roles, ", "), "short": true},
				},
				"footer": fmt.Sprintf("Incident: %v", payload["incident_id"]),
				"ts":     time.Now().Unix(),
			},
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func severityColor(severity string) string {
	switch severity {
	case "critical":
		return "#FF0000"
	case "high":
		return "#FFA500"
	case "medium":
		return "#FFFF00"
	case "low":
		return "#00FF00"
	default:
		return "#808080"
	}
}

// Multi fans a notification out to several notifiers. Delivery failures
// are collected; one broken channel does not block the others.
type Multi struct {
	notifiers []Notifier
}

// NewMulti creates a fan-out notifier.
func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

func (m *Multi) Notify(ctx context.Context, roles []string, payload map[string]any) error {
	var errs []string
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, roles, payload); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d channel(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
