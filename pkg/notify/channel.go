// Package notify delivers alert notifications to email, Slack and generic
// webhooks.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/beak-insights/BeakDashX/pkg/models"
)

// Message kinds
const (
	KindTriggered = "triggered"
	KindResolved  = "resolved"
)

// Message is the rendered notification for one alert change
type Message struct {
	Kind      string
	Subject   string
	Text      string
	QueryID   int64
	QueryName string
	ResultID  *int64
	Alert     *models.Alert
	Metrics   map[string]any
	SentAt    time.Time
}

// NewMessage renders the notification of an alert change
func NewMessage(kind string, q *models.Query, a *models.Alert, result *models.ExecutionResult) Message {
	m := Message{
		Kind:      kind,
		QueryID:   q.ID,
		QueryName: q.Name,
		Alert:     a,
		SentAt:    time.Now().UTC(),
	}
	if result != nil {
		if result.ID != 0 {
			id := result.ID
			m.ResultID = &id
		}
		m.Metrics = result.Metrics
	}

	severity := strings.ToUpper(string(a.Severity))
	var text strings.Builder
	switch kind {
	case KindResolved:
		m.Subject = fmt.Sprintf("[RESOLVED] %s: %s", q.Name, a.Name)
		fmt.Fprintf(&text, "Alert %q on query %q is resolved.\n", a.Name, q.Name)
	default:
		m.Subject = fmt.Sprintf("[%s] %s: %s", severity, q.Name, a.Name)
		fmt.Fprintf(&text, "Alert %q fired on query %q (severity %s).\n", a.Name, q.Name, a.Severity)
		if a.Description != "" {
			fmt.Fprintf(&text, "%s\n", a.Description)
		}
	}
	if result != nil {
		fmt.Fprintf(&text, "Run at %s: status %s", result.ExecutionTime.Format(time.RFC3339), result.Status)
		if v := result.Verdict(); v != "" {
			fmt.Fprintf(&text, ", verdict %s", v)
		}
		if result.ErrorMessage != "" {
			fmt.Fprintf(&text, ", error: %s", result.ErrorMessage)
		}
		text.WriteString("\n")
	}
	m.Text = text.String()
	return m
}

// Content is the JSON body stored with each notification and posted to
// custom webhooks
func (m Message) Content() map[string]any {
	c := map[string]any{
		"event":     "alert." + m.Kind,
		"subject":   m.Subject,
		"text":      m.Text,
		"queryId":   m.QueryID,
		"queryName": m.QueryName,
		"sentAt":    m.SentAt,
	}
	if m.Alert != nil {
		c["alertId"] = m.Alert.ID
		c["alertName"] = m.Alert.Name
		c["severity"] = m.Alert.Severity
		c["status"] = m.Alert.Status
	}
	if m.ResultID != nil {
		c["executionResultId"] = *m.ResultID
	}
	if len(m.Metrics) > 0 {
		c["metrics"] = m.Metrics
	}
	return c
}

// Channel is one notification transport
type Channel interface {
	Kind() models.Channel
	Send(ctx context.Context, alert *models.Alert, msg Message) error
}

// EmailChannel mails the alert's recipients
type EmailChannel struct {
	Sender EmailSender
}

// Kind implements Channel
func (EmailChannel) Kind() models.Channel { return models.ChannelEmail }

// Send implements Channel
func (c EmailChannel) Send(ctx context.Context, alert *models.Alert, msg Message) error {
	if len(alert.EmailRecipients) == 0 {
		return fmt.Errorf("no email recipients configured")
	}
	if c.Sender == nil {
		return fmt.Errorf("email delivery is not configured")
	}
	return c.Sender.SendEmail(ctx, alert.EmailRecipients, msg.Subject, msg.Text)
}

// SlackChannel posts to the alert's Slack incoming webhook
type SlackChannel struct {
	Sender WebhookSender
}

// Kind implements Channel
func (SlackChannel) Kind() models.Channel { return models.ChannelSlack }

// Send implements Channel
func (c SlackChannel) Send(ctx context.Context, alert *models.Alert, msg Message) error {
	if alert.SlackWebhook == "" {
		return fmt.Errorf("no slack webhook configured")
	}
	if c.Sender == nil {
		return fmt.Errorf("slack delivery is not configured")
	}
	return c.Sender.SendWebhook(ctx, alert.SlackWebhook, map[string]string{
		"text": fmt.Sprintf("*%s*\n%s", msg.Subject, msg.Text),
	})
}

// WebhookChannel posts the message content to the alert's custom webhook
type WebhookChannel struct {
	Sender WebhookSender
}

// Kind implements Channel
func (WebhookChannel) Kind() models.Channel { return models.ChannelWebhook }

// Send implements Channel
func (c WebhookChannel) Send(ctx context.Context, alert *models.Alert, msg Message) error {
	if alert.CustomWebhook == "" {
		return fmt.Errorf("no custom webhook configured")
	}
	if c.Sender == nil {
		return fmt.Errorf("webhook delivery is not configured")
	}
	return c.Sender.SendWebhook(ctx, alert.CustomWebhook, msg.Content())
}
