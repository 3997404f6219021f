package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const slackFooter = "Issue Orchestrator"

// SlackNotifier posts run outcomes to an incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// SlackMessage is the incoming-webhook payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment carries the coloured outcome block
type SlackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text,omitempty"`
	Fields []SlackField `json:"fields,omitempty"`
	Footer string       `json:"footer,omitempty"`
	TS     int64        `json:"ts,omitempty"`
}

// SlackField is a short key/value pair rendered under the attachment text
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a notifier for webhookURL. An empty URL disables it.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// SlackColor maps a notification type to an attachment colour
func SlackColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

// BuildSlackMessage renders n as a webhook payload
func BuildSlackMessage(n Notification, now time.Time) SlackMessage {
	att := SlackAttachment{
		Color:  SlackColor(n.Type),
		Title:  n.IssueKey,
		Text:   n.Message,
		Footer: slackFooter,
		TS:     now.Unix(),
	}
	if n.PRURL != "" {
		att.Fields = append(att.Fields, SlackField{
			Title: "Pull request",
			Value: "<" + n.PRURL + "|" + prLabel(n.PRURL) + ">",
			Short: true,
		})
	}
	return SlackMessage{Text: n.Title, Attachments: []SlackAttachment{att}}
}

// prLabel turns ".../pull/7" into "#7"
func prLabel(url string) string {
	i := strings.LastIndex(url, "/pull/")
	if i < 0 {
		return url
	}
	return "#" + url[i+len("/pull/"):]
}

// Send posts n to the webhook
func (s *SlackNotifier) Send(ctx context.Context, n Notification) error {
	if s.webhookURL == "" {
		return nil
	}
	payload, err := json.Marshal(BuildSlackMessage(n, time.Now()))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
