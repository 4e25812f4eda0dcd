package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

var severityEmoji = map[Severity]string{
	SeverityInfo:     ":information_source:",
	SeverityWarning:  ":warning:",
	SeverityCritical: ":rotating_light:",
	SeverityBlocking: ":octagonal_sign:",
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackPayload struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

// Slack posts notifications to a Slack incoming webhook using block
// formatting
type Slack struct {
	webhookURL string
	client     *http.Client
}

// NewSlack creates a Slack notifier with a default HTTP client
func NewSlack(webhookURL string) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NewSlackWithClient creates a Slack notifier with a custom HTTP client
func NewSlackWithClient(webhookURL string, client *http.Client) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		client:     client,
	}
}

// Notify posts the notification to the Slack webhook
func (s *Slack) Notify(ctx context.Context, n Notification) error {
	payload := s.buildPayload(n)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	return nil
}

func (s *Slack) buildPayload(n Notification) slackPayload {
	emoji := severityEmoji[n.Severity]
	if emoji == "" {
		emoji = ":bell:"
	}

	blocks := []slackBlock{
		{
			Type: "section",
			Text: &slackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("%s *%s*", emoji, n.Title),
			},
		},
	}

	fields := []slackText{
		{Type: "mrkdwn", Text: fmt.Sprintf("*Run:*\n`%s`", n.RunID)},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Task:*\n`%s`", n.TaskID)},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Severity:*\n%s", n.Severity)},
	}
	for _, k := range sortedKeys(n.Fields) {
		fields = append(fields, slackText{
			Type: "mrkdwn",
			Text: fmt.Sprintf("*%s:*\n%s", k, n.Fields[k]),
		})
	}
	blocks = append(blocks, slackBlock{Type: "section", Fields: fields})

	if n.Message != "" {
		blocks = append(blocks, slackBlock{
			Type: "section",
			Text: &slackText{Type: "mrkdwn", Text: n.Message},
		})
	}

	return slackPayload{
		Text:   fmt.Sprintf("%s %s", emoji, n.Title),
		Blocks: blocks,
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Name returns "slack"
func (s *Slack) Name() string {
	return "slack"
}
