package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// AlertClient posts operator notifications to a chat webhook
type AlertClient struct {
	webhookURL string
	httpClient *http.Client
}

func NewAlertClient(webhookURL string) *AlertClient {
	return &AlertClient{
		webhookURL: webhookURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send delivers one message. With no webhook configured it is a no-op.
func (c *AlertClient) Send(ctx context.Context, title, body string) error {
	if c.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(map[string]string{
		"content": "**" + title + "**\n" + body,
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode}
	}
	return nil
}
