package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Mailer delivers a message to one recipient. Delivery mechanics are not this
// service's concern.
type Mailer interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// MailRelayClient posts messages to an HTTP mail relay.
type MailRelayClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewMailRelayClient(baseURL, token string) *MailRelayClient {
	return &MailRelayClient{
		BaseURL: baseURL,
		Token:   token,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type relayMessage struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// SendEmail calls POST /send on the relay
func (c *MailRelayClient) SendEmail(ctx context.Context, to, subject, body string) error {
	url := fmt.Sprintf("%s/send", c.BaseURL)

	jsonData, err := json.Marshal(relayMessage{To: to, Subject: subject, Text: body})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mail relay returned %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

// LogMailer only records that a message would have been sent. The body is not
// logged since it carries the passcode.
type LogMailer struct {
	Log *slog.Logger
}

func (m LogMailer) SendEmail(ctx context.Context, to, subject, body string) error {
	logger := m.Log
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("email delivery skipped, no relay configured", "to", to, "subject", subject)
	return nil
}
