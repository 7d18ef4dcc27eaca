package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PortNumber53/entitlement-engine/backend/internal/worker"
)

const linePushURL = "https://api.line.me/v2/bot/message/push"

// LineDispatcher pushes text messages through the LINE Messaging API. The
// account id is the LINE user id.
type LineDispatcher struct {
	token      string
	endpoint   string
	httpClient *http.Client
}

// NewLineDispatcher creates a dispatcher for the channel access token.
func NewLineDispatcher(token string) *LineDispatcher {
	return &LineDispatcher{
		token:      token,
		endpoint:   linePushURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type lineMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type linePush struct {
	To       string        `json:"to"`
	Messages []lineMessage `json:"messages"`
}

// Send pushes n. 4xx answers other than 429 are not retried.
func (d *LineDispatcher) Send(ctx context.Context, n Notification) error {
	text := Text(n)
	if text == "" {
		return nil
	}
	body, err := json.Marshal(linePush{To: n.AccountID, Messages: []lineMessage{{Type: "text", Text: text}}})
	if err != nil {
		return fmt.Errorf("line: encode push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("line: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.token)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("line: push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("line: push returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return worker.Permanent(err)
	}
	return err
}
