// Package telemetry pushes lifecycle events, heartbeats and alerts to an
// operator channel without ever blocking trading.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Notifier delivers a message to the operator channel.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// TelegramNotifier posts messages to a Telegram chat through the bot API.
type TelegramNotifier struct {
	token  string
	chatID string
	client *http.Client
}

// NewTelegramNotifier creates a notifier for the bot token and chat id.
func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Send(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return errors.Wrap(err, "marshal telegram payload")
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build telegram request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send telegram message")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("telegram responded %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// LogNotifier writes messages to the structured log. Used when no Telegram
// credentials are configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(_ context.Context, text string) error {
	n.logger.Info("telemetry", zap.String("message", text))
	return nil
}
