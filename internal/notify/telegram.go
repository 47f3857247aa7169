package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/wnt/rebalancer/internal/utils"
)

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	token string
	http  *utils.HTTPClient
}

// NewTelegramSender creates a sender for the given bot token.
func NewTelegramSender(token string) *TelegramSender {
	return &TelegramSender{
		token: token,
		http: utils.NewHTTPClient(
			utils.WithBaseURL("https://api.telegram.org"),
			utils.WithTimeout(10*time.Second),
			utils.WithRetries(2, 500*time.Millisecond),
		),
	}
}

// Send posts a message to the user's chat using the sendMessage API.
func (t *TelegramSender) Send(ctx context.Context, chatID int64, text string) error {
	payload := map[string]interface{}{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	if _, err := t.http.Post(ctx, fmt.Sprintf("/bot%s/sendMessage", t.token), payload); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
