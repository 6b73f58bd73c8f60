package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// sendMessage request and response bodies of the Bot API.
type (
	telegramMessage struct {
		ChatID              string `json:"chat_id"`
		Text                string `json:"text"`
		ParseMode           string `json:"parse_mode"`
		DisableNotification bool   `json:"disable_notification,omitempty"`
	}
	telegramResult struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
)

// TelegramNotifier posts alerts to one chat. Recoveries are delivered
// silently; outages ring.
type TelegramNotifier struct {
	apiURL   string
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramNotifier sends as bot botToken to chatID.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		apiURL:   telegramAPI,
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	resp, err := postJSON(ctx, t.client, t.apiURL+"/bot"+t.botToken+"/sendMessage", telegramMessage{
		ChatID:              t.chatID,
		Text:                formatTelegram(alert),
		ParseMode:           "MarkdownV2",
		DisableNotification: alert.Level == AlertInfo,
	})
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var res telegramResult
	if json.NewDecoder(resp.Body).Decode(&res) == nil && res.Description != "" {
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, res.Description)
	}
	return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
}

func formatTelegram(a Alert) string {
	marker := "ℹ️"
	switch a.Level {
	case AlertWarning:
		marker = "⚠️"
	case AlertCritical:
		marker = "🚨"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n\n%s", marker, escapeMarkdown(a.Title), escapeMarkdown(a.Message))
	if a.Dependency != "" {
		fmt.Fprintf(&b, "\n\nsource: `%s`", escapeMarkdown(a.Dependency))
	}
	return b.String()
}

// escapeMarkdown escapes the MarkdownV2 reserved characters.
func escapeMarkdown(s string) string {
	const specials = "_*[]()~`>#+-=|{}.!"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(specials, s[i]) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
