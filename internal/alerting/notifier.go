package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notification summarises a finished sync run for delivery.
type Notification struct {
	Source     string
	StartedAt  time.Time
	FinishedAt time.Time
	Planned    int
	Succeeded  int
	Failed     int
	Skipped    int
	Excluded   int
	ExtraMsg   string
}

// Notifier delivers run summaries.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify sends the rendered summary via the sendMessage endpoint.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().
		Str("source", note.Source).
		Int("failed", note.Failed).
		Msg("run summary sent (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[fundsync Run Summary]\n")
	builder.WriteString(fmt.Sprintf("Source: %s\n", note.Source))
	builder.WriteString(fmt.Sprintf("Window: %s .. %s UTC\n",
		note.StartedAt.UTC().Format(time.RFC3339), note.FinishedAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Planned: %d\n", note.Planned))
	builder.WriteString(fmt.Sprintf("Succeeded: %d\n", note.Succeeded))
	builder.WriteString(fmt.Sprintf("Failed: %d\n", note.Failed))
	builder.WriteString(fmt.Sprintf("Skipped: %d\n", note.Skipped))
	if note.Excluded > 0 {
		builder.WriteString(fmt.Sprintf("Excluded: %d\n", note.Excluded))
	}
	if note.ExtraMsg != "" {
		builder.WriteString(note.ExtraMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
