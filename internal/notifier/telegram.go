package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const defaultAPIBase = "https://api.telegram.org"

// Alerter delivers operator alerts.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// TelegramNotifier sends messages via the Telegram Bot API.
type TelegramNotifier struct {
	BotToken      string
	ChatID        string
	APIBase       string
	Client        *http.Client
	MaxRetries    int
	RetryInterval time.Duration
	log           *zap.Logger
}

// NewTelegramNotifier creates a notifier with optional proxy support.
func NewTelegramNotifier(botToken, chatID, proxyURL string, log *zap.Logger) *TelegramNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &TelegramNotifier{
		BotToken:      botToken,
		ChatID:        chatID,
		APIBase:       defaultAPIBase,
		MaxRetries:    3,
		RetryInterval: time.Second,
		Client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		log: log.Named("telegram"),
	}
}

func (t *TelegramNotifier) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.APIBase, t.BotToken, method)
}

// Send sends a message to the configured chat.
func (t *TelegramNotifier) Send(ctx context.Context, text string) error {
	payload := map[string]string{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram API error: status %d, body: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// SendWithRetry sends a message, retrying with exponential backoff.
func (t *TelegramNotifier) SendWithRetry(ctx context.Context, text string, maxRetries int) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = t.RetryInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxRetries)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return t.Send(ctx, text)
	}, policy, func(err error, wait time.Duration) {
		t.log.Warn("telegram send failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxRetries+1),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("all %d attempts exhausted: %w", attempt, err)
	}
	return nil
}

// Alert sends text with the notifier's retry policy.
func (t *TelegramNotifier) Alert(ctx context.Context, text string) error {
	return t.SendWithRetry(ctx, text, t.MaxRetries)
}

// LogAlerter writes alerts to the log when no chat is configured.
type LogAlerter struct {
	log *zap.Logger
}

// NewLogAlerter creates a LogAlerter.
func NewLogAlerter(log *zap.Logger) *LogAlerter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogAlerter{log: log.Named("alert")}
}

func (l *LogAlerter) Alert(_ context.Context, text string) error {
	l.log.Warn("alert", zap.String("text", text))
	return nil
}
