package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const (
	defaultTelegramURL     = "https://api.telegram.org"
	defaultTelegramTimeout = 10 * time.Second
)

var (
	// ErrTelegramNotConfigured is returned when the bot token or chat id is missing.
	ErrTelegramNotConfigured = errors.New("telegram bot token and chat id are required")

	// ErrTelegramAPI is returned when the Bot API rejects a call.
	ErrTelegramAPI = errors.New("telegram api error")
)

// TelegramConfig defines settings for the Telegram sink.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	BaseURL  string        // Bot API root, defaults to api.telegram.org
	Timeout  time.Duration // Per request timeout
}

// TelegramSink sends alerts through the Telegram Bot API.
type TelegramSink struct {
	cfg    TelegramConfig
	client *http.Client
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type botResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		Username string `json:"username"`
	} `json:"result"`
}

// NewTelegramSink creates a Telegram sink.
func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil, ErrTelegramNotConfigured
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTelegramURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTelegramTimeout
	}

	return &TelegramSink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

// Send posts message to the configured chat using Markdown formatting.
func (s *TelegramSink) Send(ctx context.Context, message string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:    s.cfg.ChatID,
		Text:      message,
		ParseMode: "Markdown",
	})
	if err != nil {
		return fmt.Errorf("failed to encode telegram message: %w", err)
	}

	_, err = s.call(ctx, http.MethodPost, "sendMessage", body)
	return err
}

// GetMe checks the bot token and returns the bot username.
func (s *TelegramSink) GetMe(ctx context.Context) (string, error) {
	resp, err := s.call(ctx, http.MethodGet, "getMe", nil)
	if err != nil {
		return "", err
	}
	return resp.Result.Username, nil
}

func (s *TelegramSink) call(ctx context.Context, method, apiMethod string, body []byte) (*botResponse, error) {
	endpoint := fmt.Sprintf("%s/bot%s/%s", s.cfg.BaseURL, s.cfg.BotToken, apiMethod)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build telegram request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// the URL carries the token
		return nil, fmt.Errorf("%w: %s request failed", ErrTelegramAPI, apiMethod)
	}
	defer resp.Body.Close()

	var out botResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %s: HTTP %d: undecodable response", ErrTelegramAPI, apiMethod, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || !out.OK {
		return nil, fmt.Errorf("%w: %s: HTTP %d: %s", ErrTelegramAPI, apiMethod, resp.StatusCode, out.Description)
	}

	return &out, nil
}
