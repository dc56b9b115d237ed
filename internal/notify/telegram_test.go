package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTelegram(t *testing.T, handler http.HandlerFunc) *TelegramSink {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	sink, err := NewTelegramSink(TelegramConfig{BotToken: "TOKEN", ChatID: "42", BaseURL: server.URL + "/"})
	require.NoError(t, err)
	return sink
}

func Test_NewTelegramSink(t *testing.T) {
	tests := []struct {
		name string
		cfg  TelegramConfig
	}{
		{name: "no token", cfg: TelegramConfig{ChatID: "42"}},
		{name: "no chat", cfg: TelegramConfig{BotToken: "TOKEN"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTelegramSink(tt.cfg)
			assert.ErrorIs(t, err, ErrTelegramNotConfigured)
		})
	}

	sink, err := NewTelegramSink(TelegramConfig{BotToken: "TOKEN", ChatID: "42"})
	require.NoError(t, err)
	assert.Equal(t, defaultTelegramURL, sink.cfg.BaseURL)
	assert.Equal(t, defaultTelegramTimeout, sink.cfg.Timeout)
}

func Test_TelegramSink_Send(t *testing.T) {
	var got sendMessageRequest
	sink := setupTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"ok":true,"result":{}}`))
	})

	require.NoError(t, sink.Send(context.Background(), "*hi*"))
	assert.Equal(t, sendMessageRequest{ChatID: "42", Text: "*hi*", ParseMode: "Markdown"}, got)
}

func Test_TelegramSink_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		contains string
	}{
		{name: "rejected", status: http.StatusBadRequest, body: `{"ok":false,"description":"Bad Request: chat not found"}`, contains: "chat not found"},
		{name: "not ok", status: http.StatusOK, body: `{"ok":false,"description":"flood"}`, contains: "flood"},
		{name: "garbage", status: http.StatusBadGateway, body: `<html>`, contains: "HTTP 502"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := setupTelegram(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			err := sink.Send(context.Background(), "x")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTelegramAPI)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func Test_TelegramSink_TokenNotLeaked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	sink, err := NewTelegramSink(TelegramConfig{BotToken: "SECRET", ChatID: "42", BaseURL: url})
	require.NoError(t, err)

	err = sink.Send(context.Background(), "x")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET")
}

func Test_TelegramSink_GetMe(t *testing.T) {
	sink := setupTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/getMe", r.URL.Path)
		w.Write([]byte(`{"ok":true,"result":{"username":"arb_bot"}}`))
	})

	name, err := sink.GetMe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "arb_bot", name)
}
