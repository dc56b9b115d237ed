package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/cache"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/exchange"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
)

func Test_StartStreams_FlushesLatestQuote(t *testing.T) {
	okx := NewMockStreamer("okx")
	okx.On("StreamQuotes", mock.Anything, testSymbols).Return(nil)
	binance := NewMockStreamer("binance")
	binance.On("StreamQuotes", mock.Anything, testSymbols).Return(nil)

	store := cache.NewMemoryCache()
	c, err := New(store, nil, []exchange.Streamer{okx, binance}, Config{
		Symbols:       testSymbols,
		FlushInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done, err := c.StartStreams(ctx)
	require.NoError(t, err)

	okx.Send(createTestQuote("okx", "BTCUSDT", 100))
	okx.Send(createTestQuote("okx", "BTCUSDT", 101))
	binance.Send(createTestQuote("binance", "BTCUSDT", 99))

	assert.Eventually(t, func() bool {
		q, found, err := store.Get(context.Background(), "okx", "BTCUSDT")
		return err == nil && found && q.Price.IntPart() == 101
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		_, found, _ := store.Get(context.Background(), "binance", "BTCUSDT")
		return found
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream collector did not stop")
	}

	okx.AssertExpectations(t)
	binance.AssertExpectations(t)
}

func Test_StartStreams_FlushOnClose(t *testing.T) {
	s := NewMockStreamer("okx")
	s.On("StreamQuotes", mock.Anything, testSymbols).Return(nil)

	store := cache.NewMemoryCache()
	c, err := New(store, nil, []exchange.Streamer{s}, Config{
		Symbols:       testSymbols,
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)

	done, err := c.StartStreams(context.Background())
	require.NoError(t, err)

	s.Send(createTestQuote("okx", "ETHUSDT", 2500))
	s.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop after streams closed")
	}

	_, found, err := store.Get(context.Background(), "okx", "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, found, "buffered quotes are flushed when the streams end")
}

func Test_StartStreams_SubscriptionFailure(t *testing.T) {
	ok := NewMockStreamer("binance")
	ok.On("StreamQuotes", mock.Anything, testSymbols).Return(nil)
	bad := NewMockStreamer("okx")
	bad.On("StreamQuotes", mock.Anything, testSymbols).Return(errors.New("dial failed"))

	c, err := New(cache.NewMemoryCache(), nil, []exchange.Streamer{ok, bad}, Config{Symbols: testSymbols})
	require.NoError(t, err)

	done, err := c.StartStreams(context.Background())
	assert.Nil(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "okx")

	// the started stream is cancelled
	select {
	case _, open := <-ok.quoteChan:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("first stream was not cancelled")
	}
}

func Test_fanIn(t *testing.T) {
	a := make(chan model.Quote, 2)
	b := make(chan model.Quote, 2)
	a <- createTestQuote("okx", "BTCUSDT", 1)
	b <- createTestQuote("binance", "BTCUSDT", 2)
	b <- createTestQuote("binance", "ETHUSDT", 3)
	close(a)
	close(b)

	var got []model.Quote
	for q := range fanIn(context.Background(), []<-chan model.Quote{a, b}) {
		got = append(got, q)
	}
	assert.Len(t, got, 3)
}

func Test_fanIn_NoInputs(t *testing.T) {
	out := fanIn(context.Background(), nil)
	select {
	case _, open := <-out:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("output not closed")
	}
}
