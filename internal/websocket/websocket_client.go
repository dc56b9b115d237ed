// Package websocket provides the streaming transport used by exchange adapters
// that push ticker updates instead of being polled.
//
// A Client owns one connection: it dials, sends the subscription frames, runs a
// read loop that hands every frame to an exchange-specific Handler, and keeps
// the connection alive with either control pings or an application-level text
// heartbeat (some venues drop clients that never send "ping").
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
)

const (
	// defaultPingPeriod defines the default interval between keepalive frames.
	defaultPingPeriod = 15 * time.Second

	// defaultSendTimeout defines the default timeout for write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit defines the maximum size of an incoming frame.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultHandshakeTimeout defines the maximum time allowed for the handshake.
	defaultHandshakeTimeout = 10 * time.Second

	// defaultQuoteBuffer is the capacity of the quote channel.
	defaultQuoteBuffer = 1000
)

var (
	// ErrClientShuttingDown indicates that the client is in the process of shutting down.
	ErrClientShuttingDown = errors.New("client is shutting down")

	// ErrMissingEndpoint is returned when Config.Endpoint is empty.
	ErrMissingEndpoint = errors.New("endpoint URL is required")

	// ErrMissingHandler is returned when Config.Handler is nil.
	ErrMissingHandler = errors.New("message handler is required")
)

// Handler decodes one frame and emits zero or more quotes.
type Handler func(data []byte, out chan<- model.Quote) error

// Config defines settings for the WebSocket client.
type Config struct {
	// Endpoint is the WebSocket URL to connect to. Required.
	Endpoint string

	// Handler is called for each incoming frame. Required.
	Handler Handler

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// PingPeriod is the interval between keepalive frames.
	PingPeriod time.Duration

	// SendTimeout is the maximum time allowed for a write.
	SendTimeout time.Duration

	// TextPing, when set, is sent as a text frame on every PingPeriod instead
	// of a control ping.
	TextPing []byte

	// QuoteBuffer is the capacity of QuoteChan.
	QuoteBuffer int

	// SubscriptionMessages are sent immediately after connecting.
	SubscriptionMessages [][]byte
}

// Client wraps a websocket.Conn with lifecycle and message handling logic.
type Client struct {
	conn atomic.Value // stores *websocket.Conn

	// QuoteChan delivers decoded quotes. It is closed when the read loop exits.
	QuoteChan chan model.Quote

	disconnect chan struct{}
	errChan    chan error

	// writeMu serializes writers; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// NewWebsocketClient dials the endpoint, sends the subscription frames and
// starts the background loops.
func NewWebsocketClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, ErrMissingEndpoint
	}
	if cfg.Handler == nil {
		return nil, ErrMissingHandler
	}

	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.QuoteBuffer <= 0 {
		cfg.QuoteBuffer = defaultQuoteBuffer
	}

	ctx, cancel := context.WithCancel(ctx)

	client := &Client{
		cfg:        &cfg,
		ctx:        ctx,
		cancel:     cancel,
		disconnect: make(chan struct{}),
		errChan:    make(chan error, 1),
		QuoteChan:  make(chan model.Quote, cfg.QuoteBuffer),
	}

	if err := client.run(cfg.SubscriptionMessages); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}

	return client, nil
}

// run establishes the connection, subscribes and starts the loops.
func (c *Client) run(subMsgs [][]byte) (err error) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "run").
		Logger()

	logger.Info().Msg("starting WebSocket client")

	conn, err := c.dial(c.ctx)
	if err != nil {
		return fmt.Errorf("initial dial failed: %w", err)
	}

	defer func() {
		if err != nil {
			if closeErr := conn.Close(); closeErr != nil {
				logger.Warn().Err(closeErr).Msg("error closing connection during cleanup")
			}
		}
	}()

	c.conn.Store(conn)

	conn.SetReadLimit(defaultReadLimit)
	conn.SetPongHandler(func(string) error {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.PingPeriod * 2)); err != nil {
			logger.Warn().Err(err).Msg("failed to set read deadline in pong handler")
		}
		return nil
	})

	for _, msg := range subMsgs {
		if err = c.write(websocket.TextMessage, msg); err != nil {
			logger.Error().Err(err).Msg("subscription error")
			return err
		}
	}

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.shutdownListener()
	}()

	return nil
}

// readLoop reads frames until the connection fails or the context ends.
func (c *Client) readLoop() {
	conn := c.conn.Load().(*websocket.Conn)
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "readLoop").
		Logger()

	logger.Info().Msg("starting read loop")
	defer func() {
		logger.Info().Msg("read loop exiting")
		close(c.disconnect)
		close(c.QuoteChan)

		select {
		case c.errChan <- ErrClientShuttingDown:
		default:
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
				logger.Debug().Err(err).Msg("read interrupted by shutdown")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Info().Err(err).Msg("websocket closed normally")
			case websocket.IsUnexpectedCloseError(err):
				logger.Warn().Err(err).Msg("unexpected websocket closure")
			default:
				logger.Error().Err(err).Msg("read error")
			}

			select {
			case c.errChan <- err:
			default:
				logger.Warn().Err(err).Msg("error channel full, dropping error")
			}
			return
		}

		c.handle(data)
	}
}

// handle runs the handler with panic protection.
func (c *Client) handle(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("recover", r).Str("endpoint", c.cfg.Endpoint).Msg("panic in message handler")
		}
	}()

	if err := c.cfg.Handler(data, c.QuoteChan); err != nil {
		log.Warn().Err(err).Str("endpoint", c.cfg.Endpoint).Msg("failed to handle message")
	}
}

// pingLoop sends keepalive frames until the context ends.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "pingLoop").
		Logger()

	for {
		select {
		case <-ticker.C:
			var err error
			if len(c.cfg.TextPing) > 0 {
				err = c.write(websocket.TextMessage, c.cfg.TextPing)
			} else {
				err = c.write(websocket.PingMessage, nil)
			}
			if err != nil {
				logger.Warn().Err(err).Msg("ping error")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// write sends one frame with the configured deadline.
func (c *Client) write(messageType int, data []byte) error {
	connVal := c.conn.Load()
	if connVal == nil {
		return ErrClientShuttingDown
	}
	conn := connVal.(*websocket.Conn)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, data)
}

// shutdownListener waits for context cancellation and closes the connection.
func (c *Client) shutdownListener() {
	<-c.ctx.Done()
	c.Close()
}

// Close gracefully shuts down the client. It is safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		logger := log.With().
			Str("endpoint", c.cfg.Endpoint).
			Str("component", "close").
			Logger()

		c.cancel()

		if conn, ok := c.conn.Load().(*websocket.Conn); ok && conn != nil {
			c.writeMu.Lock()
			if err := conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			); err != nil {
				logger.Debug().Err(err).Msg("failed to send close frame")
			}
			c.writeMu.Unlock()

			if err := conn.Close(); err != nil {
				logger.Debug().Err(err).Msg("error closing websocket connection")
			}
		}

		logger.Info().Msg("shutdown complete")
	})
}

// Wait blocks until every background goroutine has exited or the timeout
// elapses, reporting whether they finished.
func (c *Client) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// dial establishes the WebSocket connection.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Logger()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		if resp != nil {
			logger.Error().
				Err(err).
				Int("statusCode", resp.StatusCode).
				Msg("connection failed")
		} else {
			logger.Error().Err(err).Msg("connection failed")
		}
		return nil, err
	}

	logger.Info().Msg("websocket connection established")
	return conn, nil
}

// DisconnectChan returns a channel that is closed when the client disconnects.
func (c *Client) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan returns a channel that emits the terminal read error.
func (c *Client) ErrChan() <-chan error {
	return c.errChan
}
