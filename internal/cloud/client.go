// Package cloud carries session events between the gateway and the
// speech-to-speech service as JSON text frames over a WebSocket.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/derekja/sample-s2s-voip-gateway/internal/audio"
	"github.com/derekja/sample-s2s-voip-gateway/internal/event"
	"github.com/derekja/sample-s2s-voip-gateway/internal/resilience"
)

// ErrClientClosed is returned by Send after the client is closed
var ErrClientClosed = errors.New("session client is closed")

const writeTimeout = 5 * time.Second

// Dispatcher receives decoded inbound events and stream lifecycle callbacks.
// session.Handler implements it.
type Dispatcher interface {
	Handle(ctx context.Context, ev event.Inbound) error
	OnError(err error)
	OnComplete()
}

// Dialer opens session streams, retrying transient failures behind a
// circuit breaker shared by all calls.
type Dialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	Retry            *resilience.RetryConfig
	Breaker          *resilience.CircuitBreaker
	Logger           zerolog.Logger
}

// Dial connects to the session endpoint
func (d *Dialer) Dial(ctx context.Context) (*Client, error) {
	wsDialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	var conn *websocket.Conn
	attempt := func(ctx context.Context) error {
		dial := func() error {
			c, resp, err := wsDialer.DialContext(ctx, d.URL, d.Header)
			if resp != nil && resp.Body != nil {
				resp.Body.Close()
			}
			if err != nil {
				if resp == nil {
					return fmt.Errorf("dial %s: %w", d.URL, err)
				}
				err = fmt.Errorf("dial %s: %w (status %d)", d.URL, err, resp.StatusCode)
				if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
					return resilience.NewRetryableError(err)
				}
				return err
			}
			conn = c
			return nil
		}
		if d.Breaker == nil {
			return dial()
		}
		return d.Breaker.Call(dial)
	}

	retryCfg := resilience.DefaultRetryConfig()
	if d.Retry != nil {
		cfg := *d.Retry
		retryCfg = &cfg
	}
	if retryCfg.Logger == nil {
		retryCfg.Logger = &d.Logger
	}
	if err := resilience.Retry(ctx, attempt, retryCfg, resilience.IsRetryableNetworkError); err != nil {
		return nil, fmt.Errorf("failed to open session stream: %w", err)
	}

	d.Logger.Info().Str("url", d.URL).Msg("Session stream connected")
	return NewClient(conn, d.Logger), nil
}

// HealthCheck reports the session endpoint unhealthy while the breaker is open
func (d *Dialer) HealthCheck(ctx context.Context) (bool, error) {
	if d.Breaker == nil {
		return true, nil
	}
	state, requests, failures, rate := d.Breaker.GetStats()
	if state == resilience.StateOpen {
		return false, fmt.Errorf("%s: %w (%d of %d dials failed, %.0f%%)",
			d.Breaker.Name(), resilience.ErrCircuitOpen, failures, requests, rate)
	}
	return true, nil
}

// Client is one open session stream. Send and Complete may be called from
// any goroutine; Run must be called once.
type Client struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu   sync.Mutex
	completed bool

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an established connection
func NewClient(conn *websocket.Conn, logger zerolog.Logger) *Client {
	return &Client{
		conn:   conn,
		logger: logger.With().Str("component", "session_client").Logger(),
		closed: make(chan struct{}),
	}
}

// Send encodes ev and writes it as one text frame
func (c *Client) Send(ev event.Outbound) error {
	data, err := event.Encode(ev)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.completed {
		return ErrClientClosed
	}
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write %s event: %w", ev.Kind(), err)
	}
	return nil
}

// Complete ends the session and half-closes the stream. The read side stays
// open until the service closes it.
func (c *Client) Complete() error {
	if err := c.Send(event.SessionEnd{}); err != nil && !errors.Is(err, ErrClientClosed) {
		c.logger.Warn().Err(err).Msg("Failed to send session end")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.completed {
		return nil
	}
	c.completed = true

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session complete")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout)); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return fmt.Errorf("failed to close session stream: %w", err)
	}
	return nil
}

// Run reads events until the stream ends and dispatches them to d. A normal
// close calls d.OnComplete; a read failure or a failed event calls d.OnError.
// Run returns when ctx is done, the stream ends or Close is called.
func (c *Client) Run(ctx context.Context, d Dispatcher) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info().Msg("Session stream closed by peer")
				d.OnComplete()
				return nil
			}
			if ctx.Err() != nil || c.isClosed() {
				return ctx.Err()
			}
			c.logger.Error().Err(err).Msg("Session stream read failed")
			d.OnError(err)
			return err
		}

		ev, err := event.DecodeInbound(data)
		if err != nil {
			if errors.Is(err, event.ErrUnknownEvent) {
				c.logger.Debug().Err(err).Msg("Ignoring unknown session event")
			} else {
				c.logger.Warn().Err(err).Msg("Dropping malformed session event")
			}
			continue
		}

		if err := d.Handle(ctx, ev); err != nil {
			if errors.Is(err, audio.ErrStreamClosed) || ctx.Err() != nil {
				c.logger.Debug().Err(err).Msg("Call leg closed while handling session event")
				return nil
			}
			d.OnError(err)
			return err
		}
	}
}

// Close tears down the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
