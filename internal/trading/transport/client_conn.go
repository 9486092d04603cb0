package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aidin1998/pincex_execution/internal/trading/client"
	"github.com/Aidin1998/pincex_execution/internal/trading/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrConnectionLost is returned for requests made while disconnected or interrupted by a
	// disconnect.
	ErrConnectionLost = errors.New("connection lost")
	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("client connection is closed")
)

// MessageHandler receives the pushes of a ClientConn. OnConnect runs after every successful
// (re)connection, concurrently with the read loop, so it may issue requests.
type MessageHandler interface {
	OnMessage(envelope protocol.Envelope)
	OnConnect(ctx context.Context) error
}

// ClientConfig configures a ClientConn.
type ClientConfig struct {
	URL              string
	Token            string
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration
}

// ClientConn is a WebSocket connection to the execution server that reconnects with exponential
// backoff and correlates responses with requests by request id.
type ClientConn struct {
	config        ClientConfig
	dialer        websocket.Dialer
	logger        *zap.Logger
	handler       MessageHandler
	nextRequestID atomic.Uint64

	mu      sync.Mutex
	ws      *websocket.Conn
	pending map[uint64]chan protocol.Envelope
	closed  bool
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClientConn creates an unconnected ClientConn.
func NewClientConn(config ClientConfig, logger *zap.Logger) *ClientConn {
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 60 * time.Second
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ClientConn{
		config:  config,
		dialer:  websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
		logger:  logger.Named("execution_conn"),
		pending: make(map[uint64]chan protocol.Envelope),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect dials the server once and then keeps the connection alive in the background, routing
// pushes to handler. Requests may be issued as soon as Connect returns.
func (c *ClientConn) Connect(ctx context.Context, handler MessageHandler) error {
	c.handler = handler
	ws, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if !c.attach(ws) {
		ws.Close()
		return ErrClientClosed
	}
	c.wg.Add(1)
	go c.run(ws)
	return nil
}

func (c *ClientConn) dial(ctx context.Context) (*websocket.Conn, error) {
	header := make(http.Header)
	header.Set("Authorization", "Bearer "+c.config.Token)
	ws, response, err := c.dialer.DialContext(ctx, c.config.URL, header)
	if err != nil {
		if response != nil && response.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("failed to connect to %s: %w", c.config.URL, ErrUnauthorized)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", c.config.URL, err)
	}
	return ws, nil
}

// run serves the attached connection ws and its successors until Close, redialing after every
// disconnect.
func (c *ClientConn) run(ws *websocket.Conn) {
	defer c.wg.Done()
	for attached := true; ; attached = false {
		if !attached && !c.attach(ws) {
			ws.Close()
			return
		}
		c.wg.Add(1)
		go func(ws *websocket.Conn) {
			defer c.wg.Done()
			if err := c.handler.OnConnect(c.ctx); err != nil {
				c.logger.Warn("Failed to restore execution state after connect", zap.Error(err))
				ws.Close()
			}
		}(ws)
		c.read(ws)
		c.detach(ws)

		var err error
		ws, err = c.redial()
		if err != nil {
			return
		}
	}
}

func (c *ClientConn) attach(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.ws = ws
	return true
}

// detach drops the connection and fails every request waiting on it.
func (c *ClientConn) detach(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	pending := c.pending
	c.pending = make(map[uint64]chan protocol.Envelope)
	c.mu.Unlock()
	ws.Close()
	for _, ch := range pending {
		close(ch)
	}
}

func (c *ClientConn) redial() (*websocket.Conn, error) {
	backoff := c.config.BaseBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		case <-time.After(backoff):
		}
		ws, err := c.dial(c.ctx)
		if err == nil {
			c.logger.Info("Reconnected to execution server", zap.Int("attempt", attempt))
			return ws, nil
		}
		c.logger.Warn("Execution server reconnect failed",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		backoff *= 2
		if backoff > c.config.MaxBackoff {
			backoff = c.config.MaxBackoff
		}
	}
}

func (c *ClientConn) read(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("Execution connection read failed", zap.Error(err))
			}
			return
		}
		var envelope protocol.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.logger.Warn("Failed to decode execution message", zap.Error(err))
			continue
		}
		if envelope.Type != protocol.MessageResponse {
			c.handler.OnMessage(envelope)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[envelope.RequestID]
		delete(c.pending, envelope.RequestID)
		c.mu.Unlock()
		if ok {
			ch <- envelope
		}
	}
}

// Request sends a request and waits for its response, decoding it into result when result is
// not nil. Failures reported by the server are returned as *protocol.ServiceError.
func (c *ClientConn) Request(ctx context.Context, t protocol.MessageType, payload, result any) error {
	id := c.nextRequestID.Add(1)
	envelope, err := protocol.NewRequest(t, id, payload)
	if err != nil {
		return err
	}
	ch := make(chan protocol.Envelope, 1)
	ws, err := c.register(id, ch)
	if err != nil {
		return err
	}
	if err := c.write(ws, envelope); err != nil {
		c.unregister(id)
		return err
	}
	select {
	case response, ok := <-ch:
		if !ok {
			return ErrConnectionLost
		}
		if response.Error != "" {
			return &protocol.ServiceError{Message: response.Error}
		}
		if result == nil {
			return nil
		}
		return response.Decode(result)
	case <-ctx.Done():
		c.unregister(id)
		return ctx.Err()
	}
}

// Send sends a message that has no response.
func (c *ClientConn) Send(ctx context.Context, t protocol.MessageType, payload any) error {
	envelope, err := protocol.NewMessage(t, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ws, closed := c.ws, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}
	if ws == nil {
		return ErrConnectionLost
	}
	return c.write(ws, envelope)
}

func (c *ClientConn) register(id uint64, ch chan protocol.Envelope) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.ws == nil {
		return nil, ErrConnectionLost
	}
	c.pending[id] = ch
	return c.ws, nil
}

func (c *ClientConn) unregister(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *ClientConn) write(ws *websocket.Conn, envelope protocol.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", envelope.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		ws.Close()
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

// Close closes the connection and stops reconnecting.
func (c *ClientConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()
	c.cancel()
	if ws != nil {
		c.writeMu.Lock()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		ws.Close()
	}
	c.wg.Wait()
	return nil
}

// DialExecutionClient connects a new execution client to the server at config.URL.
func DialExecutionClient(ctx context.Context, config ClientConfig, logger *zap.Logger) (*client.Client, error) {
	conn := NewClientConn(config, logger)
	c := client.New(conn, logger)
	if err := conn.Connect(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}
