// Package transport carries the execution protocol over WebSocket: a gin server hosting the
// servlet and a reconnecting client connection.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Aidin1998/pincex_execution/internal/trading/protocol"
	"github.com/Aidin1998/pincex_execution/internal/trading/session"
	"github.com/Aidin1998/pincex_execution/pkg/metrics"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var (
	// ErrSlowConsumer is returned by Send when the client's send buffer is full. The client is
	// disconnected.
	ErrSlowConsumer = errors.New("client send buffer is full")
	// ErrConnectionClosed is returned by Send on a closed connection.
	ErrConnectionClosed = errors.New("connection is closed")
)

// ServerConfig configures a Server.
type ServerConfig struct {
	AllowedOrigins []string
	SendBuffer     int
	ReadLimit      int64
	Tracing        bool
}

// DefaultServerConfig returns the configuration used when none is given.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SendBuffer: 256,
		ReadLimit:  1 << 20,
	}
}

// Server accepts authenticated WebSocket connections on /v1/execution and hands them to a
// protocol.Handler.
type Server struct {
	handler  protocol.Handler
	auth     *Authenticator
	config   ServerConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu     sync.Mutex
	conns  map[*serverConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(handler protocol.Handler, auth *Authenticator, config ServerConfig, logger *zap.Logger) *Server {
	defaults := DefaultServerConfig()
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaults.SendBuffer
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = defaults.ReadLimit
	}
	s := &Server{
		handler: handler,
		auth:    auth,
		config:  config,
		logger:  logger.Named("execution_transport"),
		conns:   make(map[*serverConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Router creates the HTTP router of the server.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	if s.config.Tracing {
		router.Use(otelgin.Middleware("execution-server"))
	}
	if len(s.config.AllowedOrigins) == 0 {
		router.Use(cors.Default())
	} else {
		router.Use(cors.New(cors.Config{
			AllowOrigins: s.config.AllowedOrigins,
			AllowMethods: []string{http.MethodGet},
			AllowHeaders: []string{"Origin", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/v1/execution", s.handleExecution)
	return router
}

func (s *Server) handleExecution(c *gin.Context) {
	token := c.GetHeader("Authorization")
	if token == "" {
		token = c.Query("token")
	}
	sess, err := s.auth.Authenticate(c.Request.Context(), token)
	if err != nil {
		s.logger.Debug("Rejected execution connection", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("Failed to upgrade execution connection", zap.Error(err))
		return
	}
	conn := s.newConn(ws, sess)
	if !s.track(conn) {
		conn.close()
		ws.Close()
		return
	}
	if err := s.handler.HandleClientAccepted(conn.ctx, conn); err != nil {
		s.logger.Warn("Failed to accept execution client",
			zap.String("account", sess.Account().String()),
			zap.Error(err))
		s.untrack(conn)
		s.wg.Add(-2)
		conn.close()
		ws.Close()
		return
	}
	s.logger.Info("Execution client connected",
		zap.String("account", sess.Account().String()),
		zap.String("session_id", sess.ID().String()))
	go conn.writePump()
	go conn.readPump()
}

// track registers conn and reserves the wait group slots of its two pumps.
func (s *Server) track(conn *serverConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(2)
	return true
}

func (s *Server) untrack(conn *serverConn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Close disconnects every client and waits for their pumps to exit.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*serverConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		metrics.ClientDisconnects.WithLabelValues("server_shutdown").Inc()
		conn.close()
	}
	s.wg.Wait()
}

// serverConn is one connected client. It implements protocol.Client.
type serverConn struct {
	server    *Server
	ws        *websocket.Conn
	session   *session.Session
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

func (s *Server) newConn(ws *websocket.Conn, sess *session.Session) *serverConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &serverConn{
		server:  s,
		ws:      ws,
		session: sess,
		send:    make(chan []byte, s.config.SendBuffer),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *serverConn) Session() *session.Session {
	return c.session
}

// Send queues an envelope for writing. It never blocks: a client that lets its buffer fill up is
// disconnected.
func (c *serverConn) Send(envelope protocol.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", envelope.Type, err)
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.server.logger.Warn("Disconnecting slow execution client",
			zap.String("account", c.session.Account().String()),
			zap.Int("buffer", cap(c.send)))
		metrics.ClientDisconnects.WithLabelValues("slow_consumer").Inc()
		c.close()
		return ErrSlowConsumer
	}
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}

// readPump dispatches incoming envelopes to the handler in arrival order.
func (c *serverConn) readPump() {
	defer func() {
		c.close()
		c.server.handler.HandleClientClosed(c)
		c.server.untrack(c)
		c.server.wg.Done()
	}()
	c.ws.SetReadLimit(c.server.config.ReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("Execution client read failed", zap.Error(err))
			}
			return
		}
		var envelope protocol.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.server.logger.Warn("Failed to decode execution message",
				zap.String("account", c.session.Account().String()),
				zap.Error(err))
			continue
		}
		c.server.handler.HandleMessage(c.ctx, c, envelope)
	}
}

// writePump writes queued envelopes and heartbeats until the connection closes.
func (c *serverConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.server.wg.Done()
	}()
	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
