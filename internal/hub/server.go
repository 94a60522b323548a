package hub

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"marketpipe/internal/logger"
)

const (
	writeWait   = 2 * time.Second
	idleTimeout = 5 * time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes the Store to other processes over an authenticated
// websocket endpoint. Every call is a bounded request/response; a peer that
// stops reading or writing is disconnected rather than waited on.
type Server struct {
	store  *Store
	secret string
	addr   string

	clientCount atomic.Int32
	httpServer  *http.Server
}

func NewServer(store *Store, addr, secret string) *Server {
	return &Server{
		store:  store,
		secret: secret,
		addr:   addr,
	}
}

// Router builds the gin handler serving the hub endpoints.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// Liveness only. Market data requires an authenticated websocket session.
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ws", s.handleWS)
	return router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info(ctx, "Hub listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// ClientCount returns the number of authenticated connections.
func (s *Server) ClientCount() int {
	return int(s.clientCount.Load())
}

func (s *Server) handleWS(c *gin.Context) {
	ctx := c.Request.Context()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(ctx, "Failed to upgrade websocket", "error", err, "remote", c.ClientIP())
		return
	}
	defer conn.Close()

	if !s.authenticate(ctx, conn, c.ClientIP()) {
		return
	}

	s.clientCount.Add(1)
	defer s.clientCount.Add(-1)
	logger.Debug(ctx, "Hub client authenticated", "remote", c.ClientIP())

	for {
		var req Request
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug(ctx, "Hub client read error", "error", err, "remote", c.ClientIP())
			}
			return
		}

		resp := s.dispatch(req)
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(resp); err != nil {
			logger.Debug(ctx, "Hub client write error", "error", err, "remote", c.ClientIP())
			return
		}
	}
}

// authenticate enforces the fail-closed shared-secret handshake: the first
// frame must be a valid auth request or the connection is dropped.
func (s *Server) authenticate(ctx context.Context, conn *websocket.Conn, remote string) bool {
	var req Request
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&req); err != nil {
		logger.Warn(ctx, "Auth handshake failed", "error", err, "remote", remote)
		return false
	}

	if req.Op != OpAuth || subtle.ConstantTimeCompare([]byte(req.Secret), []byte(s.secret)) != 1 {
		logger.Warn(ctx, "Rejected unauthenticated hub client", "remote", remote)
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(Response{ID: req.ID, OK: false, Error: "unauthorized"})
		return false
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(Response{ID: req.ID, OK: true}); err != nil {
		return false
	}
	return true
}

func (s *Server) dispatch(req Request) Response {
	resp := Response{ID: req.ID}

	switch req.Op {
	case OpPutTick:
		if req.Tick == nil {
			resp.Error = "put_tick requires a tick"
			return resp
		}
		if err := s.store.PutTick(*req.Tick); err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.OK = true

	case OpPutCandle:
		if req.Candle == nil {
			resp.Error = "put_candle requires a candle"
			return resp
		}
		if err := s.store.PutCandle(*req.Candle); err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.OK = true

	case OpGetLatestTick:
		tick, err := s.store.LatestTick(req.Instrument)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.OK = true
		resp.Tick = &tick

	case OpGetCandles:
		candles := s.store.Candles(req.Instrument, req.Timeframe, req.Count)
		resp.OK = true
		resp.Candles = candles

	case OpGetStatus:
		status := s.store.Status(s.ClientCount())
		resp.OK = true
		resp.Status = &status

	default:
		resp.Error = "unknown op: " + req.Op
	}

	return resp
}
