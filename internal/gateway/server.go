package gateway

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/protocol"
)

type ServerConfig struct {
	ListenAddr         string
	RateLimitPerSecond float64
	RateLimitBurst     int
	ReadLimit          int64
	WriteTimeout       time.Duration
}

// Server accepts Brain connections on /ws. Requests on one connection are
// handled one at a time in arrival order.
type Server struct {
	cfg      ServerConfig
	handler  *Handler
	rec      *monitor.Recorder
	log      zerolog.Logger
	upgrader websocket.Upgrader
	nodeID   string

	active atomic.Int64
	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
}

func NewServer(cfg ServerConfig, handler *Handler, rec *monitor.Recorder, log zerolog.Logger) *Server {
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 50
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 64 << 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		rec:     rec,
		log:     log,
		nodeID:  handler.cfg.NodeID,
		conns:   make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine serving /ws, /healthz and /metrics.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws", s.websocket)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"node_id":     s.nodeID,
			"connections": s.active.Load(),
		})
	})
	if s.rec != nil {
		r.GET("/metrics", gin.WrapH(s.rec.Handler()))
	}
	return r
}

// ListenAndServe runs until ctx is cancelled, then drains open connections.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Str("node_id", s.nodeID).Msg("gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	// hijacked websocket connections are not closed by Shutdown
	s.mu.Lock()
	for ws := range s.conns {
		_ = ws.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) websocket(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade error")
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.serveConn(c.Request.Context(), ws)
}

func (s *Server) serveConn(ctx context.Context, ws *websocket.Conn) {
	s.mu.Lock()
	s.conns[ws] = struct{}{}
	s.mu.Unlock()
	s.active.Add(1)
	defer func() {
		s.mu.Lock()
		delete(s.conns, ws)
		s.mu.Unlock()
		s.active.Add(-1)
		_ = ws.Close()
	}()

	remote := ws.RemoteAddr().String()
	log := s.log.With().Str("remote", remote).Logger()
	log.Info().Msg("brain connected")
	defer log.Info().Msg("brain disconnected")

	ws.SetReadLimit(s.cfg.ReadLimit)
	limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSecond), s.cfg.RateLimitBurst)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("read failed")
			}
			return
		}

		var reply protocol.Reply
		req, err := protocol.DecodeRequest(data)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("malformed frame")
			reply = rejected(req, order.CodeMalformedMessage, err.Error())
		case req.Type != protocol.TypePing && !limiter.Allow():
			reply = rejected(req, order.CodeRateLimited, "rate limit exceeded")
			if s.rec != nil {
				s.rec.RecordRequest(string(req.Type), reply.Status, reply.ErrorCode)
			}
		default:
			reply = s.handler.Handle(ctx, req)
		}

		_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := ws.WriteJSON(reply); err != nil {
			log.Warn().Err(err).Str("uuid", reply.UUID).Msg("reply write failed")
			return
		}
	}
}

// NodeID returns a stable identifier for this host, derived from the
// machine id and falling back to the hostname.
func NodeID() string {
	id, err := machineid.ProtectedID("execution-core-gateway")
	if err == nil && len(id) >= 12 {
		return id[:12]
	}
	host, herr := os.Hostname()
	if herr != nil {
		return "gateway"
	}
	return host
}
