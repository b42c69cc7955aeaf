// Package bridge relays run pub/sub channels to browsers over websockets.
// The preflight bridge forwards checklist snapshots, the status bridge
// forwards the rq message stream of one topic.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/weppcloud/weppcloud/internal/common"
	"github.com/weppcloud/weppcloud/internal/preflight"
	"github.com/weppcloud/weppcloud/internal/status"
	"github.com/weppcloud/weppcloud/internal/wd"
)

// Config holds the bridge timings.
type Config struct {
	Addr              string
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	PreflightThrottle time.Duration
	// ConnectRate caps websocket upgrades per client IP per second.
	ConnectRate float64
}

// ConfigFrom converts the [bridge] section.
func ConfigFrom(c common.BridgeConfig) Config {
	return Config{
		Addr:              c.Addr,
		PingInterval:      common.ParseDuration(c.PingInterval, 30*time.Second),
		ReadTimeout:       common.ParseDuration(c.ReadTimeout, 75*time.Second),
		PreflightThrottle: common.ParseDuration(c.PreflightThrottle, 250*time.Millisecond),
		ConnectRate:       10,
	}
}

var topicPattern = regexp.MustCompile(`^[a-z0-9_][a-z0-9_\-]*$`)

// Server serves /health and the two websocket bridges.
type Server struct {
	cfg       Config
	rdb       *redis.Client
	messenger *status.Messenger
	listener  *preflight.Listener
	logger    arbor.ILogger
	echo      *echo.Echo
	upgrader  websocket.Upgrader
	started   time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New creates a Server. rdb must point at the STATUS database, which
// holds both the RedisPrep hashes and the run channels.
func New(cfg Config, rdb *redis.Client, logger arbor.ILogger) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 75 * time.Second
	}
	messenger := status.NewMessenger(rdb, logger)
	s := &Server{
		cfg:       cfg,
		rdb:       rdb,
		messenger: messenger,
		listener:  preflight.NewListener(rdb, messenger, cfg.PreflightThrottle, logger),
		logger:    logger,
		started:   time.Now(),
		clients:   make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.echo = s.routes()
	return s
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/health", s.health)

	ws := e.Group("/ws")
	if s.cfg.ConnectRate > 0 {
		ws.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(s.cfg.ConnectRate))))
	}
	ws.GET("/preflight/:runid", s.preflight)
	ws.GET("/status/:runid/:topic", s.status)
	return e
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then closes every client and shuts
// the listener down.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	common.SafeGo(s.logger, "preflight-listener", func() {
		if err := s.listener.Run(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Preflight listener stopped")
		}
	})

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", s.cfg.Addr).Msg("Bridge starting")
		if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("bridge failed: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.closeClients()
	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("bridge shutdown failed: %w", err)
	}
	s.logger.Info().Msg("Bridge stopped")
	return nil
}

type healthResponse struct {
	Status  string  `json:"status"`
	Redis   string  `json:"redis"`
	Clients int     `json:"clients"`
	Uptime  float64 `json:"uptime_seconds"`
}

func (s *Server) health(c echo.Context) error {
	resp := healthResponse{
		Status:  "ok",
		Redis:   "ok",
		Clients: s.clientCount(),
		Uptime:  time.Since(s.started).Seconds(),
	}
	code := http.StatusOK
	if err := s.rdb.Ping(c.Request().Context()).Err(); err != nil {
		resp.Status = "degraded"
		resp.Redis = err.Error()
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func (s *Server) preflight(c echo.Context) error {
	runid := c.Param("runid")
	if err := wd.ValidateRunID(runid); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	hash, err := s.rdb.HGetAll(ctx, runid).Result()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	initial, err := json.Marshal(preflight.NewSnapshot(hash))
	if err != nil {
		return err
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("runid", runid).Msg("Failed to upgrade preflight connection")
		return nil
	}
	s.serve(ctx, conn, status.Channel(runid, status.TopicPreflight), initial, rawFrame)
	return nil
}

func (s *Server) status(c echo.Context) error {
	runid, topic := c.Param("runid"), c.Param("topic")
	if err := wd.ValidateRunID(runid); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !topicPattern.MatchString(topic) {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid topic %q", topic))
	}
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("runid", runid).Msg("Failed to upgrade status connection")
		return nil
	}
	s.serve(c.Request().Context(), conn, status.Channel(runid, topic), nil, statusFrame)
	return nil
}

// Frames sent to browsers.
type frame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

var pingFrame, _ = json.Marshal(frame{Type: "ping"})

func rawFrame(payload string) []byte {
	return []byte(payload)
}

func statusFrame(payload string) []byte {
	data, _ := json.Marshal(frame{Type: "status", Data: payload})
	return data
}

// serve pumps channel messages to conn until either side goes away. The
// read side only extends the deadline: pongs and any client frame count as
// liveness.
func (s *Server) serve(ctx context.Context, conn *websocket.Conn, channel string, initial []byte, render func(string) []byte) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := newClient(conn, s.cfg.ReadTimeout, cancel)
	s.track(c)
	defer s.untrack(c)

	sub := s.messenger.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		s.logger.Warn().Err(err).Str("channel", channel).Msg("Bridge subscribe failed")
		return
	}
	s.logger.Debug().Str("channel", channel).Int("clients", s.clientCount()).Msg("Bridge client connected")

	if initial != nil {
		if err := c.write(initial); err != nil {
			return
		}
	}

	go c.readLoop()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if err := c.write(render(msg.Payload)); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ping(); err != nil {
				s.logger.Debug().Err(err).Str("channel", channel).Msg("Dropping unresponsive client")
				return
			}
		}
	}
}

func (s *Server) track(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
