// Package admin serves the daemon's HTTP surface: health, live connections,
// Prometheus metrics, message injection and a websocket tap of inbound
// traffic.
package admin

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/danmuck/mavctl/internal/auth"
	"github.com/danmuck/mavctl/internal/network"
	"github.com/danmuck/mavctl/internal/observability"
	"github.com/danmuck/mavctl/internal/protocol"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const Version = "0.1.0"

type Options struct {
	ID          string
	Addr        string
	CorsOrigins []string
	// TapRate caps events per second per subscriber; zero is unlimited.
	TapRate float64
	// Token, when set, is required as a bearer token on POST /messages/send.
	Token string
}

type Server struct {
	opts    Options
	rt      *network.Runtime
	hub     *Hub
	router  *gin.Engine
	started time.Time
}

func New(opts Options, rt *network.Runtime, hub *Hub) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, opts.ID))
	r.Use(observability.RequestMetricsMiddleware(opts.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		opts:    opts,
		rt:      rt,
		hub:     hub,
		router:  r,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on Options.Addr until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.opts.Addr).Msg("admin.Server.Serve listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type connectionInfo struct {
	Partner   string    `json:"partner"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Alive     bool      `json:"alive"`
}

type sendRequest struct {
	Name    string         `json:"name" binding:"required"`
	Partner string         `json:"partner"`
	Fields  map[string]any `json:"fields"`
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		id := s.rt.Identity()
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"uptime":      time.Since(s.started).String(),
			"link":        s.rt.Name(),
			"sysid":       id.SystemID,
			"compid":      id.ComponentID,
			"connections": len(s.rt.Connections()),
			"version":     Version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/connections", func(c *gin.Context) {
		conns := s.rt.Connections()
		out := make([]connectionInfo, 0, len(conns))
		for _, conn := range conns {
			out = append(out, connectionInfo{
				Partner:   conn.Partner().Key(),
				FirstSeen: conn.FirstSeen(),
				LastSeen:  conn.LastSeen(),
				Alive:     conn.Alive(),
			})
		}
		c.JSON(http.StatusOK, gin.H{"connections": out})
	})

	s.router.GET("/messages", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"messages": s.rt.MessageSet().Names()})
	})

	if s.opts.Token != "" {
		s.router.POST("/messages/send", auth.Require(auth.StaticToken{Token: s.opts.Token}), s.handleSend)
	} else {
		s.router.POST("/messages/send", s.handleSend)
	}
	s.router.GET("/messages/ws", s.handleTap)
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := s.rt.MessageSet().Create(req.Name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err := msg.SetFromMap(req.Fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Partner == "" {
		err = s.rt.Broadcast(msg)
	} else {
		err = s.sendTo(req.Partner, msg)
	}
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, network.ErrConnectionLost) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("message", msg.Name()).Str("partner", req.Partner).Msg("admin.Server.handleSend sent")
	c.JSON(http.StatusOK, gin.H{"status": "sent", "message": msg.Name()})
}

func (s *Server) sendTo(partner string, msg *protocol.Message) error {
	for _, conn := range s.rt.Connections() {
		if conn.Partner().Key() == partner {
			return conn.Send(msg)
		}
	}
	return network.ErrConnectionLost
}

// handleTap streams inbound messages as JSON. ?name= limits the stream to
// one message name.
func (s *Server) handleTap(c *gin.Context) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id, events := s.hub.Subscribe()
	defer s.hub.Unsubscribe(id)
	filter := c.Query("name")

	limit := rate.Inf
	if s.opts.TapRate > 0 {
		limit = rate.Limit(s.opts.TapRate)
	}
	limiter := rate.NewLimiter(limit, max(1, int(s.opts.TapRate)))

	// The tap is one-way; reading only notices the peer closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Info().Str("subscriber", id).Str("filter", filter).Msg("admin.Server.handleTap subscribed")
	if err := conn.WriteJSON(gin.H{"subscriber": id, "filter": filter}); err != nil {
		return
	}
	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(time.Second))
				return
			}
			if filter != "" && ev.Name != filter {
				continue
			}
			if !limiter.Allow() {
				s.hub.dropped.Add(1)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Str("subscriber", id).Msg("admin.Server.handleTap write failed")
				return
			}
		}
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host {
		return true
	}
	return slices.Contains(normalizeOrigins(s.opts.CorsOrigins), origin)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
