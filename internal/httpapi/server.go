// Package httpapi serves the operator console: REST routes, the media proxy,
// the live WebSocket per party and the Telegram webhook.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	lru "github.com/hashicorp/golang-lru"
	"github.com/matheus3301/relay/internal/auth"
	"github.com/matheus3301/relay/internal/registry"
	"github.com/matheus3301/relay/internal/relay"
	"github.com/matheus3301/relay/internal/store"
	"github.com/matheus3301/relay/internal/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Console is the subset of the relay engine the HTTP surface drives.
type Console interface {
	Send(ctx context.Context, party string, out relay.Outbound) (*store.Message, error)
	SendUpload(ctx context.Context, party, fileName string, data []byte, caption string) (*store.Message, error)
	Delete(ctx context.Context, id int64) error
	Clear(ctx context.Context, party string) (relay.ClearResult, error)
	Conversation(ctx context.Context, party string) ([]store.Message, error)
	Parties(ctx context.Context) ([]store.Party, error)
}

// MediaFetcher resolves a media ref to its bytes.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, ref string) (transport.Media, error)
}

// Webhook accepts raw provider updates.
type Webhook interface {
	HandleWebhook(ctx context.Context, body []byte) error
}

// Deps are the collaborators of the HTTP server. Webhook is optional.
type Deps struct {
	Addr          string
	Console       Console
	Registry      *registry.Registry
	Issuer        *auth.Issuer
	Media         MediaFetcher
	Webhook       Webhook
	WebhookSecret string
	Operator      string
	CacheEntries  int
	MaxUpload     int64
	Logger        *zap.Logger
}

// Server owns the gin engine and the listening http.Server.
type Server struct {
	deps     Deps
	router   *gin.Engine
	http     *http.Server
	cache    *lru.Cache
	validate *validator.Validate
	logger   *zap.Logger
}

// New builds the router. It does not listen until Start.
func New(d Deps) (*Server, error) {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.CacheEntries <= 0 {
		d.CacheEntries = 128
	}
	if d.MaxUpload <= 0 {
		d.MaxUpload = 20 << 20
	}
	cache, err := lru.New(d.CacheEntries)
	if err != nil {
		return nil, fmt.Errorf("media cache: %w", err)
	}

	s := &Server{
		deps:     d,
		cache:    cache,
		validate: newValidator(),
		logger:   d.Logger.Named("http"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), RequestLogger(s.logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/login", s.login)
	if d.Webhook != nil && d.WebhookSecret != "" {
		r.POST("/telegram/webhook/:secret", s.webhook)
	}

	authed := r.Group("/", d.Issuer.Required())
	authed.GET("/api/parties", s.listParties)
	authed.GET("/api/parties/:party/messages", s.listMessages)
	authed.POST("/api/parties/:party/clear", s.clear)
	authed.POST("/api/parties/:party/upload", s.upload)
	authed.POST("/api/messages/:id/delete", s.deleteMessage)
	authed.GET("/media/*ref", s.media)
	authed.GET("/ws/:party", s.serveWS)

	s.router = r
	s.http = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.deps.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.deps.Addr, err)
	}
	s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down and closes every live connection.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server stopping")
	err := s.http.Shutdown(ctx)
	for _, e := range s.deps.Registry.All() {
		s.deps.Registry.Unregister(e.Party, e.Conn)
		_ = e.Conn.Close()
	}
	return err
}
