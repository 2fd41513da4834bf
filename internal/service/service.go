package service

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agoradev/agora/internal/config"
	"github.com/agoradev/agora/internal/events"
	"github.com/agoradev/agora/internal/identity"
	"github.com/agoradev/agora/internal/presence"
	"github.com/agoradev/agora/internal/typing"
	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Service is the HTTP surface of the realtime layer. It owns no domain
// state itself; the store and trackers are constructed once at process
// start and injected here, so tests can stand up a fresh instance each.
type Service struct {
	appCtx   context.Context
	cfg      *config.Config
	logger   *slog.Logger
	clock    clock.Clock
	store    *events.Store
	presence *presence.Tracker
	typing   *typing.Tracker
	resolver *identity.Resolver

	mux          *http.ServeMux
	routeOnce    sync.Once
	rateLimiters map[string]*rate.Limiter
	wsUpgrader   websocket.Upgrader

	connLock    sync.Mutex
	activeConns int
}

func New(
	ctx context.Context,
	logger *slog.Logger,
	cfg *config.Config,
	clk clock.Clock,
	store *events.Store,
	presenceTracker *presence.Tracker,
	typingTracker *typing.Tracker,
	resolver *identity.Resolver,
) *Service {

	rateLimiters := make(map[string]*rate.Limiter)
	rlLogger := logger.With("component", "rate-limiter")

	categories := map[string]config.RateLimiterConfig{
		"default":  cfg.RateLimiters.Default,
		"events":   cfg.RateLimiters.Events,
		"presence": cfg.RateLimiters.Presence,
		"typing":   cfg.RateLimiters.Typing,
		"stream":   cfg.RateLimiters.Stream,
	}
	for category, rlConfig := range categories {
		if rlConfig.Limit > 0 {
			rateLimiters[category] = rate.NewLimiter(rate.Limit(rlConfig.Limit), rlConfig.Burst)
			rlLogger.Info("Initialized rate limiter", "category", category, "limit", rlConfig.Limit, "burst", rlConfig.Burst)
		}
	}

	return &Service{
		appCtx:       ctx,
		cfg:          cfg,
		logger:       logger,
		clock:        clk,
		store:        store,
		presence:     presenceTracker,
		typing:       typingTracker,
		resolver:     resolver,
		mux:          http.NewServeMux(),
		rateLimiters: rateLimiters,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Sessions.WebSocketReadBufferSize,
			WriteBufferSize: cfg.Sessions.WebSocketWriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Service) rateLimitMiddleware(next http.Handler, category string) http.Handler {
	limiter, ok := s.rateLimiters[category]
	if !ok {
		limiter, ok = s.rateLimiters["default"]
		if !ok {
			s.logger.Warn("No rate limiter configured for category and no default limiter present", "category", category)
			return next
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			s.logger.Warn("Rate limit exceeded", "category", category, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler exposes the routed mux so tests can mount the service on an
// httptest server without binding a port.
func (s *Service) Handler() http.Handler {
	s.routes()
	return s.mux
}

func (s *Service) routes() {
	s.routeOnce.Do(s.registerRoutes)
}

func (s *Service) registerRoutes() {
	s.mux.Handle("/rt/api/v1/stream", s.rateLimitMiddleware(http.HandlerFunc(s.streamHandler), "stream"))
	s.mux.Handle("/rt/api/v1/subscribe", s.rateLimitMiddleware(http.HandlerFunc(s.subscribeHandler), "stream"))
	s.mux.Handle("/rt/api/v1/publish", s.rateLimitMiddleware(http.HandlerFunc(s.publishHandler), "events"))
	s.mux.Handle("/rt/api/v1/presence", s.rateLimitMiddleware(http.HandlerFunc(s.presenceHandler), "presence"))
	s.mux.Handle("/rt/api/v1/typing", s.rateLimitMiddleware(http.HandlerFunc(s.typingHandler), "typing"))
}

// Run serves until the application context is cancelled.
func (s *Service) Run() {
	s.routes()

	httpListenAddr := s.cfg.Server.HttpBinding
	s.logger.Info("Attempting to start server", "listen_addr", httpListenAddr, "tls_enabled", (s.cfg.Server.TLS.Cert != "" && s.cfg.Server.TLS.Key != ""))

	srv := &http.Server{
		Addr:    httpListenAddr,
		Handler: s.mux,
	}

	go func() {
		<-s.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Server shutdown error", "error", err)
		}
	}()

	if s.cfg.Server.TLS.Cert != "" && s.cfg.Server.TLS.Key != "" {
		s.logger.Info("Starting HTTPS server", "cert", s.cfg.Server.TLS.Cert, "key", s.cfg.Server.TLS.Key)
		srv.TLSConfig = &tls.Config{}
		if err := srv.ListenAndServeTLS(s.cfg.Server.TLS.Cert, s.cfg.Server.TLS.Key); err != http.ErrServerClosed {
			s.logger.Error("HTTPS server error", "error", err)
		}
	} else {
		s.logger.Info("TLS cert or key not specified in config. Starting HTTP server (insecure).")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}
}

// filterChannels applies the one inline authorization rule the realtime
// layer owns: a channel under /user/ is only joinable by that user. All
// other channels are open; anything finer is the producers' business.
func (s *Service) filterChannels(requested []string, ident *identity.Identity) []string {
	allowed := make([]string, 0, len(requested))
	for _, channel := range requested {
		channel = strings.TrimSpace(channel)
		if channel == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(channel, "/user/"); ok {
			ownerID, err := strconv.ParseInt(rest, 10, 64)
			if err != nil || ident == nil || ident.UserID != ownerID {
				s.logger.Warn("Rejected private channel request", "channel", channel)
				continue
			}
		}
		allowed = append(allowed, channel)
	}
	return allowed
}

// tryAcquireConn accounts one streaming connection against the
// configured cap. Zero cap means unlimited.
func (s *Service) tryAcquireConn() bool {
	s.connLock.Lock()
	defer s.connLock.Unlock()

	if s.cfg.Sessions.MaxConnections > 0 && s.activeConns >= s.cfg.Sessions.MaxConnections {
		s.logger.Warn("Max streaming connections reached, rejecting new connection",
			"current", s.activeConns, "max", s.cfg.Sessions.MaxConnections)
		return false
	}
	s.activeConns++
	return true
}

func (s *Service) releaseConn() {
	s.connLock.Lock()
	defer s.connLock.Unlock()

	if s.activeConns > 0 {
		s.activeConns--
	} else {
		s.logger.Warn("Attempted to decrement active streaming connections below zero")
	}
}

func actorOf(ident *identity.Identity) int64 {
	if ident == nil {
		return 0
	}
	return ident.UserID
}
