package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	_ "github.com/danghamo/cozyfocus/docs"
	"github.com/danghamo/cozyfocus/internal/api/handlers"
	"github.com/danghamo/cozyfocus/internal/api/middleware"
	"github.com/danghamo/cozyfocus/internal/app/service"
	"github.com/danghamo/cozyfocus/pkg/autorouter"
	"github.com/danghamo/cozyfocus/pkg/logger"
	"github.com/danghamo/cozyfocus/pkg/sse"
)

// SSE notification methods on /api/v1/stream/frames
const (
	FrameMethod      = "lounge.frame"
	FramePatchMethod = "lounge.frame.patch"
)

// FrameSource publishes rendered frames
type FrameSource interface {
	Subscribe(fn service.FrameListener) func()
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port         int           `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// Dependencies are the application services the API exposes
type Dependencies struct {
	Lounge    handlers.Lounge
	Frames    FrameSource
	Health    handlers.HealthChecker
	Info      handlers.ServerInfo
	RateLimit middleware.RateLimitConfig
}

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	logger     *logger.Logger
	mux        *http.ServeMux
	deps       Dependencies

	loungeHandler *handlers.LoungeHandler
	avatarHandler *handlers.AvatarHandler
	timerHandler  *handlers.TimerHandler
	serverHandler *handlers.ServerHandler

	frames            *sse.Broadcaster
	unsubscribeFrames func()
}

// NewServer creates a new HTTP server
func NewServer(config ServerConfig, log *logger.Logger, deps Dependencies) (*Server, error) {
	mux := http.NewServeMux()
	apiLogger := log.WithComponent("api")

	frames := sse.NewBroadcaster(apiLogger, sse.Options{
		FullMethod:  FrameMethod,
		PatchMethod: FramePatchMethod,
		Snapshot: func() any {
			return deps.Lounge.Snapshot()
		},
	})

	server := &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
			Handler:      mux,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
		logger:        apiLogger,
		mux:           mux,
		deps:          deps,
		loungeHandler: handlers.NewLoungeHandler(apiLogger, deps.Lounge),
		avatarHandler: handlers.NewAvatarHandler(apiLogger, deps.Lounge),
		timerHandler:  handlers.NewTimerHandler(apiLogger, deps.Lounge),
		serverHandler: handlers.NewServerHandler(apiLogger, deps.Info, deps.Health),
		frames:        frames,
	}

	if err := server.setupRoutes(); err != nil {
		return nil, err
	}
	server.setupMiddleware()

	if deps.Frames != nil {
		server.unsubscribeFrames = deps.Frames.Subscribe(func(f service.Frame) {
			frames.Publish(f)
		})
	}

	return server, nil
}

// setupRoutes configures the server routes
func (s *Server) setupRoutes() error {
	s.mux.HandleFunc("/health", s.serverHandler.HandleHealth)
	s.mux.HandleFunc("/swagger/", httpSwagger.WrapHandler)
	s.mux.HandleFunc("/api/v1/stream/frames", s.frames.HandleSSE)

	router := autorouter.NewAutoRouter(s.mux, autorouter.RegistrationOptions{
		Prefix: "/api/v1/",
		Logger: s.logger,
	})
	actions := router.With(autorouter.Middleware(middleware.RateLimit(s.logger, s.deps.RateLimit)))

	registrations := []struct {
		router  *autorouter.AutoRouter
		prefix  string
		handler any
	}{
		{router, "lounge.", s.loungeHandler},
		{router, "server.", s.serverHandler},
		{actions, "avatar.", s.avatarHandler},
		{actions, "timer.", s.timerHandler},
	}
	for _, reg := range registrations {
		routes, err := reg.router.Group(reg.prefix).RegisterHandlers(reg.handler)
		if err != nil {
			return err
		}
		for _, route := range routes {
			s.logger.Debug("Route registered", zap.String("path", route.Path))
		}
	}
	return nil
}

// setupMiddleware applies middleware to all routes
func (s *Server) setupMiddleware() {
	chain := middleware.Chain(
		middleware.Recovery(s.logger),
		middleware.ErrorAdapter(s.logger),
		middleware.CORS(),
		middleware.Logging(s.logger),
	)
	s.httpServer.Handler = chain(s.mux)
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled, then shuts down
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.httpServer.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			s.logger.Error("HTTP server error", zap.Error(err))
			_ = s.Shutdown()
			return err
		}
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down HTTP server")

	if s.unsubscribeFrames != nil {
		s.unsubscribeFrames()
		s.unsubscribeFrames = nil
	}
	// SSE streams never finish on their own
	s.frames.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown error", zap.Error(err))
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// GetAddr returns the server address
func (s *Server) GetAddr() string {
	return s.httpServer.Addr
}
