package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/danghamo/cozyfocus/internal/api"
	"github.com/danghamo/cozyfocus/internal/api/handlers"
	"github.com/danghamo/cozyfocus/internal/api/middleware"
	"github.com/danghamo/cozyfocus/internal/app/service"
	"github.com/danghamo/cozyfocus/internal/realtime"
	"github.com/danghamo/cozyfocus/internal/realtime/memory"
	"github.com/danghamo/cozyfocus/internal/realtime/natsbus"
	"github.com/danghamo/cozyfocus/internal/realtime/redisstream"
	"github.com/danghamo/cozyfocus/pkg/config"
	"github.com/danghamo/cozyfocus/pkg/logger"
	"github.com/danghamo/cozyfocus/pkg/redisx"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, log, err := config.Initialize()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	if err := run(cfg, log); err != nil {
		log.Error("Peer stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("Peer gracefully stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity := service.NewIdentity(cfg.Lounge)
	log.Info("Starting CozyFocus peer",
		zap.String("version", "0.1.0"),
		zap.String("environment", cfg.Server.Environment),
		zap.String("room", cfg.Lounge.Room),
		zap.String("guest_id", identity.GuestID),
		zap.String("display_name", identity.DisplayName),
	)

	client, checker, closeTransport, err := openTransport(cfg, log)
	if err != nil {
		return err
	}
	defer closeTransport()

	sessionCfg, err := service.SessionConfigFromConfig(cfg, identity)
	if err != nil {
		return err
	}
	clock := clockwork.NewRealClock()
	session, err := service.NewLoungeSession(sessionCfg, client, clock, log)
	if err != nil {
		return err
	}
	if err := session.Join(ctx); err != nil {
		return err
	}
	defer func() {
		if err := session.Leave(); err != nil {
			log.Warn("Failed to leave lounge", zap.Error(err))
		}
	}()

	driver := service.NewFrameDriver(log, session, clock, cfg.Lounge.FrameInterval(), cfg.Motion.MaxFrameDelta)
	driver.Start(ctx)
	defer driver.Stop()

	serverConfig := api.ServerConfig{
		Port:         cfg.Server.Port,
		Host:         cfg.Server.Host,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	server, err := api.NewServer(serverConfig, log, api.Dependencies{
		Lounge: session,
		Frames: driver,
		Health: checker,
		Info: handlers.ServerInfo{
			Room:        cfg.Lounge.Room,
			GuestID:     identity.GuestID,
			DisplayName: identity.DisplayName,
			Color:       identity.Color,
			Driver:      cfg.Realtime.Driver,
			Address:     fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		},
		RateLimit: middleware.DefaultRateLimitConfig(),
	})
	if err != nil {
		return err
	}

	return server.Start(ctx)
}

// openTransport builds the realtime client for the configured driver. The
// health checker is nil when the driver has no remote dependency.
func openTransport(cfg *config.Config, log *logger.Logger) (realtime.Client, handlers.HealthChecker, func(), error) {
	rt := cfg.Realtime

	switch rt.Driver {
	case config.DriverRedis:
		var opts []redisx.ClientOption
		if rt.RedisPrivateDB {
			opts = append(opts, redisx.WithPrivate())
		}
		rdb, err := redisx.NewClient(rt.RedisURL, log, opts...)
		if err != nil {
			return nil, nil, nil, err
		}
		client, err := redisstream.NewClient(rdb, redisstream.Config{
			PresenceTTL:       rt.PresenceTTL,
			HeartbeatInterval: rt.HeartbeatInterval,
		}, log)
		if err != nil {
			_ = rdb.Close()
			return nil, nil, nil, err
		}
		return client, client, func() {
			if err := client.Close(); err != nil {
				log.Warn("Failed to close redis stream publisher", zap.Error(err))
			}
			_ = rdb.Close()
		}, nil

	case config.DriverNATS:
		natsCfg := natsbus.DefaultConfig()
		natsCfg.URL = rt.NatsURL
		natsCfg.PresenceTTL = rt.PresenceTTL
		natsCfg.HeartbeatInterval = rt.HeartbeatInterval
		client, err := natsbus.Connect(natsCfg, log)
		if err != nil {
			return nil, nil, nil, err
		}
		return client, client, func() { _ = client.Close() }, nil

	default:
		hub := memory.NewHub()
		return hub, nil, func() { _ = hub.Close() }, nil
	}
}
