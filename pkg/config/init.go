package config

import (
	"fmt"

	"github.com/danghamo/cozyfocus/pkg/logger"
)

// Initialize loads configuration and sets up the global logger
func Initialize() (*Config, *logger.Logger, error) {
	cfg, err := Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.New(logger.Config{
		Level:       logger.ParseLevel(cfg.Log.Level),
		Environment: cfg.Log.Environment,
		Encoding:    cfg.Log.Encoding,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	appLogger.WithFields(map[string]interface{}{
		"environment":     cfg.Server.Environment,
		"server_port":     cfg.Server.Port,
		"room":            cfg.Lounge.Room,
		"realtime_driver": cfg.Realtime.Driver,
		"focus_minutes":   cfg.Timer.FocusDurationMinutes,
		"break_minutes":   cfg.Timer.BreakDurationMinutes,
		"log_level":       cfg.Log.Level,
	}).Info("Configuration and logger initialized successfully")

	return cfg, appLogger, nil
}
