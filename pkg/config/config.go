package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Lounge   LoungeConfig   `mapstructure:"lounge"`
	Timer    TimerConfig    `mapstructure:"timer"`
	Motion   MotionConfig   `mapstructure:"motion"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds the local HTTP API configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	Environment  string        `mapstructure:"environment"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// LoungeConfig describes which room this peer joins and who it is
type LoungeConfig struct {
	Room        string  `mapstructure:"room"`
	GuestID     string  `mapstructure:"guest_id"`
	DisplayName string  `mapstructure:"display_name"`
	Color       string  `mapstructure:"color"`
	StartX      float64 `mapstructure:"start_x"`
	StartY      float64 `mapstructure:"start_y"`
	FrameRate   int     `mapstructure:"frame_rate"`
}

// TimerConfig holds pomodoro timer settings
type TimerConfig struct {
	FocusDurationMinutes int           `mapstructure:"focus_duration_minutes"`
	BreakDurationMinutes int           `mapstructure:"break_duration_minutes"`
	BroadcastInterval    time.Duration `mapstructure:"broadcast_interval"`
	ExtrapolateThreshold time.Duration `mapstructure:"extrapolate_threshold"`
}

// MotionConfig holds avatar motion settings
type MotionConfig struct {
	MoveSpeed                 float64       `mapstructure:"move_speed"`
	RemoteSmoothing           float64       `mapstructure:"remote_smoothing"`
	ReferenceFPS              float64       `mapstructure:"reference_fps"`
	MaxFrameDelta             time.Duration `mapstructure:"max_frame_delta"`
	PresenceBroadcastInterval time.Duration `mapstructure:"presence_broadcast_interval"`
}

// RealtimeConfig selects and configures the pub/sub transport
type RealtimeConfig struct {
	Driver            string        `mapstructure:"driver"`
	RedisURL          string        `mapstructure:"redis_url"`
	RedisPrivateDB    bool          `mapstructure:"redis_private_db"`
	NatsURL           string        `mapstructure:"nats_url"`
	PresenceTTL       time.Duration `mapstructure:"presence_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Environment string `mapstructure:"environment"`
	Encoding    string `mapstructure:"encoding"`
}

// Realtime drivers
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverNATS   = "nats"
)

// Load loads configuration from defaults, an optional config file and the environment
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/cozyfocus")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "0s") // SSE streams stay open
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("lounge.room", "cozyfocus-room")
	v.SetDefault("lounge.guest_id", "")
	v.SetDefault("lounge.display_name", "Settling Wanderer")
	v.SetDefault("lounge.color", "")
	v.SetDefault("lounge.start_x", 0.5)
	v.SetDefault("lounge.start_y", 0.68)
	v.SetDefault("lounge.frame_rate", 60)

	v.SetDefault("timer.focus_duration_minutes", 25)
	v.SetDefault("timer.break_duration_minutes", 5)
	v.SetDefault("timer.broadcast_interval", "1s")
	v.SetDefault("timer.extrapolate_threshold", "250ms")

	v.SetDefault("motion.move_speed", 0.65)
	v.SetDefault("motion.remote_smoothing", 0.18)
	v.SetDefault("motion.reference_fps", 60)
	v.SetDefault("motion.max_frame_delta", "120ms")
	v.SetDefault("motion.presence_broadcast_interval", "120ms")

	v.SetDefault("realtime.driver", DriverMemory)
	v.SetDefault("realtime.redis_url", "redis://localhost:6379/0")
	v.SetDefault("realtime.redis_private_db", false)
	v.SetDefault("realtime.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("realtime.presence_ttl", "10s")
	v.SetDefault("realtime.heartbeat_interval", "3s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.environment", "development")
	v.SetDefault("log.encoding", "console")
}

func invalid(format string, args ...any) error {
	return oops.In("config").Code("INVALID_CONFIG").Errorf(format, args...)
}

func validateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return invalid("invalid server port: %d", cfg.Server.Port)
	}

	if cfg.Server.Host == "" {
		return invalid("server host cannot be empty")
	}

	if strings.TrimSpace(cfg.Lounge.Room) == "" {
		return invalid("lounge room cannot be empty")
	}

	if !isNormalized(cfg.Lounge.StartX) || !isNormalized(cfg.Lounge.StartY) {
		return invalid("start position must be within [0,1], got (%v,%v)", cfg.Lounge.StartX, cfg.Lounge.StartY)
	}

	if cfg.Lounge.FrameRate < 1 || cfg.Lounge.FrameRate > 240 {
		return invalid("frame rate must be between 1 and 240")
	}

	if cfg.Timer.FocusDurationMinutes < 1 {
		return invalid("focus duration must be a positive number of minutes")
	}

	if cfg.Timer.BreakDurationMinutes < 1 {
		return invalid("break duration must be a positive number of minutes")
	}

	if cfg.Timer.BroadcastInterval <= 0 || cfg.Timer.ExtrapolateThreshold < 0 {
		return invalid("timer intervals must be positive")
	}

	if cfg.Motion.MoveSpeed <= 0 {
		return invalid("move speed must be positive")
	}

	if cfg.Motion.RemoteSmoothing <= 0 || cfg.Motion.RemoteSmoothing >= 1 {
		return invalid("remote smoothing must be within (0,1)")
	}

	if cfg.Motion.ReferenceFPS <= 0 || cfg.Motion.MaxFrameDelta <= 0 || cfg.Motion.PresenceBroadcastInterval <= 0 {
		return invalid("motion timings must be positive")
	}

	validDrivers := []string{DriverMemory, DriverRedis, DriverNATS}
	if !contains(validDrivers, cfg.Realtime.Driver) {
		return invalid("invalid realtime driver: %s", cfg.Realtime.Driver)
	}

	if cfg.Realtime.PresenceTTL <= cfg.Realtime.HeartbeatInterval {
		return invalid("presence ttl must exceed heartbeat interval")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, cfg.Log.Level) {
		return invalid("invalid log level: %s", cfg.Log.Level)
	}

	validEncodings := []string{"json", "console"}
	if !contains(validEncodings, cfg.Log.Encoding) {
		return invalid("invalid log encoding: %s", cfg.Log.Encoding)
	}

	return nil
}

// FocusDuration returns the configured focus phase length
func (t TimerConfig) FocusDuration() time.Duration {
	return time.Duration(t.FocusDurationMinutes) * time.Minute
}

// BreakDuration returns the configured break phase length
func (t TimerConfig) BreakDuration() time.Duration {
	return time.Duration(t.BreakDurationMinutes) * time.Minute
}

// FrameInterval returns the wall-clock spacing between animation frames
func (l LoungeConfig) FrameInterval() time.Duration {
	return time.Second / time.Duration(l.FrameRate)
}

// GetServerAddr returns the server address in host:port format
func (s *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// IsProduction returns true if the environment is production
func (s *ServerConfig) IsProduction() bool {
	return strings.EqualFold(s.Environment, "production")
}

func isNormalized(v float64) bool {
	return v >= 0 && v <= 1
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if strings.EqualFold(s, item) {
			return true
		}
	}
	return false
}
