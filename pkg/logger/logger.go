package logger

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger so lounge components share one logging surface
type Logger struct {
	*zap.Logger
}

// LogLevel represents the logging level
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// Config holds logger configuration
type Config struct {
	Level       LogLevel `mapstructure:"level"`
	Environment string   `mapstructure:"environment"`
	Encoding    string   `mapstructure:"encoding"` // json or console

	// Output defaults to stdout
	Output io.Writer `mapstructure:"-"`
}

// New creates a new logger instance based on configuration
func New(cfg Config) (*Logger, error) {
	if cfg.Level == "" {
		cfg.Level = InfoLevel
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "console"
		if cfg.Environment == "production" {
			cfg.Encoding = "json"
		}
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Environment == "production" {
		encoderConfig = zap.NewProductionEncoderConfig()
	} else {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		if cfg.Encoding == "console" {
			encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(cfg.Output), cfg.Level.zapLevel())
	zapLogger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	return &Logger{Logger: zapLogger}, nil
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewNop creates a logger that discards everything
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(zap.Any(key, value))}
}

// WithFields adds multiple fields to the logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return &Logger{Logger: l.Logger.With(zapFields...)}
}

// WithComponent adds a component field to help identify log sources
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithField("component", component)
}

// WithPeerID tags log lines with the local peer's presence key
func (l *Logger) WithPeerID(peerID string) *Logger {
	return l.WithField("peer_id", peerID)
}

// WithRoom tags log lines with the lounge room name
func (l *Logger) WithRoom(room string) *Logger {
	return l.WithField("room", room)
}

// ParseLevel parses a string log level to LogLevel
func ParseLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}
