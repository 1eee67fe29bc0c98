// Package logger provides structured logging for the bid gateway
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ServiceName is attached to every log line
const ServiceName = "bidgate"

type contextKey string

// Context keys for correlation fields
const (
	RequestIDKey contextKey = "request_id"
	BidIDKey     contextKey = "bid_id"
)

// Log is the global logger, configured by Init
var Log = zerolog.New(os.Stdout).With().Timestamp().Str("service", ServiceName).Logger()

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json or console
	TimeFormat string
}

// DefaultConfig returns configuration from LOG_LEVEL and LOG_FORMAT
func DefaultConfig() Config {
	return Config{
		Level:      getEnv("LOG_LEVEL", "info"),
		Format:     getEnv("LOG_FORMAT", "json"),
		TimeFormat: time.RFC3339,
	}
}

// Init configures the global logger
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	var out io.Writer = os.Stdout
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: cfg.TimeFormat}
	}

	Log = zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", ServiceName).
		Logger()
}

// WithRequestID stores the HTTP request ID in the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithBidID stores the bid request ID in the context
func WithBidID(ctx context.Context, bidID string) context.Context {
	return context.WithValue(ctx, BidIDKey, bidID)
}

// FromContext returns a logger carrying any correlation IDs found in ctx
func FromContext(ctx context.Context) *zerolog.Logger {
	lc := Log.With()
	if v, ok := ctx.Value(RequestIDKey).(string); ok && v != "" {
		lc = lc.Str("request_id", v)
	}
	if v, ok := ctx.Value(BidIDKey).(string); ok && v != "" {
		lc = lc.Str("bid_id", v)
	}
	l := lc.Logger()
	return &l
}

// Bid returns a logger for a single bid pipeline
func Bid(bidID string) *zerolog.Logger {
	l := Log.With().Str("bid_id", bidID).Logger()
	return &l
}

// Campaign returns a logger scoped to a campaign
func Campaign(campaignID string) *zerolog.Logger {
	l := Log.With().Str("campaign_id", campaignID).Logger()
	return &l
}

// Engine returns a logger for the scoring engine transport
func Engine() *zerolog.Logger {
	l := Log.With().Str("component", "engine").Logger()
	return &l
}

// HTTP returns a logger for the HTTP layer
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "http").Logger()
	return &l
}

// RequestLogger accumulates fields for one inbound request
type RequestLogger struct {
	logger zerolog.Logger
	start  time.Time
}

// NewRequestLogger creates a request-scoped logger
func NewRequestLogger(requestID string) *RequestLogger {
	return &RequestLogger{
		logger: Log.With().Str("request_id", requestID).Logger(),
		start:  time.Now(),
	}
}

// WithField returns the logger with an extra field attached
func (rl *RequestLogger) WithField(key string, value interface{}) *RequestLogger {
	rl.logger = rl.logger.With().Interface(key, value).Logger()
	return rl
}

// Info logs at info level
func (rl *RequestLogger) Info(msg string) {
	rl.logger.Info().Msg(msg)
}

// Error logs at error level
func (rl *RequestLogger) Error(msg string, err error) {
	rl.logger.Error().Err(err).Msg(msg)
}

// Duration returns the time since the logger was created
func (rl *RequestLogger) Duration() time.Duration {
	return time.Since(rl.start)
}

// LogComplete logs request completion with status and duration
func (rl *RequestLogger) LogComplete(status int) {
	rl.logger.Info().
		Int("status", status).
		Float64("duration_ms", float64(rl.Duration().Microseconds())/1000.0).
		Msg("request completed")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
