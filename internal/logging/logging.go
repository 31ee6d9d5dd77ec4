// Package logging provides structured logging with zap.
//
// A process-wide logger is installed by Init; request-scoped loggers
// carrying the request id travel in the context so that lines logged by
// the dispatcher and by peer calls can be joined across hosts.
package logging

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	loggerKey    contextKey = "logger"
	requestIDKey contextKey = "request_id"
)

// RequestIDHeader carries the request id between clients, servers and peers.
const RequestIDHeader = "X-Request-ID"

var (
	global atomic.Pointer[zap.Logger]
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init builds the process logger. An unknown level means info.
func Init(cfg Config) error {
	logger, err := build(cfg)
	if err != nil {
		return err
	}
	Set(logger)
	return nil
}

func build(cfg Config) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}
	return zc.Build(zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
}

// Set installs logger as the process logger.
func Set(logger *zap.Logger) {
	global.Store(logger)
}

// InitNop discards all output. Used by tests.
func InitNop() {
	Set(zap.NewNop())
}

// Sync flushes buffered entries.
func Sync() error {
	if logger := global.Load(); logger != nil {
		return logger.Sync()
	}
	return nil
}

// L returns the process logger, building a production logger on first
// use if Init was never called.
func L() *zap.Logger {
	if logger := global.Load(); logger != nil {
		return logger
	}
	logger, _ := zap.NewProduction(zap.AddCallerSkip(1))
	if global.CompareAndSwap(nil, logger) {
		return logger
	}
	return global.Load()
}

// WithContext returns the request-scoped logger in ctx, or the process
// logger.
func WithContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return L()
}

// WithRequestID attaches requestID to ctx and to the logger it carries.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	logger := WithContext(ctx).With(zap.String("request_id", requestID))
	ctx = context.WithValue(ctx, loggerKey, logger)
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the request id in ctx, if any.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Fatal logs and exits the process.
func Fatal(msg string, fields ...zap.Field) { L().Fatal(msg, fields...) }

// statusRecorder captures the status and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Middleware tags each request with a request id (taken from
// X-Request-ID when a caller or peer forwarded one) and logs its
// completion. Server-side failures log at warn.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := WithRequestID(r.Context(), requestID)
		w.Header().Set(RequestIDHeader, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		logger := WithContext(ctx)
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", rec.status),
			zap.Int64("size", rec.bytes),
			zap.Duration("duration", time.Since(start)),
		}
		if rec.status >= http.StatusInternalServerError {
			logger.Warn("request failed", fields...)
			return
		}
		logger.Info("request completed", fields...)
	})
}
