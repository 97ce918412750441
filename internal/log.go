package internal

import (
	"context"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
)

var (
	_logger  *log.Logger
	_logOnce sync.Once
)

// SetLogLevel adjusts the process-wide log level. Call before the first Log.
func SetLogLevel(level log.Level) {
	logger().SetLevel(level)
}

func logger() *log.Logger {
	_logOnce.Do(func() {
		_logger = log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
		})
	})
	return _logger
}

// Log returns a logger annotated with the request ID found on the context, if
// any. Background tasks stash a synthetic ID under the same key so their
// output remains greppable.
func Log(ctx context.Context) *log.Logger {
	l := logger()
	if ctx == nil {
		return l
	}
	if id, ok := ctx.Value(middleware.RequestIDKey).(string); ok && id != "" {
		return l.With("requestID", id)
	}
	return l
}

// withRequestID tags a background context the same way chi tags inbound
// requests, so Log output can be correlated.
func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, middleware.RequestIDKey, id)
}
