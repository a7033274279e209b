package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry configures the global Sentry client. An empty DSN leaves reporting disabled.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
}

// FlushSentry waits for buffered events to be delivered.
func FlushSentry(timeout time.Duration) {
	sentry.Flush(timeout)
}

// ReportError forwards a swallowed background failure to Sentry, tagged with the failing operation.
// Without an initialised client this is a no-op.
func ReportError(err error, operation, userID string) {
	if err == nil {
		return
	}
	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("operation", operation)
		if userID != "" {
			scope.SetUser(sentry.User{ID: userID})
		}
	})
	hub.CaptureException(err)
}
