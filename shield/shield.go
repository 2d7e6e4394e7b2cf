// Package shield provides the HTTP middleware of the backoffice API:
// request context and logging, security headers, body limits, the robot
// API key and per-key rate limiting.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultAPIStack(50 << 20) {
//	    r.Use(mw)
//	}
//	r.With(shield.APIKey(keyCheck), limiter.Middleware).Get("/api/file/fetch-unprocessed-ssns", claim)
package shield

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// DefaultAPIStack returns the standard middleware stack for the JSON API.
// Order: RequestContext, AccessLog, SecurityHeaders, MaxBody.
func DefaultAPIStack(maxBody int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		RequestContext,
		AccessLog,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBody),
	}
}

// WriteError writes the API error envelope {"success": false, "message": msg}.
func WriteError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "message": msg})
}
