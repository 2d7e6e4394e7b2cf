package shield

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/tagflow/idgen"
	"github.com/hazyhaar/tagflow/kit"
)

// RequestIDHeader carries the request id in both directions. A well-formed
// inbound value is kept so that workers can correlate their own logs.
const RequestIDHeader = "X-Request-ID"

var newRequestID = idgen.Prefixed("req_", idgen.Default)

// RequestContext assigns a request id and a short trace id to each request,
// stores them with the remote address in the context, echoes them in the
// response headers, and attaches a per-request logger under LoggerKey.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(RequestIDHeader)
		if !validRequestID(reqID) {
			reqID = newRequestID()
		}
		b := make([]byte, 4)
		rand.Read(b)
		traceID := hex.EncodeToString(b)
		ip := ExtractIP(r)

		ctx := kit.WithRequestID(r.Context(), reqID)
		ctx = kit.WithTraceID(ctx, traceID)
		ctx = kit.WithRemoteAddr(ctx, ip)
		w.Header().Set(RequestIDHeader, reqID)
		w.Header().Set("X-Trace-ID", traceID)

		logger := slog.Default().With(
			"request_id", reqID,
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", ip,
		)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
