package middleware

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/shopfront/internal/errors"
	internalhttputil "github.com/R3E-Network/shopfront/internal/httputil"
	"github.com/R3E-Network/shopfront/internal/logging"
)

const (
	traceHeader      = "X-Trace-ID"
	replayedHeader   = "Idempotent-Replayed"
	maxTraceIDLength = 128
)

type requestInfoKey struct{}

// requestInfo collects facts learned by inner handlers, such as the
// authenticated user, so the outer request log can report them.
type requestInfo struct {
	userID    string
	sessionID string
}

// noteCaller records the authenticated caller on the request's info, if any.
func noteCaller(ctx context.Context, userID, sessionID string) {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		info.userID = userID
		info.sessionID = sessionID
	}
}

// TracingMiddleware assigns a trace ID, recovers handler panics and writes
// one log line per request.
type TracingMiddleware struct {
	logger *logging.Logger
}

// NewTracingMiddleware creates a new tracing middleware
func NewTracingMiddleware(logger *logging.Logger) *TracingMiddleware {
	return &TracingMiddleware{
		logger: logger,
	}
}

// Handler returns the tracing middleware handler
func (m *TracingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(traceHeader)
		if traceID == "" || len(traceID) > maxTraceIDLength {
			traceID = logging.NewTraceID()
		}

		info := &requestInfo{}
		ctx := logging.WithTraceID(r.Context(), traceID)
		ctx = context.WithValue(ctx, requestInfoKey{}, info)
		w.Header().Set(traceHeader, traceID)

		rw := wrapResponseWriter(w)
		start := time.Now()
		r = r.WithContext(ctx)

		defer func() {
			fields := logrus.Fields{"bytes": rw.bytes}
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				m.logger.WithContext(ctx).WithFields(logrus.Fields{
					"panic": rec,
					"stack": string(debug.Stack()),
				}).Error("handler panicked")
				if !rw.written {
					internalhttputil.WriteError(rw, r, errors.Internal("", nil))
				} else {
					rw.statusCode = http.StatusInternalServerError
				}
				fields["panic"] = true
			}
			if info.userID != "" {
				fields["user_id"] = info.userID
				fields["session_id"] = info.sessionID
			}
			if rw.Header().Get(replayedHeader) == "true" {
				fields["idempotent_replay"] = true
			}
			m.logger.LogRequest(ctx, r.Method, r.URL.Path, rw.statusCode, time.Since(start), fields)
		}()

		next.ServeHTTP(rw, r)
	})
}
