package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type contextKey int

const (
	ctxKeyOwner contextKey = iota
	ctxKeyRequestID
	ctxKeyLogger
)

// Owner is the identity a bearer token maps to. Every entity, applied change
// and conflict is scoped to it.
type Owner struct {
	ID       string
	DeviceID string
}

func ownerFromContext(ctx context.Context) *Owner {
	o, _ := ctx.Value(ctxKeyOwner).(*Owner)
	return o
}

// ownerID derives a stable owner id from a bearer token; raw tokens are
// never stored.
func ownerID(token string) string {
	hash := sha256.Sum256([]byte(token))
	return "o_" + hex.EncodeToString(hash[:12])
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// logFor returns the request-scoped logger, or slog.Default outside a request.
func logFor(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKeyLogger).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func withLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKeyLogger, l)
}

// requestContext tags the request with an id and a logger carrying it. A
// client-supplied X-Request-ID is kept when it is a UUID, so device logs and
// server logs line up.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if uuid.Validate(id) != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		ctx = withLogger(ctx, slog.Default().With("rid", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder remembers the status a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

// observe counts the request in m and logs it once it finished.
func observe(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sr, r)

			m.RecordRequest()
			level := slog.LevelInfo
			switch {
			case sr.code >= 500:
				m.RecordError()
				level = slog.LevelError
			case sr.code >= 400:
				m.RecordClientError()
				level = slog.LevelWarn
			}
			logFor(r.Context()).Log(r.Context(), level, "req",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sr.code,
				"dur", time.Since(start).String(),
			)
		})
	}
}

// recoveryMiddleware turns a handler panic into a 500.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logFor(r.Context()).Error("panic recovered", "panic", rec, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error (request "+requestID(r.Context())+")")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// requireAuth resolves the bearer token to an Owner. Token issuance happens
// elsewhere; any non-empty token names an owner.
func (s *Server) requireAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing authorization header")
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid authorization format")
			return
		}
		if token = strings.TrimSpace(token); token == "" {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "empty bearer token")
			return
		}

		owner := &Owner{ID: ownerID(token), DeviceID: r.Header.Get("X-Device-ID")}
		if owner.DeviceID == "" {
			owner.DeviceID = "unknown"
		}
		ctx := context.WithValue(r.Context(), ctxKeyOwner, owner)
		ctx = withLogger(ctx, logFor(ctx).With("owner", owner.ID, "device", owner.DeviceID))
		handler(w, r.WithContext(ctx))
	}
}

// chain wraps h so that the first middleware is the outermost.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
