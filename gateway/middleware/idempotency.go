package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"gemfi/storage/sqlstore"
)

const HeaderIdempotencyKey = "Idempotency-Key"

type idempotencyContextKey string

const contextKeyIdempotency idempotencyContextKey = "idempotency-key"

// IdempotencyStore persists replayable responses.
type IdempotencyStore interface {
	LookupIdempotency(ctx context.Context, key string) (sqlstore.IdempotencyKey, bool, error)
	SaveIdempotency(ctx context.Context, record sqlstore.IdempotencyKey) error
}

// IdempotencyKey returns the key attached to the request, if any.
func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(contextKeyIdempotency).(string)
	return key
}

// WithIdempotency ensures mutating requests carrying the same
// Idempotency-Key execute once per caller. Server errors are not stored so
// the client can retry them.
func WithIdempotency(store IdempotencyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
			if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > 128 {
				http.Error(w, "idempotency key too long", http.StatusBadRequest)
				return
			}
			subject := Subject(r.Context())
			record, found, err := store.LookupIdempotency(r.Context(), key)
			if err != nil {
				logger.Error("idempotency lookup failed", slog.String("key", key), slog.Any("error", err))
				http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
				return
			}
			if found {
				if record.Subject != subject || record.Method != r.Method || record.Path != r.URL.Path {
					http.Error(w, "idempotency key reused for a different request", http.StatusConflict)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(record.Status)
				_, _ = w.Write([]byte(record.Response))
				return
			}

			recorder := &responseRecorder{ResponseWriter: w}
			ctx := context.WithValue(r.Context(), contextKeyIdempotency, key)
			next.ServeHTTP(recorder, r.WithContext(ctx))

			status := recorder.status
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
				return
			}
			payload := sqlstore.IdempotencyKey{
				Key:       key,
				RequestID: uuid.NewString(),
				Subject:   subject,
				Method:    r.Method,
				Path:      r.URL.Path,
				Status:    status,
				Response:  recorder.buf.String(),
				CreatedAt: time.Now().UTC(),
			}
			if err := store.SaveIdempotency(context.WithoutCancel(r.Context()), payload); err != nil {
				logger.Warn("idempotency save failed", slog.String("key", key), slog.Any("error", err))
			}
		})
	}
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
