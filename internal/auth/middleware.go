package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
)

// maxBodyBytes bounds how much of a request body is read for hashing.
const maxBodyBytes = 1 << 20

type ctxKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the Principal stored by Middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// Middleware verifies the signature headers and stores the Principal in the
// request context. Unsigned or mis-signed requests get 401.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				unauthorized(w, "unreadable body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ts, _ := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
			p, err := v.Verify(r.Context(), SignedRequest{
				Method:    r.Method,
				Path:      r.URL.Path,
				Timestamp: ts,
				Body:      body,
				Address:   r.Header.Get(HeaderAddress),
				Signature: r.Header.Get(HeaderSignature),
			})
			if err != nil {
				slog.Warn("request signature rejected", "path", r.URL.Path, "err", err)
				unauthorized(w, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": "Unauthenticated"})
}
