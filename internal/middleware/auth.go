package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	apperrors "fathomlicense/internal/errors"
)

// AdminTokenHeader carries the admin token when no Authorization header is sent.
const AdminTokenHeader = "X-Admin-Token"

// AdminToken guards administrative routes with a shared secret sent as
// "Authorization: Bearer <token>" or in X-Admin-Token. An empty token
// rejects every request.
func AdminToken(token string, logger *slog.Logger) func(next http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(AdminTokenHeader)
			if auth := r.Header.Get("Authorization"); auth != "" {
				scheme, value, ok := strings.Cut(auth, " ")
				if ok && strings.EqualFold(scheme, "Bearer") {
					got = strings.TrimSpace(value)
				}
			}

			if len(want) > 0 && subtle.ConstantTimeCompare([]byte(got), want) == 1 {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			logger.WarnContext(ctx, "admin authentication failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.Bool("token_present", got != ""),
				slog.String("audit_category", "admin_auth"),
			)
			problem := apperrors.NewProblemDetails(
				http.StatusUnauthorized,
				apperrors.TypeUnauthorized,
				"Unauthorized",
				"A valid admin token is required",
				r.URL.Path,
			).WithExtension("trace_id", traceID(ctx))
			w.Header().Set("WWW-Authenticate", `Bearer realm="fathom-admin"`)
			render.Render(w, r, problem)
		})
	}
}

// RequireJSON rejects request bodies that are not JSON.
func RequireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		ct := r.Header.Get("Content-Type")
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "application/json") {
			next.ServeHTTP(w, r)
			return
		}
		problem := apperrors.NewProblemDetails(
			http.StatusUnsupportedMediaType,
			apperrors.TypeValidation,
			"Unsupported Media Type",
			"Request body must be application/json",
			r.URL.Path,
		).WithExtension("trace_id", traceID(r.Context())).
			WithExtension("content_type", ct)
		render.Render(w, r, problem)
	})
}
