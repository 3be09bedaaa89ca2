package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"fathomlicense/internal/ledger"
)

// HealthHandler reports whether the server can reach its ledger.
type HealthHandler struct {
	ledger ledger.Store
	logger *slog.Logger
	now    func() time.Time
	uptime func() time.Duration
}

// NewHealthHandler creates a new health handler. uptime may be nil.
func NewHealthHandler(store ledger.Store, logger *slog.Logger, now func() time.Time, uptime func() time.Duration) *HealthHandler {
	return &HealthHandler{
		ledger: store,
		logger: logger.With(slog.String("handler", "health")),
		now:    now,
		uptime: uptime,
	}
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime,omitempty"`
	Checks    map[string]string `json:"checks"`
}

// Check handles GET /healthz
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	now := h.now().UTC()
	resp := HealthResponse{Status: "healthy", Timestamp: now, Checks: map[string]string{"ledger": "ok"}}
	if h.uptime != nil {
		resp.Uptime = h.uptime().Round(time.Second).String()
	}

	if _, err := h.ledger.ListRevocations(ctx, now); err != nil {
		h.logger.ErrorContext(ctx, "ledger health check failed", slog.String("error", err.Error()))
		resp.Status = "unhealthy"
		resp.Checks["ledger"] = err.Error()
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, resp)
}
