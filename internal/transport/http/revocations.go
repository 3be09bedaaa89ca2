package http

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "fathomlicense/internal/errors"
	"fathomlicense/internal/ledger"
	"fathomlicense/internal/revocation"
)

// RevocationHandler serves the revocation feed and its admin writes.
type RevocationHandler struct {
	ledger   ledger.Store
	validate *validator.Validate
	errs     *apperrors.ErrorHandler
	logger   *slog.Logger
	now      func() time.Time
	skew     time.Duration
}

// NewRevocationHandler creates a revocation handler.
func NewRevocationHandler(store ledger.Store, validate *validator.Validate, errs *apperrors.ErrorHandler,
	logger *slog.Logger, now func() time.Time, skew time.Duration) *RevocationHandler {
	return &RevocationHandler{
		ledger:   store,
		validate: validate,
		errs:     errs,
		logger:   logger.With(slog.String("handler", "revocations")),
		now:      now,
		skew:     skew,
	}
}

// RevokeRequest is the body of POST /api/v1/revocations.
type RevokeRequest struct {
	Revocations []revocation.Entry `json:"revocations" validate:"required,min=1,max=1000,dive"`
}

// RevokeResponse reports how many entries were written.
type RevokeResponse struct {
	Revoked int `json:"revoked"`
}

// feedETag identifies the ledger state. Any revoke or reinstate moves the
// latest change time or the entry count.
func feedETag(all []ledger.Change) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d", ledger.Latest(all).UTC().Format(time.RFC3339Nano), len(all), len(ledger.Active(all)))
	return `"` + hex.EncodeToString(h.Sum(nil))[:20] + `"`
}

// Feed handles GET /api/v1/revocations. Without since it returns the full
// list; with since it returns the changes made after it.
func (h *RevocationHandler) Feed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.errs.HandleError(w, r, apperrors.InvalidParameter("since", err))
			return
		}
		since = t
	}

	// stamped before reading so a change racing the read is inside the
	// next delta
	generated := h.now().UTC()
	all, err := h.ledger.ListRevocations(ctx, time.Time{})
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	etag := feedETag(all)
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	feed := revocation.Feed{GeneratedAt: generated}
	if since.IsZero() {
		feed.Full = true
		feed.Revocations = ledger.Active(all)
	} else {
		cutoff := since.Add(-h.skew)
		feed.Revocations = []revocation.Entry{}
		for _, c := range all {
			if !c.UpdatedAt.After(cutoff) {
				continue
			}
			if c.Reinstated {
				feed.Removed = append(feed.Removed, c.Entry.LicenseID)
			} else {
				feed.Revocations = append(feed.Revocations, c.Entry)
			}
		}
	}

	h.logger.DebugContext(ctx, "revocation feed served",
		slog.Bool("full", feed.Full),
		slog.Int("revocations", len(feed.Revocations)),
		slog.Int("removed", len(feed.Removed)),
	)
	render.JSON(w, r, feed)
}

// Revoke handles POST /api/v1/revocations.
func (h *RevocationHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RevokeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.errs.HandleError(w, r, apperrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.errs.HandleError(w, r, validationError(err))
		return
	}

	for _, e := range req.Revocations {
		if err := h.ledger.Revoke(ctx, e); err != nil {
			h.errs.HandleError(w, r, err)
			return
		}
		h.logger.InfoContext(ctx, "license revoked",
			slog.String("license_id", e.LicenseID),
			slog.String("reason", e.Reason),
			slog.String("audit_category", "revocation"),
		)
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, RevokeResponse{Revoked: len(req.Revocations)})
}

// Reinstate handles DELETE /api/v1/revocations/{licenseID}.
func (h *RevocationHandler) Reinstate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "licenseID")
	if id == "" || len(id) > 128 {
		h.errs.HandleError(w, r, apperrors.InvalidParameter("licenseID", errors.New("must be 1 to 128 characters")))
		return
	}
	if err := h.ledger.Reinstate(ctx, id); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	h.logger.InfoContext(ctx, "license reinstated",
		slog.String("license_id", id),
		slog.String("audit_category", "revocation"),
	)
	w.WriteHeader(http.StatusNoContent)
}

// validationError turns validator failures into a field list.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.InvalidRequestWithError(err)
	}
	fields := make([]apperrors.ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		msg := fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		fields = append(fields, apperrors.ValidationError{Field: fe.Namespace(), Message: msg})
	}
	return apperrors.NewValidationErrors(fields)
}
