package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"fathomlicense/internal/certificate"
	apperrors "fathomlicense/internal/errors"
	"fathomlicense/internal/ledger"
)

// CertificateHandler accepts certificate copies uploaded by client installs.
type CertificateHandler struct {
	ledger  ledger.Store
	service *certificate.Service
	errs    *apperrors.ErrorHandler
	logger  *slog.Logger
	now     func() time.Time
}

// NewCertificateHandler creates a certificate intake handler. service only
// needs the certificate public key.
func NewCertificateHandler(store ledger.Store, service *certificate.Service, errs *apperrors.ErrorHandler,
	logger *slog.Logger, now func() time.Time) *CertificateHandler {
	return &CertificateHandler{
		ledger:  store,
		service: service,
		errs:    errs,
		logger:  logger.With(slog.String("handler", "certificates")),
		now:     now,
	}
}

// SubmitResponse acknowledges a stored certificate.
type SubmitResponse struct {
	CertificateID string    `json:"certificate_id"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Submit handles POST /api/v1/certificates. Only certificates whose
// signature verifies are stored; a copy already held answers 409.
func (h *CertificateHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rec certificate.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&rec); err != nil {
		h.errs.HandleError(w, r, apperrors.InvalidRequestWithError(err))
		return
	}
	if rec.CertificateID == "" || rec.LicenseID == "" {
		h.errs.HandleError(w, r, fmt.Errorf("%w: certificate id and license id are required", apperrors.ErrInvalidRequestData))
		return
	}

	if err := h.service.Check(&rec); err != nil {
		h.logger.WarnContext(ctx, "certificate rejected",
			slog.String("certificate_id", rec.CertificateID),
			slog.String("license_id", rec.LicenseID),
			slog.String("error", err.Error()),
			slog.String("audit_category", "certificate_integrity"),
		)
		h.errs.HandleError(w, r, err)
		return
	}

	rec.SyncStatus = certificate.SyncSynced
	rec.SyncedAt = nil
	rec.SyncError = ""
	if err := h.ledger.RecordCertificate(ctx, &rec); err != nil {
		h.errs.HandleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "certificate received",
		slog.String("certificate_id", rec.CertificateID),
		slog.String("module_id", rec.ModuleID),
		slog.String("license_id", rec.LicenseID),
	)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, SubmitResponse{CertificateID: rec.CertificateID, ReceivedAt: h.now().UTC()})
}
