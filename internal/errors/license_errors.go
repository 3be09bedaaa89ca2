package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Domain sentinels. Packages wrap these with fmt.Errorf("...: %w", err) so
// callers can test with errors.Is without importing the producing package.
var (
	ErrCorrupt                  = errors.New("license file corrupt")
	ErrUnsupportedFormatVersion = errors.New("unsupported license format version")
	ErrKeyNotLoaded             = errors.New("signing key not loaded")
	ErrInvalidKey               = errors.New("invalid key material")
	ErrKeyReuse                 = errors.New("signing key shared between purposes")
	ErrInvalidFingerprint       = errors.New("invalid hardware fingerprint")
	ErrSyncFailed               = errors.New("revocation sync failed")
	ErrPinningRejected          = errors.New("server certificate rejected by pinning policy")
	ErrInvalidPinningConfig     = errors.New("invalid certificate pinning configuration")
	ErrLicenseNotFound          = errors.New("license not found")
	ErrCertificateNotFound      = errors.New("certificate not found")
	ErrCertificateInvalid       = errors.New("certificate signature invalid")
	ErrAlreadyExists            = errors.New("record already exists")
	ErrInvalidRequestData       = errors.New("invalid request data")
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens Extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(pd.Extensions)+5)

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapLicenseError maps domain errors to HTTP problem details
func MapLicenseError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api/v1#trace-%s", traceID)

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return NewProblemDetails(
			apiErr.StatusCode,
			problemTypeForCode(apiErr.ErrorCode),
			http.StatusText(apiErr.StatusCode),
			apiErr.Message,
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", apiErr.ErrorCode)
	}

	switch {
	case errors.Is(err, ErrCertificateInvalid):
		return NewProblemDetails(
			http.StatusUnprocessableEntity,
			TypeCertificateInvalid,
			"Certificate Signature Invalid",
			"The certificate signature or data hash could not be verified.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "CERTIFICATE_INVALID")

	case errors.Is(err, ErrAlreadyExists):
		return NewProblemDetails(
			http.StatusConflict,
			TypeConflict,
			"Already Exists",
			err.Error(),
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "ALREADY_EXISTS")

	case errors.Is(err, ErrLicenseNotFound), errors.Is(err, ErrCertificateNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			TypeNotFound,
			"Not Found",
			err.Error(),
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "NOT_FOUND")

	case errors.Is(err, ErrInvalidRequestData), errors.Is(err, ErrInvalidFingerprint):
		return NewProblemDetails(
			http.StatusBadRequest,
			TypeValidation,
			"Invalid Request",
			err.Error(),
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INVALID_REQUEST")

	case errors.Is(err, ErrKeyNotLoaded):
		return NewProblemDetails(
			http.StatusServiceUnavailable,
			TypeServiceDown,
			"Signing Unavailable",
			"This installation has no signing key loaded.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "KEY_NOT_LOADED")

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTERNAL_ERROR")
	}
}
