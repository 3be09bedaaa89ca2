package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestProblemDetailsMarshalJSON(t *testing.T) {
	pd := NewProblemDetails(http.StatusConflict, TypeConflict, "Conflict", "", "/api/v1/revocations").
		WithExtension("error_code", "ALREADY_EXISTS")

	data, err := json.Marshal(pd)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, TypeConflict, got["type"])
	assert.Equal(t, float64(http.StatusConflict), got["status"])
	assert.Equal(t, "ALREADY_EXISTS", got["error_code"])
	assert.NotContains(t, got, "detail", "empty detail is omitted")
}

func TestMapLicenseError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"certificate invalid", fmt.Errorf("verify: %w", ErrCertificateInvalid), http.StatusUnprocessableEntity, "CERTIFICATE_INVALID"},
		{"already exists", ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS"},
		{"license not found", ErrLicenseNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"bad fingerprint", fmt.Errorf("line 2: %w", ErrInvalidFingerprint), http.StatusBadRequest, "INVALID_REQUEST"},
		{"key not loaded", ErrKeyNotLoaded, http.StatusServiceUnavailable, "KEY_NOT_LOADED"},
		{"api error", ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := MapLicenseError(tt.err, "trace-1")
			pd, ok := r.(*ProblemDetails)
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, pd.Status)
			assert.Equal(t, tt.wantCode, pd.Extensions["error_code"])
			assert.Equal(t, "trace-1", pd.Extensions["trace_id"])
		})
	}
}

func TestErrorHandler_HandleError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"api error", ErrNotFound, http.StatusNotFound, TypeNotFound},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, TypeTimeout},
		{"domain sentinel", fmt.Errorf("store: %w", ErrAlreadyExists), http.StatusConflict, TypeConflict},
		{"validation list", NewValidationErrors([]ValidationError{{Field: "license_id", Message: "required"}}), http.StatusBadRequest, TypeValidation},
		{"generic", errors.New("disk on fire"), http.StatusInternalServerError, TypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewErrorHandler(testLogger(), false)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/revocations", nil)
			rec := httptest.NewRecorder()

			h.HandleError(rec, req, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decodeProblem(t, rec)
			assert.Equal(t, tt.wantType, body["type"])
			assert.Equal(t, "/api/v1/revocations", body["instance"])
			assert.NotContains(t, body, "stack")
		})
	}

	t.Run("nil error writes nothing", func(t *testing.T) {
		h := NewErrorHandler(testLogger(), false)
		rec := httptest.NewRecorder()
		h.HandleError(rec, httptest.NewRequest(http.MethodGet, "/", nil), nil)
		assert.Equal(t, 0, rec.Body.Len())
	})
}

func TestErrorHandler_Recoverer(t *testing.T) {
	h := NewErrorHandler(testLogger(), true)
	panicking := h.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("nil map")
	}))

	rec := httptest.NewRecorder()
	panicking.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeProblem(t, rec)
	assert.Equal(t, "nil map", body["panic"])
}

func TestErrorHandler_NotFoundAndMethod(t *testing.T) {
	h := NewErrorHandler(testLogger(), false)

	rec := httptest.NewRecorder()
	h.NotFound(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.MethodNotAllowed(rec, httptest.NewRequest(http.MethodDelete, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, decodeProblem(t, rec)["detail"], "DELETE")
}

func TestAPIErrorRender(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	require.NoError(t, render.Render(rec, req, InvalidParameter("since", errors.New("bad time"))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_PARAMETER")
}
