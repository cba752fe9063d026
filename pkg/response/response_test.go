package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	apperrors "github.com/sheetal-kulkarni/finblocker-etf/internal/errors"
)

func handle(t *testing.T, method string, data interface{}, err error) (int, Response) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, "/", nil)
	Handle(c, data, err)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w.Code, resp
}

func TestHandleSuccess(t *testing.T) {
	code, resp := handle(t, http.MethodPost, map[string]string{"ok": "yes"}, nil)
	assert.Equal(t, http.StatusCreated, code)
	assert.True(t, resp.Success)

	code, _ = handle(t, http.MethodGet, nil, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestHandleErrors(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{"rule violation", apperrors.New(apperrors.CodeValidationFailed, "rate cannot be zero"),
			http.StatusBadRequest, "VALIDATION_FAILED", "rate cannot be zero"},
		{"wrapped conflict", fmt.Errorf("flow: %w", apperrors.New(apperrors.CodeConflict, "state x@0 already consumed by tx abc")),
			http.StatusBadRequest, "DOUBLE_SPEND", "state x@0 already consumed by tx abc"},
		{"partial", apperrors.New(apperrors.CodePartialCompletion, "exercised but not booked"),
			http.StatusBadRequest, "PARTIAL_COMPLETION", "exercised but not booked"},
		{"not found", apperrors.New(apperrors.CodeNotFound, "unknown trade ETF-1"),
			http.StatusNotFound, ErrCodeNotFound, "unknown trade ETF-1"},
		{"invalid request", apperrors.New(apperrors.CodeInvalidRequest, "bad"),
			http.StatusBadRequest, ErrCodeBadRequest, "bad"},
		{"gorm not found", gorm.ErrRecordNotFound, http.StatusNotFound, ErrCodeNotFound, "Resource not found"},
		{"key in use", fmt.Errorf("idempotency key abc: %w", gorm.ErrDuplicatedKey),
			http.StatusConflict, ErrCodeDuplicateResource, "idempotency key abc: duplicated key not allowed"},
		{"outcome unknown", apperrors.New(apperrors.CodeOutcomeUnknown, "transition abc may still commit"),
			http.StatusBadRequest, "OUTCOME_UNKNOWN", "transition abc may still commit"},
		{"internal", apperrors.New(apperrors.CodeInternal, "disk full"),
			http.StatusInternalServerError, ErrCodeInternalError, "An unexpected error occurred"},
		{"plain", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternalError, "An unexpected error occurred"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, resp := handle(t, http.MethodPost, nil, tc.err)
			assert.Equal(t, tc.status, status)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tc.code, resp.Error.Code)
			assert.Equal(t, tc.message, resp.Error.Message)
		})
	}
}
