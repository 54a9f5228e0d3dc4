package errorx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/common/cnst"
)

func TestError_IsSentinel(t *testing.T) {
	assert.ErrorIs(t, NotReady("message"), cnst.ErrNotReady)
	assert.ErrorIs(t, Validation("bad %s", "x"), cnst.ErrValidationFailed)
	assert.ErrorIs(t, RateLimited("message", time.Second), cnst.ErrRateLimited)

	cause := errors.New("db down")
	err := Internal("persist failed", cause)
	assert.ErrorIs(t, err, cnst.ErrInternal)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "db down")
}

func TestFrom_Classifies(t *testing.T) {
	assert.Nil(t, From(nil))
	assert.Equal(t, KindAuthFailed, From(fmt.Errorf("%w: %w", cnst.ErrAuthFailed, cnst.ErrInvalidToken)).Kind)
	assert.Equal(t, KindNotReady, From(cnst.ErrNotReady).Kind)
	assert.Equal(t, KindValidationFailed, From(cnst.ErrUnknownFeature).Kind)
	assert.Equal(t, KindTransportFailure, From(cnst.ErrConnectionClosed).Kind)
	assert.Equal(t, KindInternal, From(errors.New("boom")).Kind)

	orig := RateLimited("typing", 2*time.Second)
	assert.Same(t, orig, From(fmt.Errorf("wrapped: %w", orig)))
}

func TestError_HTTPStatusAndRetryable(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, RateLimited("m", 0).HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, Validation("x").HTTPStatus())
	assert.Equal(t, http.StatusNotFound, NotFound("feature", "x").HTTPStatus())
	assert.True(t, NotReady("x").Retryable())
	assert.False(t, Validation("x").Retryable())
}

func TestErrorHandler_HandleError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewErrorHandler(zap.NewNop())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/flags/x", nil)
	h.HandleError(c, RateLimited("message", 1500*time.Millisecond))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	var body struct {
		Error map[string]any `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "RateLimited", body.Error["type"])
	assert.Equal(t, float64(1500), body.Error["retryAfterMs"])
	assert.NotEmpty(t, body.Error["trace_id"])
}

func TestErrorHandler_Recovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewErrorHandler(zap.NewNop())
	r := gin.New()
	r.Use(h.RecoveryMiddleware())
	r.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Internal")
}
