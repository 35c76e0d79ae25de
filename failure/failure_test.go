package failure

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesByCode(t *testing.T) {
	err := Clone(ErrRefreshRevoked, "custom message")
	assert.True(t, errors.Is(err, ErrRefreshRevoked))
	assert.False(t, errors.Is(err, ErrRefreshExpired))

	wrapped := fmt.Errorf("ledger: %w", err)
	assert.True(t, errors.Is(wrapped, ErrRefreshRevoked))
}

func TestFromErrorNormalisesUnknownErrors(t *testing.T) {
	cause := errors.New("db down")
	appErr := FromError(cause)
	require.NotNil(t, appErr)
	assert.Equal(t, ErrInternal.Code, appErr.Code)
	assert.Equal(t, http.StatusInternalServerError, appErr.Status)
	assert.ErrorIs(t, appErr, cause)
	assert.Nil(t, FromError(nil))
}

func TestCloneDoesNotMutateBase(t *testing.T) {
	clone := Clone(ErrRateLimited, "slow down")
	clone.RetryAfter = time.Second
	assert.Equal(t, "too many requests", ErrRateLimited.Message)
	assert.Zero(t, ErrRateLimited.RetryAfter)
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	err := Clone(ErrRateLimited, "")
	err.RetryAfter = 2500 * time.Millisecond

	WriteJSON(rec, err)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	var body struct {
		Error struct {
			Code   string `json:"code"`
			Status int    `json:"status"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body.Error.Code)
	assert.Equal(t, http.StatusTooManyRequests, body.Error.Status)
}
