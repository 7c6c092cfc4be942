package gemini

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"docvec/internal/embedding"
)

func TestClassifyError_RateLimit(t *testing.T) {
	gerr := &googleapi.Error{
		Code:   http.StatusTooManyRequests,
		Header: http.Header{"Retry-After": []string{"7"}},
	}

	err := classifyError(gerr)
	assert.Equal(t, embedding.FailureRateLimited, embedding.Classify(err))

	hint, ok := embedding.RetryAfterHint(err)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, hint)
}

func TestClassifyError_ServerError(t *testing.T) {
	err := classifyError(&googleapi.Error{Code: http.StatusBadGateway})
	assert.Equal(t, embedding.FailureTransient, embedding.Classify(err))
	assert.True(t, embedding.Retryable(err))
}

func TestClassifyError_AuthError(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		err := classifyError(&googleapi.Error{Code: code})
		assert.Equal(t, embedding.FailurePermanent, embedding.Classify(err))
		assert.False(t, embedding.Retryable(err))
	}
}

func TestClassifyError_BadRequest(t *testing.T) {
	err := classifyError(&googleapi.Error{Code: http.StatusBadRequest, Message: "secret internals"})
	assert.Equal(t, embedding.FailurePermanent, embedding.Classify(err))

	// The surfaced message is the sanitized class summary, not the raw body.
	var pe *embedding.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.NotContains(t, pe.Message, "secret internals")
}

func TestClassifyError_Timeout(t *testing.T) {
	err := classifyError(fmt.Errorf("call: %w", context.DeadlineExceeded))
	assert.Equal(t, embedding.FailureTransient, embedding.Classify(err))
}

func TestClassifyError_Unknown(t *testing.T) {
	err := classifyError(fmt.Errorf("connection reset"))
	assert.Equal(t, embedding.FailureTransient, embedding.Classify(err))
}
