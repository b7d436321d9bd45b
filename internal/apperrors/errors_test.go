package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validationf("bad %s", "input"), http.StatusBadRequest},
		{"unauthenticated", Unauthenticated("missing api key"), http.StatusUnauthorized},
		{"forbidden", Forbidden("unknown tenant"), http.StatusForbidden},
		{"not found", NotFoundf("file %s", "x"), http.StatusNotFound},
		{"conflict", Conflictf("duplicate"), http.StatusConflict},
		{"transient", Transient("db down", errors.New("dial tcp")), http.StatusServiceUnavailable},
		{"wrapped", fmt.Errorf("Intake: %w", Validationf("empty")), http.StatusBadRequest},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestPublicMessageHidesInternals(t *testing.T) {
	assert.Equal(t, "empty file list", PublicMessage(Validationf("empty file list")))
	assert.Equal(t, "Internal server error", PublicMessage(errors.New("pq: password authentication failed")))
	assert.Equal(t, "Service temporarily unavailable", PublicMessage(Transient("store", errors.New("conn reset"))))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("UpsertAccount: %w", Transient("insert account", cause))

	assert.True(t, IsTransient(err))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "UpsertAccount: insert account: connection refused", err.Error())
}

func TestIsTransientDeadline(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("query: %w", context.DeadlineExceeded)))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(nil))
}

func TestRetry(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	log := zerolog.Nop()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, log, func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return Transient("flaky", errors.New("timeout"))
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on non-transient error", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, log, func(ctx context.Context) error {
			calls++
			return Validationf("bad payload")
		})
		require.Error(t, err)
		assert.True(t, IsValidation(err))
		assert.Equal(t, 1, calls)
	})

	t.Run("exhausts budget", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, log, func(ctx context.Context) error {
			calls++
			return Transient("down", errors.New("refused"))
		})
		require.Error(t, err)
		assert.True(t, IsTransient(err))
		assert.Equal(t, 3, calls)
	})
}

func TestBackoffCapped(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(8))
}
