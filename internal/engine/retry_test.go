package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/taskmill/taskmill/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"context cancelled", context.Canceled, false},
		{"execution TaskError", schema.NewError(schema.ErrCodeExecution, "boom"), true},
		{"timeout TaskError", schema.NewError(schema.ErrCodeTimeout, "too slow"), true},
		{"store TaskError", schema.NewError(schema.ErrCodeStore, "db locked"), true},
		{"validation TaskError", schema.NewError(schema.ErrCodeValidation, "bad input"), false},
		{"missing input TaskError", schema.NewError(schema.ErrCodeMissingInput, "need data"), false},
		{"tool unavailable TaskError", schema.NewError(schema.ErrCodeToolUnavailable, "no such tool"), false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"service unavailable", errors.New("503 Service Unavailable"), true},
		{"unknown error defaults retryable", errors.New("something odd"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryableError(tc.err))
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, base, ComputeBackoff(base, 0))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(base, 1))
	assert.Equal(t, 400*time.Millisecond, ComputeBackoff(base, 2))
	assert.Equal(t, retryMaxDelay, ComputeBackoff(base, 20))
	assert.Equal(t, retryBaseDelay, ComputeBackoff(0, 0))
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.NoError(t, WaitForBackoff(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
