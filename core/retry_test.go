package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
)

func TestRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	err := core.Retry(context.Background(), core.RetryPolicy{Attempts: 3, Initial: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return core.Transient(errors.New("db locked"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_PermanentErrorStopsImmediately(t *testing.T) {
	calls := 0
	err := core.Retry(context.Background(), core.DefaultRetryPolicy, func(context.Context) error {
		calls++
		return core.ErrNotFound
	})
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := core.Retry(context.Background(), core.RetryPolicy{Attempts: 2, Initial: time.Millisecond}, func(context.Context) error {
		calls++
		return core.Transient(errors.New("busy"))
	})
	assert.True(t, core.IsTransient(err))
	assert.Equal(t, 2, calls)
}

func TestRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := core.Retry(context.Background(), core.RetryPolicy{Initial: time.Millisecond}, func(context.Context) error {
		calls++
		return core.Transient(errors.New("busy"))
	})
	assert.True(t, core.IsTransient(err))
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := core.Retry(ctx, core.RetryPolicy{Attempts: 5, Initial: time.Hour}, func(context.Context) error {
		return core.Transient(errors.New("busy"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseHelpers(t *testing.T) {
	c, err := core.ParseChannel("sms")
	require.NoError(t, err)
	assert.Equal(t, core.ChannelSMS, c)

	_, err = core.ParseChannel("fax")
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = core.ParseDirection("sideways")
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	s, err := core.ParseSignal("email", "A@B.com")
	require.NoError(t, err)
	assert.Equal(t, "email:A@B.com", s.Key())
	assert.True(t, s.Type.Strong())
	assert.False(t, core.SignalName.Strong())
}

func TestInteractionClone_IsDeep(t *testing.T) {
	in := &core.Interaction{
		ID:         "i1",
		Embedding:  []float32{1, 2},
		Attributes: map[string]string{core.AttrUrgency: "high"},
	}
	cp := in.Clone()
	cp.Embedding[0] = 9
	cp.Attributes[core.AttrUrgency] = "low"

	assert.Equal(t, float32(1), in.Embedding[0])
	assert.Equal(t, "high", in.Attribute(core.AttrUrgency))
	assert.True(t, in.Retrievable())
}
