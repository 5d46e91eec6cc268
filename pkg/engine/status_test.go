package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreating, StatusIdle, true},
		{StatusCreating, StatusError, true},
		{StatusConnecting, StatusIdle, true},
		{StatusIdle, StatusActive, true},
		{StatusActive, StatusIdle, true},
		{StatusError, StatusIdle, true},
		{StatusIdle, StatusCreating, false},
		{StatusActive, StatusConnecting, false},
		{StatusUnlinked, StatusIdle, false},
		{StatusUnlinked, StatusConnecting, false},
		{StatusUnlinked, StatusUnlinked, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransitionRequiresConfigurationForActive(t *testing.T) {
	inst := &Instance{ID: "i", Status: StatusIdle}
	err := inst.Transition(StatusActive)
	assert.True(t, IsConflict(err))
	assert.Equal(t, StatusIdle, inst.Status)

	inst.ConfigurationID = "cfg"
	require.NoError(t, inst.Transition(StatusActive))
	assert.True(t, inst.Healthy)

	require.NoError(t, inst.Transition(StatusError))
	assert.False(t, inst.Healthy)
}

func TestRelinkLeavesUnlinked(t *testing.T) {
	inst := &Instance{ID: "i", Status: StatusUnlinked, StatusMessage: "401"}
	assert.True(t, IsConflict(inst.Transition(StatusIdle)))

	inst.Relink()
	assert.Equal(t, StatusConnecting, inst.Status)
	assert.Empty(t, inst.StatusMessage)
	require.NoError(t, inst.Transition(StatusIdle))
}

func TestStatusAfterFailure(t *testing.T) {
	unreachable := NewTransientError("dial", nil).WithCode(ErrCodeUnreachable)
	unauthorized := NewPermanentError("401", nil).WithCode(ErrCodeUnauthorized)
	foreign := NewPermanentError("not ours", nil).WithCode(ErrCodeForeignEndpoint)
	rejected := NewPermanentError("500", nil).WithCode(ErrCodeRejected)

	assert.Equal(t, StatusError, StatusAfterPushFailure(KindLocal, unreachable))
	assert.Equal(t, StatusUnlinked, StatusAfterPushFailure(KindRemote, unreachable))
	assert.Equal(t, StatusUnlinked, StatusAfterPushFailure(KindCloud, unreachable))
	assert.Equal(t, StatusUnlinked, StatusAfterPushFailure(KindLocal, unauthorized))
	assert.Equal(t, StatusError, StatusAfterPushFailure(KindRemote, rejected))
	assert.Equal(t, StatusError, StatusAfterPushFailure(KindRemote, errors.New("boom")))

	assert.Equal(t, StatusError, StatusAfterProbeFailure(unreachable))
	assert.Equal(t, StatusUnlinked, StatusAfterProbeFailure(unauthorized))
	assert.Equal(t, StatusUnlinked, StatusAfterProbeFailure(foreign))
}

func TestStatusJSON(t *testing.T) {
	var s Status
	require.NoError(t, s.UnmarshalJSON([]byte(`"idle"`)))
	assert.Equal(t, StatusIdle, s)
	assert.Error(t, s.UnmarshalJSON([]byte(`"sleeping"`)))
}

func TestErrorsMatchSentinels(t *testing.T) {
	err := ErrNotFound.WithResource("abc").WithDetail("entity", "instance")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotFound(err))
	assert.Empty(t, ErrNotFound.Resource, "sentinels are never mutated")

	wrapped := NewPermanentError("delete failed", ErrResourceNotFound.WithResource("svc"))
	assert.True(t, HasCode(wrapped, ErrCodeNotFound))
	assert.Equal(t, ErrCodeInternal, CodeOf(errors.New("plain")))
	assert.True(t, IsRetryable(ErrQueueFull))
}
