package taskstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHappyPathTransitions(t *testing.T) {
	s := Created
	var err error

	s, err = Transition(s, EventAdmitted)
	require.NoError(t, err)
	assert.Equal(t, Waiting, s)

	s, err = Transition(s, EventWorkerPick)
	require.NoError(t, err)
	assert.Equal(t, Running, s)

	s, err = Transition(s, EventResponseComplete)
	require.NoError(t, err)
	assert.Equal(t, Completed, s)
}

func TestRemovedIsTerminalAndIdempotent(t *testing.T) {
	s, err := Transition(Running, EventUserRemove)
	require.NoError(t, err)
	assert.Equal(t, Removed, s)

	s, err = Transition(Removed, EventUserRemove)
	require.NoError(t, err)
	assert.Equal(t, Removed, s)

	_, err = Transition(Removed, EventUserResume)
	assert.Error(t, err)
}

func TestNetworkLossPausesWithReason(t *testing.T) {
	s, err := Transition(Running, EventNetworkLost)
	require.NoError(t, err)
	assert.Equal(t, Paused, s)
}

func TestInvalidTransitionRejected(t *testing.T) {
	_, err := Transition(Waiting, EventByteWritten)
	require.Error(t, err)
	var ite *ErrInvalidTransition
	assert.ErrorAs(t, err, &ite)
}

func TestMachineRetryBudgetExhaustion(t *testing.T) {
	m := NewMachine(2)
	_, _ = m.Fire(EventAdmitted, "")
	_, _ = m.Fire(EventWorkerPick, "")

	s, err := m.Fire(EventTransientError, "")
	require.NoError(t, err)
	assert.Equal(t, Retrying, s)
	assert.Equal(t, 1, m.Tries())

	s, err = m.Fire(EventBackoffElapsed, "")
	require.NoError(t, err)
	assert.Equal(t, Running, s)

	s, err = m.Fire(EventTransientError, "")
	require.NoError(t, err)
	assert.Equal(t, Failed, s)
	assert.Equal(t, 2, m.Tries())
}

func TestMachineResumeClearsReason(t *testing.T) {
	m := Restore(Paused, ReasonWaitingNetwork, 1, 3)
	s, err := m.Fire(EventUserResume, "")
	require.NoError(t, err)
	assert.Equal(t, Waiting, s)
	_, reason, _ := m.Snapshot()
	assert.Equal(t, ReasonNone, reason)
}
