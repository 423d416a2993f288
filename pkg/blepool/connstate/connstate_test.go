package connstate

import (
	"errors"
	"testing"

	"github.com/batteryhawk/core/pkg/battery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = battery.Address("AA:BB:CC:DD:EE:01")

func TestDefaultStateIsDisconnected(t *testing.T) {
	m := New()
	assert.Equal(t, Disconnected, m.Current(testAddress))
}

func TestValidTransitionSequence(t *testing.T) {
	m := New()

	require.NoError(t, m.Transition(testAddress, Connecting, "pool admitted"))
	require.NoError(t, m.Transition(testAddress, Connected, "link established"))
	require.NoError(t, m.Transition(testAddress, Disconnecting, "operator request"))
	require.NoError(t, m.Transition(testAddress, Disconnected, "link closed"))

	assert.Equal(t, Disconnected, m.Current(testAddress))
}

func TestReconnectCycle(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(testAddress, Connecting, ""))
	require.NoError(t, m.Transition(testAddress, Connected, ""))
	require.NoError(t, m.Transition(testAddress, Reconnecting, "link dropped"))
	require.NoError(t, m.Transition(testAddress, Connecting, "retry"))
	require.NoError(t, m.Transition(testAddress, Connected, "retry succeeded"))
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := New()
	err := m.Transition(testAddress, Connected, "skip connecting")
	require.Error(t, err)
	assert.True(t, errors.Is(err, battery.InvalidStateTransition))
	assert.Equal(t, Disconnected, m.Current(testAddress))
}

func TestErrorRecoveryPaths(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(testAddress, Connecting, ""))
	require.NoError(t, m.Transition(testAddress, Error, "connect failed"))

	require.NoError(t, m.Transition(testAddress, Connecting, "controller retry"))

	require.NoError(t, m.Transition(testAddress, Error, "connect failed again"))
	require.NoError(t, m.Transition(testAddress, Disconnected, "operator reset"))
}

func TestSameStateTransitionIsNoOp(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(testAddress, Disconnected, "already disconnected"))
	assert.Equal(t, Disconnected, m.Current(testAddress))
}

func TestHistoryOrderingAndWraparound(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(testAddress, Connecting, "1"))
	require.NoError(t, m.Transition(testAddress, Connected, "2"))

	history := m.History(testAddress)
	require.Len(t, history, 2)
	assert.Equal(t, Connecting, history[0].State)
	assert.Equal(t, Connected, history[1].State)

	// Drive enough transitions to wrap the ring buffer and confirm it
	// stays bounded and in chronological order.
	for i := 0; i < historySize*2; i++ {
		require.NoError(t, m.Transition(testAddress, Reconnecting, "churn"))
		require.NoError(t, m.Transition(testAddress, Connecting, "churn"))
		require.NoError(t, m.Transition(testAddress, Connected, "churn"))
	}
	history = m.History(testAddress)
	assert.LessOrEqual(t, len(history), historySize)
	assert.GreaterOrEqual(t, len(history), 20)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].Timestamp.Before(history[i-1].Timestamp), "entry %d is older than entry %d", i, i-1)
	}
	assert.Equal(t, Connected, history[len(history)-1].State)
}

func TestRemoveClearsState(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(testAddress, Connecting, ""))
	m.Remove(testAddress)
	assert.Equal(t, Disconnected, m.Current(testAddress))
	assert.Empty(t, m.History(testAddress))
}
