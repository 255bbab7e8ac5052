package verification

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []Status{StatusPending, StatusCommitted, StatusVerified, StatusFailed, StatusLocalOnly}

func TestLegalTransitions(t *testing.T) {
	legal := map[[2]Status]bool{
		{StatusPending, StatusCommitted}:  true,
		{StatusCommitted, StatusVerified}: true,
		{StatusPending, StatusFailed}:     true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			got, err := Transition(from, to)
			if legal[[2]Status{from, to}] {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, got)
				continue
			}
			assert.True(t, errors.Is(err, ErrIllegalTransition), "%s -> %s should be illegal", from, to)
			assert.Equal(t, from, got)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusCommitted.Terminal())
	assert.True(t, StatusVerified.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusLocalOnly.Terminal())
	assert.False(t, Status("bogus").Terminal())
}

func TestDisplayMarker(t *testing.T) {
	assert.Equal(t, MarkerTEEVerified, DisplayMarker(StatusPending, false, true))
	assert.Equal(t, MarkerTEEVerified, DisplayMarker(StatusLocalOnly, false, true))
	assert.Equal(t, MarkerUnconfirmed, DisplayMarker(StatusFailed, true, false))
	assert.Equal(t, MarkerFailed, DisplayMarker(StatusFailed, false, false))
	assert.Equal(t, MarkerLocal, DisplayMarker(StatusLocalOnly, false, false))
	assert.Equal(t, MarkerVerified, DisplayMarker(StatusVerified, true, false))
}
