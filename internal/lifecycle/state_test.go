package lifecycle

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTextRoundTrip(t *testing.T) {
	raw, err := json.Marshal(Transition{From: StateStarted, To: StateShuttingDown})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"from":"started"`)
	assert.Contains(t, string(raw), `"to":"shutting_down"`)

	var tr Transition
	require.NoError(t, json.Unmarshal(raw, &tr))
	assert.Equal(t, StateShuttingDown, tr.To)

	var st State
	require.Error(t, st.UnmarshalText([]byte("paused")))
	assert.Equal(t, "unknown", State(42).String())
}
