package lanekey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrecedenceSessionBeatsProfileAndAgent(t *testing.T) {
	key, err := Resolve(Invocation{SessionID: "s1", Profile: "auth", AgentID: "a1"})
	require.Nil(t, err)
	assert.Equal(t, "session:s1", key)
}

func TestPrecedenceProfileBeatsAgent(t *testing.T) {
	key, err := Resolve(Invocation{Profile: "auth", AgentID: "a1"})
	require.Nil(t, err)
	assert.Equal(t, "profile:auth", key)
}

func TestPrecedenceAgentFallback(t *testing.T) {
	key, err := Resolve(Invocation{AgentID: "a1"})
	require.Nil(t, err)
	assert.Equal(t, "agent:a1", key)
}

func TestControlLaneWhenNothingSet(t *testing.T) {
	key, err := Resolve(Invocation{})
	require.Nil(t, err)
	assert.Equal(t, ControlLane, key)
}

func TestInvalidProfileName(t *testing.T) {
	_, err := Resolve(Invocation{Profile: "bad name!"})
	require.NotNil(t, err)
	assert.Equal(t, "E_PROFILE_INVALID", string(err.Kind))
}
