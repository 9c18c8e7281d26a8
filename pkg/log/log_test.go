package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildLoggersChainDirectly(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	defer Init(Config{Level: InfoLevel, JSONOutput: true})

	// Every helper must support chaining a level call on its return value.
	WithComponent("router").Info().Msg("routed")
	WithBucket(3).Warn().Msg("slow drain")
	WithFeed("u:cam:alice#activity").Debug().Msg("paged")
	WithUserID("u:cam:alice").Error().Msg("counter drifted")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 4)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "router", entry["component"])
	assert.Equal(t, "routed", entry["message"])

	entry = map[string]any{}
	require.NoError(t, json.Unmarshal(lines[1], &entry))
	assert.Equal(t, float64(3), entry["bucket"])

	entry = map[string]any{}
	require.NoError(t, json.Unmarshal(lines[3], &entry))
	assert.Equal(t, "u:cam:alice", entry["user_id"])
	assert.Equal(t, "error", entry["level"])
}
