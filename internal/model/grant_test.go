package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantRoundTripPreservesUnknownFields(t *testing.T) {
	raw := []byte(`{
		"version": 1, "packageName": "com.x", "appId": 10042, "userId": 0,
		"granted": true, "grantedAt": 1000, "expiresAt": 0, "flags": 17,
		"futureField": "from a newer broker build"
	}`)

	var g Grant
	require.NoError(t, json.Unmarshal(raw, &g))
	assert.Equal(t, "com.x", g.Package)
	assert.EqualValues(t, Flags(17), g.Flags) // 0x11: FlagPersistent | an unknown bit
	assert.True(t, g.Flags.Has(FlagPersistent))
	assert.Equal(t, "from a newer broker build", g.Unknown["futureField"])

	out, err := json.Marshal(g)
	require.NoError(t, err)

	var roundTripped map[string]any
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	assert.Equal(t, "from a newer broker build", roundTripped["futureField"])
	assert.EqualValues(t, 17, roundTripped["flags"])

	var g2 Grant
	require.NoError(t, json.Unmarshal(out, &g2))
	assert.Equal(t, g, g2)
}

func TestGrantRoundTripWithoutUnknownFields(t *testing.T) {
	g := Grant{
		Version: 1, Package: "com.y", AppID: 1, User: 0,
		Granted: true, GrantedAt: 5, Flags: FlagPersistent,
	}
	out, err := json.Marshal(g)
	require.NoError(t, err)

	var g2 Grant
	require.NoError(t, json.Unmarshal(out, &g2))
	assert.Equal(t, g, g2)
	assert.Nil(t, g2.Unknown)
}

func TestEventRoundTripPreservesUnknownFields(t *testing.T) {
	raw := []byte(`{
		"version": 1, "eventType": 1, "packageName": "com.x", "appId": 10042,
		"userId": 0, "eventAt": 1000, "sourceNode": "broker-2"
	}`)

	var e Event
	require.NoError(t, json.Unmarshal(raw, &e))
	assert.Equal(t, EventGrant, e.Type)
	assert.Equal(t, "broker-2", e.Unknown["sourceNode"])

	out, err := json.Marshal(e)
	require.NoError(t, err)
	var e2 Event
	require.NoError(t, json.Unmarshal(out, &e2))
	assert.Equal(t, e, e2)
}
