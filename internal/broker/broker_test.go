package broker

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerofrip/system-shizuku/internal/config"
	"github.com/zerofrip/system-shizuku/internal/consent"
	"github.com/zerofrip/system-shizuku/internal/model"
	"github.com/zerofrip/system-shizuku/internal/session"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	cfg := &config.Config{
		BaseDir:              "/data",
		MasterKeySecret:      "test-key",
		MaxPendingRequests:   3,
		MaxGlobalProcesses:   64,
		MaxPerOwnerProcesses: 8,
		MaxAuditPerUser:      200,
	}
	b, err := New(Deps{
		Config:     cfg,
		Log:        zerolog.Nop(),
		Fs:         afero.NewMemMapFs(),
		ConsentUI:  consent.NewQueueUI(func(consent.Request) bool { return true }),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return b
}

// S4 — a session-only grant auto-revokes, with exactly one REVOKE audit
// entry and one notification, when its issuing peer dies.
func TestSessionOnlyGrantAutoRevokesOnPeerDeath(t *testing.T) {
	b := newTestBroker(t)

	b.Store.PutGrant(model.Grant{
		Version: model.CurrentGrantVersion, Package: "com.x", User: 0,
		Granted: true, GrantedAt: time.Now().UnixMilli(),
		Flags: model.FlagSessionOnly,
	})

	token := b.Sessions.Issue("com.x", 0, model.FlagSessionOnly)
	owner := session.PeerID("peer-1")
	require.NoError(t, b.Sessions.Attach(token, owner, "com.x", 0))

	b.Sessions.PeerDied(owner)

	g := b.Store.Grant("com.x", 0)
	require.NotNil(t, g)
	assert.False(t, g.Granted)
	assert.True(t, g.Flags.Has(model.FlagSessionOnly))
	assert.True(t, g.Flags.Has(model.FlagRevokedByUser))

	audit := b.Store.Audit("", 0)
	require.Len(t, audit, 1)
	assert.Equal(t, model.EventRevoke, audit[0].Type)

	_, _, _, ok := b.Sessions.Lookup(token)
	assert.False(t, ok)
}

// A persistent grant's token is dropped on peer death but the stored
// record itself is untouched — only session-only grants revoke.
func TestPersistentGrantSurvivesPeerDeath(t *testing.T) {
	b := newTestBroker(t)

	b.Store.PutGrant(model.Grant{
		Version: model.CurrentGrantVersion, Package: "com.y", User: 0,
		Granted: true, GrantedAt: time.Now().UnixMilli(),
		Flags: model.FlagPersistent,
	})

	token := b.Sessions.Issue("com.y", 0, model.FlagPersistent)
	owner := session.PeerID("peer-2")
	require.NoError(t, b.Sessions.Attach(token, owner, "com.y", 0))

	b.Sessions.PeerDied(owner)

	g := b.Store.Grant("com.y", 0)
	require.NotNil(t, g)
	assert.True(t, g.Granted)
	assert.Empty(t, b.Store.Audit("", 0))

	_, _, _, ok := b.Sessions.Lookup(token)
	assert.False(t, ok)
}
