package lifecycle

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerofrip/system-shizuku/internal/crypto"
	"github.com/zerofrip/system-shizuku/internal/eventbus"
	"github.com/zerofrip/system-shizuku/internal/model"
	"github.com/zerofrip/system-shizuku/internal/session"
	"github.com/zerofrip/system-shizuku/internal/store"
)

type nopNotifier struct{ n int }

func (n *nopNotifier) NotifyPermissionChanged(string, int, bool) { n.n++ }

func newTestHooks(t *testing.T) (*Hooks, store.Store, *session.Manager, *nopNotifier) {
	t.Helper()
	sealer, err := crypto.NewSealer(crypto.DeriveKey([]byte("k")))
	require.NoError(t, err)
	st := store.New(afero.NewMemMapFs(), "/data", sealer, zerolog.Nop(), nil, 0)
	notifier := &nopNotifier{}
	bus := eventbus.New(zerolog.Nop(), notifier)
	sessions := session.New(zerolog.Nop(), nil, nil)
	h := New(Deps{
		Store: st, Sessions: sessions, Bus: bus,
		Clock: func() int64 { return time.Now().UnixMilli() },
		Log:   zerolog.Nop(),
	})
	return h, st, sessions, notifier
}

func TestBootScanDropsSessionOnlyGrants(t *testing.T) {
	h, st, _, _ := newTestHooks(t)
	st.PutGrant(model.Grant{Package: "com.a", User: 0, Granted: true, Flags: model.FlagSessionOnly})

	h.BootScan([]int{0})

	g := st.Grant("com.a", 0)
	require.NotNil(t, g)
	assert.False(t, g.Granted)
	assert.Empty(t, st.Audit("", 0))
}

func TestBootScanExpiresAndAuditsStaleGrants(t *testing.T) {
	h, st, _, notifier := newTestHooks(t)
	now := time.Now().UnixMilli()
	st.PutGrant(model.Grant{
		Package: "com.b", User: 0, Granted: true, Flags: model.FlagPersistent,
		GrantedAt: now - 10000, ExpiresAt: now - 1,
	})

	h.BootScan([]int{0})

	g := st.Grant("com.b", 0)
	require.NotNil(t, g)
	assert.False(t, g.Granted)
	audit := st.Audit("", 0)
	require.Len(t, audit, 1)
	assert.Equal(t, model.EventExpire, audit[0].Type)
	assert.Equal(t, 1, notifier.n)
}

func TestBootScanLeavesLiveGrantsAlone(t *testing.T) {
	h, st, _, _ := newTestHooks(t)
	st.PutGrant(model.Grant{Package: "com.c", User: 0, Granted: true, Flags: model.FlagPersistent})

	h.BootScan([]int{0})

	g := st.Grant("com.c", 0)
	require.NotNil(t, g)
	assert.True(t, g.Granted)
	assert.Empty(t, st.Audit("", 0))
}

func TestUserRemovedPurgesWithoutAudit(t *testing.T) {
	h, st, sessions, _ := newTestHooks(t)
	st.PutGrant(model.Grant{Package: "com.a", User: 5, Granted: true, Flags: model.FlagPersistent})
	tok := sessions.Issue("com.a", 5, model.FlagPersistent)

	h.UserRemoved(5)

	assert.Nil(t, st.Grant("com.a", 5))
	assert.Empty(t, st.Audit("", 5))
	_, _, _, ok := sessions.Lookup(tok)
	assert.False(t, ok)
}

func TestPackageRemovedRevokesSilentlyButAudits(t *testing.T) {
	h, st, sessions, notifier := newTestHooks(t)
	st.PutGrant(model.Grant{Package: "com.x", User: 0, Granted: true, Flags: model.FlagPersistent})
	tok := sessions.Issue("com.x", 0, model.FlagPersistent)

	h.PackageRemoved("com.x", 0)

	g := st.Grant("com.x", 0)
	require.NotNil(t, g)
	assert.False(t, g.Granted)

	audit := st.Audit("", 0)
	require.Len(t, audit, 1)
	assert.Equal(t, model.EventRevoke, audit[0].Type)
	detail := model.DecodeDetail(audit[0].Detail)
	assert.Equal(t, "package removed", detail.Reason)

	_, _, _, ok := sessions.Lookup(tok)
	assert.False(t, ok)
	assert.Equal(t, 0, notifier.n)
}

func TestPackageRemovedIdempotentOnAbsentGrant(t *testing.T) {
	h, _, _, _ := newTestHooks(t)
	h.PackageRemoved("com.missing", 0)
}
