package store

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerofrip/system-shizuku/internal/crypto"
	"github.com/zerofrip/system-shizuku/internal/model"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	sealer, err := crypto.NewSealer(crypto.DeriveKey([]byte("test-master-key")))
	require.NoError(t, err)
	return New(afero.NewMemMapFs(), "/data/system_shizuku", sealer, zerolog.Nop(), nil, 0)
}

func TestPutGrantRoundTrip(t *testing.T) {
	s := newTestStore(t)
	g := model.Grant{
		Version: 1, Package: "com.x", AppID: 10042, User: 0,
		Granted: true, GrantedAt: 1000, Flags: model.FlagPersistent,
	}
	s.PutGrant(g)

	got := s.Grant("com.x", 0)
	require.NotNil(t, got)
	assert.Equal(t, g, *got)
}

func TestPutGrantReplacesExisting(t *testing.T) {
	s := newTestStore(t)
	s.PutGrant(model.Grant{Package: "com.x", User: 0, Granted: true, GrantedAt: 1})
	s.PutGrant(model.Grant{Package: "com.x", User: 0, Granted: false, GrantedAt: 2})

	all := s.Grants(0)
	require.Len(t, all, 1)
	assert.False(t, all[0].Granted)
	assert.EqualValues(t, 2, all[0].GrantedAt)
}

func TestRevokeSetsFlagsAndReturnsUpdated(t *testing.T) {
	s := newTestStore(t)
	s.PutGrant(model.Grant{Package: "com.x", User: 0, Granted: true, Flags: model.FlagPersistent})

	g := s.Revoke("com.x", 0)
	require.NotNil(t, g)
	assert.False(t, g.Granted)
	assert.True(t, g.Flags.Has(model.FlagRevokedByUser))
}

func TestRevokeAbsentReturnsNil(t *testing.T) {
	s := newTestStore(t)
	assert.Nil(t, s.Revoke("com.missing", 0))
}

func TestRevokeAllAffectsOnlyTargetUser(t *testing.T) {
	s := newTestStore(t)
	s.PutGrant(model.Grant{Package: "com.a", User: 0, Granted: true})
	s.PutGrant(model.Grant{Package: "com.b", User: 0, Granted: true})
	s.PutGrant(model.Grant{Package: "com.a", User: 10, Granted: true})

	updated := s.RevokeAll(0)
	require.Len(t, updated, 2)
	for _, g := range updated {
		assert.False(t, g.Granted)
	}

	other := s.Grant("com.a", 10)
	require.NotNil(t, other)
	assert.True(t, other.Granted)
}

func TestDeleteUserUnlinksBothFiles(t *testing.T) {
	s := newTestStore(t)
	s.PutGrant(model.Grant{Package: "com.x", User: 0, Granted: true})
	s.AppendAudit(model.Event{Type: model.EventGrant, Package: "com.x", User: 0, EventAt: 1})

	s.DeleteUser(0)

	assert.Empty(t, s.Grants(0))
	assert.Empty(t, s.Audit("", 0))
}

func TestAuditNewestFirstAndCapped(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < model.MaxAuditEntriesPerUser+10; i++ {
		s.AppendAudit(model.Event{Type: model.EventUse, Package: "com.x", User: 0, EventAt: int64(i)})
	}

	events := s.Audit("", 0)
	// capped at the management boundary (100), not the store's retention (200)
	assert.Len(t, events, model.AuditCapAtBoundary)
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i-1].EventAt, events[i].EventAt)
	}
}

func TestAuditFiltersByPackage(t *testing.T) {
	s := newTestStore(t)
	s.AppendAudit(model.Event{Type: model.EventUse, Package: "com.a", User: 0, EventAt: 1})
	s.AppendAudit(model.Event{Type: model.EventUse, Package: "com.b", User: 0, EventAt: 2})

	events := s.Audit("com.a", 0)
	require.Len(t, events, 1)
	assert.Equal(t, "com.a", events[0].Package)
}

func TestMissingFileReadsAsEmpty(t *testing.T) {
	s := newTestStore(t)
	assert.Empty(t, s.Grants(42))
	assert.Nil(t, s.Grant("com.x", 42))
	assert.Empty(t, s.Audit("", 42))
}

func TestCorruptCiphertextReadsAsEmpty(t *testing.T) {
	s := newTestStore(t)
	s.PutGrant(model.Grant{Package: "com.x", User: 0, Granted: true})

	require.NoError(t, afero.WriteFile(s.fs, s.grantsPath(0), []byte("not ciphertext"), 0o600))

	assert.Empty(t, s.Grants(0))
}
