package supervisor

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerofrip/system-shizuku/internal/apperr"
	"github.com/zerofrip/system-shizuku/internal/crypto"
	"github.com/zerofrip/system-shizuku/internal/model"
	"github.com/zerofrip/system-shizuku/internal/session"
	"github.com/zerofrip/system-shizuku/internal/store"
)

func newTestSupervisor(t *testing.T, maxGlobal, maxPerOwner int) (*Supervisor, store.Store) {
	t.Helper()
	sealer, err := crypto.NewSealer(crypto.DeriveKey([]byte("k")))
	require.NoError(t, err)
	st := store.New(afero.NewMemMapFs(), "/data", sealer, zerolog.Nop(), nil, 0)
	sv := New(st, func() int64 { return time.Now().UnixMilli() }, zerolog.Nop(), nil, maxGlobal, maxPerOwner)
	return sv, st
}

func sleepSpec() Spec {
	return Spec{Argv: []string{"/bin/sleep", "5"}}
}

func TestNewProcessRequiresGrant(t *testing.T) {
	sv, _ := newTestSupervisor(t, 64, 8)
	_, err := sv.NewProcess(session.PeerID("peer-1"), "com.x", 0, sleepSpec())
	require.Error(t, err)
	apErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindNotGranted, apErr.Kind)
}

// S7 — per-owner cap then owner-death cleanup.
func TestPerOwnerCapAndOwnerDeathCleanup(t *testing.T) {
	sv, st := newTestSupervisor(t, 64, 8)
	st.PutGrant(model.Grant{Package: "com.x", User: 0, Granted: true, Flags: model.FlagPersistent})

	owner := session.PeerID("peer-1")
	var handles []*Handle
	for i := 0; i < 8; i++ {
		h, err := sv.NewProcess(owner, "com.x", 0, sleepSpec())
		require.NoError(t, err)
		handles = append(handles, h)
	}
	assert.Equal(t, 8, sv.CountForOwner(owner))
	assert.Equal(t, 8, sv.Count())

	_, err := sv.NewProcess(owner, "com.x", 0, sleepSpec())
	require.Error(t, err)
	apErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindResourceExhausted, apErr.Kind)

	sv.OwnerDied(owner)

	for _, h := range handles {
		assert.Eventually(t, func() bool { return !h.Alive() }, 2*time.Second, 10*time.Millisecond)
	}
	assert.Eventually(t, func() bool { return sv.CountForOwner(owner) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return sv.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGlobalCapExhausted(t *testing.T) {
	sv, st := newTestSupervisor(t, 1, 8)
	st.PutGrant(model.Grant{Package: "com.x", User: 0, Granted: true, Flags: model.FlagPersistent})

	owner := session.PeerID("peer-1")
	h, err := sv.NewProcess(owner, "com.x", 0, sleepSpec())
	require.NoError(t, err)
	defer h.Destroy()

	_, err = sv.NewProcess(owner, "com.x", 0, sleepSpec())
	require.Error(t, err)
	apErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindResourceExhausted, apErr.Kind)
}

func TestWaitAndExitValue(t *testing.T) {
	sv, st := newTestSupervisor(t, 64, 8)
	st.PutGrant(model.Grant{Package: "com.x", User: 0, Granted: true, Flags: model.FlagPersistent})

	h, err := sv.NewProcess(session.PeerID("peer-1"), "com.x", 0, Spec{Argv: []string{"/bin/echo", "hi"}})
	require.NoError(t, err)

	code := h.Wait()
	assert.Equal(t, 0, code)
	assert.False(t, h.Alive())

	ev, err := h.ExitValue()
	require.NoError(t, err)
	assert.Equal(t, 0, ev)
}

func TestExitValueNotExitedWhileRunning(t *testing.T) {
	sv, st := newTestSupervisor(t, 64, 8)
	st.PutGrant(model.Grant{Package: "com.x", User: 0, Granted: true, Flags: model.FlagPersistent})

	h, err := sv.NewProcess(session.PeerID("peer-1"), "com.x", 0, sleepSpec())
	require.NoError(t, err)
	defer h.Destroy()

	_, err = h.ExitValue()
	require.Error(t, err)
	apErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindNotExited, apErr.Kind)
}

func TestAuditUseRecordedOnSpawn(t *testing.T) {
	sv, st := newTestSupervisor(t, 64, 8)
	st.PutGrant(model.Grant{Package: "com.x", User: 0, Granted: true, Flags: model.FlagPersistent})

	h, err := sv.NewProcess(session.PeerID("peer-1"), "com.x", 0, Spec{Argv: []string{"/bin/echo", "hi"}})
	require.NoError(t, err)
	h.Wait()

	audit := st.Audit("", 0)
	require.Len(t, audit, 1)
	assert.Equal(t, model.EventUse, audit[0].Type)
	detail := model.DecodeDetail(audit[0].Detail)
	assert.Equal(t, "/bin/echo", detail.Command)
}
