package client_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerofrip/system-shizuku/internal/consent"
	"github.com/zerofrip/system-shizuku/internal/crypto"
	"github.com/zerofrip/system-shizuku/internal/eventbus"
	"github.com/zerofrip/system-shizuku/internal/identity"
	"github.com/zerofrip/system-shizuku/internal/ipc"
	"github.com/zerofrip/system-shizuku/internal/management"
	"github.com/zerofrip/system-shizuku/internal/permission"
	"github.com/zerofrip/system-shizuku/internal/session"
	"github.com/zerofrip/system-shizuku/internal/store"
	"github.com/zerofrip/system-shizuku/internal/supervisor"
	"github.com/zerofrip/system-shizuku/pkg/client"
)

func startTestBroker(t *testing.T, decide func(consent.Request) bool) (*httptest.Server, store.Store) {
	t.Helper()
	sealer, err := crypto.NewSealer(crypto.DeriveKey([]byte("k")))
	require.NoError(t, err)
	st := store.New(afero.NewMemMapFs(), "/data", sealer, zerolog.Nop(), nil, 0)

	db := identity.NewMemoryDatabase()
	db.RegisterPackage(10042, 0, "com.x")
	db.GrantManagementCapability(1)

	reg := ipc.NewRegistry(zerolog.Nop())
	bus := eventbus.New(zerolog.Nop(), reg)
	sessions := session.New(zerolog.Nop(), nil, nil)
	ui := consent.NewQueueUI(decide)
	clock := func() int64 { return time.Now().UnixMilli() }

	perm := permission.New(permission.Deps{Store: st, Sessions: sessions, Bus: bus, DB: db, UI: ui, Clock: clock, Log: zerolog.Nop()})
	mgmt := management.New(management.Deps{Store: st, Sessions: sessions, Bus: bus, DB: db, Clock: clock, Log: zerolog.Nop()})
	sup := supervisor.New(st, clock, zerolog.Nop(), nil, 64, 8)

	srv := ipc.NewServer(ipc.Deps{Permission: perm, Management: mgmt, Sessions: sessions, Supervisor: sup, Registry: reg, Log: zerolog.Nop()})
	return httptest.NewServer(srv.Handler()), st
}

func TestClientPingOverHTTP(t *testing.T) {
	hs, _ := startTestBroker(t, func(consent.Request) bool { return true })
	defer hs.Close()

	c := client.New(client.Options{BaseURL: hs.URL, AppID: 1})
	v, err := c.Ping()
	require.NoError(t, err)
	assert.Equal(t, permission.ProtocolVersion, v)
}

func TestClientRequestPermissionAndAttachOverWebsocket(t *testing.T) {
	hs, st := startTestBroker(t, func(consent.Request) bool { return true })
	defer hs.Close()

	c := client.New(client.Options{BaseURL: hs.URL, AppID: 10042, User: 0, Package: "com.x"})
	require.NoError(t, c.Connect())
	defer c.Close()

	result, err := c.RequestPermission("com.x", 0)
	require.NoError(t, err)
	assert.True(t, result.Granted)
	assert.NotEmpty(t, result.Token)

	require.NoError(t, c.AttachSession(result.Token))

	g := st.Grant("com.x", 0)
	require.NotNil(t, g)
	assert.True(t, g.Granted)
}

func TestClientManagementOverHTTP(t *testing.T) {
	hs, st := startTestBroker(t, func(consent.Request) bool { return true })
	defer hs.Close()

	mc := client.New(client.Options{BaseURL: hs.URL, AppID: 10042, User: 0, Package: "com.x"})
	res, err := mc.RequestPermission("com.x", 0)
	require.NoError(t, err)
	require.True(t, res.Granted)

	admin := client.New(client.Options{BaseURL: hs.URL, AppID: 1, User: 0})
	grants, err := admin.ListPermissions(0)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "com.x", grants[0].Package)

	require.NoError(t, admin.RevokePermission("com.x", 0))
	g := st.Grant("com.x", 0)
	require.NotNil(t, g)
	assert.False(t, g.Granted)
}
