// Package identity resolves and authorizes the transport-authenticated
// caller identity described in spec.md's GLOSSARY ("Peer identity") and
// §4.5 ("Management capability"). The real platform package database and
// capability grantor are external collaborators; this package defines the
// narrow interfaces the engines consume plus an in-memory implementation
// suitable for the broker's boot-time fixture and for tests.
package identity

// Peer is the transport-authenticated caller, resolved by the IPC layer
// from the underlying connection and handed to every engine call.
type Peer struct {
	// AppID is the package-portion of the identity, stable across user
	// re-creation (spec.md GLOSSARY "App id").
	AppID int64
	// User is the platform multi-user id the peer is currently running as.
	User int
	// Package is the peer's own package name, as resolved from AppID by
	// the platform package database.
	Package string
}

// PackageDatabase resolves which package (and its stable AppID) owns a
// caller identity in a given user, the lookup spec.md §4.2 step 1
// requires ("resolve peer-identity -> expected-identity via platform
// package database").
type PackageDatabase interface {
	// OwnerOf returns the package name that AppID resolves to in user, or
	// ok=false if AppID is not a known package in that user.
	OwnerOf(appID int64, user int) (pkg string, ok bool)
}

// CapabilityChecker gates the management surface (spec.md §4.5:
// MANAGE_SYSTEM_SHIZUKU-equivalent, plus a stricter cross-user capability
// for USER_ALL operations).
type CapabilityChecker interface {
	HasManagementCapability(peer Peer) bool
	HasCrossUserCapability(peer Peer) bool
}

// MemoryDatabase is a simple in-memory PackageDatabase + CapabilityChecker,
// the broker's boot-time fixture until it is wired to a real platform
// package manager.
type MemoryDatabase struct {
	owners       map[ownerKey]string
	managers     map[int64]bool
	crossUser    map[int64]bool
}

type ownerKey struct {
	appID int64
	user  int
}

func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{
		owners:    make(map[ownerKey]string),
		managers:  make(map[int64]bool),
		crossUser: make(map[int64]bool),
	}
}

func (d *MemoryDatabase) RegisterPackage(appID int64, user int, pkg string) {
	d.owners[ownerKey{appID, user}] = pkg
}

func (d *MemoryDatabase) GrantManagementCapability(appID int64) {
	d.managers[appID] = true
}

func (d *MemoryDatabase) GrantCrossUserCapability(appID int64) {
	d.crossUser[appID] = true
}

func (d *MemoryDatabase) OwnerOf(appID int64, user int) (string, bool) {
	pkg, ok := d.owners[ownerKey{appID, user}]
	return pkg, ok
}

func (d *MemoryDatabase) HasManagementCapability(peer Peer) bool {
	return d.managers[peer.AppID]
}

func (d *MemoryDatabase) HasCrossUserCapability(peer Peer) bool {
	return d.crossUser[peer.AppID]
}

// VerifyOwnership resolves whether peer owns pkg in user, per spec.md
// §4.2 step 1.
func VerifyOwnership(db PackageDatabase, peer Peer, pkg string, user int) bool {
	owned, ok := db.OwnerOf(peer.AppID, user)
	return ok && owned == pkg
}

// UserAll is the sentinel user id meaning "every user" on management
// operations (spec.md §4.5, §9 Open Question).
const UserAll = -1
