// Package store implements the persistent, encrypted grant and audit
// store described in spec.md §4.1. File I/O is routed through afero.Fs —
// the filesystem abstraction the teacher module used for its virtual
// shell's root — so the store runs against a real disk in production and
// an in-memory filesystem in tests, and encryption is delegated to
// internal/crypto.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/zerofrip/system-shizuku/internal/crypto"
	"github.com/zerofrip/system-shizuku/internal/metrics"
	"github.com/zerofrip/system-shizuku/internal/model"
)

// Store is the persistent grant/audit store's public surface (spec.md
// §4.1's operation list).
type Store interface {
	Grants(user int) []model.Grant
	Grant(pkg string, user int) *model.Grant
	PutGrant(g model.Grant)
	Revoke(pkg string, user int) *model.Grant
	RevokeAll(user int) []model.Grant
	DeleteUser(user int)
	AppendAudit(e model.Event)
	Audit(pkg string, user int) []model.Event
}

type grantsFile struct {
	Version int           `json:"version"`
	Grants  []model.Grant `json:"grants"`
}

type auditFile struct {
	Version int           `json:"version"`
	Events  []model.Event `json:"events"`
}

// FSStore is the afero + authenticated-encryption realization of Store.
type FSStore struct {
	fs      afero.Fs
	baseDir string
	sealer  crypto.Sealer
	log     zerolog.Logger
	mx      *metrics.Metrics

	locksMu sync.Mutex
	locks   map[int]*sync.RWMutex

	maxAuditPerUser int
}

// New builds an FSStore rooted at baseDir on fs, sealing file contents
// with sealer.
func New(fs afero.Fs, baseDir string, sealer crypto.Sealer, log zerolog.Logger, mx *metrics.Metrics, maxAuditPerUser int) *FSStore {
	if maxAuditPerUser <= 0 {
		maxAuditPerUser = model.MaxAuditEntriesPerUser
	}
	return &FSStore{
		fs:              fs,
		baseDir:         baseDir,
		sealer:          sealer,
		log:             log,
		mx:              mx,
		locks:           make(map[int]*sync.RWMutex),
		maxAuditPerUser: maxAuditPerUser,
	}
}

func (s *FSStore) lockFor(user int) *sync.RWMutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[user]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[user] = l
	}
	return l
}

func (s *FSStore) grantsPath(user int) string {
	return fmt.Sprintf("%s/grants_u%d.json", s.baseDir, user)
}

func (s *FSStore) auditPath(user int) string {
	return fmt.Sprintf("%s/audit_u%d.json", s.baseDir, user)
}

func (s *FSStore) noteError(op string, err error) {
	if err == nil {
		return
	}
	s.log.Warn().Err(err).Str("op", op).Msg("store I/O failure, treating as empty state")
	if s.mx != nil {
		s.mx.StoreErrors.Inc()
	}
}

// readGrants loads grants for user, returning an empty slice on any
// missing file, decrypt failure, or parse failure — spec.md §4.1's "Error
// semantics": the caller is never faulted.
func (s *FSStore) readGrants(user int) []model.Grant {
	raw, err := afero.ReadFile(s.fs, s.grantsPath(user))
	if err != nil {
		return nil
	}
	pt, err := s.sealer.Open(raw)
	if err != nil {
		s.noteError("read_grants_decrypt", err)
		return nil
	}
	var f grantsFile
	if err := json.Unmarshal(pt, &f); err != nil {
		s.noteError("read_grants_parse", err)
		return nil
	}
	return f.Grants
}

func (s *FSStore) writeGrants(user int, grants []model.Grant) {
	f := grantsFile{Version: model.CurrentGrantVersion, Grants: grants}
	pt, err := json.Marshal(f)
	if err != nil {
		s.noteError("write_grants_marshal", err)
		return
	}
	ct, err := s.sealer.Seal(pt)
	if err != nil {
		s.noteError("write_grants_seal", err)
		return
	}
	path := s.grantsPath(user)
	_ = s.fs.MkdirAll(s.baseDir, 0o700)
	_ = s.fs.Remove(path) // the AEAD primitive does not overwrite in place
	if err := afero.WriteFile(s.fs, path, ct, 0o600); err != nil {
		s.noteError("write_grants", err)
	}
}

func (s *FSStore) readAudit(user int) []model.Event {
	raw, err := afero.ReadFile(s.fs, s.auditPath(user))
	if err != nil {
		return nil
	}
	pt, err := s.sealer.Open(raw)
	if err != nil {
		s.noteError("read_audit_decrypt", err)
		return nil
	}
	var f auditFile
	if err := json.Unmarshal(pt, &f); err != nil {
		s.noteError("read_audit_parse", err)
		return nil
	}
	return f.Events
}

func (s *FSStore) writeAudit(user int, events []model.Event) {
	f := auditFile{Version: model.CurrentEventVersion, Events: events}
	pt, err := json.Marshal(f)
	if err != nil {
		s.noteError("write_audit_marshal", err)
		return
	}
	ct, err := s.sealer.Seal(pt)
	if err != nil {
		s.noteError("write_audit_seal", err)
		return
	}
	path := s.auditPath(user)
	_ = s.fs.MkdirAll(s.baseDir, 0o700)
	_ = s.fs.Remove(path)
	if err := afero.WriteFile(s.fs, path, ct, 0o600); err != nil {
		s.noteError("write_audit", err)
	}
}

// Grants returns every grant record for user, newest write order
// undefined (the file is a flat set; ordering guarantees apply to audit
// only).
func (s *FSStore) Grants(user int) []model.Grant {
	l := s.lockFor(user)
	l.RLock()
	defer l.RUnlock()
	g := s.readGrants(user)
	out := make([]model.Grant, len(g))
	copy(out, g)
	return out
}

// Grant does a linear lookup by package over Grants(user).
func (s *FSStore) Grant(pkg string, user int) *model.Grant {
	l := s.lockFor(user)
	l.RLock()
	defer l.RUnlock()
	for _, g := range s.readGrants(user) {
		if g.Package == pkg {
			gc := g
			return &gc
		}
	}
	return nil
}

// PutGrant replaces any existing entry with the same (package, user) and
// writes the full file.
func (s *FSStore) PutGrant(g model.Grant) {
	l := s.lockFor(g.User)
	l.Lock()
	defer l.Unlock()
	grants := s.readGrants(g.User)
	replaced := false
	for i := range grants {
		if grants[i].Package == g.Package {
			grants[i] = g
			replaced = true
			break
		}
	}
	if !replaced {
		grants = append(grants, g)
	}
	s.writeGrants(g.User, grants)
}

// Revoke sets granted=false and ORs in REVOKED_BY_USER for the given
// (package, user), if present.
func (s *FSStore) Revoke(pkg string, user int) *model.Grant {
	l := s.lockFor(user)
	l.Lock()
	defer l.Unlock()
	grants := s.readGrants(user)
	for i := range grants {
		if grants[i].Package == pkg {
			grants[i].Granted = false
			grants[i].Flags |= model.FlagRevokedByUser
			s.writeGrants(user, grants)
			gc := grants[i]
			return &gc
		}
	}
	return nil
}

// RevokeAll mutates every entry for user in one write.
func (s *FSStore) RevokeAll(user int) []model.Grant {
	l := s.lockFor(user)
	l.Lock()
	defer l.Unlock()
	grants := s.readGrants(user)
	for i := range grants {
		grants[i].Granted = false
		grants[i].Flags |= model.FlagRevokedByUser
	}
	s.writeGrants(user, grants)
	out := make([]model.Grant, len(grants))
	copy(out, grants)
	return out
}

// DeleteUser unlinks both files for user.
func (s *FSStore) DeleteUser(user int) {
	l := s.lockFor(user)
	l.Lock()
	defer l.Unlock()
	_ = s.fs.Remove(s.grantsPath(user))
	_ = s.fs.Remove(s.auditPath(user))
}

// AppendAudit prepends e and trims the tail to maxAuditPerUser.
func (s *FSStore) AppendAudit(e model.Event) {
	l := s.lockFor(e.User)
	l.Lock()
	defer l.Unlock()
	events := s.readAudit(e.User)
	events = append([]model.Event{e}, events...)
	if len(events) > s.maxAuditPerUser {
		events = events[:s.maxAuditPerUser]
	}
	s.writeAudit(e.User, events)
	if s.mx != nil {
		s.mx.AuditAppends.Inc()
	}
}

// Audit returns events for user, optionally filtered by package,
// newest-first, capped at model.AuditCapAtBoundary entries.
func (s *FSStore) Audit(pkg string, user int) []model.Event {
	l := s.lockFor(user)
	l.RLock()
	defer l.RUnlock()
	events := s.readAudit(user)
	out := make([]model.Event, 0, len(events))
	for _, e := range events {
		if pkg != "" && e.Package != pkg {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EventAt > out[j].EventAt })
	if len(out) > model.AuditCapAtBoundary {
		out = out[:model.AuditCapAtBoundary]
	}
	return out
}
