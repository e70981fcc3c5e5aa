// Package supervisor implements the Subprocess Supervisor described in
// spec.md §4.6: spawning elevated-capability child processes on behalf of
// a granted package, bounding how many may run at once, and tearing them
// down when their owning peer dies. Children are real os/exec.Cmd
// processes — replacing the teacher's mvdan.cc/sh virtual interpreter,
// which only ever executed scripts against an in-memory afero.Fs and
// cannot spawn anything the kernel would recognize as a process.
package supervisor

import (
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zerofrip/system-shizuku/internal/apperr"
	"github.com/zerofrip/system-shizuku/internal/metrics"
	"github.com/zerofrip/system-shizuku/internal/model"
	"github.com/zerofrip/system-shizuku/internal/session"
	"github.com/zerofrip/system-shizuku/internal/store"
)

// MaxGlobalProcesses and MaxPerOwnerProcesses are spec.md §3's process
// count ceilings.
const (
	MaxGlobalProcesses   = 64
	MaxPerOwnerProcesses = 8
)

// Spec describes the process to launch.
type Spec struct {
	Argv []string
	Env  []string
	Dir  string
}

type tracked struct {
	handle *Handle
	owner  session.PeerID
	pkg    string
	user   int
}

// Supervisor owns every live child process.
type Supervisor struct {
	store store.Store
	clock func() int64
	log   zerolog.Logger
	mx    *metrics.Metrics

	maxGlobal   int
	maxPerOwner int

	mu      sync.Mutex
	procs   map[string]*tracked
	byOwner map[session.PeerID]map[string]struct{}
}

func New(st store.Store, clock func() int64, log zerolog.Logger, mx *metrics.Metrics, maxGlobal, maxPerOwner int) *Supervisor {
	if maxGlobal <= 0 {
		maxGlobal = MaxGlobalProcesses
	}
	if maxPerOwner <= 0 {
		maxPerOwner = MaxPerOwnerProcesses
	}
	return &Supervisor{
		store:       st,
		clock:       clock,
		log:         log,
		mx:          mx,
		maxGlobal:   maxGlobal,
		maxPerOwner: maxPerOwner,
		procs:       make(map[string]*tracked),
		byOwner:     make(map[session.PeerID]map[string]struct{}),
	}
}

// NewProcess spawns spec on behalf of (pkg, user), owned by owner (the
// transport peer that will be liveness-subscribed for cleanup). It
// enforces grant possession and the global/per-owner caps from spec.md
// §4.6.
func (s *Supervisor) NewProcess(owner session.PeerID, pkg string, user int, spec Spec) (*Handle, error) {
	grant := s.store.Grant(pkg, user)
	if grant == nil || !grant.Granted {
		return nil, apperr.NotGranted("package does not hold a live grant")
	}

	if len(spec.Argv) == 0 {
		return nil, apperr.New(apperr.KindResourceExhausted, "empty argv")
	}

	// Reserve the slot (a placeholder tracked entry with no handle yet)
	// while still holding s.mu, so the cap check and the insert are one
	// atomic compare-and-increment instead of check-then-act — two
	// concurrent callers at count-1-below-cap must not both pass.
	id := uuid.NewString()
	s.mu.Lock()
	if len(s.procs) >= s.maxGlobal {
		s.mu.Unlock()
		return nil, apperr.ResourceExhausted("global process limit reached")
	}
	if len(s.byOwner[owner]) >= s.maxPerOwner {
		s.mu.Unlock()
		return nil, apperr.ResourceExhausted("per-owner process limit reached")
	}
	s.procs[id] = &tracked{owner: owner, pkg: pkg, user: user}
	if s.byOwner[owner] == nil {
		s.byOwner[owner] = make(map[string]struct{})
	}
	s.byOwner[owner][id] = struct{}{}
	s.mu.Unlock()

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if spec.Env != nil {
		cmd.Env = spec.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.rollback(id, owner)
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.rollback(id, owner)
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.rollback(id, owner)
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		s.rollback(id, owner)
		return nil, err
	}

	h := &Handle{
		ID:     id,
		cmd:    cmd,
		stdin:  asFile(stdin),
		stdout: asFile(stdout),
		stderr: asFile(stderr),
		waitCh: make(chan struct{}),
	}
	h.onTerminal = func() { s.release(id) }

	s.mu.Lock()
	s.procs[id].handle = h
	if s.mx != nil {
		s.mx.LiveProcesses.Inc()
	}
	s.mu.Unlock()

	go func() {
		waitErr := cmd.Wait()
		code := exitCode(waitErr)
		h.finish(code, waitErr)
	}()

	s.store.AppendAudit(auditUse(pkg, user, s.clock(), spec.Argv))

	return h, nil
}

// rollback releases a reserved slot whose process never started, so a
// spawn failure after the cap reservation doesn't leak a phantom slot.
func (s *Supervisor) rollback(id string, owner session.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, id)
	if owners := s.byOwner[owner]; owners != nil {
		delete(owners, id)
		if len(owners) == 0 {
			delete(s.byOwner, owner)
		}
	}
}

// OwnerDied destroys every process owned by peer — the liveness-driven
// cleanup spec.md §4.6 requires so a dead caller can't leak children.
func (s *Supervisor) OwnerDied(owner session.PeerID) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.byOwner[owner]))
	for id := range s.byOwner[owner] {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.mu.Lock()
		t, ok := s.procs[id]
		s.mu.Unlock()
		if ok {
			t.handle.Destroy()
		}
	}
}

// Count reports the live global and per-owner process counts, for tests
// and metrics.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *Supervisor) CountForOwner(owner session.PeerID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byOwner[owner])
}

// release removes a terminal process from bookkeeping exactly once — the
// Handle's sync.Once guarantees this fires once regardless of whether
// destroy, detected-exit, or owner death raced to trigger it.
func (s *Supervisor) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.procs[id]
	if !ok {
		return
	}
	delete(s.procs, id)
	if owners := s.byOwner[t.owner]; owners != nil {
		delete(owners, id)
		if len(owners) == 0 {
			delete(s.byOwner, t.owner)
		}
	}
	if s.mx != nil {
		s.mx.LiveProcesses.Dec()
	}
}

func asFile(c interface{ Close() error }) *os.File {
	if f, ok := c.(*os.File); ok {
		return f
	}
	return nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// auditUse redacts argv down to the program name alone (no arguments), per
// spec.md §4.6's "audit a summary, not full argv" note.
func auditUse(pkg string, user int, now int64, argv []string) model.Event {
	summary := ""
	if len(argv) > 0 {
		summary = argv[0]
	}
	return model.Event{
		Version: model.CurrentEventVersion,
		Type:    model.EventUse,
		Package: pkg,
		User:    user,
		EventAt: now,
		Detail:  model.EventDetail{Command: summary}.Encode(),
	}
}
