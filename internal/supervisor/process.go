package supervisor

import (
	"os"
	"os/exec"
	"sync"

	"github.com/zerofrip/system-shizuku/internal/apperr"
)

// Handle is the elevated-action ProcessHandle described in spec.md §4.6:
// streaming stdio as transferable file descriptors plus wait/exit/destroy.
type Handle struct {
	ID  string
	cmd *exec.Cmd

	stdin  *os.File
	stdout *os.File
	stderr *os.File

	mu       sync.Mutex
	exited   bool
	exitCode int
	waitErr  error
	waitCh   chan struct{}

	onTerminal func() // invoked exactly once when the process reaches a terminal state
	once       sync.Once
}

// Stdin/Stdout/Stderr return the transferable FD for each stream, or nil
// if the pipe's underlying type didn't extract to an *os.File — spec.md
// §4.6: "If extraction fails ... return null for that stream; do not fail
// the whole handle." Stdin is always nil: the writer os/exec's StdinPipe
// returns is a wrapper type, not an *os.File. Stdout and Stderr are
// *os.File.
func (h *Handle) Stdin() *os.File  { return h.stdin }
func (h *Handle) Stdout() *os.File { return h.stdout }
func (h *Handle) Stderr() *os.File { return h.stderr }

// Alive reports whether the process has not yet reached a terminal state.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

// Wait blocks until the process exits and returns its exit code.
func (h *Handle) Wait() int {
	<-h.waitCh
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// WaitFor blocks up to the goroutine signaling exit or the done channel
// closing, whichever comes first; it reports whether the process exited
// within the window.
func (h *Handle) WaitFor(done <-chan struct{}) bool {
	select {
	case <-h.waitCh:
		return true
	case <-done:
		return false
	}
}

// ExitValue returns the exit code, or NOT_EXITED if the process is still
// running.
func (h *Handle) ExitValue() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.exited {
		return 0, apperr.NotExited("process has not exited")
	}
	return h.exitCode, nil
}

// Destroy kills the process if still running. Counter decrement happens
// exactly once, at the first of destroy/detected-exit/owner-death —
// enforced here via the shared once.
func (h *Handle) Destroy() error {
	h.mu.Lock()
	alreadyExited := h.exited
	h.mu.Unlock()

	var err error
	if !alreadyExited {
		err = h.cmd.Process.Kill()
	}
	h.markTerminal()
	return err
}

// markTerminal fires the owning supervisor's one-time cleanup. Exit status
// is recorded by finish, not here.
func (h *Handle) markTerminal() {
	h.once.Do(func() {
		if h.onTerminal != nil {
			h.onTerminal()
		}
	})
}

func (h *Handle) finish(code int, err error) {
	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	h.waitErr = err
	h.mu.Unlock()
	close(h.waitCh)
	h.markTerminal()
}
