// Package session owns the execution handle of a graph stage: it opens a
// runtime from a frozen graph or a saved-model directory, hands out pooled
// runners for concurrent executions and tears everything down in order.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/logutil"
	"github.com/born-ml/graphstage/internal/tensor"
)

// State is the lifecycle state of a Manager.
type State int32

// Lifecycle states. Closed is terminal.
const (
	Unopened State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Unopened:
		return "unopened"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// StagePrefix prefixes the temporary directories created by StageDir.
const StagePrefix = "graphstage-"

const (
	removeAttempts = 5
	removeBackoff  = 50 * time.Millisecond
)

// Options configures a Manager.
type Options struct {
	// Runners bounds concurrent executions. Zero means runtime.NumCPU().
	Runners int
	// Logger receives lifecycle events. Nil disables logging.
	Logger *logutil.Logger
}

// Manager is the Execution Session Manager.
//
// A Manager moves from Unopened to Open exactly once and from Open to Closed
// exactly once. Runs are allowed only while Open; a run after Close panics.
type Manager struct {
	mu      sync.RWMutex
	state   State
	rt      graph.Runtime
	dir     string
	ownsDir bool

	slots *semaphore.Weighted
	idle  chan *graph.Runner
	log   *logutil.Logger
}

// New returns an unopened Manager.
func New(opts Options) *Manager {
	n := opts.Runners
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return &Manager{
		slots: semaphore.NewWeighted(int64(n)),
		idle:  make(chan *graph.Runner, n),
		log:   logutil.OrNoop(opts.Logger).WithComponent("session"),
	}
}

// Open takes ownership of rt. dir is the directory the runtime was loaded
// from; it is removed on Close when owned is set.
func (m *Manager) Open(rt graph.Runtime, dir string, owned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Unopened {
		return fmt.Errorf("%w (state %v)", ErrAlreadyOpen, m.state)
	}
	m.rt = rt
	m.dir = dir
	m.ownsDir = owned
	m.state = Open
	m.log.LogSession(context.Background(), Open.String(), dir, nil)
	return nil
}

// OpenFrozen loads a frozen graph blob and opens the session on it.
func (m *Manager) OpenFrozen(l graph.Loader, data []byte) error {
	rt, err := l.LoadFrozen(data)
	if err != nil {
		m.log.LogSession(context.Background(), Open.String(), "", err)
		return err
	}
	if err := m.Open(rt, "", false); err != nil {
		return errors.Join(err, rt.Close())
	}
	return nil
}

// OpenSavedModel loads a saved-model directory and opens the session on it.
// When owned is set the directory is deleted on Close, and also when the
// load fails.
func (m *Manager) OpenSavedModel(l graph.Loader, dir string, owned bool) error {
	rt, err := l.LoadSavedModel(dir)
	if err != nil {
		m.log.LogSession(context.Background(), Open.String(), dir, err)
		if owned {
			err = errors.Join(err, removeWithRetries(dir))
		}
		return err
	}
	if err := m.Open(rt, dir, owned); err != nil {
		return errors.Join(err, rt.Close())
	}
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Runtime returns the open runtime, or nil when the session is not open.
func (m *Manager) Runtime() graph.Runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != Open {
		return nil
	}
	return m.rt
}

// Dir returns the directory the session was opened from.
func (m *Manager) Dir() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dir
}

// Run binds feeds and executes the graph on a pooled runner, returning one
// tensor per fetch in fetch order.
//
// Waiting for a free runner honours ctx; the execution itself is not
// interruptible. Run panics if the session has been closed.
func (m *Manager) Run(ctx context.Context, feeds []graph.Feed, fetches, targets []string) ([]*tensor.Tensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.state {
	case Unopened:
		return nil, ErrNotOpen
	case Closed:
		panic(closedFault)
	}

	if err := m.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer m.slots.Release(1)

	r := m.acquire()
	defer m.release(r)
	for _, f := range feeds {
		r.AddInput(f.Name, f.Value)
	}
	r.AddOutputs(fetches...)
	r.AddTarget(targets...)
	return r.Run()
}

func (m *Manager) acquire() *graph.Runner {
	select {
	case r := <-m.idle:
		return r
	default:
		return graph.NewRunner(m.rt)
	}
}

func (m *Manager) release(r *graph.Runner) {
	r.Reset()
	select {
	case m.idle <- r:
	default:
	}
}

// drain discards pooled runners bound to the current runtime. Callers hold mu.
func (m *Manager) drain() {
	for {
		select {
		case <-m.idle:
		default:
			return
		}
	}
}

// Reload replaces the runtime with one loaded from a frozen graph. The old
// runtime is closed after the new one loads; a failed load leaves the
// session on the old runtime.
func (m *Manager) Reload(l graph.Loader, frozen []byte) error {
	rt, err := l.LoadFrozen(frozen)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Open {
		return errors.Join(fmt.Errorf("%w (state %v)", ErrNotOpen, m.state), rt.Close())
	}
	old := m.rt
	m.rt = rt
	m.drain()
	if err := old.Close(); err != nil {
		return graph.Classify(graph.ErrExecution, err)
	}
	m.log.LogSession(context.Background(), "reloaded", m.dir, nil)
	return nil
}

// Close closes the runtime and then removes the staging directory if the
// session owns it. Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Closed {
		return nil
	}
	prev := m.state
	m.state = Closed
	if prev == Unopened {
		return nil
	}

	m.drain()
	var errs []error
	if err := m.rt.Close(); err != nil {
		errs = append(errs, err)
	}
	if m.ownsDir && m.dir != "" {
		if err := removeWithRetries(m.dir); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", graph.ErrIO, err))
		}
	}
	err := errors.Join(errs...)
	m.log.LogSession(context.Background(), Closed.String(), m.dir, err)
	return err
}

// StageDir creates a fresh directory under root for staging a saved model.
// An empty root means os.TempDir().
func StageDir(root string) (string, error) {
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, StagePrefix+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("%w: %w", graph.ErrIO, err)
	}
	return dir, nil
}

// removeWithRetries deletes dir, retrying while files are still being released.
func removeWithRetries(dir string) error {
	var err error
	for attempt := range removeAttempts {
		if err = os.RemoveAll(dir); err == nil {
			return nil
		}
		time.Sleep(removeBackoff * time.Duration(attempt+1))
	}
	return err
}
