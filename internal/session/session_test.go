package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/graphstage/internal/graph"
	"github.com/born-ml/graphstage/internal/graph/graphtest"
	"github.com/born-ml/graphstage/internal/tensor"
)

// fakeLoader hands out scripted runtimes and records what it loaded.
type fakeLoader struct {
	mu     sync.Mutex
	frozen [][]byte
	dirs   []string
	loaded []*graphtest.Runtime
	err    error
}

func (l *fakeLoader) next() *graphtest.Runtime {
	rt := graphtest.New(echo, graphtest.Placeholder("in", tensor.Float32, -1, 3), graphtest.Op("out", "Sum", tensor.Float32, -1))
	l.loaded = append(l.loaded, rt)
	return rt
}

func (l *fakeLoader) LoadFrozen(data []byte) (graph.Runtime, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.frozen = append(l.frozen, data)
	return l.next(), nil
}

func (l *fakeLoader) LoadSavedModel(dir string) (graph.Runtime, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.dirs = append(l.dirs, dir)
	return l.next(), nil
}

// echo returns the fed "in" tensor for every fetch.
func echo(feeds map[string]*tensor.Tensor, fetches, _ []string) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(fetches))
	for i := range fetches {
		out[i] = feeds["in"]
	}
	return out, nil
}

func feed(t *testing.T, vals ...float32) []graph.Feed {
	t.Helper()
	x, err := tensor.New(tensor.Shape{1, int64(len(vals))}, vals)
	require.NoError(t, err)
	return []graph.Feed{{Name: "in", Value: x}}
}

// TestLifecycle verifies the Unopened, Open, Closed transitions.
func TestLifecycle(t *testing.T) {
	m := New(Options{Runners: 2})
	assert.Equal(t, Unopened, m.State())
	assert.Nil(t, m.Runtime())

	_, err := m.Run(context.Background(), nil, []string{"out"}, nil)
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.ErrorIs(t, err, graph.ErrConfig)

	l := &fakeLoader{}
	require.NoError(t, m.OpenFrozen(l, []byte("blob")))
	assert.Equal(t, Open, m.State())
	assert.NotNil(t, m.Runtime())
	assert.Equal(t, [][]byte{[]byte("blob")}, l.frozen)

	assert.ErrorIs(t, m.OpenFrozen(l, []byte("again")), ErrAlreadyOpen)
	assert.Equal(t, 1, l.loaded[1].CloseCount())

	out, err := m.Run(context.Background(), feed(t, 1, 2, 3), []string{"out", "out"}, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	vals, err := tensor.Values[float32](out[1])
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, vals)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, Closed, m.State())
	assert.Equal(t, 1, l.loaded[0].CloseCount())
	assert.Nil(t, m.Runtime())
}

// TestRunAfterClose verifies a run on a closed session is a fault.
func TestRunAfterClose(t *testing.T) {
	m := New(Options{})
	require.NoError(t, m.OpenFrozen(&fakeLoader{}, nil))
	require.NoError(t, m.Close())

	assert.PanicsWithValue(t, closedFault, func() {
		_, _ = m.Run(context.Background(), nil, []string{"out"}, nil)
	})
}

// TestCloseUnopened verifies closing a session that never opened.
func TestCloseUnopened(t *testing.T) {
	m := New(Options{})
	require.NoError(t, m.Close())
	assert.Equal(t, Closed, m.State())
	assert.ErrorIs(t, m.OpenFrozen(&fakeLoader{}, nil), ErrAlreadyOpen)
}

// TestOwnedDirRemoved verifies only synthesized staging directories are deleted,
// and only after the runtime is closed.
func TestOwnedDirRemoved(t *testing.T) {
	root := t.TempDir()

	owned, err := StageDir(root)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(owned), StagePrefix))
	assert.DirExists(t, owned)

	l := &fakeLoader{}
	m := New(Options{})
	require.NoError(t, m.OpenSavedModel(l, owned, true))
	assert.Equal(t, owned, m.Dir())
	require.NoError(t, m.Close())
	assert.NoDirExists(t, owned)
	assert.Equal(t, 1, l.loaded[0].CloseCount())

	user := filepath.Join(root, "user_model")
	require.NoError(t, os.Mkdir(user, 0o700))
	m = New(Options{})
	require.NoError(t, m.OpenSavedModel(l, user, false))
	require.NoError(t, m.Close())
	assert.DirExists(t, user)
}

// TestOpenFailureRemovesOwnedDir tests cleanup when the load fails.
func TestOpenFailureRemovesOwnedDir(t *testing.T) {
	dir, err := StageDir(t.TempDir())
	require.NoError(t, err)

	loadErr := errors.New("corrupt graph")
	m := New(Options{})
	err = m.OpenSavedModel(&fakeLoader{err: loadErr}, dir, true)
	assert.ErrorIs(t, err, loadErr)
	assert.NoDirExists(t, dir)
	assert.Equal(t, Unopened, m.State())
}

// TestReload verifies the old runtime is closed and runs move to the new one.
func TestReload(t *testing.T) {
	l := &fakeLoader{}
	m := New(Options{Runners: 1})
	require.NoError(t, m.OpenFrozen(l, []byte("v1")))

	_, err := m.Run(context.Background(), feed(t, 1), []string{"out"}, nil)
	require.NoError(t, err)

	require.NoError(t, m.Reload(l, []byte("v2")))
	assert.Equal(t, 1, l.loaded[0].CloseCount())

	_, err = m.Run(context.Background(), feed(t, 2), []string{"out"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, l.loaded[0].RunCount())
	assert.Equal(t, 1, l.loaded[1].RunCount())

	l.err = errors.New("bad blob")
	assert.Error(t, m.Reload(l, []byte("v3")))
	assert.Same(t, l.loaded[1], m.Runtime())
	require.NoError(t, m.Close())
}

// TestConcurrentRuns verifies pooled runners keep concurrent bindings apart.
func TestConcurrentRuns(t *testing.T) {
	l := &fakeLoader{}
	m := New(Options{Runners: 3})
	require.NoError(t, m.OpenFrozen(l, nil))
	defer m.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := range 32 {
		v, in := float32(i), feed(t, float32(i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := m.Run(context.Background(), in, []string{"out"}, nil)
			if err != nil {
				errs <- err
				return
			}
			got, err := tensor.Values[float32](out[0])
			if err != nil || got[0] != v {
				errs <- errors.New("runner leaked another caller's feed")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent run: %v", err)
	}
	assert.Equal(t, 32, l.loaded[0].RunCount())
}

// TestRunCancelled verifies waiting for a runner honours the context.
func TestRunCancelled(t *testing.T) {
	m := New(Options{Runners: 1})
	require.NoError(t, m.OpenFrozen(&fakeLoader{}, nil))
	defer m.Close()

	require.True(t, m.slots.TryAcquire(1))
	defer m.slots.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Run(ctx, nil, []string{"out"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestOutputCache verifies one execution per row position.
func TestOutputCache(t *testing.T) {
	c := NewOutputCache()
	assert.Equal(t, int64(-1), c.Position())

	runs := 0
	compute := func() (map[string]*tensor.Tensor, error) {
		runs++
		return map[string]*tensor.Tensor{
			"a": tensor.Scalar(float32(runs)),
			"b": tensor.Scalar(float32(-runs)),
		}, nil
	}

	a, err := c.Get(0, "a", compute)
	require.NoError(t, err)
	b, err := c.Get(0, "b", compute)
	require.NoError(t, err)
	assert.Equal(t, 1, runs)
	assert.Equal(t, "1", a.Format(0))
	assert.Equal(t, "-1", b.Format(0))

	_, err = c.Get(0, "a", compute)
	require.NoError(t, err)
	assert.Equal(t, 1, runs)

	b, err = c.Get(1, "b", compute)
	require.NoError(t, err)
	assert.Equal(t, 2, runs)
	assert.Equal(t, "-2", b.Format(0))
	assert.Equal(t, int64(1), c.Position())

	_, err = c.Get(1, "missing", compute)
	assert.ErrorIs(t, err, graph.ErrExecution)

	c.Reset()
	assert.Equal(t, int64(-1), c.Position())
}

// TestOutputCacheError verifies a failed execution does not poison the cache.
func TestOutputCacheError(t *testing.T) {
	c := NewOutputCache()
	fail := errors.New("boom")
	_, err := c.Get(0, "a", func() (map[string]*tensor.Tensor, error) { return nil, fail })
	assert.ErrorIs(t, err, fail)
	assert.Equal(t, int64(-1), c.Position())
}
