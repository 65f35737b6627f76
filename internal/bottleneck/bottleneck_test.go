package bottleneck

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/graphstage/internal/tensor"
)

// TestCacheRoundTrip verifies values survive the text encoding exactly.
func TestCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), TrainFile)
	w, err := Create(path)
	require.NoError(t, err)

	want := [][]float32{{0.1, -2.5, 3e-8}, {1, 2, 3}}
	require.NoError(t, w.Write(0, want[0]))
	require.NoError(t, w.Write(4, want[1]))
	assert.ErrorIs(t, w.Write(1, []float32{1}), ErrSizeMismatch)
	assert.Equal(t, 2, w.Count())
	require.NoError(t, w.Close())

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 3, s.Size)
	assert.Equal(t, []int64{0, 4}, s.Labels)
	assert.Equal(t, append(want[0], want[1]...), s.Features)

	features, labels, err := s.Batch([]int{1, 0})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3}, features.Shape())
	got, err := tensor.Values[int64](labels)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 0}, got)

	_, _, err = s.Batch([]int{2})
	assert.Error(t, err)
}

// TestFlushEvery verifies a cache is readable after each flush.
func TestFlushEvery(t *testing.T) {
	path := filepath.Join(t.TempDir(), TrainFile)
	w, err := Create(path)
	require.NoError(t, err)
	for i := range FlushEvery + 1 {
		require.NoError(t, w.Write(int64(i%3), []float32{float32(i)}))
	}
	assert.Equal(t, 1, w.pending)
	require.NoError(t, w.Close())

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, FlushEvery+1, s.Len())
}

// TestEmptyCache tests loading a cache without examples.
func TestEmptyCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), ValidationFile)
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

// TestBatches verifies shuffled batches cover every example once.
func TestBatches(t *testing.T) {
	s := &Set{Labels: make([]int64, 7), Features: make([]float32, 7), Size: 1}
	rng := rand.New(rand.NewPCG(1, 2))

	batches := s.Batches(rng, 3)
	require.Len(t, batches, 3)
	assert.Len(t, batches[2], 1)

	var all []int
	for _, b := range batches {
		all = append(all, b...)
	}
	sort.Ints(all)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, all)

	assert.Len(t, s.Sample(rng, 4), 4)
	assert.Len(t, s.Sample(rng, 40), 7)
}

// TestPipeline verifies examples reach the right cache in submission order.
func TestPipeline(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	double := func(_ context.Context, in *tensor.Tensor) ([]float32, error) {
		calls.Add(1)
		vals, err := tensor.Values[float32](in)
		if err != nil {
			return nil, err
		}
		return []float32{vals[0] * 2, vals[0]}, nil
	}
	p, err := NewPipeline(dir, 4, double)
	require.NoError(t, err)

	n := FlushEvery + 50
	for i := range n {
		ex := Example{Input: tensor.Scalar(float32(i)), Label: int64(i), Validation: i%5 == 0}
		require.NoError(t, p.Add(context.Background(), ex))
	}
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, int32(n), calls.Load())

	train, valid := p.Counts()
	assert.Equal(t, n/5, valid)
	assert.Equal(t, n-n/5, train)

	s, err := Load(filepath.Join(dir, TrainFile))
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Labels[0])
	assert.Equal(t, []float32{2, 1}, s.Features[:2])

	v, err := Load(filepath.Join(dir, ValidationFile))
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 5, 10}, v.Labels[:3])
}

// TestPipelineError verifies an extractor failure stops the pipeline.
func TestPipelineError(t *testing.T) {
	boom := errors.New("extractor failed")
	p, err := NewPipeline(t.TempDir(), 2, func(context.Context, *tensor.Tensor) ([]float32, error) {
		return nil, boom
	})
	require.NoError(t, err)
	require.NoError(t, p.Add(context.Background(), Example{Input: tensor.Scalar(float32(1))}))
	assert.ErrorIs(t, p.Close(context.Background()), boom)
}
