// Package bottleneck caches the feature vectors a frozen extractor produces
// for each training example, so the extractor runs once per example however
// many epochs the head is trained for.
//
// A cache file is an lz4 frame of text lines "label,f1,...,fn".
package bottleneck

import (
	"bufio"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/pierrec/lz4/v4"

	"github.com/born-ml/graphstage/internal/tensor"
)

// Cache file names, relative to the model location.
const (
	TrainFile      = "cached_bottlenecks.csv"
	ValidationFile = "validation_cached_bottlenecks.csv"
)

// FlushEvery is the number of examples buffered before a cache is flushed.
const FlushEvery = 100

const maxLine = 64 << 20

// ErrSizeMismatch is returned when examples of one cache differ in length.
var ErrSizeMismatch = errors.New("bottleneck size mismatch")

// Writer appends examples to a cache file.
type Writer struct {
	f       *os.File
	zw      *lz4.Writer
	bw      *bufio.Writer
	size    int
	count   int
	pending int
	line    []byte
}

// Create truncates or creates the cache at path.
func Create(path string) (*Writer, error) {
	//nolint:gosec // G304: cache paths derive from the model location.
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create bottleneck cache: %w", err)
	}
	zw := lz4.NewWriter(f)
	return &Writer{f: f, zw: zw, bw: bufio.NewWriter(zw), size: -1}, nil
}

// Write appends one example. Every example must have the same length.
func (w *Writer) Write(label int64, features []float32) error {
	if w.size < 0 {
		w.size = len(features)
	} else if len(features) != w.size {
		return fmt.Errorf("%w: got %d values, cache holds %d", ErrSizeMismatch, len(features), w.size)
	}

	w.line = strconv.AppendInt(w.line[:0], label, 10)
	for _, f := range features {
		w.line = append(w.line, ',')
		w.line = strconv.AppendFloat(w.line, float64(f), 'g', -1, 32)
	}
	w.line = append(w.line, '\n')
	if _, err := w.bw.Write(w.line); err != nil {
		return fmt.Errorf("failed to write bottleneck: %w", err)
	}
	w.count++
	w.pending++
	if w.pending >= FlushEvery {
		return w.Flush()
	}
	return nil
}

// Flush pushes buffered examples into the compressed stream.
func (w *Writer) Flush() error {
	w.pending = 0
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush bottlenecks: %w", err)
	}
	if err := w.zw.Flush(); err != nil {
		return fmt.Errorf("failed to flush bottlenecks: %w", err)
	}
	return nil
}

// Count returns the number of examples written.
func (w *Writer) Count() int { return w.count }

// Close flushes and closes the cache file.
func (w *Writer) Close() error {
	err := w.Flush()
	if cerr := w.zw.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close bottleneck stream: %w", cerr)
	}
	if cerr := w.f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close bottleneck cache: %w", cerr)
	}
	return err
}

// Set is a loaded cache.
type Set struct {
	Labels   []int64
	Features []float32 // row major, Len() x Size
	Size     int
}

// Len returns the number of examples.
func (s *Set) Len() int { return len(s.Labels) }

// Load reads the cache at path.
func Load(path string) (*Set, error) {
	//nolint:gosec // G304: cache paths derive from the model location.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bottleneck cache: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(lz4.NewReader(f))
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	s := &Set{Size: -1}
	for line := 1; sc.Scan(); line++ {
		text := sc.Text()
		if text == "" {
			continue
		}
		fields := strings.Split(text, ",")
		label, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid label %q", path, line, fields[0])
		}
		if s.Size < 0 {
			s.Size = len(fields) - 1
		} else if len(fields)-1 != s.Size {
			return nil, fmt.Errorf("%s:%d: %w: got %d values, want %d", path, line, ErrSizeMismatch, len(fields)-1, s.Size)
		}
		for _, field := range fields[1:] {
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: invalid value %q", path, line, field)
			}
			s.Features = append(s.Features, float32(v))
		}
		s.Labels = append(s.Labels, label)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read bottleneck cache: %w", err)
	}
	if s.Size < 0 {
		s.Size = 0
	}
	return s, nil
}

// Batch gathers the examples at idx into a [len(idx), Size] feature tensor
// and a [len(idx)] label tensor.
func (s *Set) Batch(idx []int) (features, labels *tensor.Tensor, err error) {
	fv := make([]float32, 0, len(idx)*s.Size)
	lv := make([]int64, 0, len(idx))
	for _, i := range idx {
		if i < 0 || i >= s.Len() {
			return nil, nil, fmt.Errorf("example %d out of range [0, %d)", i, s.Len())
		}
		fv = append(fv, s.Features[i*s.Size:(i+1)*s.Size]...)
		lv = append(lv, s.Labels[i])
	}
	features, err = tensor.New(tensor.Shape{int64(len(idx)), int64(s.Size)}, fv)
	if err != nil {
		return nil, nil, err
	}
	labels, err = tensor.New(tensor.Shape{int64(len(idx))}, lv)
	if err != nil {
		return nil, nil, err
	}
	return features, labels, nil
}

// Batches shuffles the examples with rng and splits them into batches of at
// most size examples.
func (s *Set) Batches(rng *rand.Rand, size int) [][]int {
	if size <= 0 {
		size = s.Len()
	}
	order := rng.Perm(s.Len())
	var out [][]int
	for start := 0; start < len(order); start += size {
		out = append(out, order[start:min(start+size, len(order))])
	}
	return out
}

// Sample returns up to n distinct examples chosen with rng.
func (s *Set) Sample(rng *rand.Rand, n int) []int {
	order := rng.Perm(s.Len())
	return order[:min(n, len(order))]
}
