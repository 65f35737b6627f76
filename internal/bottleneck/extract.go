package bottleneck

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/born-ml/graphstage/internal/tensor"
)

// ExtractFunc runs the feature extractor on one example.
type ExtractFunc func(ctx context.Context, input *tensor.Tensor) ([]float32, error)

// Example is one row queued for extraction.
type Example struct {
	Input      *tensor.Tensor
	Label      int64
	Validation bool
}

// Pipeline extracts bottlenecks in parallel and appends them to the train and
// validation caches in submission order. Examples are processed in chunks of
// FlushEvery, each chunk followed by a flush of both caches.
type Pipeline struct {
	fn      ExtractFunc
	workers int
	train   *Writer
	valid   *Writer
	chunk   []Example
	out     [][]float32
}

// NewPipeline creates the two caches under dir. workers <= 0 means runtime.NumCPU().
func NewPipeline(dir string, workers int, fn ExtractFunc) (*Pipeline, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	train, err := Create(filepath.Join(dir, TrainFile))
	if err != nil {
		return nil, err
	}
	valid, err := Create(filepath.Join(dir, ValidationFile))
	if err != nil {
		return nil, errors.Join(err, train.Close())
	}
	return &Pipeline{
		fn:      fn,
		workers: workers,
		train:   train,
		valid:   valid,
		chunk:   make([]Example, 0, FlushEvery),
		out:     make([][]float32, FlushEvery),
	}, nil
}

// Add queues an example, extracting the pending chunk once it is full.
func (p *Pipeline) Add(ctx context.Context, ex Example) error {
	p.chunk = append(p.chunk, ex)
	if len(p.chunk) < FlushEvery {
		return nil
	}
	return p.drain(ctx)
}

func (p *Pipeline) drain(ctx context.Context) error {
	if len(p.chunk) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, ex := range p.chunk {
		g.Go(func() error {
			features, err := p.fn(gctx, ex.Input)
			if err != nil {
				return fmt.Errorf("example %d: %w", i, err)
			}
			p.out[i] = features
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, ex := range p.chunk {
		w := p.train
		if ex.Validation {
			w = p.valid
		}
		if err := w.Write(ex.Label, p.out[i]); err != nil {
			return err
		}
		p.out[i] = nil
	}
	p.chunk = p.chunk[:0]
	if err := p.train.Flush(); err != nil {
		return err
	}
	return p.valid.Flush()
}

// Counts returns the number of examples written to each cache.
func (p *Pipeline) Counts() (train, validation int) {
	return p.train.Count(), p.valid.Count()
}

// Close extracts the remaining examples and closes both caches.
func (p *Pipeline) Close(ctx context.Context) error {
	err := p.drain(ctx)
	return errors.Join(err, p.train.Close(), p.valid.Close())
}
