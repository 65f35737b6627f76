package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// CompressedSuffix is appended to the names of compressed objects.
const CompressedSuffix = ".zst"

// Compressed stores zstd-compressed objects in another Store. Names are
// given without the suffix; the underlying objects carry it.
type Compressed struct {
	inner Store
	level zstd.EncoderLevel
}

var _ Store = (*Compressed)(nil)

// NewCompressed wraps inner. level is a zstd level from 1 to 22; 0 means
// the default level.
func NewCompressed(inner Store, level int) *Compressed {
	l := zstd.SpeedDefault
	if level > 0 {
		l = zstd.EncoderLevelFromZstd(level)
	}
	return &Compressed{inner: inner, level: l}
}

// Put implements Store. The object is compressed in memory so the inner
// store receives its exact size.
func (s *Compressed) Put(ctx context.Context, name string, r io.Reader, _ int64) error {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(s.level))
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, r); err != nil {
		_ = enc.Close()
		return fmt.Errorf("failed to compress %s: %w", name, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to compress %s: %w", name, err)
	}
	return s.inner.Put(ctx, name+CompressedSuffix, &buf, int64(buf.Len()))
}

// Get implements Store.
func (s *Compressed) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	rc, err := s.inner.Get(ctx, name+CompressedSuffix)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(rc)
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	return &decompressor{dec: dec, src: rc}, nil
}

// Delete implements Store.
func (s *Compressed) Delete(ctx context.Context, name string) error {
	return s.inner.Delete(ctx, name+CompressedSuffix)
}

// List implements Store. Objects without the suffix are skipped.
func (s *Compressed) List(ctx context.Context, prefix string) ([]string, error) {
	names, err := s.inner.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, n := range names {
		if trimmed, ok := strings.CutSuffix(n, CompressedSuffix); ok {
			out = append(out, trimmed)
		}
	}
	sort.Strings(out)
	return out, nil
}

type decompressor struct {
	dec *zstd.Decoder
	src io.Closer
}

func (d *decompressor) Read(p []byte) (int, error) { return d.dec.Read(p) }

func (d *decompressor) Close() error {
	d.dec.Close()
	return d.src.Close()
}
