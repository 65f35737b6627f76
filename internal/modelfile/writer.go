package modelfile

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"os"
)

// encoder writes little-endian primitives and remembers the first error.
type encoder struct {
	w   io.Writer
	err error
}

func (e *encoder) write(v any) {
	if e.err != nil {
		return
	}
	e.err = binary.Write(e.w, binary.LittleEndian, v)
}

func (e *encoder) bytes(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

func (e *encoder) bool(b bool) {
	var v byte
	if b {
		v = 1
	}
	e.write(v)
}

func (e *encoder) string(s string) {
	e.write(int32(len(s)))
	e.bytes([]byte(s))
}

func (e *encoder) strings(ss []string) {
	e.write(int32(len(ss)))
	for _, s := range ss {
		e.string(s)
	}
}

// Write encodes c to w with a checksum trailer.
func Write(w io.Writer, c *Container) error {
	if err := c.Validate(); err != nil {
		return err
	}

	h := sha256.New()
	e := &encoder{w: io.MultiWriter(w, h)}
	e.bytes([]byte(MagicBytes))
	e.write(uint32(FormatVersionV2))
	e.bool(c.Frozen)
	e.bool(c.AddBatchDimension)
	e.strings(c.Inputs)
	e.strings(c.Outputs)
	writeTransfer(e, &c.Transfer)

	if c.Frozen {
		e.write(int64(len(c.Graph)))
		e.bytes(c.Graph)
	} else {
		e.write(int32(len(c.Files)))
		for _, f := range c.Files {
			e.string(f.Path)
			e.write(int64(len(f.Data)))
			e.bytes(f.Data)
		}
	}
	if e.err != nil {
		return fmt.Errorf("failed to write container: %w", e.err)
	}
	return writeChecksum(w, h)
}

func writeTransfer(e *encoder, t *TransferInfo) {
	e.bool(t.Enabled)
	e.string(t.LabelColumn)
	e.string(t.CheckpointName)
	e.write(int32(t.Arch))
	e.string(t.ScoreColumnName)
	e.string(t.PredictedLabelColumnName)
	e.write(t.LearningRate)
	e.write(t.ClassCount)
	e.string(t.PredictionTensorName)
	e.string(t.SoftmaxTensorName)
}

func writeChecksum(w io.Writer, h hash.Hash) error {
	if _, err := w.Write(h.Sum(nil)); err != nil {
		return fmt.Errorf("failed to write checksum: %w", err)
	}
	return nil
}

// WriteFile writes c to path, replacing any existing file.
func WriteFile(path string, c *Container) error {
	//nolint:gosec // G304: model paths come from the caller.
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := Write(bw, c); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to flush file: %w", err)
	}
	return f.Close()
}
