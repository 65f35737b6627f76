package modelfile

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf8"
)

// decoder reads little-endian primitives and remembers the first error.
type decoder struct {
	r   io.Reader
	err error
}

func (d *decoder) read(field string, v any) {
	if d.err != nil {
		return
	}
	if err := binary.Read(d.r, binary.LittleEndian, v); err != nil {
		d.fail(field, err)
	}
}

func (d *decoder) fail(field string, err error) {
	if d.err != nil {
		return
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	d.err = fmt.Errorf("failed to read %s: %w", field, err)
}

func (d *decoder) bool(field string) bool {
	var v byte
	d.read(field, &v)
	return v != 0
}

func (d *decoder) count(field string) int {
	var n int32
	d.read(field, &n)
	if d.err == nil && (n < 0 || n > MaxEntries) {
		d.err = &ValidationError{Field: field, Err: ErrTooManyEntries, Details: fmt.Sprintf("count %d", n)}
	}
	return int(n)
}

// payload reads n bytes without trusting n for the initial allocation.
func (d *decoder) payload(field string, n int64, limit int64) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > limit {
		err := ErrPayloadTooLarge
		if limit == MaxStringLen {
			err = ErrStringTooLong
		}
		d.err = &ValidationError{Field: field, Err: err, Details: fmt.Sprintf("length %d", n)}
		return nil
	}
	if n <= maxPrealloc {
		b := make([]byte, n)
		if _, err := io.ReadFull(d.r, b); err != nil {
			d.fail(field, err)
			return nil
		}
		return b
	}
	b, err := io.ReadAll(io.LimitReader(d.r, n))
	if err == nil && int64(len(b)) != n {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		d.fail(field, err)
		return nil
	}
	return b
}

func (d *decoder) string(field string) string {
	var n int32
	d.read(field, &n)
	b := d.payload(field, int64(n), MaxStringLen)
	if d.err == nil && !utf8.Valid(b) {
		d.err = &ValidationError{Field: field, Err: ErrInvalidUTF8}
	}
	return string(b)
}

func (d *decoder) strings(field string) []string {
	n := d.count(field)
	if d.err != nil {
		return nil
	}
	out := make([]string, 0, min(n, 1024))
	for i := range n {
		out = append(out, d.string(fmt.Sprintf("%s[%d]", field, i)))
		if d.err != nil {
			return nil
		}
	}
	return out
}

// Read decodes a container from r and verifies its checksum trailer.
func Read(r io.Reader) (*Container, error) {
	h := sha256.New()
	d := &decoder{r: io.TeeReader(r, h)}

	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(d.r, magic); err != nil {
		return nil, fmt.Errorf("failed to read magic bytes: %w", err)
	}
	if string(magic) != MagicBytes {
		return nil, ErrInvalidMagic
	}
	var version uint32
	d.read("version", &version)
	if d.err == nil && version != FormatVersion && version != FormatVersionV2 {
		return nil, fmt.Errorf("%w: got %d, expected %d or %d", ErrUnsupportedVersion, version, FormatVersion, FormatVersionV2)
	}

	c := &Container{}
	c.Frozen = d.bool("isFrozen")
	c.AddBatchDimension = d.bool("addBatchDimension")
	c.Inputs = d.strings("inputs")
	c.Outputs = d.strings("outputs")
	if version >= FormatVersionV2 {
		readTransfer(d, &c.Transfer)
	}

	if c.Frozen {
		var n int64
		d.read("graph length", &n)
		c.Graph = d.payload("graph", n, MaxPayloadSize)
	} else {
		n := d.count("files")
		for i := 0; i < n && d.err == nil; i++ {
			field := fmt.Sprintf("files[%d]", i)
			var f File
			f.Path = d.string(field + ".path")
			if d.err == nil {
				if err := ValidatePath(f.Path); err != nil {
					d.err = fmt.Errorf("%s: %w", field, err)
				}
			}
			var size int64
			d.read(field+".length", &size)
			f.Data = d.payload(field+".data", size, MaxPayloadSize)
			c.Files = append(c.Files, f)
		}
	}
	if d.err != nil {
		return nil, d.err
	}

	var computed, stored [32]byte
	copy(computed[:], h.Sum(nil))
	if _, err := io.ReadFull(r, stored[:]); err != nil {
		return nil, fmt.Errorf("failed to read checksum: %w", err)
	}
	if err := ValidateChecksum(computed, stored); err != nil {
		return nil, err
	}
	return c, nil
}

func readTransfer(d *decoder, t *TransferInfo) {
	t.Enabled = d.bool("transferLearning")
	t.LabelColumn = d.string("labelColumn")
	t.CheckpointName = d.string("checkpointName")
	var arch int32
	d.read("architecture", &arch)
	t.Arch = Architecture(arch)
	t.ScoreColumnName = d.string("scoreColumnName")
	t.PredictedLabelColumnName = d.string("predictedLabelColumnName")
	d.read("learningRate", &t.LearningRate)
	d.read("classCount", &t.ClassCount)
	t.PredictionTensorName = d.string("predictionTensorName")
	t.SoftmaxTensorName = d.string("softmaxTensorName")
}

// ReadFile reads the container stored at path.
func ReadFile(path string) (*Container, error) {
	//nolint:gosec // G304: model paths come from the caller.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return Read(bufio.NewReader(f))
}
