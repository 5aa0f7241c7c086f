package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"

	"github.com/samcharles93/qtrain/internal/tensor"
)

// Entry is one tensor to be written.
type Entry struct {
	Name  string
	DType string
	Shape []int
	Data  []byte
}

// F32 encodes t as an F32 entry. F16-tagged tensors are written as F16.
func F32(name string, t *tensor.Tensor) Entry {
	if t.DType == tensor.F16 {
		buf := make([]byte, 2*t.Len())
		for i, v := range t.Data {
			binary.LittleEndian.PutUint16(buf[i*2:], tensor.F32ToF16(v))
		}
		return Entry{Name: name, DType: "F16", Shape: append([]int(nil), t.Shape...), Data: buf}
	}
	buf := make([]byte, 4*t.Len())
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return Entry{Name: name, DType: "F32", Shape: append([]int(nil), t.Shape...), Data: buf}
}

// I64 encodes vals as a 1-D I64 entry.
func I64(name string, vals []int64) Entry {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
	}
	return Entry{Name: name, DType: "I64", Shape: []int{len(vals)}, Data: buf}
}

// Write serializes entries in name order with an optional metadata map.
// The header is space-padded to a multiple of 8 bytes.
func Write(w io.Writer, entries []Entry, metadata map[string]string) error {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var off int64
	for i, e := range sorted {
		if i > 0 && sorted[i-1].Name == e.Name {
			return fmt.Errorf("duplicate tensor name %q", e.Name)
		}
		if e.Name == metadataKey {
			return fmt.Errorf("tensor name %q is reserved", e.Name)
		}
		width, ok := dtypeWidth[e.DType]
		if !ok {
			return fmt.Errorf("%w: %s for tensor %s", ErrUnsupportedDType, e.DType, e.Name)
		}
		n, err := numElements(e.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", e.Name, err)
		}
		if n*width != len(e.Data) {
			return fmt.Errorf("tensor %s: %d bytes for shape %v", e.Name, len(e.Data), e.Shape)
		}
		shape := e.Shape
		if shape == nil {
			shape = []int{}
		}
		header[e.Name] = tensorHeader{DType: e.DType, Shape: shape, DataOffsets: []int64{off, off + int64(len(e.Data))}}
		off += int64(len(e.Data))
	}

	hb, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if pad := (8 - len(hb)%8) % 8; pad > 0 {
		hb = append(hb, bytes.Repeat([]byte(" "), pad)...)
	}

	bw := bufio.NewWriter(w)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	for _, e := range sorted {
		if _, err := bw.Write(e.Data); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile writes entries to path atomically through a temporary file in
// the same directory.
func WriteFile(path string, entries []Entry, metadata map[string]string) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = Write(tmp, entries, metadata); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
