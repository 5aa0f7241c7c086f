// Package safetensors reads and writes the safetensors container: an 8-byte
// little-endian header length, a JSON header describing every tensor, and
// the raw little-endian tensor bytes.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/qtrain/internal/tensor"
)

var (
	ErrCorruptFile      = errors.New("corrupt safetensors file")
	ErrTensorNotFound   = errors.New("tensor not found")
	ErrUnsupportedDType = errors.New("unsupported dtype")
)

const metadataKey = "__metadata__"

// maxHeaderLen bounds the JSON header so a corrupt length cannot trigger a
// huge allocation.
const maxHeaderLen = 100 << 20

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is an opened safetensors file. Its data is memory-mapped when the
// platform allows it and must be released with Close.
type File struct {
	Path     string
	Metadata map[string]string
	Tensors  map[string]TensorInfo

	data    []byte // tensor bytes, after the header
	raw     []byte // whole file
	mmapped bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open maps path read-only and parses its header. If mmap fails the file is
// read into memory instead.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < 8 || size64 > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: %s has size %d", ErrCorruptFile, path, size64)
	}
	size := int(size64)

	raw, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	mmapped := err == nil
	if !mmapped {
		raw = make([]byte, size)
		if _, err := f.ReadAt(raw, 0); err != nil && err != io.EOF {
			return nil, err
		}
	}
	sf, err := parse(path, raw)
	if err != nil {
		if mmapped {
			_ = unix.Munmap(raw)
		}
		return nil, err
	}
	sf.mmapped = mmapped
	return sf, nil
}

func parse(path string, raw []byte) (*File, error) {
	headerLen := binary.LittleEndian.Uint64(raw[:8])
	if headerLen > maxHeaderLen || headerLen > uint64(len(raw)-8) {
		return nil, fmt.Errorf("%w: header length %d", ErrCorruptFile, headerLen)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw[8:8+headerLen], &header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorruptFile, err)
	}

	sf := &File{
		Path:    path,
		Tensors: make(map[string]TensorInfo, len(header)),
		data:    raw[8+headerLen:],
		raw:     raw,
	}
	if msg, ok := header[metadataKey]; ok {
		if err := json.Unmarshal(msg, &sf.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrCorruptFile, err)
		}
		delete(header, metadataKey)
	}

	for name, msg := range header {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrCorruptFile, name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("%w: tensor %s: invalid data_offsets", ErrCorruptFile, name)
		}
		info := TensorInfo{DType: th.DType, Shape: th.Shape, Start: th.DataOffsets[0], End: th.DataOffsets[1]}
		if info.Start < 0 || info.End < info.Start || info.End > int64(len(sf.data)) {
			return nil, fmt.Errorf("%w: tensor %s: offsets [%d,%d) outside %d data bytes",
				ErrCorruptFile, name, info.Start, info.End, len(sf.data))
		}
		sf.Tensors[name] = info
	}
	return sf, nil
}

// Close releases the mapping. Slices returned by ReadTensor are invalid
// afterwards.
func (f *File) Close() error {
	if f == nil || f.raw == nil {
		return nil
	}
	raw := f.raw
	f.raw, f.data = nil, nil
	if f.mmapped {
		return unix.Munmap(raw)
	}
	return nil
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for k := range f.Tensors {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// ReadTensor returns the raw bytes of a tensor. The slice aliases the file
// mapping and must not be modified.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return f.data[t.Start:t.End], t, nil
}

// ReadTensorF32 decodes a floating-point tensor into a new tensor.Tensor.
// U8 data is widened so byte images can be loaded directly.
func (f *File) ReadTensorF32(name string) (*tensor.Tensor, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	width, ok := dtypeWidth[info.DType]
	if !ok {
		return nil, fmt.Errorf("%w: %s for tensor %s", ErrUnsupportedDType, info.DType, name)
	}
	if len(raw) != n*width {
		return nil, fmt.Errorf("%w: tensor %s has %d bytes, want %d", ErrCorruptFile, name, len(raw), n*width)
	}

	out := make([]float32, n)
	switch info.DType {
	case "F32":
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		for i := range out {
			out[i] = tensor.F16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case "BF16":
		for i := range out {
			out[i] = tensor.BF16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case "U8":
		for i := range out {
			out[i] = float32(raw[i])
		}
	default:
		return nil, fmt.Errorf("%w: %s is not a float type (tensor %s)", ErrUnsupportedDType, info.DType, name)
	}
	t := tensor.FromData(out, info.Shape...)
	if info.DType == "F16" {
		t.DType = tensor.F16
	}
	return t, nil
}

// ReadTensorInts decodes an integer tensor.
func (f *File) ReadTensorInts(name string) ([]int64, []int, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, nil, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	width, ok := dtypeWidth[info.DType]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s for tensor %s", ErrUnsupportedDType, info.DType, name)
	}
	if len(raw) != n*width {
		return nil, nil, fmt.Errorf("%w: tensor %s has %d bytes, want %d", ErrCorruptFile, name, len(raw), n*width)
	}
	out := make([]int64, n)
	switch info.DType {
	case "I64":
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	case "I32":
		for i := range out {
			out[i] = int64(int32(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	case "U8":
		for i := range out {
			out[i] = int64(raw[i])
		}
	default:
		return nil, nil, fmt.Errorf("%w: %s is not an integer type (tensor %s)", ErrUnsupportedDType, info.DType, name)
	}
	return out, info.Shape, nil
}

var dtypeWidth = map[string]int{
	"F32":  4,
	"F16":  2,
	"BF16": 2,
	"I64":  8,
	"I32":  4,
	"U8":   1,
}

// numElements allows a zero-length shape (a scalar) but no negative dims.
func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d > 0 && n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}
