package quant

import "errors"

var (
	// ErrShape reports a tensor whose leading dimension cannot be split into
	// the requested number of chunks, or an empty tensor.
	ErrShape = errors.New("quant: shape error")
	// ErrRange reports an inverted or non-finite value range.
	ErrRange = errors.New("quant: range error")
	// ErrConfig reports an invalid quantization setting, such as a
	// non-positive bit width reaching a quantizing code path.
	ErrConfig = errors.New("quant: config error")
)
