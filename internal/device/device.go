package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownKernel        = errors.New("unknown kernel")
	ErrInvalidWorkGroupSize = errors.New("invalid work-group size")
	ErrInvalidArg           = errors.New("invalid kernel argument")
	ErrRuntimeClosed        = errors.New("runtime closed")
)

// DataType is the element type stored in device images.
type DataType int

const (
	Float32 DataType = iota
	Float16
)

func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "fp32"
	case Float16:
		return "fp16"
	default:
		return fmt.Sprintf("DataType(%d)", int(dt))
	}
}

// Valid reports whether dt is a supported element type.
func (dt DataType) Valid() bool {
	return dt == Float32 || dt == Float16
}

// Size returns the storage size of one element in bytes.
func (dt DataType) Size() int {
	if dt == Float16 {
		return 2
	}
	return 4
}

// OpenCLType is the value of the DATA_TYPE build define.
func (dt DataType) OpenCLType() string {
	if dt == Float16 {
		return "half"
	}
	return "float"
}

// CmdType is the image access suffix (read_imagef / read_imageh).
func (dt DataType) CmdType() string {
	if dt == Float16 {
		return "h"
	}
	return "f"
}

// ParseDataType maps "fp32"/"fp16" precision names onto a DataType.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(s) {
	case "", "fp32", "float", "float32":
		return Float32, nil
	case "fp16", "half", "float16":
		return Float16, nil
	}
	return 0, fmt.Errorf("unknown precision: %s", s)
}

type ActivationType int

const (
	ActivationNoOp ActivationType = iota
	ActivationReLU
	ActivationReLUX // ReLU clamped to a max limit
	ActivationPReLU
	ActivationTanh
	ActivationSigmoid
)

var activationNames = map[ActivationType]string{
	ActivationNoOp:    "noop",
	ActivationReLU:    "relu",
	ActivationReLUX:   "relux",
	ActivationPReLU:   "prelu",
	ActivationTanh:    "tanh",
	ActivationSigmoid: "sigmoid",
}

// Valid reports whether a is one of the supported activations.
func (a ActivationType) Valid() bool {
	_, ok := activationNames[a]
	return ok
}

func (a ActivationType) String() string {
	if name, ok := activationNames[a]; ok {
		return name
	}
	return fmt.Sprintf("ActivationType(%d)", int(a))
}

// ParseActivation maps a lower-case activation name onto its ActivationType.
func ParseActivation(s string) (ActivationType, error) {
	if s == "" {
		return ActivationNoOp, nil
	}
	for a, name := range activationNames {
		if strings.EqualFold(name, s) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown activation: %s", s)
}

// Kernel is a built device kernel whose arguments are bound by index.
// Arguments are captured by the runtime at enqueue time.
type Kernel interface {
	Name() string
	Variant() Variant
	NumArgs() int
	SetArg(idx int, v any) error
}

// Runtime builds kernels, owns device images and the in-order command queue.
type Runtime interface {
	Name() string

	// DeviceName identifies the device for tuning results.
	DeviceName() string

	NewImage(width, height int, dt DataType) *Image

	// ReleaseImage returns an image to the runtime's pool.
	ReleaseImage(img *Image)

	// BuildKernel returns a fresh kernel object for the given program variant.
	// Compiled programs are cached by the runtime.
	BuildKernel(program, kernel string, v Variant) (Kernel, error)

	KernelMaxWorkGroupSize(k Kernel) uint32

	// Enqueue2D submits k over a 2-D grid. It does not block on execution.
	Enqueue2D(ctx context.Context, k Kernel, gws [2]uint32, lws [3]uint32) (*Future, error)

	// Synchronize blocks until all queued commands are complete.
	Synchronize()

	Close() error
}
