package winograd

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/23skdu/longbow-winograd/internal/device"
)

const (
	programName          = "winograd_transform"
	forwardKernelName    = "winograd_transform_2x2"
	inverseKernelName    = "winograd_inverse_transform_2x2"
	forwardTuningPrefix  = "winograd_transform_kernel"
	inverseTuningPrefix  = "winograd_inverse_transform_kernel"
	winogradCoefficients = 16
)

// preferredLWS is the default local work size offered to the dispatcher.
var preferredLWS = [3]uint32{128, 8, 1}

var (
	ErrUnknownActivation = errors.New("unknown activation type")
	ErrInvalidConfig     = errors.New("invalid transform config")
)

var tracer = otel.Tracer("winograd")

// Dispatcher launches a bound 2-D kernel, choosing the local work size.
// *tuning.Tuner implements it.
type Dispatcher interface {
	TuningOrRun2DKernel(ctx context.Context, rt device.Runtime, k device.Kernel, key string, gws [2]uint32, lws [3]uint32) (*device.Future, error)
}

type buildState int

const (
	stateUninitialized buildState = iota
	stateBuilt
)

// kernelState is the kernel owned by one functor instance and the arguments
// last bound to it. It is not safe for concurrent use.
type kernelState struct {
	name    string
	state   buildState
	variant device.Variant
	kernel  device.Kernel
	bound   []any
}

// getOrBuild returns the functor's kernel for want, building it on first use
// or when the wanted variant differs from the built one.
func (s *kernelState) getOrBuild(rt device.Runtime, want device.Variant) (device.Kernel, error) {
	if s.state == stateBuilt && s.variant == want {
		return s.kernel, nil
	}

	k, err := rt.BuildKernel(programName, s.name, want)
	if err != nil {
		return nil, fmt.Errorf("build %s (%s): %w", s.name, want, err)
	}
	if s.state == stateBuilt {
		log.Debug().Str("kernel", s.name).Stringer("from", s.variant).Stringer("to", want).Msg("Kernel variant changed, rebuilding")
	}

	s.kernel = k
	s.variant = want
	s.state = stateBuilt
	s.bound = nil
	kernelBuilds.WithLabelValues(s.name).Inc()
	return k, nil
}

// bind sets args on the built kernel unless they equal the last bound set.
// Images compare by identity, scalars by value. It reports whether a bind happened.
func (s *kernelState) bind(args []any) (bool, error) {
	if s.state != stateBuilt {
		return false, fmt.Errorf("bind %s: kernel not built", s.name)
	}
	if s.bound != nil && slices.Equal(s.bound, args) {
		return false, nil
	}

	for i, a := range args {
		if err := s.kernel.SetArg(i, a); err != nil {
			s.bound = nil
			return false, fmt.Errorf("bind %s: %w", s.name, err)
		}
	}
	if s.bound != nil {
		log.Debug().Str("kernel", s.name).Msg("Kernel arguments changed, re-binding")
	}
	s.bound = slices.Clone(args)
	kernelBinds.WithLabelValues(s.name).Inc()
	return true, nil
}

// TileGeometry counts the 2x2 output tiles covering a batch of feature maps.
type TileGeometry struct {
	RoundH   int
	RoundW   int
	OutWidth int // tiles flattened across batch and space
}

// NewTileGeometry counts tiles for an output of outHeight x outWidth. Empty or
// negative dimensions give an empty grid, which the kernels refuse to launch.
func NewTileGeometry(batch, outHeight, outWidth int) TileGeometry {
	roundH := max(0, (outHeight+1)/2)
	roundW := max(0, (outWidth+1)/2)
	return TileGeometry{
		RoundH:   roundH,
		RoundW:   roundW,
		OutWidth: max(0, batch) * roundH * roundW,
	}
}

// Tiles is the number of tiles per feature map.
func (g TileGeometry) Tiles() int {
	return g.RoundH * g.RoundW
}

// PackedShape is the logical shape of the Winograd-domain tensor for channels.
func (g TileGeometry) PackedShape(channels int) []int {
	return []int{winogradCoefficients, channels, g.OutWidth, 1}
}

func tuningKey(prefix string, dims []int) string {
	key := prefix
	for _, d := range dims {
		key += fmt.Sprintf("_%d", d)
	}
	return key
}
