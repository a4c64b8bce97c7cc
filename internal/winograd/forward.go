package winograd

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-winograd/internal/conv"
	"github.com/23skdu/longbow-winograd/internal/device"
)

// ForwardConfig describes the notional 3x3 convolution the packed tiles feed.
type ForwardConfig struct {
	Padding conv.Padding
	// Paddings are explicit total paddings {height, width}. When set they
	// take precedence over Padding.
	Paddings  []int
	Strides   [2]int
	Dilations [2]int
	DataType  device.DataType
}

func DefaultForwardConfig() ForwardConfig {
	return ForwardConfig{
		Padding:   conv.PaddingSame,
		Strides:   [2]int{1, 1},
		Dilations: [2]int{1, 1},
		DataType:  device.Float32,
	}
}

func (c ForwardConfig) validate() error {
	if !c.DataType.Valid() {
		return fmt.Errorf("%w: data type %v", ErrInvalidConfig, c.DataType)
	}
	if c.Strides[0] <= 0 || c.Strides[1] <= 0 {
		return fmt.Errorf("%w: strides %v", ErrInvalidConfig, c.Strides)
	}
	if c.Dilations[0] <= 0 || c.Dilations[1] <= 0 {
		return fmt.Errorf("%w: dilations %v", ErrInvalidConfig, c.Dilations)
	}
	if c.Paddings != nil && (len(c.Paddings) != 2 || c.Paddings[0] < 0 || c.Paddings[1] < 0) {
		return fmt.Errorf("%w: paddings %v", ErrInvalidConfig, c.Paddings)
	}
	return nil
}

// ForwardTransform packs NHWC input tiles into the Winograd domain: for every
// 2x2 output tile it writes the 16 coefficients Bᵀ d B of the 4x4 input patch d.
//
// A ForwardTransform owns its kernel and must not be run from several
// goroutines at once.
type ForwardTransform struct {
	rt         device.Runtime
	dispatcher Dispatcher
	cfg        ForwardConfig
	state      kernelState
}

func NewForwardTransform(rt device.Runtime, d Dispatcher, cfg ForwardConfig) (*ForwardTransform, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &ForwardTransform{
		rt:         rt,
		dispatcher: d,
		cfg:        cfg,
		state:      kernelState{name: forwardKernelName},
	}, nil
}

// Geometry returns the output shape, total paddings and tile geometry for an
// NHWC input shape.
func (t *ForwardTransform) Geometry(input [4]int) ([4]int, [2]int, TileGeometry) {
	filter := [4]int{3, 3, input[3], 1}

	var (
		outShape [4]int
		paddings [2]int
	)
	if len(t.cfg.Paddings) == 2 {
		paddings = [2]int{t.cfg.Paddings[0], t.cfg.Paddings[1]}
		outShape = conv.CalcOutputSize(input, filter, paddings, t.cfg.Dilations, t.cfg.Strides, conv.RoundFloor)
	} else {
		outShape, paddings = conv.CalcNHWCPaddingAndOutputSize(input, filter, t.cfg.Dilations, t.cfg.Strides, t.cfg.Padding)
	}
	return outShape, paddings, NewTileGeometry(input[0], outShape[1], outShape[2])
}

// Run resizes output to [16, C, out_width, 1] and enqueues the transform of
// input ([N, H, W, C], channel-packed). It returns once the kernel is queued.
func (t *ForwardTransform) Run(ctx context.Context, input, output *device.Tensor) (*device.Future, error) {
	ctx, span := tracer.Start(ctx, "ForwardTransform.Run")
	defer span.End()

	transformRuns.WithLabelValues(forwardKernelName).Inc()
	f, err := t.run(ctx, input, output)
	if err != nil {
		transformErrors.WithLabelValues(forwardKernelName).Inc()
		span.RecordError(err)
	}
	return f, err
}

func (t *ForwardTransform) run(ctx context.Context, input, output *device.Tensor) (*device.Future, error) {
	shape := input.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("forward transform: input shape %v is not NHWC", shape)
	}
	in := [4]int{shape[0], shape[1], shape[2], shape[3]}
	_, paddings, geo := t.Geometry(in)

	packed := geo.PackedShape(in[3])
	output.ResizeImage(packed, device.InOutHeight, device.ImageShape(packed, device.InOutHeight))

	k, err := t.state.getOrBuild(t.rt, device.Variant{DataType: t.cfg.DataType})
	if err != nil {
		return nil, err
	}
	if _, err := t.state.bind([]any{
		input.Image(),
		output.Image(),
		uint32(in[1]),
		uint32(in[2]),
		uint32(in[3]),
		uint32(geo.Tiles()),
		uint32(geo.RoundW),
		uint32(paddings[0] / 2),
		uint32(paddings[1] / 2),
	}); err != nil {
		return nil, err
	}

	gws := [2]uint32{uint32(geo.OutWidth), uint32(device.RoundUpDiv4(in[3]))}
	key := tuningKey(forwardTuningPrefix, shape)

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("key", key),
		attribute.IntSlice("output_shape", packed),
	)
	return t.dispatcher.TuningOrRun2DKernel(ctx, t.rt, k, key, gws, preferredLWS)
}
