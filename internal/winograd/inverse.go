package winograd

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-winograd/internal/device"
)

// InverseConfig is the spatial target shape and the fused epilogue.
type InverseConfig struct {
	Batch, Height, Width int
	Activation           device.ActivationType
	// ReluxMaxLimit clamps ActivationReLUX; ignored otherwise.
	ReluxMaxLimit float32
	// PReLUAlpha scales negative values for ActivationPReLU; ignored otherwise.
	PReLUAlpha float32
	DataType   device.DataType
}

// InverseTransform maps Winograd-domain tiles back to NHWC: for every tile it
// writes Aᵀ m A, then adds the optional bias and applies the activation.
// Output positions past Height or Width are cropped.
//
// An InverseTransform owns its kernel and must not be run from several
// goroutines at once.
type InverseTransform struct {
	rt         device.Runtime
	dispatcher Dispatcher
	cfg        InverseConfig
	geo        TileGeometry
	state      kernelState
}

// NewInverseTransform rejects an activation outside the supported set with
// ErrUnknownActivation before any device work happens.
func NewInverseTransform(rt device.Runtime, d Dispatcher, cfg InverseConfig) (*InverseTransform, error) {
	if !cfg.Activation.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownActivation, int(cfg.Activation))
	}
	if !cfg.DataType.Valid() {
		return nil, fmt.Errorf("%w: data type %v", ErrInvalidConfig, cfg.DataType)
	}
	if cfg.Batch <= 0 || cfg.Height <= 0 || cfg.Width <= 0 {
		return nil, fmt.Errorf("%w: target shape %dx%dx%d", ErrInvalidConfig, cfg.Batch, cfg.Height, cfg.Width)
	}
	return &InverseTransform{
		rt:         rt,
		dispatcher: d,
		cfg:        cfg,
		geo:        NewTileGeometry(cfg.Batch, cfg.Height, cfg.Width),
		state:      kernelState{name: inverseKernelName},
	}, nil
}

func (t *InverseTransform) Geometry() TileGeometry {
	return t.geo
}

// Run resizes output to [batch, height, width, C] for a [16, C, T, 1] input
// and enqueues the inverse transform. bias is an optional [C] tensor; nil
// selects the bias-free kernel variant.
func (t *InverseTransform) Run(ctx context.Context, input, bias, output *device.Tensor) (*device.Future, error) {
	ctx, span := tracer.Start(ctx, "InverseTransform.Run")
	defer span.End()

	transformRuns.WithLabelValues(inverseKernelName).Inc()
	f, err := t.run(ctx, input, bias, output)
	if err != nil {
		transformErrors.WithLabelValues(inverseKernelName).Inc()
		span.RecordError(err)
	}
	return f, err
}

func (t *InverseTransform) run(ctx context.Context, input, bias, output *device.Tensor) (*device.Future, error) {
	shape := input.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("inverse transform: input shape %v is not [16, C, T, 1]", shape)
	}
	channels := shape[1]

	outShape := []int{t.cfg.Batch, t.cfg.Height, t.cfg.Width, channels}
	output.ResizeImage(outShape, device.InOutChannel, device.ImageShape(outShape, device.InOutChannel))

	variant := device.Variant{
		DataType:   t.cfg.DataType,
		Bias:       bias != nil,
		Activation: t.cfg.Activation,
	}
	k, err := t.state.getOrBuild(t.rt, variant)
	if err != nil {
		return nil, err
	}

	args := make([]any, 0, 9)
	args = append(args, input.Image())
	if bias != nil {
		args = append(args, bias.Image())
	}
	args = append(args,
		output.Image(),
		uint32(t.cfg.Height),
		uint32(t.cfg.Width),
		uint32(t.geo.Tiles()),
		uint32(t.geo.RoundW),
		t.cfg.ReluxMaxLimit,
		t.cfg.PReLUAlpha,
	)
	if _, err := t.state.bind(args); err != nil {
		return nil, err
	}

	gws := [2]uint32{uint32(shape[2]), uint32(device.RoundUpDiv4(channels))}
	key := tuningKey(inverseTuningPrefix, shape)

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("key", key),
		attribute.Stringer("variant", variant),
		attribute.IntSlice("output_shape", outShape),
	)
	return t.dispatcher.TuningOrRun2DKernel(ctx, t.rt, k, key, gws, preferredLWS)
}
