package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/23skdu/longbow-winograd/internal/conv"
	"github.com/23skdu/longbow-winograd/internal/device"
	"github.com/23skdu/longbow-winograd/internal/tuning"
	"github.com/23skdu/longbow-winograd/internal/winograd"
)

// Options configure the tiling, epilogue and precision of a pipeline.
type Options struct {
	DataType device.DataType
	// Padding is a policy name for conv.ParsePadding; empty means SAME.
	Padding string
	// Strides and Dilations default to 1 where zero.
	Strides       [2]int
	Dilations     [2]int
	Activation    device.ActivationType
	Bias          bool
	ReluxMaxLimit float32
	PReLUAlpha    float32
}

// ForwardConfig is the forward transform configuration the options describe.
func (o Options) ForwardConfig() (winograd.ForwardConfig, error) {
	cfg := winograd.DefaultForwardConfig()
	padding, err := conv.ParsePadding(o.Padding)
	if err != nil {
		return cfg, err
	}
	cfg.Padding = padding
	cfg.DataType = o.DataType
	for i := range 2 {
		if o.Strides[i] != 0 {
			cfg.Strides[i] = o.Strides[i]
		}
		if o.Dilations[i] != 0 {
			cfg.Dilations[i] = o.Dilations[i]
		}
	}
	return cfg, nil
}

// Pipeline runs the forward transform and feeds the packed tensor straight
// into the inverse transform. Without the multiply stage in between the
// output is not the input; it exercises both kernels at a realistic shape.
type Pipeline struct {
	rt      device.Runtime
	shape   []int
	forward *winograd.ForwardTransform
	inverse *winograd.InverseTransform

	input, bias, packed, output *device.Tensor
}

func NewPipeline(rt device.Runtime, tuner *tuning.Tuner, shape []int, opts Options) (*Pipeline, error) {
	if len(shape) != 4 {
		return nil, fmt.Errorf("shape %v is not NHWC", shape)
	}

	fcfg, err := opts.ForwardConfig()
	if err != nil {
		return nil, err
	}
	forward, err := winograd.NewForwardTransform(rt, tuner, fcfg)
	if err != nil {
		return nil, err
	}
	// The inverse writes the convolution's output extent.
	out, _, _ := forward.Geometry([4]int(shape))
	inverse, err := winograd.NewInverseTransform(rt, tuner, winograd.InverseConfig{
		Batch:         out[0],
		Height:        out[1],
		Width:         out[2],
		Activation:    opts.Activation,
		ReluxMaxLimit: opts.ReluxMaxLimit,
		PReLUAlpha:    opts.PReLUAlpha,
		DataType:      opts.DataType,
	})
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		rt:      rt,
		shape:   shape,
		forward: forward,
		inverse: inverse,
		input:   device.NewImageTensor(rt, shape, device.InOutChannel, opts.DataType),
		packed:  device.NewTensor(rt, opts.DataType),
		output:  device.NewTensor(rt, opts.DataType),
	}
	if err := p.input.CopyFromHost(samplePattern(p.input.Size())); err != nil {
		p.Release()
		return nil, err
	}
	if opts.Bias {
		p.bias = device.NewImageTensor(rt, []int{shape[3]}, device.Argument, opts.DataType)
		if err := p.bias.CopyFromHost(samplePattern(shape[3])); err != nil {
			p.Release()
			return nil, err
		}
	}
	return p, nil
}

// Run enqueues both transforms and waits for the inverse to finish.
func (p *Pipeline) Run(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	ff, err := p.forward.Run(ctx, p.input, p.packed)
	if err != nil {
		return 0, fmt.Errorf("forward: %w", err)
	}
	// The in-order queue runs the inverse after the forward kernel.
	fi, err := p.inverse.Run(ctx, p.packed, p.bias, p.output)
	if err != nil {
		return 0, fmt.Errorf("inverse: %w", err)
	}
	if err := ff.Wait(ctx); err != nil {
		return 0, fmt.Errorf("forward: %w", err)
	}
	if err := fi.Wait(ctx); err != nil {
		return 0, fmt.Errorf("inverse: %w", err)
	}
	return time.Since(start), nil
}

func (p *Pipeline) PackedShape() []int {
	return p.packed.Shape()
}

func (p *Pipeline) Output() *device.Tensor {
	return p.output
}

// Release returns every image to the runtime pool.
func (p *Pipeline) Release() {
	for _, t := range []*device.Tensor{p.input, p.bias, p.packed, p.output} {
		if t != nil {
			t.Release()
		}
	}
}

// samplePattern is a deterministic ramp in [-1, 1].
func samplePattern(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%17-8) / 8
	}
	return out
}

// parsePair parses "2" or "2,1" into a {height, width} pair of positive ints.
func parsePair(s string) ([2]int, error) {
	parts := strings.Split(s, ",")
	if len(parts) == 1 {
		parts = append(parts, parts[0])
	}
	var pair [2]int
	if len(parts) != 2 {
		return pair, fmt.Errorf("pair %q: want H,W", s)
	}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v <= 0 {
			return pair, fmt.Errorf("pair %q: invalid value %q", s, p)
		}
		pair[i] = v
	}
	return pair, nil
}

// parseShapes parses "1x32x32x16,1x64x64x32" into NHWC shapes.
func parseShapes(s string) ([][]int, error) {
	var shapes [][]int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dims := strings.Split(part, "x")
		if len(dims) != 4 {
			return nil, fmt.Errorf("shape %q: want NxHxWxC", part)
		}
		shape := make([]int, 4)
		for i, d := range dims {
			v, err := strconv.Atoi(d)
			if err != nil || v <= 0 {
				return nil, fmt.Errorf("shape %q: invalid dimension %q", part, d)
			}
			shape[i] = v
		}
		shapes = append(shapes, shape)
	}
	if len(shapes) == 0 {
		return nil, fmt.Errorf("no shapes in %q", s)
	}
	return shapes, nil
}
