package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-winograd/internal/conv"
	"github.com/23skdu/longbow-winograd/internal/device"
	"github.com/23skdu/longbow-winograd/internal/tuning"
)

func TestParseShapes(t *testing.T) {
	shapes, err := parseShapes("1x32x32x16, 2x5x7x3")
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 32, 32, 16}, {2, 5, 7, 3}}, shapes)

	for _, bad := range []string{"", "1x2x3", "1x0x4x4", "axbxcxd"} {
		_, err := parseShapes(bad)
		assert.Error(t, err, bad)
	}
}

func TestParsePair(t *testing.T) {
	p, err := parsePair("2")
	require.NoError(t, err)
	assert.Equal(t, [2]int{2, 2}, p)

	p, err = parsePair("2, 1")
	require.NoError(t, err)
	assert.Equal(t, [2]int{2, 1}, p)

	for _, bad := range []string{"", "0", "1,2,3", "a,1"} {
		_, err := parsePair(bad)
		assert.Error(t, err, bad)
	}
}

func TestOptions_ForwardConfig(t *testing.T) {
	cfg, err := Options{DataType: device.Float16}.ForwardConfig()
	require.NoError(t, err)
	assert.Equal(t, conv.PaddingSame, cfg.Padding)
	assert.Equal(t, [2]int{1, 1}, cfg.Strides)
	assert.Equal(t, [2]int{1, 1}, cfg.Dilations)
	assert.Equal(t, device.Float16, cfg.DataType)

	cfg, err = Options{Padding: "Valid", Strides: [2]int{2, 1}, Dilations: [2]int{1, 3}}.ForwardConfig()
	require.NoError(t, err)
	assert.Equal(t, conv.PaddingValid, cfg.Padding)
	assert.Equal(t, [2]int{2, 1}, cfg.Strides)
	assert.Equal(t, [2]int{1, 3}, cfg.Dilations)

	_, err = Options{Padding: "mirror"}.ForwardConfig()
	assert.Error(t, err)
}

func TestPipeline_RunValidStrided(t *testing.T) {
	rt := device.NewCPURuntime()
	defer rt.Close()
	ctx := context.Background()

	p, err := NewPipeline(rt, tuning.New(tuning.Config{}), []int{1, 9, 9, 4}, Options{
		Padding: "valid",
		Strides: [2]int{2, 2},
	})
	require.NoError(t, err)
	defer p.Release()

	_, err = p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{16, 4, 4, 1}, p.PackedShape())
	assert.Equal(t, []int{1, 4, 4, 4}, p.Output().Shape())

	// no output tiles at all
	_, err = NewPipeline(rt, tuning.New(tuning.Config{}), []int{1, 2, 8, 4}, Options{
		Padding:   "valid",
		Dilations: [2]int{2, 2},
	})
	assert.Error(t, err)
}

func TestPipeline_Run(t *testing.T) {
	rt := device.NewCPURuntime()
	defer rt.Close()
	ctx := context.Background()

	tuner := tuning.New(tuning.Config{Enabled: true, Path: filepath.Join(t.TempDir(), "tuning.cbor")})
	p, err := NewPipeline(rt, tuner, []int{1, 5, 6, 8}, Options{
		DataType:      device.Float16,
		Activation:    device.ActivationReLUX,
		Bias:          true,
		ReluxMaxLimit: 0.5,
	})
	require.NoError(t, err)
	defer p.Release()

	for i := 0; i < 2; i++ {
		_, err := p.Run(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, []int{16, 8, 9, 1}, p.PackedShape())
	assert.Equal(t, []int{1, 5, 6, 8}, p.Output().Shape())
	for _, v := range p.Output().ToHost() {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(0.5))
	}

	// both kernels were tuned and the table persists
	require.NoError(t, tuner.Save())
	loaded := tuning.New(tuning.Config{Path: tuner.Config().Path})
	require.NoError(t, loaded.Load())
	_, ok := loaded.Params(rt, "winograd_transform_kernel_1_5_6_8", [2]uint32{9, 2})
	assert.True(t, ok)
	_, ok = loaded.Params(rt, "winograd_inverse_transform_kernel_16_8_9_1", [2]uint32{9, 2})
	assert.True(t, ok)
}

func TestNewPipeline_UnknownActivation(t *testing.T) {
	rt := device.NewCPURuntime()
	defer rt.Close()

	_, err := NewPipeline(rt, tuning.New(tuning.Config{}), []int{1, 4, 4, 4}, Options{Activation: device.ActivationType(99)})
	assert.Error(t, err)
	assert.Equal(t, 0, rt.ProgramCount())
}
