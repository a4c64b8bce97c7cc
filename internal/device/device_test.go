package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageShape(t *testing.T) {
	// NHWC with channels packed by 4
	assert.Equal(t, [2]int{2 * 4, 1 * 4}, ImageShape([]int{1, 4, 4, 5}, InOutChannel))
	// Winograd-domain tensor [16, C, T, 1]
	assert.Equal(t, [2]int{4, 16}, ImageShape([]int{16, 4, 4, 1}, InOutHeight))
	assert.Equal(t, [2]int{9, 32}, ImageShape([]int{16, 6, 9, 1}, InOutHeight))
	assert.Equal(t, [2]int{3, 1}, ImageShape([]int{9}, Argument))
}

func TestTensor_HostRoundTrip(t *testing.T) {
	rt := NewCPURuntime()
	defer rt.Close()

	for _, dt := range []DataType{Float32, Float16} {
		t.Run(dt.String(), func(t *testing.T) {
			shape := []int{2, 3, 2, 5}
			tensor := NewImageTensor(rt, shape, InOutChannel, dt)
			defer tensor.Release()

			data := make([]float32, tensor.Size())
			for i := range data {
				data[i] = float32(i) - 7
			}
			require.NoError(t, tensor.CopyFromHost(data))
			assert.Equal(t, data, tensor.ToHost())

			// channel 4 of (n=0,h=0,w=1) lives in the second channel block
			assert.Equal(t, data[9], tensor.Image().ReadPixel(1*2+1, 0)[0])
		})
	}

	tensor := NewImageTensor(rt, []int{1, 1, 1, 4}, InOutChannel, Float32)
	assert.Error(t, tensor.CopyFromHost([]float32{1, 2}))
}

func TestTensor_ResizeImageReuse(t *testing.T) {
	rt := NewCPURuntime()
	defer rt.Close()

	tensor := NewImageTensor(rt, []int{1, 4, 4, 8}, InOutChannel, Float32)
	img := tensor.Image()

	tensor.ResizeImage([]int{1, 2, 2, 4}, InOutChannel, ImageShape([]int{1, 2, 2, 4}, InOutChannel))
	assert.Same(t, img, tensor.Image(), "smaller request keeps the image")
	assert.Equal(t, []int{1, 2, 2, 4}, tensor.Shape())

	tensor.ResizeImage([]int{1, 8, 8, 8}, InOutChannel, ImageShape([]int{1, 8, 8, 8}, InOutChannel))
	assert.NotSame(t, img, tensor.Image(), "larger request reallocates")
	assert.Equal(t, [2]int{16, 8}, tensor.Image().Shape())
}

func TestImage_OutOfRange(t *testing.T) {
	img := newImage(2, 2, Float32)
	img.WritePixel(5, 0, [4]float32{1, 1, 1, 1})
	assert.Equal(t, [4]float32{}, img.ReadPixel(-1, 0))
	assert.Equal(t, [4]float32{}, img.ReadPixel(2, 1))
}

func TestCPURuntime_NewImageNegativeShape(t *testing.T) {
	rt := NewCPURuntime()
	defer rt.Close()

	img := rt.NewImage(-2, 4, Float16)
	assert.Equal(t, [2]int{0, 4}, img.Shape())
	assert.Equal(t, 0, img.SizeBytes())
	assert.Equal(t, [4]float32{}, img.ReadPixel(0, 0))

	img = newImage(3, -1, Float32)
	assert.Equal(t, [2]int{3, 0}, img.Shape())
}

func TestActivationType(t *testing.T) {
	for a := ActivationNoOp; a <= ActivationSigmoid; a++ {
		assert.True(t, a.Valid())
		parsed, err := ParseActivation(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, parsed)
	}
	assert.False(t, ActivationType(42).Valid())
	assert.False(t, ActivationType(-1).Valid())
	_, err := ParseActivation("gelu")
	assert.Error(t, err)
}

func TestVariant_Defines(t *testing.T) {
	defines, err := Variant{DataType: Float16, Bias: true, Activation: ActivationReLUX}.Defines("winograd_inverse_transform_2x2", "k0")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"-DBIAS",
		"-DCMD_DATA_TYPE=h",
		"-DDATA_TYPE=half",
		"-DUSE_RELUX",
		"-Dwinograd_inverse_transform_2x2=k0",
	}, defines)

	defines, err = Variant{}.Defines("winograd_transform_2x2", "winograd_transform_2x2")
	require.NoError(t, err)
	assert.Len(t, defines, 3)

	_, err = Variant{Activation: ActivationType(9)}.Defines("k", "k")
	assert.Error(t, err)
}

func TestCPURuntime_BuildKernel(t *testing.T) {
	rt := NewCPURuntime()
	defer rt.Close()

	k1, err := rt.BuildKernel("winograd_transform", "winograd_transform_2x2", Variant{})
	require.NoError(t, err)
	k2, err := rt.BuildKernel("winograd_transform", "winograd_transform_2x2", Variant{})
	require.NoError(t, err)
	assert.NotSame(t, k1, k2, "each build returns its own kernel object")
	assert.Equal(t, 1, rt.ProgramCount(), "program is compiled once per variant")

	_, err = rt.BuildKernel("winograd_transform", "winograd_transform_2x2", Variant{DataType: Float16})
	require.NoError(t, err)
	assert.Equal(t, 2, rt.ProgramCount())

	inv, err := rt.BuildKernel("winograd_transform", "winograd_inverse_transform_2x2", Variant{Bias: true})
	require.NoError(t, err)
	assert.Equal(t, 9, inv.NumArgs())

	_, err = rt.BuildKernel("winograd_transform", "winograd_transform_6x6", Variant{})
	assert.True(t, errors.Is(err, ErrUnknownKernel))
}

func TestCPURuntime_EnqueueValidation(t *testing.T) {
	rt := NewCPURuntime()
	defer rt.Close()
	ctx := context.Background()

	k, err := rt.BuildKernel("winograd_transform", "winograd_transform_2x2", Variant{})
	require.NoError(t, err)

	_, err = rt.Enqueue2D(ctx, k, [2]uint32{4, 1}, [3]uint32{1, 1, 1})
	assert.True(t, errors.Is(err, ErrInvalidArg), "unbound args are rejected")

	assert.True(t, errors.Is(k.SetArg(9, uint32(1)), ErrInvalidArg))
	assert.True(t, errors.Is(k.SetArg(0, nil), ErrInvalidArg))

	in := NewImageTensor(rt, []int{1, 4, 4, 4}, InOutChannel, Float32)
	out := NewImageTensor(rt, []int{16, 4, 4, 1}, InOutHeight, Float32)
	args := []any{in.Image(), out.Image(), uint32(4), uint32(4), uint32(4), uint32(4), uint32(2), uint32(1), uint32(1)}
	for i, a := range args {
		require.NoError(t, k.SetArg(i, a))
	}

	_, err = rt.Enqueue2D(ctx, k, [2]uint32{4, 1}, [3]uint32{128, 16, 1})
	assert.True(t, errors.Is(err, ErrInvalidWorkGroupSize))
	_, err = rt.Enqueue2D(ctx, k, [2]uint32{4, 1}, [3]uint32{0, 1, 1})
	assert.True(t, errors.Is(err, ErrInvalidWorkGroupSize))

	require.NoError(t, k.SetArg(2, float32(4)))
	_, err = rt.Enqueue2D(ctx, k, [2]uint32{4, 1}, [3]uint32{4, 1, 1})
	assert.True(t, errors.Is(err, ErrInvalidArg), "wrong scalar type is rejected")

	require.NoError(t, k.SetArg(2, uint32(4)))
	f, err := rt.Enqueue2D(ctx, k, [2]uint32{4, 1}, [3]uint32{4, 1, 1})
	require.NoError(t, err)
	require.NoError(t, f.Wait(ctx))
	assert.GreaterOrEqual(t, f.Stats().Duration(), time.Duration(0))
}

func TestCPURuntime_InOrderQueue(t *testing.T) {
	rt := NewCPURuntimeWithConfig(CPUConfig{Workers: 2, QueueDepth: 4})
	ctx := context.Background()

	k, err := rt.BuildKernel("winograd_transform", "winograd_transform_2x2", Variant{})
	require.NoError(t, err)
	in := NewImageTensor(rt, []int{1, 8, 8, 4}, InOutChannel, Float32)
	out := NewImageTensor(rt, []int{16, 4, 16, 1}, InOutHeight, Float32)
	args := []any{in.Image(), out.Image(), uint32(8), uint32(8), uint32(4), uint32(16), uint32(4), uint32(1), uint32(1)}
	for i, a := range args {
		require.NoError(t, k.SetArg(i, a))
	}

	var futures []*Future
	for i := 0; i < 8; i++ {
		f, err := rt.Enqueue2D(ctx, k, [2]uint32{16, 1}, [3]uint32{2, 1, 1})
		require.NoError(t, err)
		futures = append(futures, f)
	}
	rt.Synchronize()

	for i, f := range futures {
		select {
		case <-f.Done():
		default:
			t.Fatalf("future %d not done after Synchronize", i)
		}
		if i > 0 {
			assert.False(t, f.Stats().Started.Before(futures[i-1].Stats().Finished), "command %d overlapped its predecessor", i)
		}
	}

	require.NoError(t, rt.Close())
	_, err = rt.Enqueue2D(ctx, k, [2]uint32{16, 1}, [3]uint32{2, 1, 1})
	assert.ErrorIs(t, err, ErrRuntimeClosed)
	_, err = rt.BuildKernel("winograd_transform", "winograd_transform_2x2", Variant{})
	assert.ErrorIs(t, err, ErrRuntimeClosed)
}

func TestCPURuntime_CancelledContext(t *testing.T) {
	rt := NewCPURuntime()
	defer rt.Close()

	k, err := rt.BuildKernel("winograd_transform", "winograd_transform_2x2", Variant{})
	require.NoError(t, err)
	in := NewImageTensor(rt, []int{1, 4, 4, 4}, InOutChannel, Float32)
	out := NewImageTensor(rt, []int{16, 4, 4, 1}, InOutHeight, Float32)
	args := []any{in.Image(), out.Image(), uint32(4), uint32(4), uint32(4), uint32(4), uint32(2), uint32(1), uint32(1)}
	for i, a := range args {
		require.NoError(t, k.SetArg(i, a))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f, err := rt.Enqueue2D(ctx, k, [2]uint32{4, 1}, [3]uint32{4, 1, 1})
	require.NoError(t, err)
	assert.ErrorIs(t, f.Wait(context.Background()), context.Canceled)
}
