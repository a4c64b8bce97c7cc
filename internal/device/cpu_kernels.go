package device

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-winograd/internal/simd"
)

// cpuPrograms maps program -> kernel -> builder for the reference runtime.
var cpuPrograms = map[string]map[string]kernelBuilder{
	"winograd_transform": {
		"winograd_transform_2x2":         buildWinogradTransform2x2,
		"winograd_inverse_transform_2x2": buildWinogradInverseTransform2x2,
	},
}

// F(2x2, 3x3) transform matrices.
var (
	winogradBT = mat.NewDense(4, 4, []float64{
		1, 0, -1, 0,
		0, 1, 1, 0,
		0, -1, 1, 0,
		0, 1, 0, -1,
	})
	winogradAT = mat.NewDense(2, 4, []float64{
		1, 1, 1, 0,
		0, 1, -1, -1,
	})
)

// forwardTile returns Bᵀ d B for a row-major 4x4 input patch.
func forwardTile(d []float64) [16]float64 {
	var v mat.Dense
	v.Product(winogradBT, mat.NewDense(4, 4, d), winogradBT.T())
	var out [16]float64
	copy(out[:], v.RawMatrix().Data)
	return out
}

// inverseTile returns Aᵀ m A for a row-major 4x4 coefficient block.
func inverseTile(m []float64) [4]float64 {
	var y mat.Dense
	y.Product(winogradAT, mat.NewDense(4, 4, m), winogradAT.T())
	var out [4]float64
	copy(out[:], y.RawMatrix().Data)
	return out
}

func imageArg(args []any, i int) (*Image, error) {
	img, ok := args[i].(*Image)
	if !ok || img == nil {
		return nil, fmt.Errorf("%w: arg %d is %T, want *Image", ErrInvalidArg, i, args[i])
	}
	return img, nil
}

func intArg(args []any, i int) (int, error) {
	v, ok := args[i].(uint32)
	if !ok {
		return 0, fmt.Errorf("%w: arg %d is %T, want uint32", ErrInvalidArg, i, args[i])
	}
	return int(v), nil
}

func floatArg(args []any, i int) (float32, error) {
	v, ok := args[i].(float32)
	if !ok {
		return 0, fmt.Errorf("%w: arg %d is %T, want float32", ErrInvalidArg, i, args[i])
	}
	return v, nil
}

// intArgs decodes consecutive uint32 arguments starting at from.
func intArgs(args []any, from int, dst ...*int) error {
	for i, d := range dst {
		v, err := intArg(args, from+i)
		if err != nil {
			return err
		}
		*d = v
	}
	return nil
}

// Args: input, output, in_height, in_width, in_channel, round_hw, round_w,
// padding_top, padding_left.
func buildWinogradTransform2x2(Variant) (kernelFunc, int) {
	launch := func(args []any, gsize [2]int) (workItem, error) {
		input, err := imageArg(args, 0)
		if err != nil {
			return nil, err
		}
		output, err := imageArg(args, 1)
		if err != nil {
			return nil, err
		}
		var height, width, channels, roundHW, roundW, padTop, padLeft int
		if err := intArgs(args, 2, &height, &width, &channels, &roundHW, &roundW, &padTop, &padLeft); err != nil {
			return nil, err
		}
		if roundHW == 0 || roundW == 0 {
			return nil, fmt.Errorf("%w: empty tile grid", ErrInvalidArg)
		}
		chanBlocks := gsize[1]

		return func(x, y int) {
			batch := x / roundHW
			t := x % roundHW
			h0 := (t/roundW)*2 - padTop
			w0 := (t%roundW)*2 - padLeft
			nh := batch * height
			wc := y * width

			var d [4][16]float64
			for i := 0; i < 4; i++ {
				h := h0 + i
				if h < 0 || h >= height {
					continue
				}
				for j := 0; j < 4; j++ {
					w := w0 + j
					if w < 0 || w >= width {
						continue
					}
					px := input.ReadPixel(wc+w, nh+h)
					for l, v := range px {
						d[l][i*4+j] = float64(v)
					}
				}
			}

			var out [16]simd.Vec4
			for l := range d {
				coeffs := forwardTile(d[l][:])
				for k, c := range coeffs {
					out[k][l] = float32(c)
				}
			}
			for k, px := range out {
				output.WritePixel(x, y+k*chanBlocks, px)
			}
		}, nil
	}
	return launch, 9
}

// Args: input, [bias], output, out_height, out_width, round_hw, round_w,
// relux_max_limit, prelu_alpha.
func buildWinogradInverseTransform2x2(v Variant) (kernelFunc, int) {
	numArgs := 8
	if v.Bias {
		numArgs++
	}

	launch := func(args []any, gsize [2]int) (workItem, error) {
		idx := 0
		input, err := imageArg(args, idx)
		if err != nil {
			return nil, err
		}
		idx++
		var bias *Image
		if v.Bias {
			if bias, err = imageArg(args, idx); err != nil {
				return nil, err
			}
			idx++
		}
		output, err := imageArg(args, idx)
		if err != nil {
			return nil, err
		}
		idx++
		var height, width, roundHW, roundW int
		if err := intArgs(args, idx, &height, &width, &roundHW, &roundW); err != nil {
			return nil, err
		}
		idx += 4
		limit, err := floatArg(args, idx)
		if err != nil {
			return nil, err
		}
		alpha, err := floatArg(args, idx+1)
		if err != nil {
			return nil, err
		}
		if roundHW == 0 || roundW == 0 {
			return nil, fmt.Errorf("%w: empty tile grid", ErrInvalidArg)
		}
		chanBlocks := gsize[1]

		return func(x, y int) {
			var m [4][16]float64
			for k := 0; k < 16; k++ {
				px := input.ReadPixel(x, y+k*chanBlocks)
				for l, val := range px {
					m[l][k] = float64(val)
				}
			}

			batch := x / roundHW
			t := x % roundHW
			h := (t / roundW) * 2
			w := (t % roundW) * 2

			var res [4]simd.Vec4
			for l := range m {
				r := inverseTile(m[l][:])
				for ij, val := range r {
					res[ij][l] = float32(val)
				}
			}

			var b simd.Vec4
			if bias != nil {
				b = bias.ReadPixel(y, 0)
			}
			for i := 0; i < 2 && h+i < height; i++ {
				for j := 0; j < 2 && w+j < width; j++ {
					px := res[i*2+j]
					if bias != nil {
						px = simd.Add4(px, b)
					}
					px = activate(px, v.Activation, limit, alpha)
					output.WritePixel(y*width+w+j, batch*height+h+i, px)
				}
			}
		}, nil
	}
	return launch, numArgs
}

func activate(px simd.Vec4, act ActivationType, limit, alpha float32) simd.Vec4 {
	switch act {
	case ActivationReLU:
		return simd.Relu4(px)
	case ActivationReLUX:
		return simd.ReluX4(px, limit)
	case ActivationPReLU:
		return simd.PRelu4(px, alpha)
	case ActivationTanh:
		return simd.Tanh4(px)
	case ActivationSigmoid:
		return simd.Sigmoid4(px)
	default:
		return px
	}
}
