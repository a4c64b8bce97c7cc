package simd

import "math"

// Vec4 is one image pixel: four channel lanes.
type Vec4 = [4]float32

// Add4 returns a + b lane-wise.
func Add4(a, b Vec4) Vec4 {
	return Vec4{a[0] + b[0], a[1] + b[1], a[2] + b[2], a[3] + b[3]}
}

// Relu4 returns max(v, 0) lane-wise.
func Relu4(v Vec4) Vec4 {
	for i, x := range v {
		if x < 0 {
			v[i] = 0
		}
	}
	return v
}

// ReluX4 clamps v to [0, limit] lane-wise.
func ReluX4(v Vec4, limit float32) Vec4 {
	for i, x := range v {
		switch {
		case x < 0:
			v[i] = 0
		case x > limit:
			v[i] = limit
		}
	}
	return v
}

// PRelu4 scales negative lanes by alpha.
func PRelu4(v Vec4, alpha float32) Vec4 {
	for i, x := range v {
		if x < 0 {
			v[i] = alpha * x
		}
	}
	return v
}

// Tanh4 applies tanh lane-wise.
func Tanh4(v Vec4) Vec4 {
	for i, x := range v {
		v[i] = float32(math.Tanh(float64(x)))
	}
	return v
}

// Sigmoid4 applies 1 / (1 + exp(-x)) lane-wise.
func Sigmoid4(v Vec4) Vec4 {
	for i, x := range v {
		v[i] = float32(1 / (1 + math.Exp(-float64(x))))
	}
	return v
}
