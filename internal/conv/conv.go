package conv

import (
	"fmt"
	"strings"
)

// Padding is the padding policy used when no explicit padding is given.
type Padding int

const (
	PaddingValid Padding = iota
	PaddingSame
	PaddingFull
)

func (p Padding) String() string {
	switch p {
	case PaddingValid:
		return "VALID"
	case PaddingSame:
		return "SAME"
	case PaddingFull:
		return "FULL"
	default:
		return fmt.Sprintf("Padding(%d)", int(p))
	}
}

// ParsePadding accepts "valid", "same" or "full" in any case.
func ParsePadding(s string) (Padding, error) {
	switch strings.ToLower(s) {
	case "valid":
		return PaddingValid, nil
	case "same", "":
		return PaddingSame, nil
	case "full":
		return PaddingFull, nil
	}
	return 0, fmt.Errorf("unknown padding: %s", s)
}

// RoundType selects floor or ceil division for explicit-padding output sizes.
type RoundType int

const (
	RoundFloor RoundType = iota
	RoundCeil
)

func kernelExtent(k, dilation int) int {
	return (k-1)*dilation + 1
}

// outDim is span/stride+1, or zero when the filter does not fit at all.
func outDim(span, stride int) int {
	if span < 0 {
		return 0
	}
	return span/stride + 1
}

// CalcNHWCPaddingAndOutputSize derives the output shape and the total padding
// for a convolution over an NHWC input with an HWOI filter.
// The returned output channel count is filter[2].
func CalcNHWCPaddingAndOutputSize(input, filter [4]int, dilations, strides [2]int, padding Padding) ([4]int, [2]int) {
	extH := kernelExtent(filter[0], dilations[0])
	extW := kernelExtent(filter[1], dilations[1])

	var outH, outW int
	switch padding {
	case PaddingValid:
		outH = outDim(input[1]-extH, strides[0])
		outW = outDim(input[2]-extW, strides[1])
	case PaddingSame:
		outH = outDim(input[1]-1, strides[0])
		outW = outDim(input[2]-1, strides[1])
	case PaddingFull:
		outH = outDim(input[1]+extH-2, strides[0])
		outW = outDim(input[2]+extW-2, strides[1])
	}

	paddings := [2]int{
		max(0, (outH-1)*strides[0]+extH-input[1]),
		max(0, (outW-1)*strides[1]+extW-input[2]),
	}
	return [4]int{input[0], outH, outW, filter[2]}, paddings
}

// CalcOutputSize computes the output shape for explicit total paddings. A
// spatial dimension the filter does not fit into is zero.
func CalcOutputSize(input, filter [4]int, paddings, dilations, strides [2]int, round RoundType) [4]int {
	spanH := input[1] + paddings[0] - kernelExtent(filter[0], dilations[0])
	spanW := input[2] + paddings[1] - kernelExtent(filter[1], dilations[1])
	outH, outW := 0, 0
	if spanH >= 0 {
		outH = divide(spanH, strides[0], round) + 1
	}
	if spanW >= 0 {
		outW = divide(spanW, strides[1], round) + 1
	}
	return [4]int{input[0], outH, outW, filter[2]}
}

func divide(a, b int, round RoundType) int {
	if round == RoundCeil && a > 0 {
		return (a + b - 1) / b
	}
	return a / b
}
