package device

import (
	"fmt"
	"sort"
	"strings"
)

// Variant is the build configuration of a kernel program. It is comparable and
// used directly as part of program cache keys.
type Variant struct {
	DataType   DataType
	Bias       bool
	Activation ActivationType
}

func (v Variant) String() string {
	var sb strings.Builder
	sb.WriteString(v.DataType.String())
	if v.Bias {
		sb.WriteString("+bias")
	}
	if v.Activation != ActivationNoOp {
		sb.WriteString("+")
		sb.WriteString(v.Activation.String())
	}
	return sb.String()
}

// Defines renders the variant as compiler macro defines for runtimes that build
// kernels from source. symbol is the name the kernel entry point is remapped to.
func (v Variant) Defines(kernel, symbol string) ([]string, error) {
	if !v.DataType.Valid() {
		return nil, fmt.Errorf("unsupported data type %v", v.DataType)
	}
	defines := []string{
		fmt.Sprintf("-D%s=%s", kernel, symbol),
		"-DDATA_TYPE=" + v.DataType.OpenCLType(),
		"-DCMD_DATA_TYPE=" + v.DataType.CmdType(),
	}
	if v.Bias {
		defines = append(defines, "-DBIAS")
	}
	switch v.Activation {
	case ActivationNoOp:
	case ActivationReLU:
		defines = append(defines, "-DUSE_RELU")
	case ActivationReLUX:
		defines = append(defines, "-DUSE_RELUX")
	case ActivationPReLU:
		defines = append(defines, "-DUSE_PRELU")
	case ActivationTanh:
		defines = append(defines, "-DUSE_TANH")
	case ActivationSigmoid:
		defines = append(defines, "-DUSE_SIGMOID")
	default:
		return nil, fmt.Errorf("unknown activation type: %d", int(v.Activation))
	}
	sort.Strings(defines)
	return defines, nil
}
