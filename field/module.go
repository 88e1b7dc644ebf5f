package field

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/clipfield/clipfield/tensor"
)

var (
	rngMutex sync.Mutex
	rng      = rand.New(rand.NewSource(42))
)

// SetRandomSeed sets the seed used for parameter initialization.
func SetRandomSeed(seed int64) {
	rngMutex.Lock()
	defer rngMutex.Unlock()
	rng = rand.New(rand.NewSource(seed))
}

// Module is a trainable component of the field network.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
}

// Linear implements a fully connected layer: output = input @ weight + bias.
type Linear struct {
	InputSize  int
	OutputSize int
	Weight     *tensor.Tensor // [InputSize, OutputSize]
	Bias       *tensor.Tensor // [1, OutputSize], nil when disabled
}

// NewLinear creates a linear layer with uniform Kaiming-style initialization.
func NewLinear(inputSize, outputSize int, bias bool, device tensor.DeviceType) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid linear dimensions: %d x %d", inputSize, outputSize)
	}

	bound := float32(1.0 / math.Sqrt(float64(inputSize)))

	rngMutex.Lock()
	weight, err := tensor.RandUniform([]int{inputSize, outputSize}, -bound, bound, rng, device)
	rngMutex.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize weight: %v", err)
	}
	weight.SetRequiresGrad(true)

	l := &Linear{
		InputSize:  inputSize,
		OutputSize: outputSize,
		Weight:     weight,
	}

	if bias {
		b, err := tensor.Zeros([]int{1, outputSize}, tensor.Float32, device)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize bias: %v", err)
		}
		b.SetRequiresGrad(true)
		l.Bias = b
	}

	return l, nil
}

// Forward computes the affine transform for a [batch, InputSize] input.
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 || input.Shape[1] != l.InputSize {
		return nil, fmt.Errorf("linear layer expects [batch, %d] input, got %v", l.InputSize, input.Shape)
	}

	out := tensor.MatMulAutograd(input, l.Weight)
	if l.Bias != nil {
		out = tensor.AddAutograd(out, l.Bias)
	}

	return out, nil
}

func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.Weight}
	if l.Bias != nil {
		params = append(params, l.Bias)
	}
	return params
}

// ReLU applies the rectified linear activation.
type ReLU struct{}

func NewReLU() *ReLU {
	return &ReLU{}
}

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input), nil
}

func (r *ReLU) Parameters() []*tensor.Tensor {
	return nil
}

// Sequential chains modules in order.
type Sequential struct {
	modules []Module
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules}
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	current := input
	for i, module := range s.modules {
		output, err := module.Forward(current)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %v", i, err)
		}
		current = output
	}
	return current, nil
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, module := range s.modules {
		params = append(params, module.Parameters()...)
	}
	return params
}
