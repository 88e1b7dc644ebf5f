package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// ParseDevice maps a configuration string to a DeviceType.
func ParseDevice(name string) (DeviceType, error) {
	switch name {
	case "", "cpu":
		return CPU, nil
	case "gpu", "cuda", "mps":
		return GPU, fmt.Errorf("accelerator device %q is not available in this build", name)
	default:
		return CPU, fmt.Errorf("unknown device %q", name)
	}
}

// Operation is implemented by autograd graph nodes. Forward produces the
// output tensor; Backward maps the output gradient to one gradient per input
// (nil for inputs that do not require gradients); Inputs returns the forward
// inputs in the same order Backward reports gradients.
type Operation interface {
	Forward(inputs ...*Tensor) *Tensor
	Backward(gradOut *Tensor) []*Tensor
	Inputs() []*Tensor
}

type Tensor struct {
	Shape        []int
	Strides      []int
	DType        DType
	Device       DeviceType
	Data         interface{}
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, elements=%d)",
		t.Shape, t.DType, t.Device, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// SetCreator attaches a custom Operation as this tensor's graph node. Packages
// that implement fused operations (losses, encodings) use this to participate
// in Backward traversal.
func (t *Tensor) SetCreator(op Operation) {
	t.creator = op
}

// AccumulateGrad adds g into the tensor's gradient, allocating it on first use.
func (t *Tensor) AccumulateGrad(g *Tensor) error {
	if g == nil {
		return nil
	}
	if t.grad == nil {
		clone, err := g.Clone()
		if err != nil {
			return fmt.Errorf("gradient clone failed: %v", err)
		}
		clone.requiresGrad = false
		clone.creator = nil
		t.grad = clone
		return nil
	}
	sum, err := Add(t.grad, g)
	if err != nil {
		return fmt.Errorf("gradient accumulation failed: %v", err)
	}
	t.grad = sum
	return nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
