package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor creates a tensor from existing data. The data slice must match the
// shape's element count and the dtype's Go representation.
func NewTensor(shape []int, dtype DType, device DeviceType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)

	switch dtype {
	case Float32:
		d, ok := data.([]float32)
		if !ok {
			return nil, fmt.Errorf("expected []float32 data for Float32 tensor, got %T", data)
		}
		if len(d) != numElems {
			return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(d), shape, numElems)
		}
	case Int32:
		d, ok := data.([]int32)
		if !ok {
			return nil, fmt.Errorf("expected []int32 data for Int32 tensor, got %T", data)
		}
		if len(d) != numElems {
			return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(d), shape, numElems)
		}
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", dtype)
	}

	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		Shape:    shapeCopy,
		Strides:  calculateStrides(shapeCopy),
		DType:    dtype,
		Device:   device,
		Data:     data,
		NumElems: numElems,
	}, nil
}

// Zeros creates a zero-filled tensor.
func Zeros(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)

	var data interface{}
	switch dtype {
	case Float32:
		data = make([]float32, numElems)
	case Int32:
		data = make([]int32, numElems)
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", dtype)
	}

	return NewTensor(shape, dtype, device, data)
}

// Ones creates a one-filled tensor.
func Ones(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	t, err := Zeros(shape, dtype, device)
	if err != nil {
		return nil, err
	}

	switch dtype {
	case Float32:
		data := t.Data.([]float32)
		for i := range data {
			data[i] = 1.0
		}
	case Int32:
		data := t.Data.([]int32)
		for i := range data {
			data[i] = 1
		}
	}

	return t, nil
}

// FromScalar creates a single-element tensor holding value.
func FromScalar(value float64, dtype DType, device DeviceType) (*Tensor, error) {
	switch dtype {
	case Int32:
		return NewTensor([]int{1}, Int32, device, []int32{int32(value)})
	case Float32:
		return NewTensor([]int{1}, Float32, device, []float32{float32(value)})
	default:
		return nil, fmt.Errorf("unsupported scalar dtype %v", dtype)
	}
}

// RandUniform creates a Float32 tensor with entries drawn uniformly from
// [low, high) using the supplied source.
func RandUniform(shape []int, low, high float32, rng *rand.Rand, device DeviceType) (*Tensor, error) {
	t, err := Zeros(shape, Float32, device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	span := high - low
	for i := range data {
		data[i] = low + rng.Float32()*span
	}

	return t, nil
}
