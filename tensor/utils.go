package tensor

import (
	"fmt"
	"math"
)

// Clone returns a deep copy of the tensor's data. The autograd graph is not
// copied.
func (t *Tensor) Clone() (*Tensor, error) {
	var dataCopy interface{}

	switch t.DType {
	case Float32:
		src := t.Data.([]float32)
		dst := make([]float32, len(src))
		copy(dst, src)
		dataCopy = dst
	case Int32:
		src := t.Data.([]int32)
		dst := make([]int32, len(src))
		copy(dst, src)
		dataCopy = dst
	default:
		return nil, fmt.Errorf("unsupported dtype for Clone: %s", t.DType)
	}

	clone, err := NewTensor(t.Shape, t.DType, t.Device, dataCopy)
	if err != nil {
		return nil, err
	}
	clone.requiresGrad = t.requiresGrad

	return clone, nil
}

// GetFloat32Data returns the underlying float32 slice.
func (t *Tensor) GetFloat32Data() ([]float32, error) {
	data, ok := t.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor is not Float32, got %s", t.DType)
	}
	return data, nil
}

// GetInt32Data returns the underlying int32 slice.
func (t *Tensor) GetInt32Data() ([]int32, error) {
	data, ok := t.Data.([]int32)
	if !ok {
		return nil, fmt.Errorf("tensor is not Int32, got %s", t.DType)
	}
	return data, nil
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() (interface{}, error) {
	if t.NumElems != 1 {
		return nil, fmt.Errorf("Item requires a single-element tensor, got %d elements", t.NumElems)
	}

	switch t.DType {
	case Float32:
		return t.Data.([]float32)[0], nil
	case Int32:
		return t.Data.([]int32)[0], nil
	default:
		return nil, fmt.Errorf("unsupported dtype for Item: %s", t.DType)
	}
}

// Float64Item returns a single-element Float32 tensor's value as float64.
func (t *Tensor) Float64Item() (float64, error) {
	v, err := t.Item()
	if err != nil {
		return 0, err
	}
	f, ok := v.(float32)
	if !ok {
		return 0, fmt.Errorf("tensor is not Float32, got %s", t.DType)
	}
	return float64(f), nil
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) (interface{}, error) {
	if len(indices) != len(t.Shape) {
		return nil, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}

	offset := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return nil, fmt.Errorf("index %d out of range [0, %d) for dimension %d", idx, t.Shape[i], i)
		}
		offset += idx * t.Strides[i]
	}

	switch t.DType {
	case Float32:
		return t.Data.([]float32)[offset], nil
	case Int32:
		return t.Data.([]int32)[offset], nil
	default:
		return nil, fmt.Errorf("unsupported dtype for At: %s", t.DType)
	}
}

// SetData replaces the tensor's backing data in place, preserving shape.
func (t *Tensor) SetData(data interface{}) error {
	switch t.DType {
	case Float32:
		src, ok := data.([]float32)
		if !ok {
			return fmt.Errorf("expected []float32, got %T", data)
		}
		if len(src) != t.NumElems {
			return fmt.Errorf("data length %d does not match %d elements", len(src), t.NumElems)
		}
		copy(t.Data.([]float32), src)
	case Int32:
		src, ok := data.([]int32)
		if !ok {
			return fmt.Errorf("expected []int32, got %T", data)
		}
		if len(src) != t.NumElems {
			return fmt.Errorf("data length %d does not match %d elements", len(src), t.NumElems)
		}
		copy(t.Data.([]int32), src)
	default:
		return fmt.Errorf("unsupported dtype for SetData: %s", t.DType)
	}
	return nil
}

// Equal reports whether two tensors have identical shape, dtype and data.
func (t *Tensor) Equal(other *Tensor) (bool, error) {
	if t.DType != other.DType {
		return false, nil
	}
	if !shapesEqual(t.Shape, other.Shape) {
		return false, nil
	}

	switch t.DType {
	case Float32:
		a := t.Data.([]float32)
		b := other.Data.([]float32)
		for i := range a {
			if a[i] != b[i] {
				return false, nil
			}
		}
	case Int32:
		a := t.Data.([]int32)
		b := other.Data.([]int32)
		for i := range a {
			if a[i] != b[i] {
				return false, nil
			}
		}
	default:
		return false, fmt.Errorf("unsupported dtype for Equal: %s", t.DType)
	}

	return true, nil
}

// AllFinite reports whether every element of a Float32 tensor is finite.
func (t *Tensor) AllFinite() (bool, error) {
	data, err := t.GetFloat32Data()
	if err != nil {
		return false, err
	}
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false, nil
		}
	}
	return true, nil
}
