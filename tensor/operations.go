package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	if t1.Device != t2.Device {
		return fmt.Errorf("tensors must be on same device: %s vs %s", t1.Device, t2.Device)
	}
	return nil
}

// isRowBroadcastable reports whether b can broadcast along the first dimension
// of a, i.e. b is a row of shape [1, C] or [C] against a's [N, C].
func isRowBroadcastable(a, b []int) bool {
	if len(a) != 2 {
		return false
	}
	if len(b) == 1 && b[0] == a[1] {
		return true
	}
	if len(b) == 2 && b[0] == 1 && b[1] == a[1] {
		return true
	}
	return false
}

// Add computes t1 + t2 elementwise. The second operand may be a row vector
// broadcast across the rows of a 2D first operand.
func Add(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	broadcast := false
	if !shapesEqual(t1.Shape, t2.Shape) {
		if !isRowBroadcastable(t1.Shape, t2.Shape) {
			return nil, fmt.Errorf("tensor shapes must match or row-broadcast: %v vs %v", t1.Shape, t2.Shape)
		}
		broadcast = true
	}

	result, err := Zeros(t1.Shape, t1.DType, t1.Device)
	if err != nil {
		return nil, err
	}

	switch t1.DType {
	case Float32:
		data1 := t1.Data.([]float32)
		data2 := t2.Data.([]float32)
		resultData := result.Data.([]float32)

		if broadcast {
			cols := t1.Shape[1]
			for i := 0; i < t1.NumElems; i++ {
				resultData[i] = data1[i] + data2[i%cols]
			}
		} else {
			for i := 0; i < t1.NumElems; i++ {
				resultData[i] = data1[i] + data2[i]
			}
		}
	case Int32:
		if broadcast {
			return nil, fmt.Errorf("row broadcasting is not supported for Int32 tensors")
		}
		data1 := t1.Data.([]int32)
		data2 := t2.Data.([]int32)
		resultData := result.Data.([]int32)

		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = data1[i] + data2[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Add: %s", t1.DType)
	}

	return result, nil
}

// Sub computes t1 - t2 elementwise.
func Sub(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if !shapesEqual(t1.Shape, t2.Shape) {
		return nil, fmt.Errorf("tensor shapes must match: %v vs %v", t1.Shape, t2.Shape)
	}

	result, err := Zeros(t1.Shape, t1.DType, t1.Device)
	if err != nil {
		return nil, err
	}

	switch t1.DType {
	case Float32:
		data1 := t1.Data.([]float32)
		data2 := t2.Data.([]float32)
		resultData := result.Data.([]float32)

		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = data1[i] - data2[i]
		}
	case Int32:
		data1 := t1.Data.([]int32)
		data2 := t2.Data.([]int32)
		resultData := result.Data.([]int32)

		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = data1[i] - data2[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Sub: %s", t1.DType)
	}

	return result, nil
}

// Mul computes t1 * t2 elementwise.
func Mul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if !shapesEqual(t1.Shape, t2.Shape) {
		return nil, fmt.Errorf("tensor shapes must match: %v vs %v", t1.Shape, t2.Shape)
	}

	result, err := Zeros(t1.Shape, t1.DType, t1.Device)
	if err != nil {
		return nil, err
	}

	switch t1.DType {
	case Float32:
		data1 := t1.Data.([]float32)
		data2 := t2.Data.([]float32)
		resultData := result.Data.([]float32)

		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = data1[i] * data2[i]
		}
	case Int32:
		data1 := t1.Data.([]int32)
		data2 := t2.Data.([]int32)
		resultData := result.Data.([]int32)

		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = data1[i] * data2[i]
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Mul: %s", t1.DType)
	}

	return result, nil
}

// Scale multiplies every element of a Float32 tensor by a scalar.
func Scale(t *Tensor, factor float64) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Scale only supports Float32 tensors")
	}

	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)
	f := float32(factor)

	for i := 0; i < t.NumElems; i++ {
		resultData[i] = data[i] * f
	}

	return result, nil
}

// Exp computes e^x elementwise for Float32 tensors.
func Exp(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Exp only supports Float32 tensors")
	}

	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)

	for i := 0; i < t.NumElems; i++ {
		resultData[i] = float32(math.Exp(float64(data[i])))
	}

	return result, nil
}

// Sqrt computes the elementwise square root of a Float32 tensor.
func Sqrt(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Sqrt only supports Float32 tensors")
	}

	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)

	for i := 0; i < t.NumElems; i++ {
		if data[i] < 0 {
			return nil, fmt.Errorf("sqrt of negative value at index %d: %f", i, data[i])
		}
		resultData[i] = float32(math.Sqrt(float64(data[i])))
	}

	return result, nil
}

// SumAll reduces a Float32 tensor to a single-element tensor holding the sum
// of all entries.
func SumAll(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("SumAll only supports Float32 tensors")
	}

	data := t.Data.([]float32)
	var sum float32
	for _, v := range data {
		sum += v
	}

	return NewTensor([]int{1}, Float32, t.Device, []float32{sum})
}

// sumOverRows reduces [N, C] to [1, C] by summing rows. Used to reduce
// broadcast gradients back to a row-vector operand.
func sumOverRows(t *Tensor, targetShape []int) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("sumOverRows requires a 2D tensor, got shape %v", t.Shape)
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("sumOverRows only supports Float32 tensors")
	}

	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]float32, cols)
	data := t.Data.([]float32)

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[j] += data[i*cols+j]
		}
	}

	return NewTensor(targetShape, Float32, t.Device, out)
}
