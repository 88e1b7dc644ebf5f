package tensor

import (
	"fmt"
)

// AddOp implements addition with optional row broadcasting of the second input.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("AddOp requires exactly 2 inputs")
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Add(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad || b.requiresGrad

	return result
}

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	var gradA, gradB *Tensor
	var err error

	if a.requiresGrad {
		gradA, err = gradOut.Clone()
		if err != nil {
			panic(fmt.Sprintf("Failed to clone gradient for input A: %v", err))
		}
	}

	if b.requiresGrad {
		if shapesEqual(gradOut.Shape, b.Shape) {
			gradB, err = gradOut.Clone()
		} else {
			// Broadcast case: sum the batch dimension back out.
			gradB, err = sumOverRows(gradOut, b.Shape)
		}
		if err != nil {
			panic(fmt.Sprintf("Failed to reduce gradient for input B: %v", err))
		}
	}

	return []*Tensor{gradA, gradB}
}

func (op *AddOp) Inputs() []*Tensor {
	return op.inputs
}

// MatMulOp implements matrix multiplication.
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("MatMulOp requires exactly 2 inputs")
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := MatMul(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad || b.requiresGrad

	return result
}

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	var gradA, gradB *Tensor

	// d(A @ B)/dA = gradOut @ B^T, d(A @ B)/dB = A^T @ gradOut
	if a.requiresGrad {
		bT, err := Transpose(b)
		if err != nil {
			panic(fmt.Sprintf("Failed to transpose B: %v", err))
		}
		gradA, err = MatMul(gradOut, bT)
		if err != nil {
			panic(fmt.Sprintf("Backward pass failed for gradA: %v", err))
		}
	}

	if b.requiresGrad {
		aT, err := Transpose(a)
		if err != nil {
			panic(fmt.Sprintf("Failed to transpose A: %v", err))
		}
		gradB, err = MatMul(aT, gradOut)
		if err != nil {
			panic(fmt.Sprintf("Backward pass failed for gradB: %v", err))
		}
	}

	return []*Tensor{gradA, gradB}
}

func (op *MatMulOp) Inputs() []*Tensor {
	return op.inputs
}

// ReLUOp implements the ReLU activation.
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ReLUOp requires exactly 1 input")
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := Zeros(a.Shape, a.DType, a.Device)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	data := a.Data.([]float32)
	resultData := result.Data.([]float32)
	for i := range data {
		if data[i] > 0 {
			resultData[i] = data[i]
		}
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad

	return result
}

func (op *ReLUOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]

	grad, err := gradOut.Clone()
	if err != nil {
		panic(fmt.Sprintf("Failed to clone gradient: %v", err))
	}

	inputData := a.Data.([]float32)
	gradData := grad.Data.([]float32)
	for i := range gradData {
		if inputData[i] <= 0 {
			gradData[i] = 0
		}
	}

	return []*Tensor{grad}
}

func (op *ReLUOp) Inputs() []*Tensor {
	return op.inputs
}

// ScaleAddOp computes alpha*a + beta*b for scalar tensors. Used to combine the
// two contrastive branch losses into the optimized objective.
type ScaleAddOp struct {
	inputs []*Tensor
	alpha  float64
	beta   float64
}

func (op *ScaleAddOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("ScaleAddOp requires exactly 2 inputs")
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	sa, err := Scale(a, op.alpha)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	sb, err := Scale(b, op.beta)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	result, err := Add(sa, sb)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	result.creator = op
	result.requiresGrad = a.requiresGrad || b.requiresGrad

	return result
}

func (op *ScaleAddOp) Backward(gradOut *Tensor) []*Tensor {
	var gradA, gradB *Tensor
	var err error

	if op.inputs[0].requiresGrad {
		gradA, err = Scale(gradOut, op.alpha)
		if err != nil {
			panic(fmt.Sprintf("Backward pass failed for gradA: %v", err))
		}
	}
	if op.inputs[1].requiresGrad {
		gradB, err = Scale(gradOut, op.beta)
		if err != nil {
			panic(fmt.Sprintf("Backward pass failed for gradB: %v", err))
		}
	}

	return []*Tensor{gradA, gradB}
}

func (op *ScaleAddOp) Inputs() []*Tensor {
	return op.inputs
}

// High-level autograd entry points.

// AddAutograd performs addition with automatic differentiation.
func AddAutograd(a, b *Tensor) *Tensor {
	op := &AddOp{}
	return op.Forward(a, b)
}

// MatMulAutograd performs matrix multiplication with automatic differentiation.
func MatMulAutograd(a, b *Tensor) *Tensor {
	op := &MatMulOp{}
	return op.Forward(a, b)
}

// ReLUAutograd performs ReLU activation with automatic differentiation.
func ReLUAutograd(a *Tensor) *Tensor {
	op := &ReLUOp{}
	return op.Forward(a)
}

// ScaleAddAutograd computes alpha*a + beta*b with automatic differentiation.
func ScaleAddAutograd(a, b *Tensor, alpha, beta float64) *Tensor {
	op := &ScaleAddOp{alpha: alpha, beta: beta}
	return op.Forward(a, b)
}

// Backward runs reverse-mode differentiation from a scalar tensor, populating
// Grad() on every reachable tensor that requires gradients.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a scalar tensor, got shape %v", t.Shape)
	}
	if t.DType != Float32 {
		return fmt.Errorf("backward only supports Float32 tensors")
	}

	// Topological order over the creator graph.
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(node *Tensor)
	visit = func(node *Tensor) {
		if visited[node] {
			return
		}
		visited[node] = true
		if node.creator != nil {
			for _, in := range node.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, node)
	}
	visit(t)

	seed, err := Ones(t.Shape, Float32, t.Device)
	if err != nil {
		return fmt.Errorf("failed to create seed gradient: %v", err)
	}

	grads := make(map[*Tensor]*Tensor)
	grads[t] = seed

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g := grads[node]
		if g == nil {
			continue
		}

		if node.requiresGrad {
			if err := node.AccumulateGrad(g); err != nil {
				return err
			}
		}

		if node.creator == nil {
			continue
		}

		inputGrads := node.creator.Backward(g)
		inputs := node.creator.Inputs()
		if len(inputGrads) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(inputGrads), len(inputs))
		}

		for idx, in := range inputs {
			ig := inputGrads[idx]
			if ig == nil {
				continue
			}
			if existing := grads[in]; existing != nil {
				sum, err := Add(existing, ig)
				if err != nil {
					return fmt.Errorf("gradient accumulation failed: %v", err)
				}
				grads[in] = sum
			} else {
				grads[in] = ig
			}
		}
	}

	return nil
}

// ZeroGrad clears the gradients of the given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		t.grad = nil
	}
}
