package field

import (
	"fmt"
	"math"

	"github.com/clipfield/clipfield/tensor"
)

// maskedOut marks logits of excluded negative pairs before the softmax.
const maskedOut = -1e9

// WeightedContrastiveLoss computes the pairing-aware contrastive objective for
// one branch. pred and target are [N, D]; negMask is the [N, N] matrix from
// training mask construction where entries < 1 mark same-label pairs that must
// not act as negatives; weights is a non-negative [N] vector scaling each
// sample's contribution. logitScale is the learned log-temperature scalar.
//
// The loss averages the row (prediction→target) and column (target→prediction)
// cross-entropies of the temperature-scaled cosine similarity matrix, with the
// diagonal as the positive pair. It is differentiable with respect to pred and
// logitScale; targets and masks are constants.
func WeightedContrastiveLoss(pred, target, negMask, weights, logitScale *tensor.Tensor) (*tensor.Tensor, error) {
	if len(pred.Shape) != 2 || len(target.Shape) != 2 {
		return nil, fmt.Errorf("pred and target must be 2D, got %v and %v", pred.Shape, target.Shape)
	}
	n, d := pred.Shape[0], pred.Shape[1]
	if target.Shape[0] != n || target.Shape[1] != d {
		return nil, fmt.Errorf("pred/target shape mismatch: %v vs %v", pred.Shape, target.Shape)
	}
	if len(negMask.Shape) != 2 || negMask.Shape[0] != n || negMask.Shape[1] != n {
		return nil, fmt.Errorf("mask must be [%d, %d], got %v", n, n, negMask.Shape)
	}
	if weights.NumElems != n {
		return nil, fmt.Errorf("weights must have %d elements, got %d", n, weights.NumElems)
	}
	if logitScale == nil || logitScale.NumElems != 1 {
		return nil, fmt.Errorf("logitScale must be a scalar tensor")
	}

	op := &contrastiveOp{n: n, d: d}
	if err := op.compute(pred, target, negMask, weights, logitScale); err != nil {
		return nil, err
	}

	return op.output, nil
}

// contrastiveOp is the fused autograd node for the contrastive loss. The
// softmax probabilities and normalized embeddings from the forward pass are
// cached for the analytic backward pass.
type contrastiveOp struct {
	n, d int

	inputs  []*tensor.Tensor // [pred, logitScale]
	output  *tensor.Tensor
	predN   []float32 // row-normalized predictions
	targetN []float32 // row-normalized targets
	predInv []float32 // 1 / ||pred_i||
	sim     []float32 // cosine similarity matrix
	rowProb []float32 // row softmax, zero at excluded entries
	colProb []float32 // column softmax, zero at excluded entries
	allowed []bool
	weights []float32
	scale   float64
	wSum    float64
}

func normalizeRows(data []float32, n, d int) (normed, invNorm []float32) {
	normed = make([]float32, n*d)
	invNorm = make([]float32, n)
	for i := 0; i < n; i++ {
		var sq float64
		for k := 0; k < d; k++ {
			v := float64(data[i*d+k])
			sq += v * v
		}
		inv := 1.0 / math.Sqrt(sq+1e-12)
		invNorm[i] = float32(inv)
		for k := 0; k < d; k++ {
			normed[i*d+k] = float32(float64(data[i*d+k]) * inv)
		}
	}
	return normed, invNorm
}

func (op *contrastiveOp) compute(pred, target, negMask, weights, logitScale *tensor.Tensor) error {
	n, d := op.n, op.d

	predData, err := pred.GetFloat32Data()
	if err != nil {
		return err
	}
	targetData, err := target.GetFloat32Data()
	if err != nil {
		return err
	}
	maskData, err := negMask.GetFloat32Data()
	if err != nil {
		return err
	}
	weightData, err := weights.GetFloat32Data()
	if err != nil {
		return err
	}
	scaleRaw, err := logitScale.Float64Item()
	if err != nil {
		return err
	}

	op.inputs = []*tensor.Tensor{pred, logitScale}
	op.predN, op.predInv = normalizeRows(predData, n, d)
	op.targetN, _ = normalizeRows(targetData, n, d)
	op.scale = math.Exp(scaleRaw)

	op.weights = make([]float32, n)
	copy(op.weights, weightData)
	op.wSum = 0
	for _, w := range op.weights {
		if w < 0 {
			return fmt.Errorf("contrastive loss weights must be non-negative, got %f", w)
		}
		op.wSum += float64(w)
	}

	// Similarity and pair admissibility. The diagonal is always its own
	// positive; off-diagonal pairs with mask < 1 share a label and are
	// excluded from the negative set.
	op.sim = make([]float32, n*n)
	op.allowed = make([]bool, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			var dot float64
			for k := 0; k < d; k++ {
				dot += float64(op.predN[i*d+k]) * float64(op.targetN[j*d+k])
			}
			op.sim[i*n+j] = float32(dot)
			op.allowed[i*n+j] = i == j || maskData[i*n+j] >= 1.0
		}
	}

	logit := func(i, j int) float64 {
		if !op.allowed[i*n+j] {
			return maskedOut
		}
		return float64(op.sim[i*n+j]) * op.scale
	}

	op.rowProb = make([]float32, n*n)
	op.colProb = make([]float32, n*n)

	var total float64

	// Row direction: each prediction against all admissible targets.
	for i := 0; i < n; i++ {
		maxVal := math.Inf(-1)
		for j := 0; j < n; j++ {
			if v := logit(i, j); op.allowed[i*n+j] && v > maxVal {
				maxVal = v
			}
		}
		var denom float64
		for j := 0; j < n; j++ {
			if op.allowed[i*n+j] {
				denom += math.Exp(logit(i, j) - maxVal)
			}
		}
		logProbPos := logit(i, i) - maxVal - math.Log(denom)
		for j := 0; j < n; j++ {
			if op.allowed[i*n+j] {
				op.rowProb[i*n+j] = float32(math.Exp(logit(i, j)-maxVal) / denom)
			}
		}
		total += float64(op.weights[i]) * -logProbPos
	}

	// Column direction: each target against all admissible predictions.
	for j := 0; j < n; j++ {
		maxVal := math.Inf(-1)
		for i := 0; i < n; i++ {
			if v := logit(i, j); op.allowed[i*n+j] && v > maxVal {
				maxVal = v
			}
		}
		var denom float64
		for i := 0; i < n; i++ {
			if op.allowed[i*n+j] {
				denom += math.Exp(logit(i, j) - maxVal)
			}
		}
		logProbPos := logit(j, j) - maxVal - math.Log(denom)
		for i := 0; i < n; i++ {
			if op.allowed[i*n+j] {
				op.colProb[i*n+j] = float32(math.Exp(logit(i, j)-maxVal) / denom)
			}
		}
		total += float64(op.weights[j]) * -logProbPos
	}

	norm := op.wSum
	if norm <= 0 {
		norm = float64(n)
	}
	lossVal := total / (2 * norm)

	out, err := tensor.NewTensor([]int{1}, tensor.Float32, pred.Device, []float32{float32(lossVal)})
	if err != nil {
		return err
	}
	out.SetRequiresGrad(pred.RequiresGrad() || logitScale.RequiresGrad())
	out.SetCreator(op)
	op.output = out

	return nil
}

func (op *contrastiveOp) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	// The graph node is built by compute; Forward is never re-entered.
	panic("contrastiveOp.Forward is constructed via WeightedContrastiveLoss")
}

func (op *contrastiveOp) Backward(gradOut *tensor.Tensor) []*tensor.Tensor {
	n, d := op.n, op.d
	pred, logitScale := op.inputs[0], op.inputs[1]

	g, err := gradOut.Float64Item()
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}

	norm := op.wSum
	if norm <= 0 {
		norm = float64(n)
	}

	// Combined gradient w.r.t. the scaled logits from both directions.
	logitGrad := make([]float64, n*n)
	for i := 0; i < n; i++ {
		wi := float64(op.weights[i])
		for j := 0; j < n; j++ {
			if !op.allowed[i*n+j] {
				continue
			}
			rp := float64(op.rowProb[i*n+j])
			cp := float64(op.colProb[i*n+j])
			wj := float64(op.weights[j])
			delta := 0.0
			if i == j {
				delta = 1.0
			}
			logitGrad[i*n+j] = g * (wi*(rp-delta) + wj*(cp-delta)) / (2 * norm)
		}
	}

	var gradPred *tensor.Tensor
	if pred.RequiresGrad() {
		gradPred, err = tensor.Zeros([]int{n, d}, tensor.Float32, pred.Device)
		if err != nil {
			panic(fmt.Sprintf("Backward pass failed: %v", err))
		}
		gp := gradPred.Data.([]float32)

		for i := 0; i < n; i++ {
			// d(loss)/d(predN_i) = sum_j d(loss)/d(logit_ij) * scale * targetN_j
			rowGrad := make([]float64, d)
			for j := 0; j < n; j++ {
				lg := logitGrad[i*n+j]
				if lg == 0 {
					continue
				}
				coeff := lg * op.scale
				for k := 0; k < d; k++ {
					rowGrad[k] += coeff * float64(op.targetN[j*d+k])
				}
			}

			// Project through the row normalization:
			// d/dx (x/||x||) = (I - x̂ x̂ᵀ) / ||x||
			var dot float64
			for k := 0; k < d; k++ {
				dot += rowGrad[k] * float64(op.predN[i*d+k])
			}
			inv := float64(op.predInv[i])
			for k := 0; k < d; k++ {
				gp[i*d+k] = float32((rowGrad[k] - dot*float64(op.predN[i*d+k])) * inv)
			}
		}
	}

	var gradScale *tensor.Tensor
	if logitScale.RequiresGrad() {
		// logits = sim * exp(s), so d(loss)/ds = sum_ij d(loss)/d(logit_ij) * sim_ij * exp(s)
		var acc float64
		for idx, lg := range logitGrad {
			if lg != 0 {
				acc += lg * float64(op.sim[idx]) * op.scale
			}
		}
		gradScale, err = tensor.NewTensor([]int{1}, tensor.Float32, logitScale.Device, []float32{float32(acc)})
		if err != nil {
			panic(fmt.Sprintf("Backward pass failed: %v", err))
		}
	}

	return []*tensor.Tensor{gradPred, gradScale}
}

func (op *contrastiveOp) Inputs() []*tensor.Tensor {
	return op.inputs
}
