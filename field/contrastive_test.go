package field

import (
	"math"
	"testing"

	"github.com/clipfield/clipfield/tensor"
)

func lossInputs(t *testing.T, predData []float32, n, d int, maskData, weightData []float32, rawScale float32) (pred, target, mask, weights, scale *tensor.Tensor) {
	t.Helper()

	var err error
	pred, err = tensor.NewTensor([]int{n, d}, tensor.Float32, tensor.CPU, predData)
	if err != nil {
		t.Fatalf("Failed to create pred: %v", err)
	}

	// Targets: one-hot-ish rows so each prediction has a distinct best match.
	targetData := make([]float32, n*d)
	for i := 0; i < n; i++ {
		targetData[i*d+i%d] = 1.0
	}
	target, err = tensor.NewTensor([]int{n, d}, tensor.Float32, tensor.CPU, targetData)
	if err != nil {
		t.Fatalf("Failed to create target: %v", err)
	}

	if maskData == nil {
		maskData = make([]float32, n*n)
		for i := range maskData {
			maskData[i] = 1.0
		}
	}
	mask, err = tensor.NewTensor([]int{n, n}, tensor.Float32, tensor.CPU, maskData)
	if err != nil {
		t.Fatalf("Failed to create mask: %v", err)
	}

	if weightData == nil {
		weightData = make([]float32, n)
		for i := range weightData {
			weightData[i] = 1.0
		}
	}
	weights, err = tensor.NewTensor([]int{n}, tensor.Float32, tensor.CPU, weightData)
	if err != nil {
		t.Fatalf("Failed to create weights: %v", err)
	}

	scale, err = tensor.NewTensor([]int{1}, tensor.Float32, tensor.CPU, []float32{rawScale})
	if err != nil {
		t.Fatalf("Failed to create scale: %v", err)
	}
	return pred, target, mask, weights, scale
}

func TestWeightedContrastiveLoss(t *testing.T) {
	t.Run("AlignedBeatsMisaligned", func(t *testing.T) {
		// Predictions matching the one-hot targets score lower than shuffled
		// predictions.
		aligned := []float32{1, 0, 0, 0, 1, 0, 0, 0, 1}
		shuffled := []float32{0, 1, 0, 0, 0, 1, 1, 0, 0}

		pa, ta, ma, wa, sa := lossInputs(t, aligned, 3, 3, nil, nil, 2.0)
		alignedLoss, err := WeightedContrastiveLoss(pa, ta, ma, wa, sa)
		if err != nil {
			t.Fatalf("Loss failed: %v", err)
		}
		pm, tm, mm, wm, sm := lossInputs(t, shuffled, 3, 3, nil, nil, 2.0)
		shuffledLoss, err := WeightedContrastiveLoss(pm, tm, mm, wm, sm)
		if err != nil {
			t.Fatalf("Loss failed: %v", err)
		}

		av, _ := alignedLoss.Float64Item()
		sv, _ := shuffledLoss.Float64Item()
		if av >= sv {
			t.Errorf("Aligned loss %f should be below misaligned loss %f", av, sv)
		}
		if av < 0 || math.IsInf(av, 0) || math.IsNaN(av) {
			t.Errorf("Loss must be finite and non-negative, got %f", av)
		}
	})

	t.Run("MaskRemovesNegatives", func(t *testing.T) {
		// Excluding a hard negative cannot increase the loss.
		predData := []float32{1, 0.2, 0, 0.9, 0.3, 0, 0, 0, 1}
		fullMask := []float32{
			1, 1, 1,
			1, 1, 1,
			1, 1, 1,
		}
		excluded := []float32{
			1, 0, 1,
			0, 1, 1,
			1, 1, 1,
		}

		p1, t1, m1, w1, s1 := lossInputs(t, predData, 3, 3, fullMask, nil, 2.0)
		full, err := WeightedContrastiveLoss(p1, t1, m1, w1, s1)
		if err != nil {
			t.Fatalf("Loss failed: %v", err)
		}
		p2, t2, m2, w2, s2 := lossInputs(t, predData, 3, 3, excluded, nil, 2.0)
		masked, err := WeightedContrastiveLoss(p2, t2, m2, w2, s2)
		if err != nil {
			t.Fatalf("Loss failed: %v", err)
		}

		fv, _ := full.Float64Item()
		mv, _ := masked.Float64Item()
		if mv > fv+1e-6 {
			t.Errorf("Removing negatives increased the loss: %f -> %f", fv, mv)
		}
	})

	t.Run("OnlyDiagonalAllowedIsZeroLoss", func(t *testing.T) {
		// With every off-diagonal pair excluded the softmax has a single
		// admissible entry per direction, so the positive gets probability 1.
		predData := []float32{0.4, -0.1, 0.2, 0.5, -0.3, 0.8, 0.1, 0.9, 0.2}
		identity := []float32{
			1, 0, 0,
			0, 1, 0,
			0, 0, 1,
		}
		// Diagonal masks come in with value exactly 1.0; off-diagonal zeros
		// share labels.
		p, tt, m, w, s := lossInputs(t, predData, 3, 3, identity, nil, 2.0)
		loss, err := WeightedContrastiveLoss(p, tt, m, w, s)
		if err != nil {
			t.Fatalf("Loss failed: %v", err)
		}
		v, _ := loss.Float64Item()
		if math.Abs(v) > 1e-6 {
			t.Errorf("Expected zero loss with no negatives, got %f", v)
		}
	})

	t.Run("WeightNormalizationInvariant", func(t *testing.T) {
		// Scaling every weight by the same factor leaves the loss unchanged.
		predData := []float32{1, 0.2, 0, 0.9, 0.3, 0, 0, 0, 1}
		p1, t1, m1, w1, s1 := lossInputs(t, predData, 3, 3, nil, []float32{1, 2, 3}, 1.0)
		base, err := WeightedContrastiveLoss(p1, t1, m1, w1, s1)
		if err != nil {
			t.Fatalf("Loss failed: %v", err)
		}
		p2, t2, m2, w2, s2 := lossInputs(t, predData, 3, 3, nil, []float32{10, 20, 30}, 1.0)
		scaled, err := WeightedContrastiveLoss(p2, t2, m2, w2, s2)
		if err != nil {
			t.Fatalf("Loss failed: %v", err)
		}

		bv, _ := base.Float64Item()
		sv, _ := scaled.Float64Item()
		if math.Abs(bv-sv) > 1e-5 {
			t.Errorf("Loss not invariant to uniform weight scaling: %f vs %f", bv, sv)
		}
	})

	t.Run("AllZeroWeightsFallsBackToBatchSize", func(t *testing.T) {
		predData := []float32{1, 0, 0, 0, 1, 0, 0, 0, 1}
		p, tt, m, w, s := lossInputs(t, predData, 3, 3, nil, []float32{0, 0, 0}, 1.0)
		loss, err := WeightedContrastiveLoss(p, tt, m, w, s)
		if err != nil {
			t.Fatalf("Loss failed: %v", err)
		}
		v, _ := loss.Float64Item()
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("Zero weights must not divide by zero, got %f", v)
		}
		if v != 0.0 {
			t.Errorf("Zero-weighted samples contribute nothing, expected 0.0, got %f", v)
		}
	})

	t.Run("NegativeWeightRejected", func(t *testing.T) {
		predData := []float32{1, 0, 0, 0, 1, 0, 0, 0, 1}
		p, tt, m, w, s := lossInputs(t, predData, 3, 3, nil, []float32{1, -1, 1}, 1.0)
		if _, err := WeightedContrastiveLoss(p, tt, m, w, s); err == nil {
			t.Error("Expected error for negative weight")
		}
	})

	t.Run("ShapeValidation", func(t *testing.T) {
		p, tt, m, w, s := lossInputs(t, []float32{1, 0, 0, 1}, 2, 2, nil, nil, 1.0)
		badMask, err := tensor.NewTensor([]int{3, 3}, tensor.Float32, tensor.CPU, make([]float32, 9))
		if err != nil {
			t.Fatalf("Failed to create mask: %v", err)
		}
		if _, err := WeightedContrastiveLoss(p, tt, badMask, w, s); err == nil {
			t.Error("Expected error for wrong mask shape")
		}
		_ = m
	})
}

func TestContrastiveGradients(t *testing.T) {
	const n, d = 3, 4
	predData := []float32{
		0.8, 0.1, -0.2, 0.3,
		-0.1, 0.9, 0.2, -0.4,
		0.2, -0.3, 0.7, 0.5,
	}
	maskData := []float32{
		1, 1, 0,
		1, 1, 1,
		0, 1, 1,
	}
	weightData := []float32{1.0, 0.5, 2.0}

	lossValue := func(pred []float32, rawScale float32) float64 {
		p, tt, m, w, s := lossInputs(t, pred, n, d, maskData, weightData, rawScale)
		loss, err := WeightedContrastiveLoss(p, tt, m, w, s)
		if err != nil {
			t.Fatalf("Loss failed: %v", err)
		}
		v, err := loss.Float64Item()
		if err != nil {
			t.Fatalf("Float64Item failed: %v", err)
		}
		return v
	}

	t.Run("PredictionGradientMatchesFiniteDifference", func(t *testing.T) {
		p, tt, m, w, s := lossInputs(t, predData, n, d, maskData, weightData, 0.5)
		p.SetRequiresGrad(true)
		loss, err := WeightedContrastiveLoss(p, tt, m, w, s)
		if err != nil {
			t.Fatalf("Loss failed: %v", err)
		}
		if err := loss.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		analytic, _ := p.Grad().GetFloat32Data()

		const h = 1e-3
		for i := 0; i < n*d; i++ {
			plus := append([]float32{}, predData...)
			minus := append([]float32{}, predData...)
			plus[i] += h
			minus[i] -= h
			numeric := (lossValue(plus, 0.5) - lossValue(minus, 0.5)) / (2 * h)
			if math.Abs(numeric-float64(analytic[i])) > 5e-3 {
				t.Errorf("Prediction gradient %d: analytic %f vs numeric %f",
					i, analytic[i], numeric)
			}
		}
	})

	t.Run("TemperatureGradientMatchesFiniteDifference", func(t *testing.T) {
		p, tt, m, w, s := lossInputs(t, predData, n, d, maskData, weightData, 0.5)
		s.SetRequiresGrad(true)
		loss, err := WeightedContrastiveLoss(p, tt, m, w, s)
		if err != nil {
			t.Fatalf("Loss failed: %v", err)
		}
		if err := loss.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
		analytic, _ := s.Grad().GetFloat32Data()

		const h = 1e-3
		numeric := (lossValue(predData, 0.5+h) - lossValue(predData, 0.5-h)) / (2 * h)
		if math.Abs(numeric-float64(analytic[0])) > 5e-3 {
			t.Errorf("Temperature gradient: analytic %f vs numeric %f", analytic[0], numeric)
		}
	})
}
