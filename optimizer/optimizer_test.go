package optimizer

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/clipfield/clipfield/tensor"
)

func newParam(t *testing.T, shape []int, data []float32) *tensor.Tensor {
	t.Helper()
	param, err := tensor.NewTensor(shape, tensor.Float32, tensor.CPU, data)
	if err != nil {
		t.Fatalf("Failed to create parameter: %v", err)
	}
	param.SetRequiresGrad(true)
	return param
}

func setGrad(t *testing.T, param *tensor.Tensor, data []float32) {
	t.Helper()
	grad, err := tensor.NewTensor(param.Shape, tensor.Float32, tensor.CPU, data)
	if err != nil {
		t.Fatalf("Failed to create gradient: %v", err)
	}
	if err := param.AccumulateGrad(grad); err != nil {
		t.Fatalf("Failed to set gradient: %v", err)
	}
}

func TestSGDStep(t *testing.T) {
	t.Run("VanillaUpdate", func(t *testing.T) {
		param := newParam(t, []int{2}, []float32{1.0, 2.0})
		setGrad(t, param, []float32{0.5, -0.25})

		sgd, err := NewSGD([]*tensor.Tensor{param}, 0.1, 0, 0, false)
		if err != nil {
			t.Fatalf("Failed to create SGD: %v", err)
		}
		if err := sgd.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}

		data, _ := param.GetFloat32Data()
		expected := []float32{0.95, 2.025}
		for i, want := range expected {
			if math.Abs(float64(data[i]-want)) > 1e-6 {
				t.Errorf("Parameter %d: expected %f, got %f", i, want, data[i])
			}
		}
		if sgd.GetStepCount() != 1 {
			t.Errorf("Expected step count 1, got %d", sgd.GetStepCount())
		}
	})

	t.Run("MomentumAccumulates", func(t *testing.T) {
		param := newParam(t, []int{1}, []float32{0.0})
		sgd, err := NewSGD([]*tensor.Tensor{param}, 1.0, 0.9, 0, false)
		if err != nil {
			t.Fatalf("Failed to create SGD: %v", err)
		}

		// Two steps with a constant gradient of 1.0:
		// step 1: v=1.0, p=-1.0; step 2: v=1.9, p=-2.9
		for step := 0; step < 2; step++ {
			sgd.ZeroGrad()
			setGrad(t, param, []float32{1.0})
			if err := sgd.Step(); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
		}

		data, _ := param.GetFloat32Data()
		if math.Abs(float64(data[0])+2.9) > 1e-6 {
			t.Errorf("Expected -2.9 after two momentum steps, got %f", data[0])
		}
	})

	t.Run("WeightDecay", func(t *testing.T) {
		param := newParam(t, []int{1}, []float32{2.0})
		setGrad(t, param, []float32{0.0})

		sgd, err := NewSGD([]*tensor.Tensor{param}, 0.1, 0, 0.5, false)
		if err != nil {
			t.Fatalf("Failed to create SGD: %v", err)
		}
		if err := sgd.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}

		// update = lr * wd * p = 0.1 * 0.5 * 2.0 = 0.1
		data, _ := param.GetFloat32Data()
		if math.Abs(float64(data[0])-1.9) > 1e-6 {
			t.Errorf("Expected 1.9 after decay-only step, got %f", data[0])
		}
	})

	t.Run("SkipsParametersWithoutGrad", func(t *testing.T) {
		param := newParam(t, []int{1}, []float32{3.0})

		sgd, err := NewSGD([]*tensor.Tensor{param}, 0.1, 0, 0, false)
		if err != nil {
			t.Fatalf("Failed to create SGD: %v", err)
		}
		if err := sgd.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}

		data, _ := param.GetFloat32Data()
		if data[0] != 3.0 {
			t.Errorf("Parameter without gradient changed: %f", data[0])
		}
	})

	t.Run("RejectsInvalidConfig", func(t *testing.T) {
		if _, err := NewSGD(nil, 0, 0, 0, false); err == nil {
			t.Error("Expected error for zero learning rate")
		}
		if _, err := NewSGD(nil, 0.1, 0, 0, true); err == nil {
			t.Error("Expected error for nesterov without momentum")
		}
	})
}

func TestAdamStep(t *testing.T) {
	t.Run("FirstStepMatchesBiasCorrection", func(t *testing.T) {
		param := newParam(t, []int{1}, []float32{1.0})
		setGrad(t, param, []float32{0.5})

		adam, err := NewAdam([]*tensor.Tensor{param}, 0.01, 0.9, 0.999, 1e-8, 0)
		if err != nil {
			t.Fatalf("Failed to create Adam: %v", err)
		}
		if err := adam.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}

		// On the first step bias correction cancels the moment decay, so the
		// update is lr * g / (|g| + eps) ~= lr.
		data, _ := param.GetFloat32Data()
		expected := 1.0 - 0.01*0.5/(0.5+1e-8)
		if math.Abs(float64(data[0])-expected) > 1e-6 {
			t.Errorf("Expected %f after first Adam step, got %f", expected, data[0])
		}
	})

	t.Run("ConvergesOnQuadratic", func(t *testing.T) {
		// Minimize f(x) = x^2 from x = 1.0. The gradient is 2x.
		param := newParam(t, []int{1}, []float32{1.0})
		adam, err := DefaultAdam([]*tensor.Tensor{param}, 0.1)
		if err != nil {
			t.Fatalf("Failed to create Adam: %v", err)
		}

		for step := 0; step < 100; step++ {
			adam.ZeroGrad()
			data, _ := param.GetFloat32Data()
			setGrad(t, param, []float32{2 * data[0]})
			if err := adam.Step(); err != nil {
				t.Fatalf("Step %d failed: %v", step, err)
			}
		}

		data, _ := param.GetFloat32Data()
		if math.Abs(float64(data[0])) > 0.05 {
			t.Errorf("Expected convergence near 0, got %f", data[0])
		}
	})

	t.Run("RejectsInvalidConfig", func(t *testing.T) {
		if _, err := NewAdam(nil, 0.01, 1.0, 0.999, 1e-8, 0); err == nil {
			t.Error("Expected error for beta1 >= 1")
		}
		if _, err := NewAdam(nil, 0.01, 0.9, 0.999, 0, 0); err == nil {
			t.Error("Expected error for zero epsilon")
		}
	})
}

func TestOptimizerStateRoundTrip(t *testing.T) {
	t.Run("SGDMomentumBuffers", func(t *testing.T) {
		param := newParam(t, []int{2}, []float32{1.0, 2.0})
		sgd, err := NewSGD([]*tensor.Tensor{param}, 0.05, 0.9, 0, false)
		if err != nil {
			t.Fatalf("Failed to create SGD: %v", err)
		}
		setGrad(t, param, []float32{1.0, -1.0})
		if err := sgd.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}

		state, err := sgd.GetState()
		if err != nil {
			t.Fatalf("GetState failed: %v", err)
		}

		// Serialize through JSON the same way checkpoints do.
		encoded, err := json.Marshal(state)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		var decoded State
		if err := json.Unmarshal(encoded, &decoded); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}

		param2 := newParam(t, []int{2}, []float32{1.0, 2.0})
		sgd2, err := NewSGD([]*tensor.Tensor{param2}, 0.5, 0.9, 0, false)
		if err != nil {
			t.Fatalf("Failed to create second SGD: %v", err)
		}
		if err := sgd2.LoadState(&decoded); err != nil {
			t.Fatalf("LoadState failed: %v", err)
		}

		if sgd2.GetLR() != 0.05 {
			t.Errorf("Expected restored learning rate 0.05, got %f", sgd2.GetLR())
		}
		if sgd2.GetStepCount() != 1 {
			t.Errorf("Expected restored step count 1, got %d", sgd2.GetStepCount())
		}

		v1, _ := sgd.velocities[0].GetFloat32Data()
		v2, _ := sgd2.velocities[0].GetFloat32Data()
		for i := range v1 {
			if v1[i] != v2[i] {
				t.Errorf("Velocity %d mismatch: %f vs %f", i, v1[i], v2[i])
			}
		}
	})

	t.Run("AdamMomentBuffers", func(t *testing.T) {
		param := newParam(t, []int{3}, []float32{1.0, -2.0, 0.5})
		adam, err := DefaultAdam([]*tensor.Tensor{param}, 0.001)
		if err != nil {
			t.Fatalf("Failed to create Adam: %v", err)
		}
		setGrad(t, param, []float32{0.1, 0.2, -0.3})
		if err := adam.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}

		state, err := adam.GetState()
		if err != nil {
			t.Fatalf("GetState failed: %v", err)
		}
		encoded, err := json.Marshal(state)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		var decoded State
		if err := json.Unmarshal(encoded, &decoded); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}

		// Restoring a checkpoint hands the new optimizer the saved weights
		// alongside the saved moments, so the second parameter starts from
		// the first one's post-step values.
		stepped, _ := param.GetFloat32Data()
		param2 := newParam(t, []int{3}, append([]float32(nil), stepped...))
		adam2, err := DefaultAdam([]*tensor.Tensor{param2}, 0.1)
		if err != nil {
			t.Fatalf("Failed to create second Adam: %v", err)
		}
		if err := adam2.LoadState(&decoded); err != nil {
			t.Fatalf("LoadState failed: %v", err)
		}

		if adam2.GetStepCount() != adam.GetStepCount() {
			t.Errorf("Step count mismatch: %d vs %d", adam2.GetStepCount(), adam.GetStepCount())
		}

		// After restoring state, identical gradients must produce identical
		// parameter trajectories.
		adam.ZeroGrad()
		setGrad(t, param, []float32{0.05, -0.1, 0.15})
		setGrad(t, param2, []float32{0.05, -0.1, 0.15})
		if err := adam.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if err := adam2.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}

		d1, _ := param.GetFloat32Data()
		d2, _ := param2.GetFloat32Data()
		for i := range d1 {
			if d1[i] != d2[i] {
				t.Errorf("Parameter %d diverged after state restore: %f vs %f", i, d1[i], d2[i])
			}
		}
	})

	t.Run("RejectsTypeMismatch", func(t *testing.T) {
		param := newParam(t, []int{1}, []float32{1.0})
		sgd, err := NewSGD([]*tensor.Tensor{param}, 0.1, 0, 0, false)
		if err != nil {
			t.Fatalf("Failed to create SGD: %v", err)
		}
		if err := sgd.LoadState(&State{Type: "Adam"}); err == nil {
			t.Error("Expected error loading Adam state into SGD")
		}
	})
}
