package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/clipfield/clipfield/optimizer"
	"github.com/clipfield/clipfield/tensor"
)

func makeParams(t *testing.T) ([]string, []*tensor.Tensor) {
	t.Helper()
	weight, err := tensor.NewTensor([]int{2, 2}, tensor.Float32, tensor.CPU,
		[]float32{1.0, -0.5, 0.25, 2.0})
	if err != nil {
		t.Fatalf("Failed to create weight: %v", err)
	}
	weight.SetRequiresGrad(true)
	scale, err := tensor.NewTensor([]int{1}, tensor.Float32, tensor.CPU, []float32{2.659})
	if err != nil {
		t.Fatalf("Failed to create scale: %v", err)
	}
	scale.SetRequiresGrad(true)
	return []string{"trunk.param_0", "logit_scale"}, []*tensor.Tensor{weight, scale}
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	saver, err := NewSaver(path)
	if err != nil {
		t.Fatalf("Failed to create saver: %v", err)
	}

	names, params := makeParams(t)
	weights, err := ExtractWeights(names, params)
	if err != nil {
		t.Fatalf("ExtractWeights failed: %v", err)
	}

	adam, err := optimizer.DefaultAdam(params, 0.001)
	if err != nil {
		t.Fatalf("Failed to create optimizer: %v", err)
	}
	grad, err := tensor.NewTensor([]int{2, 2}, tensor.Float32, tensor.CPU,
		[]float32{0.1, 0.1, 0.1, 0.1})
	if err != nil {
		t.Fatalf("Failed to create gradient: %v", err)
	}
	if err := params[0].AccumulateGrad(grad); err != nil {
		t.Fatalf("Failed to set gradient: %v", err)
	}
	if err := adam.Step(); err != nil {
		t.Fatalf("Optimizer step failed: %v", err)
	}
	optState, err := adam.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}

	// Re-extract after the step so saved weights match current parameters.
	weights, err = ExtractWeights(names, params)
	if err != nil {
		t.Fatalf("ExtractWeights failed: %v", err)
	}

	original := &Checkpoint{
		Weights:        weights,
		TrainingState:  TrainingState{Epoch: 7, LearningRate: 0.001, TotalLoss: 1.25},
		OptimizerState: optState,
	}
	if err := saver.Save(original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := saver.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	t.Run("TrainingStateRestored", func(t *testing.T) {
		if loaded.TrainingState.Epoch != 7 {
			t.Errorf("Expected epoch 7, got %d", loaded.TrainingState.Epoch)
		}
		if loaded.TrainingState.TotalLoss != 1.25 {
			t.Errorf("Expected total loss 1.25, got %f", loaded.TrainingState.TotalLoss)
		}
	})

	t.Run("MetadataStamped", func(t *testing.T) {
		if loaded.Metadata.Framework != frameworkName {
			t.Errorf("Expected framework %q, got %q", frameworkName, loaded.Metadata.Framework)
		}
		if loaded.Metadata.RunID != saver.RunID() {
			t.Errorf("Run id mismatch: %s vs %s", loaded.Metadata.RunID, saver.RunID())
		}
		if loaded.Metadata.CreatedAt.IsZero() {
			t.Error("CreatedAt was not stamped")
		}
	})

	t.Run("WeightsRestoredExactly", func(t *testing.T) {
		freshNames, freshParams := makeParams(t)
		if err := LoadWeights(loaded.Weights, freshNames, freshParams); err != nil {
			t.Fatalf("LoadWeights failed: %v", err)
		}
		for i := range params {
			want, _ := params[i].GetFloat32Data()
			got, _ := freshParams[i].GetFloat32Data()
			for j := range want {
				if want[j] != got[j] {
					t.Errorf("Parameter %s element %d: expected %f, got %f",
						freshNames[i], j, want[j], got[j])
				}
			}
		}
	})

	t.Run("OptimizerStateRestored", func(t *testing.T) {
		_, freshParams := makeParams(t)
		fresh, err := optimizer.DefaultAdam(freshParams, 0.5)
		if err != nil {
			t.Fatalf("Failed to create optimizer: %v", err)
		}
		if err := fresh.LoadState(loaded.OptimizerState); err != nil {
			t.Fatalf("LoadState failed: %v", err)
		}
		if fresh.GetStepCount() != adam.GetStepCount() {
			t.Errorf("Expected step count %d, got %d", adam.GetStepCount(), fresh.GetStepCount())
		}
		if fresh.GetLR() != adam.GetLR() {
			t.Errorf("Expected learning rate %f, got %f", adam.GetLR(), fresh.GetLR())
		}
	})
}

func TestSaveOverwritesPriorCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	saver, err := NewSaver(path)
	if err != nil {
		t.Fatalf("Failed to create saver: %v", err)
	}

	names, params := makeParams(t)
	for epoch := 1; epoch <= 3; epoch++ {
		weights, err := ExtractWeights(names, params)
		if err != nil {
			t.Fatalf("ExtractWeights failed: %v", err)
		}
		ckpt := &Checkpoint{
			Weights:       weights,
			TrainingState: TrainingState{Epoch: epoch},
		}
		if err := saver.Save(ckpt); err != nil {
			t.Fatalf("Save at epoch %d failed: %v", epoch, err)
		}
	}

	loaded, err := saver.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.TrainingState.Epoch != 3 {
		t.Errorf("Expected latest epoch 3, got %d", loaded.TrainingState.Epoch)
	}
}

func TestLoadWeightsValidation(t *testing.T) {
	names, params := makeParams(t)
	weights, err := ExtractWeights(names, params)
	if err != nil {
		t.Fatalf("ExtractWeights failed: %v", err)
	}

	t.Run("MissingWeight", func(t *testing.T) {
		err := LoadWeights(weights[:1], names, params)
		if err == nil {
			t.Error("Expected error for missing weight record")
		}
	})

	t.Run("ShapeMismatch", func(t *testing.T) {
		bad := make([]WeightTensor, len(weights))
		copy(bad, weights)
		bad[0].Shape = []int{4}
		if err := LoadWeights(bad, names, params); err == nil {
			t.Error("Expected error for shape mismatch")
		}
	})
}

func TestLoadMissingFile(t *testing.T) {
	saver, err := NewSaver(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Failed to create saver: %v", err)
	}
	if _, err := saver.Load(); err == nil {
		t.Error("Expected error loading a missing checkpoint")
	}
	if _, err := os.Stat(saver.Path()); err == nil {
		t.Error("Load must not create the checkpoint file")
	}
}
