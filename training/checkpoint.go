package training

import (
	"fmt"

	"github.com/clipfield/clipfield/checkpoints"
	"github.com/clipfield/clipfield/optimizer"
	"github.com/clipfield/clipfield/tensor"
)

// CheckpointManager snapshots the model and optimizer to one fixed path,
// overwriting the previous snapshot on every save.
type CheckpointManager struct {
	saver *checkpoints.Saver
}

// NewCheckpointManager creates a manager writing to the given path.
func NewCheckpointManager(path string) (*CheckpointManager, error) {
	saver, err := checkpoints.NewSaver(path)
	if err != nil {
		return nil, err
	}
	return &CheckpointManager{saver: saver}, nil
}

// Save serializes the current model weights, optimizer state, and epoch.
func (cm *CheckpointManager) Save(names []string, params []*tensor.Tensor, opt optimizer.Optimizer, epoch int, totalLoss float64) error {
	weights, err := checkpoints.ExtractWeights(names, params)
	if err != nil {
		return fmt.Errorf("failed to extract weights: %v", err)
	}
	optState, err := opt.GetState()
	if err != nil {
		return fmt.Errorf("failed to extract optimizer state: %v", err)
	}

	return cm.saver.Save(&checkpoints.Checkpoint{
		Weights:        weights,
		OptimizerState: optState,
		TrainingState: checkpoints.TrainingState{
			Epoch:        epoch,
			LearningRate: opt.GetLR(),
			TotalLoss:    totalLoss,
		},
	})
}

// Restore loads the snapshot at the fixed path into the given model
// parameters and optimizer, returning the saved epoch index.
func (cm *CheckpointManager) Restore(names []string, params []*tensor.Tensor, opt optimizer.Optimizer) (int, error) {
	ckpt, err := cm.saver.Load()
	if err != nil {
		return 0, err
	}
	if err := checkpoints.LoadWeights(ckpt.Weights, names, params); err != nil {
		return 0, fmt.Errorf("failed to restore weights: %v", err)
	}
	if ckpt.OptimizerState != nil {
		if err := opt.LoadState(ckpt.OptimizerState); err != nil {
			return 0, fmt.Errorf("failed to restore optimizer state: %v", err)
		}
	}
	return ckpt.TrainingState.Epoch, nil
}

// Path returns the fixed artifact path.
func (cm *CheckpointManager) Path() string {
	return cm.saver.Path()
}
