package optimizer

import (
	"fmt"

	"github.com/clipfield/clipfield/tensor"
)

// Optimizer is the common interface for all optimizers. State save/restore
// enables checkpoint round-trips.
type Optimizer interface {
	// Step updates parameters from their accumulated gradients.
	Step() error

	// ZeroGrad resets gradients for all parameters.
	ZeroGrad()

	// GetLR returns the current learning rate.
	GetLR() float64

	// SetLR updates the learning rate.
	SetLR(lr float64)

	// GetStepCount returns the number of optimization steps taken.
	GetStepCount() uint64

	// GetState extracts optimizer state for checkpointing.
	GetState() (*State, error)

	// LoadState restores optimizer state from a checkpoint.
	LoadState(state *State) error
}

// State is the serializable snapshot of an optimizer.
type State struct {
	Type       string                 `json:"type"` // "SGD", "Adam"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []StateTensor          `json:"state_data"`
}

// StateTensor is one named optimizer state buffer (momentum, variance, ...).
type StateTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

func validateStateType(optimizerType string, state *State) error {
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func exportBuffer(name, stateType string, t *tensor.Tensor) (StateTensor, error) {
	data, err := t.GetFloat32Data()
	if err != nil {
		return StateTensor{}, fmt.Errorf("failed to export %s: %v", name, err)
	}
	dataCopy := make([]float32, len(data))
	copy(dataCopy, data)
	shapeCopy := make([]int, len(t.Shape))
	copy(shapeCopy, t.Shape)

	return StateTensor{
		Name:      name,
		Shape:     shapeCopy,
		Data:      dataCopy,
		StateType: stateType,
	}, nil
}

func importBuffer(st StateTensor, dst *tensor.Tensor) error {
	if dst.NumElems != len(st.Data) {
		return fmt.Errorf("state tensor %s size mismatch: have %d elements, snapshot has %d",
			st.Name, dst.NumElems, len(st.Data))
	}
	return dst.SetData(st.Data)
}

// floatParam reads a numeric hyperparameter from a deserialized state map.
// JSON decoding produces float64 values.
func floatParam(params map[string]interface{}, key string) (float64, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing optimizer parameter %q", key)
	}
	v, ok := raw.(float64)
	if !ok {
		return 0, fmt.Errorf("optimizer parameter %q has type %T, expected float64", key, raw)
	}
	return v, nil
}
