// Package checkpoints serializes training snapshots to a single JSON
// artifact. A snapshot carries the model weights, the optimizer state, and
// the training progress; saving unconditionally overwrites the target path.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/clipfield/clipfield/optimizer"
	"github.com/clipfield/clipfield/tensor"
)

const (
	frameworkName    = "clipfield"
	frameworkVersion = "1.0.0"
)

// Checkpoint represents a complete training snapshot.
type Checkpoint struct {
	Weights        []WeightTensor   `json:"weights"`
	TrainingState  TrainingState    `json:"training_state"`
	OptimizerState *optimizer.State `json:"optimizer_state,omitempty"`
	Metadata       Metadata         `json:"metadata"`
}

// WeightTensor is one named model parameter with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures training progress at save time.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	LearningRate float64 `json:"learning_rate"`
	TotalLoss    float64 `json:"total_loss"`
}

// Metadata identifies the run that produced a checkpoint.
type Metadata struct {
	RunID     uuid.UUID `json:"run_id"`
	Framework string    `json:"framework"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Saver writes and reads checkpoints at a fixed path. Each Save truncates
// and overwrites the previous snapshot; there is no version history.
type Saver struct {
	path  string
	runID uuid.UUID
}

// NewSaver creates a saver for the given artifact path with a fresh run id.
func NewSaver(path string) (*Saver, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint path is empty")
	}
	return &Saver{path: path, runID: uuid.New()}, nil
}

// Path returns the fixed artifact path.
func (s *Saver) Path() string {
	return s.path
}

// RunID returns the run identifier stamped into saved checkpoints.
func (s *Saver) RunID() uuid.UUID {
	return s.runID
}

// Save overwrites the artifact path with the given checkpoint. Metadata is
// filled in if the caller left it empty.
func (s *Saver) Save(checkpoint *Checkpoint) error {
	if checkpoint == nil {
		return fmt.Errorf("checkpoint is nil")
	}
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata = Metadata{
			RunID:     s.runID,
			Framework: frameworkName,
			Version:   frameworkVersion,
			CreatedAt: time.Now(),
		}
	}

	file, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	return nil
}

// Load reads the checkpoint at the artifact path.
func (s *Saver) Load() (*Checkpoint, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}

	return &checkpoint, nil
}

// ExtractWeights copies named parameter tensors into serializable weight
// records. names and params must be parallel slices.
func ExtractWeights(names []string, params []*tensor.Tensor) ([]WeightTensor, error) {
	if len(names) != len(params) {
		return nil, fmt.Errorf("got %d names for %d parameters", len(names), len(params))
	}

	weights := make([]WeightTensor, 0, len(params))
	for i, param := range params {
		data, err := param.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("failed to extract %s: %v", names[i], err)
		}
		dataCopy := make([]float32, len(data))
		copy(dataCopy, data)
		shapeCopy := make([]int, len(param.Shape))
		copy(shapeCopy, param.Shape)

		weights = append(weights, WeightTensor{
			Name:  names[i],
			Shape: shapeCopy,
			Data:  dataCopy,
		})
	}

	return weights, nil
}

// LoadWeights copies weight records back into named parameter tensors.
// Every parameter must have a matching record with an identical shape.
func LoadWeights(weights []WeightTensor, names []string, params []*tensor.Tensor) error {
	if len(names) != len(params) {
		return fmt.Errorf("got %d names for %d parameters", len(names), len(params))
	}

	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	for i, param := range params {
		weight, ok := byName[names[i]]
		if !ok {
			return fmt.Errorf("checkpoint has no weight named %s", names[i])
		}
		if len(weight.Shape) != len(param.Shape) {
			return fmt.Errorf("shape mismatch for %s: checkpoint %v vs parameter %v",
				weight.Name, weight.Shape, param.Shape)
		}
		for j, dim := range weight.Shape {
			if dim != param.Shape[j] {
				return fmt.Errorf("shape mismatch for %s: checkpoint %v vs parameter %v",
					weight.Name, weight.Shape, param.Shape)
			}
		}
		if err := param.SetData(weight.Data); err != nil {
			return fmt.Errorf("failed to load weight %s: %v", weight.Name, err)
		}
	}

	return nil
}
