package training

import (
	"fmt"
	"math"

	"github.com/clipfield/clipfield/field"
	"github.com/clipfield/clipfield/optimizer"
	"github.com/clipfield/clipfield/tensor"
	"github.com/clipfield/clipfield/zeroshot"
)

// FieldModel is the capability surface the trainer needs from a model. Both
// the plain field and any device-parallel wrapper satisfy it; the trainer
// never depends on a concrete model type.
type FieldModel interface {
	Forward(coords *tensor.Tensor) (*field.Output, error)
	PairwiseLoss(pred, target, negMask, weights *tensor.Tensor) (*tensor.Tensor, error)
	Temperature() *tensor.Tensor
	ClampTemperature(maxRaw float32)
	Parameters() []*tensor.Tensor
}

// maxRawTemperature caps the learned log-scale at ln(100).
const maxRawTemperature = 4.6052

// TrainerConfig holds the training loop configuration.
type TrainerConfig struct {
	Epochs         int
	BatchSize      int
	NumWorkers     int
	Seed           int64
	Device         tensor.DeviceType
	LabelRatio     float64 // scale on the semantic-branch loss
	ImageRatio     float64 // scale on the visual-branch loss
	DistanceDecay  float64 // exponential decay for distance-based weights
	SaveEvery      int     // checkpoint interval in epochs
	CheckpointPath string
	MaxTemperature float32 // raw log-scale cap
}

// DefaultTrainerConfig returns the standard training configuration.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Epochs:         100,
		BatchSize:      256,
		NumWorkers:     4,
		Seed:           42,
		Device:         tensor.CPU,
		LabelRatio:     1.0,
		ImageRatio:     1.0,
		DistanceDecay:  0.1,
		SaveEvery:      5,
		CheckpointPath: "clipfield-checkpoint.json",
		MaxTemperature: maxRawTemperature,
	}
}

// EpochStats is the explicit accumulator threaded through one epoch. Totals
// are running sums until Finalize averages them by batch count.
type EpochStats struct {
	LabelingLoss       float64
	ViewLoss           float64
	TotalLoss          float64
	ClassificationLoss float64
	BatchCount         int
	SampleCount        int
}

// Accumulate folds one batch's scalars into the running totals.
func (s *EpochStats) Accumulate(labeling, view, total, classification float64, samples int) {
	s.LabelingLoss += labeling
	s.ViewLoss += view
	s.TotalLoss += total
	s.ClassificationLoss += classification
	s.BatchCount++
	s.SampleCount += samples
}

// Finalize divides every total by the batch count, producing epoch averages.
func (s *EpochStats) Finalize() {
	if s.BatchCount == 0 {
		return
	}
	n := float64(s.BatchCount)
	s.LabelingLoss /= n
	s.ViewLoss /= n
	s.TotalLoss /= n
	s.ClassificationLoss /= n
}

// Trainer drives the epoch loop: batches through the loader, one optimizer
// step per batch, zero-shot evaluation on the side, metrics and reports at
// epoch end, checkpoints on the configured cadence.
type Trainer struct {
	model       FieldModel
	paramNames  []string
	opt         optimizer.Optimizer
	loader      *DataLoader
	evaluator   *zeroshot.Evaluator
	metrics     *MetricSet
	reporter    Reporter
	checkpoints *CheckpointManager
	config      TrainerConfig
}

// NewTrainer assembles a trainer. evaluator, reporter, and checkpoints may be
// nil to disable zero-shot evaluation, reporting, or checkpointing.
func NewTrainer(model FieldModel, paramNames []string, opt optimizer.Optimizer, loader *DataLoader,
	evaluator *zeroshot.Evaluator, metrics *MetricSet, reporter Reporter,
	checkpointManager *CheckpointManager, config TrainerConfig) (*Trainer, error) {

	if model == nil {
		return nil, fmt.Errorf("model is nil")
	}
	if opt == nil {
		return nil, fmt.Errorf("optimizer is nil")
	}
	if loader == nil {
		return nil, fmt.Errorf("data loader is nil")
	}
	if len(paramNames) != len(model.Parameters()) {
		return nil, fmt.Errorf("got %d parameter names for %d parameters",
			len(paramNames), len(model.Parameters()))
	}
	if metrics == nil {
		metrics = NewMetricSet()
	}

	return &Trainer{
		model:       model,
		paramNames:  paramNames,
		opt:         opt,
		loader:      loader,
		evaluator:   evaluator,
		metrics:     metrics,
		reporter:    reporter,
		checkpoints: checkpointManager,
		config:      config,
	}, nil
}

// TrainEpoch runs one full pass over the dataset and returns the finalized
// epoch statistics. Metric accumulators are drained and reset at epoch end.
func (t *Trainer) TrainEpoch(epoch int) (*EpochStats, error) {
	stats := &EpochStats{}

	batches, finish := t.loader.Iterator()
	defer finish()
	for batch := range batches {
		if err := t.trainStep(batch, stats); err != nil {
			return nil, fmt.Errorf("epoch %d batch %d: %v", epoch, stats.BatchCount, err)
		}
	}
	if err := finish(); err != nil {
		return nil, fmt.Errorf("epoch %d data loading: %v", epoch, err)
	}

	stats.Finalize()
	if err := t.report(epoch, stats); err != nil {
		return nil, fmt.Errorf("epoch %d report: %v", epoch, err)
	}
	return stats, nil
}

// Fit runs the configured number of epochs, checkpointing every SaveEvery
// epochs. Epoch indices are 1-based.
func (t *Trainer) Fit() error {
	for epoch := 1; epoch <= t.config.Epochs; epoch++ {
		stats, err := t.TrainEpoch(epoch)
		if err != nil {
			return err
		}

		if t.checkpoints != nil && t.config.SaveEvery > 0 && epoch%t.config.SaveEvery == 0 {
			err := t.checkpoints.Save(t.paramNames, t.model.Parameters(), t.opt, epoch, stats.TotalLoss)
			if err != nil {
				return fmt.Errorf("epoch %d checkpoint: %v", epoch, err)
			}
		}
	}
	return nil
}

// trainStep performs the forward pass, loss combination, backward pass, and
// optimizer step for one batch, then folds the scalars into stats.
func (t *Trainer) trainStep(batch *PointBatch, stats *EpochStats) error {
	t.opt.ZeroGrad()

	output, err := t.model.Forward(batch.Coords)
	if err != nil {
		return fmt.Errorf("forward pass failed: %v", err)
	}

	semanticMask, err := BuildNegativeMask(batch.LabelIDs, t.config.Device)
	if err != nil {
		return fmt.Errorf("semantic mask: %v", err)
	}
	visualMask, err := BuildNegativeMask(batch.ImageIDs, t.config.Device)
	if err != nil {
		return fmt.Errorf("visual mask: %v", err)
	}

	semWeights, err := tensor.NewTensor([]int{batch.Size}, tensor.Float32, t.config.Device, batch.SemWeights)
	if err != nil {
		return fmt.Errorf("semantic weights: %v", err)
	}
	visWeights, err := t.visualWeights(batch)
	if err != nil {
		return fmt.Errorf("visual weights: %v", err)
	}

	labelingLoss, err := t.model.PairwiseLoss(output.Semantic, batch.SemanticTarget, semanticMask, semWeights)
	if err != nil {
		return fmt.Errorf("semantic contrastive loss: %v", err)
	}
	viewLoss, err := t.model.PairwiseLoss(output.Visual, batch.VisualTarget, visualMask, visWeights)
	if err != nil {
		return fmt.Errorf("visual contrastive loss: %v", err)
	}

	// Eval-only signal: the classification loss is reported but never
	// differentiated.
	classificationLoss, err := t.classificationLoss(output.Semantic, batch.LabelIDs)
	if err != nil {
		return fmt.Errorf("classification loss: %v", err)
	}

	totalLoss := tensor.ScaleAddAutograd(labelingLoss, viewLoss, t.config.LabelRatio, t.config.ImageRatio)

	if err := totalLoss.Backward(); err != nil {
		return fmt.Errorf("backward pass failed: %v", err)
	}
	if err := t.opt.Step(); err != nil {
		return fmt.Errorf("optimizer step failed: %v", err)
	}
	t.model.ClampTemperature(t.config.MaxTemperature)

	labelingValue, err := labelingLoss.Float64Item()
	if err != nil {
		return fmt.Errorf("failed to read semantic loss: %v", err)
	}
	viewValue, err := viewLoss.Float64Item()
	if err != nil {
		return fmt.Errorf("failed to read visual loss: %v", err)
	}
	totalValue, err := totalLoss.Float64Item()
	if err != nil {
		return fmt.Errorf("failed to read total loss: %v", err)
	}

	stats.Accumulate(labelingValue, viewValue, totalValue, classificationLoss, batch.Size)
	return nil
}

// visualWeights computes the [N] distance-based weight vector
// exp(-decay * distance).
func (t *Trainer) visualWeights(batch *PointBatch) (*tensor.Tensor, error) {
	data := make([]float32, batch.Size)
	for i, dist := range batch.Distances {
		data[i] = float32(math.Exp(-t.config.DistanceDecay * float64(dist)))
	}
	return tensor.NewTensor([]int{batch.Size}, tensor.Float32, t.config.Device, data)
}

// classificationLoss runs the zero-shot evaluator over the predicted semantic
// embeddings, feeding the configured metric accumulators. With no evaluator
// configured, or an all-invalid batch, the loss is zero.
func (t *Trainer) classificationLoss(semantic *tensor.Tensor, labels []int32) (float64, error) {
	if t.evaluator == nil {
		return 0.0, nil
	}

	accumulators := make([]zeroshot.Accumulator, 0, len(t.metrics.Metrics()))
	for _, m := range t.metrics.Metrics() {
		accumulators = append(accumulators, m.Accumulator)
	}

	loss, _, err := t.evaluator.Evaluate(semantic, labels, accumulators)
	if err != nil {
		return 0, err
	}
	return loss, nil
}

// report drains the metric accumulators and emits the epoch scalars.
func (t *Trainer) report(epoch int, stats *EpochStats) error {
	temperature, err := t.model.Temperature().Float64Item()
	if err != nil {
		return fmt.Errorf("failed to read temperature: %v", err)
	}

	scalars := map[string]float64{
		"train/labeling_loss":       stats.LabelingLoss,
		"train/view_loss":           stats.ViewLoss,
		"train/total_loss":          stats.TotalLoss,
		"train/classification_loss": stats.ClassificationLoss,
		"train/temperature":         temperature,
	}
	for key, value := range t.metrics.Drain() {
		scalars[key] = value
	}

	if t.reporter == nil {
		return nil
	}
	return t.reporter.ReportEpoch(epoch, scalars)
}
