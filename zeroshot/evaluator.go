package zeroshot

import (
	"fmt"

	"github.com/clipfield/clipfield/tensor"
)

// sentinelLabel marks a sample with no ground-truth class.
const sentinelLabel = -1

// Accumulator receives one (predicted, label) observation per valid sample.
// Implementations track running classification metrics across an epoch.
type Accumulator interface {
	Observe(predicted, label int)
}

// Evaluator computes the zero-shot classification loss for a batch of
// predicted embeddings. The loss is tracked for reporting only and never
// enters the backward pass.
type Evaluator struct {
	extractor *ClassExtractor
}

// NewEvaluator wraps a class extractor.
func NewEvaluator(extractor *ClassExtractor) (*Evaluator, error) {
	if extractor == nil {
		return nil, fmt.Errorf("extractor is nil")
	}
	return &Evaluator{extractor: extractor}, nil
}

// Extractor returns the underlying class extractor.
func (ev *Evaluator) Extractor() *ClassExtractor {
	return ev.extractor
}

// Evaluate computes the mean cross-entropy of the valid samples in a batch
// against their integer labels, feeding the same valid subset into every
// accumulator. A sample is valid iff its label is not the unlabeled sentinel
// and falls inside the class vocabulary. When no sample is valid the loss is
// exactly 0.0 and no accumulator is touched.
//
// embeddings must be a [batch, dim] float32 tensor; labels holds one label id
// per row.
func (ev *Evaluator) Evaluate(embeddings *tensor.Tensor, labels []int32, accumulators []Accumulator) (float64, int, error) {
	if embeddings == nil {
		return 0, 0, fmt.Errorf("embeddings tensor is nil")
	}
	if len(embeddings.Shape) != 2 {
		return 0, 0, fmt.Errorf("embeddings must be 2D, got shape %v", embeddings.Shape)
	}
	batch := embeddings.Shape[0]
	dim := embeddings.Shape[1]
	if len(labels) != batch {
		return 0, 0, fmt.Errorf("got %d labels for batch of %d", len(labels), batch)
	}
	if dim != ev.extractor.Dim() {
		return 0, 0, fmt.Errorf("embedding dimension %d does not match anchors (%d)", dim, ev.extractor.Dim())
	}

	data, err := embeddings.GetFloat32Data()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read embeddings: %v", err)
	}

	numClasses := ev.extractor.NumClasses()
	var totalLoss float64
	validCount := 0

	for i := 0; i < batch; i++ {
		label := int(labels[i])
		if label == sentinelLabel || label < 0 || label >= numClasses {
			continue
		}

		logProbs, err := ev.extractor.LogProbabilities(data[i*dim : (i+1)*dim])
		if err != nil {
			return 0, 0, fmt.Errorf("sample %d: %v", i, err)
		}

		totalLoss += -logProbs[label]
		validCount++

		predicted := 0
		for c := 1; c < numClasses; c++ {
			if logProbs[c] > logProbs[predicted] {
				predicted = c
			}
		}
		for _, acc := range accumulators {
			acc.Observe(predicted, label)
		}
	}

	if validCount == 0 {
		return 0.0, 0, nil
	}
	return totalLoss / float64(validCount), validCount, nil
}
