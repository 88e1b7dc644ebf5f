package training

import (
	"errors"
	"fmt"
)

// ErrNoSamples is returned when a metric value is requested from an
// accumulator that saw no samples. The trainer catches it at epoch end and
// reports 0.0 instead.
var ErrNoSamples = errors.New("metric has no accumulated samples")

// AveragingMode selects how per-class accuracy is reduced to one scalar.
type AveragingMode int

const (
	// Micro pools every sample: correct / total.
	Micro AveragingMode = iota
	// Macro averages per-class accuracies with equal class weight.
	Macro
	// Weighted averages per-class accuracies weighted by class support.
	Weighted
)

func (m AveragingMode) String() string {
	switch m {
	case Micro:
		return "micro"
	case Macro:
		return "macro"
	case Weighted:
		return "weighted"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// ClassAccuracy is a running classification accuracy accumulator over a
// fixed class vocabulary. It satisfies zeroshot.Accumulator.
type ClassAccuracy struct {
	mode    AveragingMode
	correct []int // per true class
	total   []int // per true class
	samples int
}

// NewClassAccuracy creates an accumulator for numClasses classes.
func NewClassAccuracy(mode AveragingMode, numClasses int) *ClassAccuracy {
	return &ClassAccuracy{
		mode:    mode,
		correct: make([]int, numClasses),
		total:   make([]int, numClasses),
	}
}

// Observe records one prediction against its true label. Labels outside the
// vocabulary are ignored; validity filtering happens upstream.
func (ca *ClassAccuracy) Observe(predicted, label int) {
	if label < 0 || label >= len(ca.total) {
		return
	}
	ca.total[label]++
	ca.samples++
	if predicted == label {
		ca.correct[label]++
	}
}

// SampleCount returns the number of observations since the last reset.
func (ca *ClassAccuracy) SampleCount() int {
	return ca.samples
}

// Value computes the accuracy under the configured averaging mode. It
// returns ErrNoSamples when nothing was observed.
func (ca *ClassAccuracy) Value() (float64, error) {
	if ca.samples == 0 {
		return 0, ErrNoSamples
	}

	switch ca.mode {
	case Micro:
		correct := 0
		for _, c := range ca.correct {
			correct += c
		}
		return float64(correct) / float64(ca.samples), nil

	case Macro:
		var sum float64
		seen := 0
		for c := range ca.total {
			if ca.total[c] == 0 {
				continue
			}
			sum += float64(ca.correct[c]) / float64(ca.total[c])
			seen++
		}
		return sum / float64(seen), nil

	case Weighted:
		var sum float64
		for c := range ca.total {
			if ca.total[c] == 0 {
				continue
			}
			classAcc := float64(ca.correct[c]) / float64(ca.total[c])
			sum += classAcc * float64(ca.total[c]) / float64(ca.samples)
		}
		return sum, nil

	default:
		return 0, fmt.Errorf("unknown averaging mode %d", int(ca.mode))
	}
}

// Reset clears all accumulated counts.
func (ca *ClassAccuracy) Reset() {
	for i := range ca.total {
		ca.correct[i] = 0
		ca.total[i] = 0
	}
	ca.samples = 0
}

// Metric pairs a report key with its accumulator.
type Metric struct {
	Key         string
	Accumulator *ClassAccuracy
}

// MetricSet is the explicit, enumerated list of metrics the trainer feeds
// each batch and drains at epoch end.
type MetricSet struct {
	metrics []Metric
}

// NewMetricSet creates an empty metric set.
func NewMetricSet() *MetricSet {
	return &MetricSet{}
}

// DefaultMetricSet tracks micro, macro, and weighted accuracy over the class
// vocabulary.
func DefaultMetricSet(numClasses int) *MetricSet {
	ms := NewMetricSet()
	ms.Add("train/accuracy_micro", NewClassAccuracy(Micro, numClasses))
	ms.Add("train/accuracy_macro", NewClassAccuracy(Macro, numClasses))
	ms.Add("train/accuracy_weighted", NewClassAccuracy(Weighted, numClasses))
	return ms
}

// Add appends a keyed accumulator.
func (ms *MetricSet) Add(key string, accumulator *ClassAccuracy) {
	ms.metrics = append(ms.metrics, Metric{Key: key, Accumulator: accumulator})
}

// Metrics returns the metrics in registration order.
func (ms *MetricSet) Metrics() []Metric {
	return ms.metrics
}

// Drain reads and resets every accumulator, substituting 0.0 for any that
// saw no samples. The returned map is keyed by report key.
func (ms *MetricSet) Drain() map[string]float64 {
	values := make(map[string]float64, len(ms.metrics))
	for _, m := range ms.metrics {
		value, err := m.Accumulator.Value()
		if errors.Is(err, ErrNoSamples) {
			value = 0.0
		}
		values[m.Key] = value
		m.Accumulator.Reset()
	}
	return values
}
