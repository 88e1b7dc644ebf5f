package training

import (
	"encoding/gob"
	"fmt"
	"math/rand"
	"os"
)

// SentinelLabel marks a sample with no ground-truth semantic label.
const SentinelLabel int32 = -1

// PointSample is one labeled 3D point: its coordinate, the embeddings the
// field is trained to predict, and the pairing metadata used for mask and
// weight construction.
type PointSample struct {
	Coordinate        [3]float32
	VisualEmbedding   []float32
	SemanticEmbedding []float32
	Distance          float32 // distance from the capturing viewpoint
	SemanticWeight    float32 // label confidence
	ImageID           int32   // source image identifier
	LabelID           int32   // semantic class identifier, SentinelLabel if none
}

// Dataset is the input artifact for training: random-access samples plus the
// class vocabulary and coordinate bounds of the mapped region.
type Dataset interface {
	Len() int
	Get(idx int) (*PointSample, error)
	ClassNames() []string
	Bounds() (minBound, maxBound [3]float32)
}

// InMemoryDataset holds every sample in memory. It satisfies Dataset and can
// be persisted as a gob artifact.
type InMemoryDataset struct {
	Samples  []PointSample
	Classes  []string
	MinBound [3]float32
	MaxBound [3]float32
}

func (d *InMemoryDataset) Len() int {
	return len(d.Samples)
}

func (d *InMemoryDataset) Get(idx int) (*PointSample, error) {
	if idx < 0 || idx >= len(d.Samples) {
		return nil, fmt.Errorf("sample index %d out of range [0, %d)", idx, len(d.Samples))
	}
	return &d.Samples[idx], nil
}

func (d *InMemoryDataset) ClassNames() []string {
	return d.Classes
}

func (d *InMemoryDataset) Bounds() ([3]float32, [3]float32) {
	return d.MinBound, d.MaxBound
}

// Save persists the dataset to a gob artifact.
func (d *InMemoryDataset) Save(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create dataset file: %v", err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(d); err != nil {
		return fmt.Errorf("failed to encode dataset: %v", err)
	}
	return nil
}

// LoadDataset reads a gob dataset artifact written by Save.
func LoadDataset(path string) (*InMemoryDataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset file: %v", err)
	}
	defer file.Close()

	var dataset InMemoryDataset
	if err := gob.NewDecoder(file).Decode(&dataset); err != nil {
		return nil, fmt.Errorf("failed to decode dataset: %v", err)
	}
	if len(dataset.Samples) == 0 {
		return nil, fmt.Errorf("dataset at %s is empty", path)
	}
	return &dataset, nil
}

// SyntheticConfig controls synthetic dataset generation.
type SyntheticConfig struct {
	NumSamples    int
	NumImages     int
	NumClasses    int
	VisualDim     int
	SemanticDim   int
	UnlabeledFrac float64 // fraction of samples assigned SentinelLabel
	Seed          int64
}

// NewSyntheticDataset generates a seeded random dataset inside the unit cube.
// Samples of the same class share a direction in embedding space, with
// per-sample noise, so contrastive training has structure to recover.
func NewSyntheticDataset(cfg SyntheticConfig) (*InMemoryDataset, error) {
	if cfg.NumSamples <= 0 || cfg.NumClasses <= 0 || cfg.NumImages <= 0 {
		return nil, fmt.Errorf("sample, class, and image counts must be positive")
	}
	if cfg.VisualDim <= 0 || cfg.SemanticDim <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive")
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	classVisual := make([][]float32, cfg.NumClasses)
	classSemantic := make([][]float32, cfg.NumClasses)
	classes := make([]string, cfg.NumClasses)
	for c := 0; c < cfg.NumClasses; c++ {
		classes[c] = fmt.Sprintf("class_%d", c)
		classVisual[c] = randomDirection(rng, cfg.VisualDim)
		classSemantic[c] = randomDirection(rng, cfg.SemanticDim)
	}

	samples := make([]PointSample, cfg.NumSamples)
	for i := range samples {
		class := rng.Intn(cfg.NumClasses)
		label := int32(class)
		if rng.Float64() < cfg.UnlabeledFrac {
			label = SentinelLabel
		}

		samples[i] = PointSample{
			Coordinate: [3]float32{
				rng.Float32(), rng.Float32(), rng.Float32(),
			},
			VisualEmbedding:   perturb(rng, classVisual[class], 0.1),
			SemanticEmbedding: perturb(rng, classSemantic[class], 0.1),
			Distance:          rng.Float32() * 5.0,
			SemanticWeight:    0.5 + 0.5*rng.Float32(),
			ImageID:           int32(rng.Intn(cfg.NumImages)),
			LabelID:           label,
		}
	}

	return &InMemoryDataset{
		Samples:  samples,
		Classes:  classes,
		MinBound: [3]float32{0, 0, 0},
		MaxBound: [3]float32{1, 1, 1},
	}, nil
}

// ClassAnchors returns one embedding per class name, suitable for building a
// zero-shot extractor over this dataset's vocabulary.
func (d *InMemoryDataset) ClassAnchors(dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	anchors := make([][]float32, len(d.Classes))
	for i := range anchors {
		anchors[i] = randomDirection(rng, dim)
	}
	return anchors
}

func randomDirection(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v
}

func perturb(rng *rand.Rand, base []float32, noise float32) []float32 {
	out := make([]float32, len(base))
	for i, v := range base {
		out[i] = v + noise*float32(rng.NormFloat64())
	}
	return out
}
