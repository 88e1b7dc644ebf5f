package field

import (
	"fmt"
	"math"

	"github.com/clipfield/clipfield/tensor"
)

// Config holds the field model hyperparameters.
type Config struct {
	SemanticDim int // width of the semantic (sentence-embedding) head
	VisualDim   int // width of the visual (CLIP-embedding) head
	HiddenSize  int
	TrunkDepth  int

	Levels           int
	TableSize        int
	FeaturesPerLevel int
	BaseResolution   int
	LevelScale       float64

	InitTemperature float64 // raw log-scale value
}

// DefaultConfig returns the standard field geometry.
func DefaultConfig() Config {
	return Config{
		SemanticDim:      768,
		VisualDim:        512,
		HiddenSize:       256,
		TrunkDepth:       2,
		Levels:           16,
		TableSize:        1 << 14,
		FeaturesPerLevel: 2,
		BaseResolution:   16,
		LevelScale:       1.5,
		InitTemperature:  math.Log(1.0 / 0.07),
	}
}

// Output carries one forward pass's predicted embeddings.
type Output struct {
	Semantic *tensor.Tensor // [batch, SemanticDim]
	Visual   *tensor.Tensor // [batch, VisualDim]
}

// CLIPField is the implicit scene field: a multiresolution hash encoding
// feeding an MLP trunk with two embedding heads, plus a learned log-scale
// temperature shared by both contrastive branches.
type CLIPField struct {
	cfg          Config
	encoding     *MultiResHashEncoding
	trunk        *Sequential
	semanticHead *Linear
	visualHead   *Linear
	logitScale   *tensor.Tensor
}

// NewCLIPField builds the field for coordinates inside [minBound, maxBound].
func NewCLIPField(cfg Config, minBound, maxBound [3]float32, device tensor.DeviceType) (*CLIPField, error) {
	if cfg.SemanticDim <= 0 || cfg.VisualDim <= 0 {
		return nil, fmt.Errorf("embedding widths must be positive: semantic=%d visual=%d", cfg.SemanticDim, cfg.VisualDim)
	}
	if cfg.TrunkDepth < 1 {
		return nil, fmt.Errorf("trunk depth must be at least 1, got %d", cfg.TrunkDepth)
	}

	encoding, err := NewMultiResHashEncoding(cfg.Levels, cfg.TableSize, cfg.FeaturesPerLevel,
		cfg.BaseResolution, cfg.LevelScale, minBound, maxBound, device)
	if err != nil {
		return nil, fmt.Errorf("failed to build hash encoding: %v", err)
	}

	var trunkModules []Module
	inWidth := encoding.OutputDim()
	for i := 0; i < cfg.TrunkDepth; i++ {
		linear, err := NewLinear(inWidth, cfg.HiddenSize, true, device)
		if err != nil {
			return nil, fmt.Errorf("failed to build trunk layer %d: %v", i, err)
		}
		trunkModules = append(trunkModules, linear, NewReLU())
		inWidth = cfg.HiddenSize
	}

	semanticHead, err := NewLinear(cfg.HiddenSize, cfg.SemanticDim, true, device)
	if err != nil {
		return nil, fmt.Errorf("failed to build semantic head: %v", err)
	}
	visualHead, err := NewLinear(cfg.HiddenSize, cfg.VisualDim, true, device)
	if err != nil {
		return nil, fmt.Errorf("failed to build visual head: %v", err)
	}

	logitScale, err := tensor.FromScalar(cfg.InitTemperature, tensor.Float32, device)
	if err != nil {
		return nil, fmt.Errorf("failed to build temperature parameter: %v", err)
	}
	logitScale.SetRequiresGrad(true)

	return &CLIPField{
		cfg:          cfg,
		encoding:     encoding,
		trunk:        NewSequential(trunkModules...),
		semanticHead: semanticHead,
		visualHead:   visualHead,
		logitScale:   logitScale,
	}, nil
}

// Forward predicts the semantic and visual embeddings for [batch, 3] coords.
func (f *CLIPField) Forward(coords *tensor.Tensor) (*Output, error) {
	encoded, err := f.encoding.Forward(coords)
	if err != nil {
		return nil, fmt.Errorf("encoding forward failed: %v", err)
	}

	hidden, err := f.trunk.Forward(encoded)
	if err != nil {
		return nil, fmt.Errorf("trunk forward failed: %v", err)
	}

	semantic, err := f.semanticHead.Forward(hidden)
	if err != nil {
		return nil, fmt.Errorf("semantic head forward failed: %v", err)
	}
	visual, err := f.visualHead.Forward(hidden)
	if err != nil {
		return nil, fmt.Errorf("visual head forward failed: %v", err)
	}

	return &Output{Semantic: semantic, Visual: visual}, nil
}

// PairwiseLoss computes the weighted contrastive loss for one branch using the
// field's learned temperature.
func (f *CLIPField) PairwiseLoss(pred, target, negMask, weights *tensor.Tensor) (*tensor.Tensor, error) {
	return WeightedContrastiveLoss(pred, target, negMask, weights, f.logitScale)
}

// Temperature returns the learned log-scale temperature parameter.
func (f *CLIPField) Temperature() *tensor.Tensor {
	return f.logitScale
}

// ClampTemperature caps the raw log-scale value at max. Called after every
// optimizer step; exp(maxRaw) bounds the similarity sharpness.
func (f *CLIPField) ClampTemperature(maxRaw float32) {
	data := f.logitScale.Data.([]float32)
	if data[0] > maxRaw {
		data[0] = maxRaw
	}
}

// Parameters returns every trainable tensor including the temperature.
func (f *CLIPField) Parameters() []*tensor.Tensor {
	params := f.encoding.Parameters()
	params = append(params, f.trunk.Parameters()...)
	params = append(params, f.semanticHead.Parameters()...)
	params = append(params, f.visualHead.Parameters()...)
	params = append(params, f.logitScale)
	return params
}

// ParameterNames returns stable names aligned with Parameters() for
// checkpoint serialization.
func (f *CLIPField) ParameterNames() []string {
	var names []string
	for i := range f.encoding.Parameters() {
		names = append(names, fmt.Sprintf("encoding.table_%d", i))
	}
	for i := range f.trunk.Parameters() {
		names = append(names, fmt.Sprintf("trunk.param_%d", i))
	}
	for i := range f.semanticHead.Parameters() {
		names = append(names, fmt.Sprintf("semantic_head.param_%d", i))
	}
	for i := range f.visualHead.Parameters() {
		names = append(names, fmt.Sprintf("visual_head.param_%d", i))
	}
	names = append(names, "logit_scale")
	return names
}

// Config returns the model hyperparameters.
func (f *CLIPField) Config() Config {
	return f.cfg
}
