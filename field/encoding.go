package field

import (
	"fmt"
	"math"

	"github.com/clipfield/clipfield/tensor"
)

// Spatial hashing primes from the multiresolution hash encoding literature.
const (
	hashPrimeY = 2654435761
	hashPrimeZ = 805459861
)

// MultiResHashEncoding maps 3D coordinates to a concatenation of trilinearly
// interpolated features from one trainable hash table per resolution level.
type MultiResHashEncoding struct {
	levels           int
	tableSize        int
	featuresPerLevel int
	baseResolution   int
	levelScale       float64

	tables   []*tensor.Tensor // per level: [tableSize, featuresPerLevel]
	minBound [3]float32
	maxBound [3]float32
}

// NewMultiResHashEncoding creates the encoding for coordinates inside the
// [minBound, maxBound] box. Table entries start near zero, which keeps the
// early field output dominated by the MLP bias terms.
func NewMultiResHashEncoding(levels, tableSize, featuresPerLevel, baseResolution int, levelScale float64, minBound, maxBound [3]float32, device tensor.DeviceType) (*MultiResHashEncoding, error) {
	if levels <= 0 || tableSize <= 0 || featuresPerLevel <= 0 || baseResolution <= 0 {
		return nil, fmt.Errorf("invalid hash encoding geometry: levels=%d tableSize=%d features=%d baseResolution=%d",
			levels, tableSize, featuresPerLevel, baseResolution)
	}
	if levelScale <= 1.0 {
		return nil, fmt.Errorf("level scale must be > 1.0, got %f", levelScale)
	}
	for d := 0; d < 3; d++ {
		if maxBound[d] <= minBound[d] {
			return nil, fmt.Errorf("degenerate bounds on axis %d: [%f, %f]", d, minBound[d], maxBound[d])
		}
	}

	e := &MultiResHashEncoding{
		levels:           levels,
		tableSize:        tableSize,
		featuresPerLevel: featuresPerLevel,
		baseResolution:   baseResolution,
		levelScale:       levelScale,
		minBound:         minBound,
		maxBound:         maxBound,
	}

	for l := 0; l < levels; l++ {
		rngMutex.Lock()
		table, err := tensor.RandUniform([]int{tableSize, featuresPerLevel}, -1e-4, 1e-4, rng, device)
		rngMutex.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize hash table %d: %v", l, err)
		}
		table.SetRequiresGrad(true)
		e.tables = append(e.tables, table)
	}

	return e, nil
}

// OutputDim returns the width of the encoded feature vector.
func (e *MultiResHashEncoding) OutputDim() int {
	return e.levels * e.featuresPerLevel
}

func (e *MultiResHashEncoding) Parameters() []*tensor.Tensor {
	return e.tables
}

// Forward encodes a [batch, 3] coordinate tensor into
// [batch, levels*featuresPerLevel] features with gradients flowing into the
// hash tables.
func (e *MultiResHashEncoding) Forward(coords *tensor.Tensor) (*tensor.Tensor, error) {
	if len(coords.Shape) != 2 || coords.Shape[1] != 3 {
		return nil, fmt.Errorf("hash encoding expects [batch, 3] coordinates, got %v", coords.Shape)
	}

	coordData, err := coords.GetFloat32Data()
	if err != nil {
		return nil, fmt.Errorf("coordinate tensor: %v", err)
	}

	op := &hashEncodeOp{
		encoding: e,
		n:        coords.Shape[0],
	}
	op.prepare(coordData)

	return op.Forward(e.tables...), nil
}

func (e *MultiResHashEncoding) levelResolution(level int) int {
	return int(math.Ceil(float64(e.baseResolution) * math.Pow(e.levelScale, float64(level))))
}

func (e *MultiResHashEncoding) hashCell(x, y, z, resolution int) int {
	// Levels coarse enough to index the dense grid directly still go through
	// the hash; collisions there are rare and the table learns around them.
	h := uint32(x) ^ uint32(y)*hashPrimeY ^ uint32(z)*hashPrimeZ
	return int(h % uint32(e.tableSize))
}

// hashEncodeOp is the autograd node for the encoding. It caches, per level,
// the eight table rows and trilinear weights each sample touched so Backward
// can scatter gradients into the tables.
type hashEncodeOp struct {
	encoding *MultiResHashEncoding
	n        int

	// per level, per sample: 8 corner table indices and weights
	indices [][]int
	weights [][]float32

	inputs []*tensor.Tensor
}

func (op *hashEncodeOp) prepare(coords []float32) {
	e := op.encoding
	op.indices = make([][]int, e.levels)
	op.weights = make([][]float32, e.levels)

	for l := 0; l < e.levels; l++ {
		res := e.levelResolution(l)
		idx := make([]int, op.n*8)
		w := make([]float32, op.n*8)

		for i := 0; i < op.n; i++ {
			var unit [3]float64
			for d := 0; d < 3; d++ {
				span := float64(e.maxBound[d] - e.minBound[d])
				u := (float64(coords[i*3+d]) - float64(e.minBound[d])) / span
				if u < 0 {
					u = 0
				}
				if u > 1 {
					u = 1
				}
				unit[d] = u * float64(res)
			}

			x0 := int(math.Floor(unit[0]))
			y0 := int(math.Floor(unit[1]))
			z0 := int(math.Floor(unit[2]))
			fx := unit[0] - float64(x0)
			fy := unit[1] - float64(y0)
			fz := unit[2] - float64(z0)

			corner := 0
			for dz := 0; dz <= 1; dz++ {
				for dy := 0; dy <= 1; dy++ {
					for dx := 0; dx <= 1; dx++ {
						wx := fx
						if dx == 0 {
							wx = 1 - fx
						}
						wy := fy
						if dy == 0 {
							wy = 1 - fy
						}
						wz := fz
						if dz == 0 {
							wz = 1 - fz
						}
						idx[i*8+corner] = e.hashCell(x0+dx, y0+dy, z0+dz, res)
						w[i*8+corner] = float32(wx * wy * wz)
						corner++
					}
				}
			}
		}

		op.indices[l] = idx
		op.weights[l] = w
	}
}

func (op *hashEncodeOp) Forward(inputs ...*tensor.Tensor) *tensor.Tensor {
	e := op.encoding
	op.inputs = inputs

	out, err := tensor.Zeros([]int{op.n, e.OutputDim()}, tensor.Float32, inputs[0].Device)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	outData := out.Data.([]float32)
	width := e.OutputDim()

	for l, table := range inputs {
		tableData := table.Data.([]float32)
		f := e.featuresPerLevel
		base := l * f

		for i := 0; i < op.n; i++ {
			for corner := 0; corner < 8; corner++ {
				row := op.indices[l][i*8+corner]
				w := op.weights[l][i*8+corner]
				if w == 0 {
					continue
				}
				for k := 0; k < f; k++ {
					outData[i*width+base+k] += w * tableData[row*f+k]
				}
			}
		}
	}

	requiresGrad := false
	for _, table := range inputs {
		if table.RequiresGrad() {
			requiresGrad = true
			break
		}
	}

	out.SetRequiresGrad(requiresGrad)
	out.SetCreator(op)

	return out
}

func (op *hashEncodeOp) Backward(gradOut *tensor.Tensor) []*tensor.Tensor {
	e := op.encoding
	gradData := gradOut.Data.([]float32)
	width := e.OutputDim()
	f := e.featuresPerLevel

	grads := make([]*tensor.Tensor, len(op.inputs))

	for l, table := range op.inputs {
		if !table.RequiresGrad() {
			continue
		}

		grad, err := tensor.Zeros([]int{e.tableSize, f}, tensor.Float32, table.Device)
		if err != nil {
			panic(fmt.Sprintf("Backward pass failed: %v", err))
		}
		gData := grad.Data.([]float32)
		base := l * f

		for i := 0; i < op.n; i++ {
			for corner := 0; corner < 8; corner++ {
				row := op.indices[l][i*8+corner]
				w := op.weights[l][i*8+corner]
				if w == 0 {
					continue
				}
				for k := 0; k < f; k++ {
					gData[row*f+k] += w * gradData[i*width+base+k]
				}
			}
		}

		grads[l] = grad
	}

	return grads
}

func (op *hashEncodeOp) Inputs() []*tensor.Tensor {
	return op.inputs
}
