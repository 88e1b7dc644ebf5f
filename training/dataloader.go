package training

import (
	"fmt"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/clipfield/clipfield/tensor"
)

// PointBatch holds one batch of samples assembled into tensors ready for the
// forward pass and the mask/weight construction.
type PointBatch struct {
	Coords         *tensor.Tensor // [N, 3]
	VisualTarget   *tensor.Tensor // [N, visualDim]
	SemanticTarget *tensor.Tensor // [N, semanticDim]
	Distances      []float32      // [N]
	SemWeights     []float32      // [N] label confidences
	ImageIDs       []int32        // [N]
	LabelIDs       []int32        // [N]
	Size           int
}

// DataLoader provides seeded shuffling and batched tensor assembly over a
// Dataset. Sample fetch within a batch runs on a bounded worker pool.
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	shuffle    bool
	numWorkers int
	device     tensor.DeviceType
	rng        *rand.Rand
	indices    []int
	position   int
	mutex      sync.Mutex
}

// NewDataLoader creates a data loader. A non-positive worker count falls back
// to one worker.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, numWorkers int, seed int64, device tensor.DeviceType) (*DataLoader, error) {
	if dataset == nil || dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if numWorkers <= 0 {
		numWorkers = 1
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:    dataset,
		batchSize:  batchSize,
		shuffle:    shuffle,
		numWorkers: numWorkers,
		device:     device,
		rng:        rand.New(rand.NewSource(seed)),
		indices:    indices,
	}, nil
}

// Len returns the number of batches in an epoch.
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds the loader for a new epoch, reshuffling if enabled. The
// shuffle order is driven by the loader's seeded generator, so runs with the
// same seed visit samples in the same order.
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch, or nil at end of epoch.
func (dl *DataLoader) Next() (*PointBatch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	return dl.loadBatch(batchIndices)
}

// Iterator returns a channel yielding every batch of one epoch. The channel
// closes at end of epoch; a load failure closes it early. The returned
// function stops the producer and reports any load error; it is idempotent
// and must be called even when the consumer abandons the channel early, or
// the producer goroutine blocks on its next send.
func (dl *DataLoader) Iterator() (<-chan *PointBatch, func() error) {
	dl.Reset()
	batches := make(chan *PointBatch, 1)
	stop := make(chan struct{})

	var mu sync.Mutex
	var loadErr error
	var stopOnce sync.Once

	go func() {
		defer close(batches)
		for {
			batch, err := dl.Next()
			if err != nil {
				mu.Lock()
				loadErr = err
				mu.Unlock()
				return
			}
			if batch == nil {
				return
			}
			select {
			case batches <- batch:
			case <-stop:
				return
			}
		}
	}()

	finish := func() error {
		stopOnce.Do(func() { close(stop) })
		mu.Lock()
		defer mu.Unlock()
		return loadErr
	}
	return batches, finish
}

func (dl *DataLoader) loadBatch(indices []int) (*PointBatch, error) {
	n := len(indices)
	samples := make([]*PointSample, n)

	// Fetch samples on a bounded worker pool.
	var g errgroup.Group
	g.SetLimit(dl.numWorkers)
	for slot, idx := range indices {
		slot, idx := slot, idx
		g.Go(func() error {
			sample, err := dl.dataset.Get(idx)
			if err != nil {
				return fmt.Errorf("failed to fetch sample %d: %v", idx, err)
			}
			samples[slot] = sample
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	visualDim := len(samples[0].VisualEmbedding)
	semanticDim := len(samples[0].SemanticEmbedding)

	batch := &PointBatch{
		Distances:  make([]float32, n),
		SemWeights: make([]float32, n),
		ImageIDs:   make([]int32, n),
		LabelIDs:   make([]int32, n),
		Size:       n,
	}

	coords := make([]float32, n*3)
	visual := make([]float32, n*visualDim)
	semantic := make([]float32, n*semanticDim)

	for i, sample := range samples {
		if len(sample.VisualEmbedding) != visualDim || len(sample.SemanticEmbedding) != semanticDim {
			return nil, fmt.Errorf("sample %d has inconsistent embedding dimensions", indices[i])
		}
		copy(coords[i*3:(i+1)*3], sample.Coordinate[:])
		copy(visual[i*visualDim:(i+1)*visualDim], sample.VisualEmbedding)
		copy(semantic[i*semanticDim:(i+1)*semanticDim], sample.SemanticEmbedding)
		batch.Distances[i] = sample.Distance
		batch.SemWeights[i] = sample.SemanticWeight
		batch.ImageIDs[i] = sample.ImageID
		batch.LabelIDs[i] = sample.LabelID
	}

	var err error
	if batch.Coords, err = tensor.NewTensor([]int{n, 3}, tensor.Float32, dl.device, coords); err != nil {
		return nil, fmt.Errorf("failed to assemble coordinate tensor: %v", err)
	}
	if batch.VisualTarget, err = tensor.NewTensor([]int{n, visualDim}, tensor.Float32, dl.device, visual); err != nil {
		return nil, fmt.Errorf("failed to assemble visual target tensor: %v", err)
	}
	if batch.SemanticTarget, err = tensor.NewTensor([]int{n, semanticDim}, tensor.Float32, dl.device, semantic); err != nil {
		return nil, fmt.Errorf("failed to assemble semantic target tensor: %v", err)
	}

	return batch, nil
}
