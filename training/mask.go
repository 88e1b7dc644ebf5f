package training

import (
	"fmt"

	"github.com/clipfield/clipfield/tensor"
)

// BuildNegativeMask constructs the [N, N] pairwise mask for one contrastive
// branch from per-sample identifiers. Entry (i, j) is 1.0 when the pair is to
// be kept as a negative (labels differ) and 0.0 when the pair must be
// excluded (labels match). Every diagonal entry is forced to exactly 1.0 so a
// sample is always its own positive, regardless of label validity.
//
// Two samples carrying the unlabeled sentinel compare as equal and are
// therefore excluded from each other's negatives, the same as any shared
// label.
//
// The mask never participates in the backward pass.
func BuildNegativeMask(ids []int32, device tensor.DeviceType) (*tensor.Tensor, error) {
	n := len(ids)
	if n == 0 {
		return nil, fmt.Errorf("cannot build mask from empty id list")
	}

	data := make([]float32, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j || ids[i] != ids[j] {
				data[i*n+j] = 1.0
			}
		}
	}

	mask, err := tensor.NewTensor([]int{n, n}, tensor.Float32, device, data)
	if err != nil {
		return nil, fmt.Errorf("failed to create mask tensor: %v", err)
	}
	return mask, nil
}
