// Package zeroshot provides zero-shot classification over a closed class
// vocabulary: class-name anchor embeddings are held fixed, and a predicted
// embedding is classified by cosine-similarity softmax against the anchors.
package zeroshot

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ClassExtractor maps embeddings to probability distributions over a fixed
// class vocabulary. Anchor rows are L2-normalized at construction so the
// matrix-vector product against a normalized query is a cosine similarity.
type ClassExtractor struct {
	anchors    *mat.Dense // numClasses x dim, rows normalized
	classNames []string
	dim        int
	scale      float64
}

// NewClassExtractor builds an extractor from one anchor embedding per class
// name. scale sharpens the similarity distribution before the softmax.
func NewClassExtractor(classNames []string, embeddings [][]float32, scale float64) (*ClassExtractor, error) {
	if len(classNames) == 0 {
		return nil, fmt.Errorf("class vocabulary is empty")
	}
	if len(embeddings) != len(classNames) {
		return nil, fmt.Errorf("got %d embeddings for %d classes", len(embeddings), len(classNames))
	}
	if scale <= 0 {
		return nil, fmt.Errorf("scale must be positive, got %f", scale)
	}

	dim := len(embeddings[0])
	if dim == 0 {
		return nil, fmt.Errorf("anchor embeddings are empty")
	}

	anchors := mat.NewDense(len(classNames), dim, nil)
	for i, emb := range embeddings {
		if len(emb) != dim {
			return nil, fmt.Errorf("class %q embedding has dimension %d, expected %d",
				classNames[i], len(emb), dim)
		}
		var norm float64
		for _, v := range emb {
			norm += float64(v) * float64(v)
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			return nil, fmt.Errorf("class %q has a zero anchor embedding", classNames[i])
		}
		for j, v := range emb {
			anchors.Set(i, j, float64(v)/norm)
		}
	}

	names := make([]string, len(classNames))
	copy(names, classNames)

	return &ClassExtractor{
		anchors:    anchors,
		classNames: names,
		dim:        dim,
		scale:      scale,
	}, nil
}

// NumClasses returns the vocabulary size.
func (e *ClassExtractor) NumClasses() int {
	return len(e.classNames)
}

// ClassNames returns the vocabulary in anchor order.
func (e *ClassExtractor) ClassNames() []string {
	return e.classNames
}

// Dim returns the anchor embedding dimension.
func (e *ClassExtractor) Dim() int {
	return e.dim
}

// LogProbabilities returns the log of softmax(scale * A * normalize(x)) over
// the class vocabulary.
func (e *ClassExtractor) LogProbabilities(embedding []float32) ([]float64, error) {
	if len(embedding) != e.dim {
		return nil, fmt.Errorf("embedding has dimension %d, expected %d", len(embedding), e.dim)
	}

	var norm float64
	query := make([]float64, e.dim)
	for i, v := range embedding {
		query[i] = float64(v)
		norm += query[i] * query[i]
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range query {
			query[i] /= norm
		}
	}

	numClasses := len(e.classNames)
	logits := mat.NewVecDense(numClasses, nil)
	logits.MulVec(e.anchors, mat.NewVecDense(e.dim, query))

	// Max-subtracted log-softmax for stability.
	maxLogit := math.Inf(-1)
	for i := 0; i < numClasses; i++ {
		v := e.scale * logits.AtVec(i)
		logits.SetVec(i, v)
		if v > maxLogit {
			maxLogit = v
		}
	}
	var sumExp float64
	for i := 0; i < numClasses; i++ {
		sumExp += math.Exp(logits.AtVec(i) - maxLogit)
	}
	logSumExp := maxLogit + math.Log(sumExp)

	logProbs := make([]float64, numClasses)
	for i := 0; i < numClasses; i++ {
		logProbs[i] = logits.AtVec(i) - logSumExp
	}
	return logProbs, nil
}

// Predict returns the argmax class index and its log-probability.
func (e *ClassExtractor) Predict(embedding []float32) (int, float64, error) {
	logProbs, err := e.LogProbabilities(embedding)
	if err != nil {
		return 0, 0, err
	}
	best := 0
	for i := 1; i < len(logProbs); i++ {
		if logProbs[i] > logProbs[best] {
			best = i
		}
	}
	return best, logProbs[best], nil
}
