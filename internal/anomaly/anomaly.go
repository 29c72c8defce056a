// Package anomaly wraps the pre-trained unsupervised anomaly scorer and the
// transform from its raw score to a probability.
package anomaly

import "math"

// Sharpness scales the raw score before the logistic transform. It must match
// the scale the detector was tuned against.
const Sharpness = 10.0

// Scorer maps a feature vector to a continuous score where larger values are
// more normal and very negative values are anomalous.
type Scorer interface {
	Score(x []float64) (float64, error)

	// Classify returns -1 for an outlier and 1 for an inlier.
	Classify(x []float64) (int, error)

	// Dimension is the feature width the scorer was trained on.
	Dimension() int
}

// ToProbability converts a raw score to an anomaly probability in (0, 1).
// It is monotonically decreasing and ToProbability(0) == 0.5.
func ToProbability(score float64) float64 {
	return 1.0 / (1.0 + math.Exp(Sharpness*score))
}
