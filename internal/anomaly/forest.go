package anomaly

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/opensource-finance/ueba/internal/domain"
)

const eulerGamma = 0.5772156649

// Node is one split or leaf of an isolation tree. Left == -1 marks a leaf.
type Node struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	NSamples  int     `json:"n_samples"`
}

// Tree is a flattened isolation tree rooted at Nodes[0].
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// IsolationForest evaluates an exported isolation forest. Decision values
// follow the usual convention: score_samples minus the fitted offset, so
// negative values are outliers.
type IsolationForest struct {
	NFeatures  int     `json:"n_features"`
	MaxSamples int     `json:"max_samples"`
	Offset     float64 `json:"offset"`
	Trees      []Tree  `json:"trees"`
}

// LoadIsolationForest reads a forest artifact from a JSON file.
func LoadIsolationForest(path string) (*IsolationForest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read forest: %v", domain.ErrConfiguration, err)
	}

	f := &IsolationForest{Offset: -0.5}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("%w: decode forest: %v", domain.ErrConfiguration, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks the tree structure so that scoring can never index out of
// range or loop.
func (f *IsolationForest) Validate() error {
	if f.NFeatures <= 0 {
		return fmt.Errorf("%w: forest has no features", domain.ErrConfiguration)
	}
	if f.MaxSamples < 2 {
		return fmt.Errorf("%w: max_samples must be at least 2", domain.ErrConfiguration)
	}
	if len(f.Trees) == 0 {
		return fmt.Errorf("%w: forest has no trees", domain.ErrConfiguration)
	}

	for ti, tree := range f.Trees {
		n := len(tree.Nodes)
		if n == 0 {
			return fmt.Errorf("%w: tree %d is empty", domain.ErrConfiguration, ti)
		}
		for ni, node := range tree.Nodes {
			if node.Left == -1 {
				continue
			}
			// Children must come after their parent, which rules out cycles.
			if node.Left <= ni || node.Right <= ni || node.Left >= n || node.Right >= n {
				return fmt.Errorf("%w: tree %d node %d has invalid children", domain.ErrConfiguration, ti, ni)
			}
			if node.Feature < 0 || node.Feature >= f.NFeatures {
				return fmt.Errorf("%w: tree %d node %d splits on feature %d", domain.ErrConfiguration, ti, ni, node.Feature)
			}
		}
	}
	return nil
}

// Dimension returns the trained feature width.
func (f *IsolationForest) Dimension() int {
	return f.NFeatures
}

// Score returns the decision value for x.
func (f *IsolationForest) Score(x []float64) (float64, error) {
	if len(x) != f.NFeatures {
		return 0, fmt.Errorf("%w: forest expects %d features, got %d", domain.ErrConfiguration, f.NFeatures, len(x))
	}

	var total float64
	for i := range f.Trees {
		total += f.Trees[i].pathLength(x)
	}
	mean := total / float64(len(f.Trees))

	raw := -math.Pow(2, -mean/averagePathLength(f.MaxSamples))
	return raw - f.Offset, nil
}

// Classify labels x as an outlier (-1) when its decision value is negative.
func (f *IsolationForest) Classify(x []float64) (int, error) {
	s, err := f.Score(x)
	if err != nil {
		return 0, err
	}
	if s < 0 {
		return -1, nil
	}
	return 1, nil
}

func (t *Tree) pathLength(x []float64) float64 {
	depth := 0
	i := 0
	for {
		node := t.Nodes[i]
		if node.Left == -1 {
			return float64(depth) + averagePathLength(node.NSamples)
		}
		if x[node.Feature] <= node.Threshold {
			i = node.Left
		} else {
			i = node.Right
		}
		depth++
	}
}

// averagePathLength is the expected path length of an unsuccessful search in
// a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}
