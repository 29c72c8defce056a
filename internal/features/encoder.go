// Package features turns a submission into the fixed-schema numeric vector the
// anomaly scorer was trained on.
package features

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/opensource-finance/ueba/internal/domain"
)

// Encoder maps a tuple of categorical values to an indicator vector.
type Encoder interface {
	// Encode returns Width() indicators. Unknown values yield all-zero blocks.
	Encode(values []string) ([]float64, error)
	Width() int
}

// OneHotEncoder is a fitted one-hot encoding: one ordered category list per
// input column, concatenated in column order.
type OneHotEncoder struct {
	Categories [][]string `json:"categories"`

	index []map[string]int
	width int
}

// NewOneHotEncoder builds an encoder from fitted categories.
func NewOneHotEncoder(categories [][]string) (*OneHotEncoder, error) {
	e := &OneHotEncoder{Categories: categories}
	if err := e.init(); err != nil {
		return nil, err
	}
	return e, nil
}

// LoadOneHotEncoder reads a fitted encoder artifact from a JSON file.
func LoadOneHotEncoder(path string) (*OneHotEncoder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read encoder: %v", domain.ErrConfiguration, err)
	}

	var e OneHotEncoder
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: decode encoder: %v", domain.ErrConfiguration, err)
	}
	if err := e.init(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (e *OneHotEncoder) init() error {
	if len(e.Categories) == 0 {
		return fmt.Errorf("%w: encoder has no columns", domain.ErrConfiguration)
	}

	e.index = make([]map[string]int, len(e.Categories))
	e.width = 0
	for col, cats := range e.Categories {
		m := make(map[string]int, len(cats))
		for i, c := range cats {
			if _, dup := m[c]; dup {
				return fmt.Errorf("%w: duplicate category %q in column %d", domain.ErrConfiguration, c, col)
			}
			m[c] = i
		}
		e.index[col] = m
		e.width += len(cats)
	}
	return nil
}

// Width is the total number of indicator columns.
func (e *OneHotEncoder) Width() int {
	return e.width
}

// Encode one-hot encodes values column by column.
func (e *OneHotEncoder) Encode(values []string) ([]float64, error) {
	if len(values) != len(e.Categories) {
		return nil, fmt.Errorf("%w: encoder expects %d columns, got %d",
			domain.ErrConfiguration, len(e.Categories), len(values))
	}

	out := make([]float64, e.width)
	offset := 0
	for col, v := range values {
		if i, ok := e.index[col][v]; ok {
			out[offset+i] = 1
		}
		offset += len(e.Categories[col])
	}
	return out, nil
}
