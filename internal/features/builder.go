package features

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/ueba/internal/domain"
)

// MedianWindow is the trailing period the amount is normalized against.
const MedianWindow = 30 * 24 * time.Hour

// numericColumns are amount/median and hour-of-day, ahead of the one-hot block.
const numericColumns = 2

// MedianSource supplies the user's trailing median amount.
type MedianSource interface {
	MedianAmountSince(ctx context.Context, userID string, since time.Time) (float64, bool, error)
}

// Input is the raw transaction data a vector is built from.
type Input struct {
	UserID  string
	Amount  float64
	Hour    int
	Type    domain.TransactionType
	Country string
	Now     time.Time
}

// Builder produces feature vectors whose width matches the deployed scorer.
type Builder struct {
	enc Encoder
	dim int
}

// NewBuilder checks that the encoder and scorer agree on the schema.
func NewBuilder(enc Encoder, scorerDim int) (*Builder, error) {
	if got := numericColumns + enc.Width(); got != scorerDim {
		return nil, fmt.Errorf("%w: feature width %d does not match scorer dimension %d",
			domain.ErrConfiguration, got, scorerDim)
	}
	return &Builder{enc: enc, dim: scorerDim}, nil
}

// Dimension returns the vector length every Build produces.
func (b *Builder) Dimension() int {
	return b.dim
}

// Build computes [amount/median, hour, onehot(type), onehot(country)].
// Without history in the window the median falls back to 1.0 and a warning
// is returned.
func (b *Builder) Build(ctx context.Context, src MedianSource, in Input) ([]float64, []domain.Warning, error) {
	var warnings []domain.Warning

	median, ok, err := src.MedianAmountSince(ctx, in.UserID, in.Now.UTC().Add(-MedianWindow))
	if err != nil {
		return nil, nil, fmt.Errorf("trailing median: %w", err)
	}
	if !ok || median <= 0 {
		median = 1.0
		warnings = append(warnings, domain.Warning{
			Rule:    "features",
			Message: "no 30-day amount median; normalizing against 1.0",
		})
	}

	cats, err := b.enc.Encode([]string{string(in.Type), in.Country})
	if err != nil {
		return nil, nil, err
	}

	vec := make([]float64, 0, b.dim)
	vec = append(vec, in.Amount/median, float64(in.Hour))
	vec = append(vec, cats...)

	if len(vec) != b.dim {
		return nil, nil, fmt.Errorf("%w: built %d features, scorer expects %d",
			domain.ErrConfiguration, len(vec), b.dim)
	}
	return vec, warnings, nil
}
