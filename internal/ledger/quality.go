package ledger

import (
	"errors"

	"github.com/shopspring/decimal"
)

// qualityScale bounds division precision. The upstream ledger carries at
// most 16 significant digits for issued amounts; 32 leaves headroom for
// composed (two-leg) qualities.
const qualityScale = 32

// ErrZeroGets is returned when an order quality would divide by zero.
var ErrZeroGets = errors.New("ledger: taker gets amount is zero")

// Quality is the pays/gets price ratio of an order. A lower quality is a
// better rate for the side consuming the book. Quality is computed once at
// order creation and never refreshed on modification.
type Quality struct {
	ratio decimal.Decimal
}

// QualityFromAmounts derives the quality of an order from its requested
// pays and gets amounts.
func QualityFromAmounts(pays, gets Amount) (Quality, error) {
	if gets.Value.IsZero() {
		return Quality{}, ErrZeroGets
	}
	return Quality{ratio: pays.Value.DivRound(gets.Value, qualityScale)}, nil
}

// QualityFromRatio wraps a raw ratio, used by the autobridge composer when
// multiplying two leg qualities.
func QualityFromRatio(r decimal.Decimal) Quality {
	return Quality{ratio: r}
}

// Ratio returns the raw pays/gets ratio.
func (q Quality) Ratio() decimal.Decimal { return q.ratio }

// Cmp totally orders qualities: -1 if q is better (lower) than other.
func (q Quality) Cmp(other Quality) int {
	return q.ratio.Cmp(other.ratio)
}

// Mul composes two qualities, as when bridging two books through the
// native asset.
func (q Quality) Mul(other Quality) Quality {
	return Quality{ratio: q.ratio.Mul(other.ratio)}
}

// PaysFor returns the pays amount this quality yields for a given gets
// amount.
func (q Quality) PaysFor(gets decimal.Decimal) decimal.Decimal {
	return gets.Mul(q.ratio)
}

// GetsFor returns the gets amount that produces a given pays amount at
// this quality.
func (q Quality) GetsFor(pays decimal.Decimal) decimal.Decimal {
	return pays.DivRound(q.ratio, qualityScale)
}

func (q Quality) String() string { return q.ratio.String() }
