package book

import (
	"github.com/shopspring/decimal"
)

// offerChange pairs before/after copies of an offer whose funded amount
// moved during a recompute.
type offerChange struct {
	before Offer
	after  Offer
}

// recomputeFunding re-derives funded amounts for every offer owned by the
// funds entry's account, walking them best quality first. Funds are
// allocated to the best offer first: each offer reserves its full
// requested-gets from the owner's adjusted balance whether or not it can
// be covered, matching ledger settlement order. Exactly one offer can end
// up boundary-funded; everything past it is zero-funded.
//
// Owners whose funds have never been observed (and who are not the
// issuer-is-self unlimited case) are not evaluated; their offers keep
// their current funded amounts until funds become known.
//
// Returns before/after pairs for offers whose funded-gets value changed.
func recomputeFunding(col *collection, funds *ownerFunds) []offerChange {
	if funds == nil || (!funds.hasFunds && !funds.unlimited) {
		return nil
	}

	funds.committed = decimal.Zero
	var changes []offerChange

	col.ownerOffers(funds.account, func(o *Offer) bool {
		before := o.copyOf()

		prior := funds.committed
		after := prior.Add(o.TakerGets.Value)

		switch {
		case funds.unlimited || funds.adjusted.Cmp(after) >= 0:
			o.FundedGets = o.TakerGets
			o.FundedPays = o.TakerPays
			o.FullyFunded = true
		case funds.adjusted.Cmp(prior) > 0:
			// Boundary offer: the owner's remaining funds cover it only
			// partially. Funded pays follows the offer's own quality,
			// truncated to whole drops when pays is native.
			fundedGets := funds.adjusted.Sub(prior)
			o.FundedGets = o.TakerGets.WithValue(fundedGets)
			o.FundedPays = o.TakerPays.WithValue(fundedGets.Mul(o.Quality.Ratio()))
			o.FullyFunded = false
		default:
			o.FundedGets = o.TakerGets.WithValue(decimal.Zero)
			o.FundedPays = o.TakerPays.WithValue(decimal.Zero)
			o.FullyFunded = false
		}

		o.OwnerFunds = funds.raw
		funds.committed = after

		if !before.FundedGets.Value.Equal(o.FundedGets.Value) {
			changes = append(changes, offerChange{before: before, after: o.copyOf()})
		}
		return true
	})

	return changes
}
