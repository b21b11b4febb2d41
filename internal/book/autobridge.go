package book

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/orbitfi/ledgerbook/internal/ledger"
)

// composeBridged synthesizes two-hop offers for a book whose sides are
// both issued currencies, by pairing leg B offers (sell gets-currency for
// native) with leg A offers (sell native for pays-currency). Both inputs
// are in quality order.
//
// A pairing is only considered while native liquidity bridges the two
// legs: each synthetic offer's size is bounded by the lesser of the two
// legs' currently funded native quantities at that point, and its quality
// is the product of the leg qualities. Synthetic offers carry no ledger
// index and are rebuilt from scratch on every call, never mutated.
func composeBridged(getsTmpl, paysTmpl ledger.Amount, legB, legA []Offer) []Offer {
	var out []Offer

	i, j := 0, 0
	remB := decimal.Zero // native remaining on the current leg B offer
	remA := decimal.Zero // native remaining on the current leg A offer
	haveB, haveA := false, false

	for i < len(legB) && j < len(legA) {
		if !haveB {
			remB = legB[i].FundedPays.Value
			haveB = true
		}
		if remB.Sign() <= 0 {
			i++
			haveB = false
			continue
		}
		if !haveA {
			remA = legA[j].FundedGets.Value
			haveA = true
		}
		if remA.Sign() <= 0 {
			j++
			haveA = false
			continue
		}

		bridge := decimal.Min(remB, remA)
		qB, qA := legB[i].Quality, legA[j].Quality

		gets := getsTmpl.WithValue(qB.GetsFor(bridge))
		pays := paysTmpl.WithValue(qA.PaysFor(bridge))
		out = append(out, Offer{
			TakerGets:   gets,
			TakerPays:   pays,
			Quality:     qB.Mul(qA),
			FundedGets:  gets,
			FundedPays:  pays,
			FullyFunded: true,
			Synthetic:   true,
		})

		remB = remB.Sub(bridge)
		remA = remA.Sub(bridge)
		if remB.Sign() <= 0 {
			i++
			haveB = false
		}
		if remA.Sign() <= 0 {
			j++
			haveA = false
		}
	}

	return out
}

// mergeViews concatenates direct and synthetic offers and sorts them with
// the collection's quality comparator. An empty result is a valid merged
// view: emitting it signals load-complete even with zero liquidity.
func mergeViews(direct, synthetic []Offer) []Offer {
	merged := make([]Offer, 0, len(direct)+len(synthetic))
	merged = append(merged, direct...)
	merged = append(merged, synthetic...)
	sort.SliceStable(merged, func(a, b int) bool {
		return merged[a].Quality.Cmp(merged[b].Quality) < 0
	})
	return merged
}
