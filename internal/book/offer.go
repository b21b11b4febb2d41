package book

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/orbitfi/ledgerbook/internal/ledger"
)

// Offer is one live order in the book. Offers are owned exclusively by the
// collection; listeners and API callers only ever see copies. Funded
// amounts are derived state, rewritten by the funding engine whenever the
// owner's offers or balance change.
type Offer struct {
	// LedgerIndex is the entry's unique ledger reference. Empty for
	// synthetic (autobridged) offers, which never live on the ledger.
	LedgerIndex string
	Account     string

	TakerGets ledger.Amount
	TakerPays ledger.Amount

	// Quality is pays/gets, fixed at creation. Modifications never
	// refresh it.
	Quality ledger.Quality

	FundedGets  ledger.Amount
	FundedPays  ledger.Amount
	FullyFunded bool

	// OwnerFunds is the owner's unadjusted balance snapshot taken at the
	// last funding recompute.
	OwnerFunds decimal.Decimal

	// Passthrough ledger metadata kept for identity and auditing.
	Sequence      uint32
	Flags         uint32
	Expiration    uint32
	BookDirectory string
	PreviousTxnID string

	// Synthetic marks an autobridged offer composed from two legs.
	Synthetic bool

	// insertSeq is the collection tie-break key. Drawn from a decreasing
	// counter so newer offers sort before older ones of equal quality.
	insertSeq int64
}

// newOffer builds an offer from a created node or snapshot entry, deriving
// its quality. Funded amounts start at zero until the funding engine runs.
func newOffer(ledgerIndex string, f ledger.OfferFields) (*Offer, error) {
	q, err := ledger.QualityFromAmounts(f.TakerPays, f.TakerGets)
	if err != nil {
		return nil, fmt.Errorf("offer %s: %w", ledgerIndex, err)
	}
	return &Offer{
		LedgerIndex:   ledgerIndex,
		Account:       f.Account,
		TakerGets:     f.TakerGets,
		TakerPays:     f.TakerPays,
		Quality:       q,
		FundedGets:    f.TakerGets.WithValue(decimal.Zero),
		FundedPays:    f.TakerPays.WithValue(decimal.Zero),
		Sequence:      f.Sequence,
		Flags:         f.Flags,
		Expiration:    f.Expiration,
		BookDirectory: f.BookDirectory,
		PreviousTxnID: f.PreviousTxnID,
	}, nil
}

// applyFinal merges the fields present in a modified record's final image
// into the offer. Whitelist merge only: fields absent from the image are
// left untouched, and quality is never recomputed.
func (o *Offer) applyFinal(p ledger.OfferPatch) {
	if p.TakerGets != nil {
		o.TakerGets = *p.TakerGets
	}
	if p.TakerPays != nil {
		o.TakerPays = *p.TakerPays
	}
	if p.Sequence != nil {
		o.Sequence = *p.Sequence
	}
	if p.Flags != nil {
		o.Flags = *p.Flags
	}
	if p.Expiration != nil {
		o.Expiration = *p.Expiration
	}
	if p.BookDirectory != nil {
		o.BookDirectory = *p.BookDirectory
	}
	if p.PreviousTxnID != nil {
		o.PreviousTxnID = *p.PreviousTxnID
	}
}

// copyOf returns a value copy safe to hand to listeners.
func (o *Offer) copyOf() Offer {
	return *o
}
