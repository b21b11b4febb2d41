package ledger

import "github.com/shopspring/decimal"

// Transaction types the book cares about. Anything else is passed through
// untouched.
const (
	TxOfferCreate = "OfferCreate"
	TxOfferCancel = "OfferCancel"
	TxPayment     = "Payment"
)

// Ledger entry types carried by change records.
const (
	EntryOffer       = "Offer"
	EntryAccountRoot = "AccountRoot"
	EntryRippleState = "RippleState"
)

// OfferFields is the full field image of an offer ledger entry.
type OfferFields struct {
	Account       string
	TakerGets     Amount
	TakerPays     Amount
	Sequence      uint32
	Flags         uint32
	Expiration    uint32
	BookDirectory string
	PreviousTxnID string
}

// OfferPatch is a partial field image: only the fields present in a change
// record's previous/final diff are set. The delta applicator merges these
// with an explicit whitelist, never a blind overwrite.
type OfferPatch struct {
	TakerGets     *Amount
	TakerPays     *Amount
	Sequence      *uint32
	Flags         *uint32
	Expiration    *uint32
	BookDirectory *string
	PreviousTxnID *string
}

// ChangeRecord is one ledger entry's creation, modification or deletion
// within a committed transaction. The concrete kinds form a tagged variant
// dispatched by the delta applicator.
type ChangeRecord interface {
	changeRecord()
}

// OfferCreated reports a brand-new offer entry.
type OfferCreated struct {
	LedgerIndex string
	Fields      OfferFields
}

// OfferModified reports an in-place update of an existing offer entry.
// Final holds the fields present in the final image; Previous holds the
// pre-transaction values of exactly those fields that changed.
type OfferModified struct {
	LedgerIndex string
	Previous    OfferPatch
	Final       OfferPatch
}

// OfferDeleted reports removal of an offer entry. Final is the last full
// image; Previous carries pre-transaction values for fields the deleting
// transaction changed (consumed amounts).
type OfferDeleted struct {
	LedgerIndex string
	Previous    OfferPatch
	Final       OfferFields
}

// BalanceChanged reports a spendable-balance movement: an AccountRoot
// change for the native asset, or a RippleState (trust line) change for an
// issued currency. Trust-line balances are recorded from the low party's
// perspective, as on the ledger.
type BalanceChanged struct {
	EntryType string
	Account   string // AccountRoot only
	HighParty string // RippleState only
	LowParty  string // RippleState only
	Currency  string
	Previous  decimal.Decimal
	Final     decimal.Decimal
}

func (OfferCreated) changeRecord()   {}
func (OfferModified) changeRecord()  {}
func (OfferDeleted) changeRecord()   {}
func (BalanceChanged) changeRecord() {}

// OwnerBalance resolves which counterparty's balance this record describes
// for a book offering gets, and that party's new spendable balance in the
// gets currency. ok is false when the record does not reference the book's
// gets currency/issuer.
func (bc BalanceChanged) OwnerBalance(gets Amount) (string, decimal.Decimal, bool) {
	if gets.IsNative() {
		if bc.EntryType != EntryAccountRoot || bc.Account == "" {
			return "", decimal.Decimal{}, false
		}
		return bc.Account, bc.Final, true
	}
	if bc.EntryType != EntryRippleState || bc.Currency != gets.Currency {
		return "", decimal.Decimal{}, false
	}
	// Positive trust-line balance means the low party holds the issuance.
	switch gets.Issuer {
	case bc.HighParty:
		return bc.LowParty, bc.Final, true
	case bc.LowParty:
		return bc.HighParty, bc.Final.Neg(), true
	default:
		return "", decimal.Decimal{}, false
	}
}

// OfferNode is one offer entry from a point-in-time book snapshot.
// OwnerFunds carries the owner's spendable balance in the gets currency
// when the snapshot includes it (once per owner, on their best offer).
type OfferNode struct {
	LedgerIndex string
	Fields      OfferFields
	OwnerFunds  *decimal.Decimal
}

// TxNotification is one committed transaction's worth of ledger changes
// relevant to a book, delivered by the change stream. Records appear in
// ledger order and are applied as a single unit of work.
type TxNotification struct {
	Hash            string
	TransactionType string
	Account         string // transaction initiator
	LedgerSequence  uint64
	// OwnerFunds is the out-of-band spendable-balance hint the stream
	// attaches for the initiator of an offer-bearing transaction. Nil when
	// absent (the initiator issues the currency itself).
	OwnerFunds *decimal.Decimal
	Records    []ChangeRecord
}
