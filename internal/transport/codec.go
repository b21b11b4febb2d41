package transport

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/orbitfi/ledgerbook/internal/ledger"
)

// ErrMalformedSnapshot marks a snapshot response whose offers payload is
// not a sequence. Surfaced to the snapshot caller; the book stays in its
// prior state and nothing is retried.
var ErrMalformedSnapshot = errors.New("transport: malformed snapshot response")

// wireOffer is the full offer image as it appears in snapshot responses
// and created/deleted node fields.
type wireOffer struct {
	Account       string        `json:"Account"`
	TakerGets     ledger.Amount `json:"TakerGets"`
	TakerPays     ledger.Amount `json:"TakerPays"`
	Sequence      uint32        `json:"Sequence"`
	Flags         uint32        `json:"Flags"`
	Expiration    uint32        `json:"Expiration"`
	BookDirectory string        `json:"BookDirectory"`
	PreviousTxnID string        `json:"PreviousTxnID"`
	// OwnerFunds appears once per owner in snapshot responses, on the
	// owner's best offer.
	OwnerFunds string `json:"owner_funds"`
	Index      string `json:"index"`
}

func (w wireOffer) fields() ledger.OfferFields {
	return ledger.OfferFields{
		Account:       w.Account,
		TakerGets:     w.TakerGets,
		TakerPays:     w.TakerPays,
		Sequence:      w.Sequence,
		Flags:         w.Flags,
		Expiration:    w.Expiration,
		BookDirectory: w.BookDirectory,
		PreviousTxnID: w.PreviousTxnID,
	}
}

// wireOfferPatch is a partial offer image: nil means the field was absent
// from the diff.
type wireOfferPatch struct {
	TakerGets     *ledger.Amount `json:"TakerGets"`
	TakerPays     *ledger.Amount `json:"TakerPays"`
	Sequence      *uint32        `json:"Sequence"`
	Flags         *uint32        `json:"Flags"`
	Expiration    *uint32        `json:"Expiration"`
	BookDirectory *string        `json:"BookDirectory"`
	PreviousTxnID *string        `json:"PreviousTxnID"`
}

func (w wireOfferPatch) patch() ledger.OfferPatch {
	return ledger.OfferPatch{
		TakerGets:     w.TakerGets,
		TakerPays:     w.TakerPays,
		Sequence:      w.Sequence,
		Flags:         w.Flags,
		Expiration:    w.Expiration,
		BookDirectory: w.BookDirectory,
		PreviousTxnID: w.PreviousTxnID,
	}
}

type wireAccountRoot struct {
	Account string `json:"Account"`
	Balance string `json:"Balance"`
}

type wireRippleState struct {
	Balance   ledger.Amount `json:"Balance"`
	HighLimit ledger.Amount `json:"HighLimit"`
	LowLimit  ledger.Amount `json:"LowLimit"`
}

// wireNode is one entry of a transaction's affected-node list. Exactly one
// of the three pointers is set.
type wireNode struct {
	CreatedNode  *wireNodeBody `json:"CreatedNode"`
	ModifiedNode *wireNodeBody `json:"ModifiedNode"`
	DeletedNode  *wireNodeBody `json:"DeletedNode"`
}

type wireNodeBody struct {
	LedgerEntryType string          `json:"LedgerEntryType"`
	LedgerIndex     string          `json:"LedgerIndex"`
	NewFields       json.RawMessage `json:"NewFields"`
	FinalFields     json.RawMessage `json:"FinalFields"`
	PreviousFields  json.RawMessage `json:"PreviousFields"`
}

// wireTx is the change-stream transaction message.
type wireTx struct {
	Type        string `json:"type"`
	Transaction struct {
		Hash            string `json:"hash"`
		TransactionType string `json:"TransactionType"`
		Account         string `json:"Account"`
		OwnerFunds      string `json:"owner_funds"`
	} `json:"transaction"`
	Meta struct {
		AffectedNodes []wireNode `json:"AffectedNodes"`
	} `json:"meta"`
	LedgerIndex  uint64 `json:"ledger_index"`
	EngineResult string `json:"engine_result"`
}

// decodeSnapshot parses a book_offers result payload into offer nodes.
func decodeSnapshot(result json.RawMessage) ([]ledger.OfferNode, error) {
	var envelope struct {
		Offers json.RawMessage `json:"offers"`
	}
	if err := json.Unmarshal(result, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	var offers []wireOffer
	if err := json.Unmarshal(envelope.Offers, &offers); err != nil {
		return nil, fmt.Errorf("%w: offers is not a sequence", ErrMalformedSnapshot)
	}

	nodes := make([]ledger.OfferNode, 0, len(offers))
	for _, w := range offers {
		node := ledger.OfferNode{LedgerIndex: w.Index, Fields: w.fields()}
		if w.OwnerFunds != "" {
			funds, err := decimal.NewFromString(w.OwnerFunds)
			if err != nil {
				return nil, fmt.Errorf("%w: owner_funds %q", ErrMalformedSnapshot, w.OwnerFunds)
			}
			node.OwnerFunds = &funds
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// decodeTx parses a change-stream transaction message into the core's
// notification form, translating affected nodes into the tagged change
// record variants.
func decodeTx(msg []byte) (ledger.TxNotification, error) {
	var w wireTx
	if err := json.Unmarshal(msg, &w); err != nil {
		return ledger.TxNotification{}, fmt.Errorf("transport: parse transaction: %w", err)
	}

	tx := ledger.TxNotification{
		Hash:            w.Transaction.Hash,
		TransactionType: w.Transaction.TransactionType,
		Account:         w.Transaction.Account,
		LedgerSequence:  w.LedgerIndex,
	}
	if w.Transaction.OwnerFunds != "" {
		funds, err := decimal.NewFromString(w.Transaction.OwnerFunds)
		if err != nil {
			return ledger.TxNotification{}, fmt.Errorf("transport: owner_funds %q: %w", w.Transaction.OwnerFunds, err)
		}
		tx.OwnerFunds = &funds
	}

	for _, n := range w.Meta.AffectedNodes {
		rec, ok, err := decodeNode(n)
		if err != nil {
			return ledger.TxNotification{}, err
		}
		if ok {
			tx.Records = append(tx.Records, rec)
		}
	}
	return tx, nil
}

func decodeNode(n wireNode) (ledger.ChangeRecord, bool, error) {
	switch {
	case n.CreatedNode != nil:
		body := n.CreatedNode
		if body.LedgerEntryType != ledger.EntryOffer {
			// Created trust lines carry no balance movement worth
			// reporting; the paired AccountRoot/RippleState modification
			// does.
			return nil, false, nil
		}
		var w wireOffer
		if err := json.Unmarshal(body.NewFields, &w); err != nil {
			return nil, false, fmt.Errorf("transport: created offer fields: %w", err)
		}
		return ledger.OfferCreated{LedgerIndex: body.LedgerIndex, Fields: w.fields()}, true, nil

	case n.ModifiedNode != nil:
		return decodeModified(n.ModifiedNode)

	case n.DeletedNode != nil:
		body := n.DeletedNode
		if body.LedgerEntryType != ledger.EntryOffer {
			return nil, false, nil
		}
		var final wireOffer
		if err := json.Unmarshal(body.FinalFields, &final); err != nil {
			return nil, false, fmt.Errorf("transport: deleted offer fields: %w", err)
		}
		var prev wireOfferPatch
		if len(body.PreviousFields) > 0 {
			if err := json.Unmarshal(body.PreviousFields, &prev); err != nil {
				return nil, false, fmt.Errorf("transport: deleted offer previous fields: %w", err)
			}
		}
		return ledger.OfferDeleted{
			LedgerIndex: body.LedgerIndex,
			Previous:    prev.patch(),
			Final:       final.fields(),
		}, true, nil
	}
	return nil, false, nil
}

func decodeModified(body *wireNodeBody) (ledger.ChangeRecord, bool, error) {
	switch body.LedgerEntryType {
	case ledger.EntryOffer:
		var final, prev wireOfferPatch
		if len(body.FinalFields) > 0 {
			if err := json.Unmarshal(body.FinalFields, &final); err != nil {
				return nil, false, fmt.Errorf("transport: modified offer fields: %w", err)
			}
		}
		if len(body.PreviousFields) > 0 {
			if err := json.Unmarshal(body.PreviousFields, &prev); err != nil {
				return nil, false, fmt.Errorf("transport: modified offer previous fields: %w", err)
			}
		}
		return ledger.OfferModified{
			LedgerIndex: body.LedgerIndex,
			Previous:    prev.patch(),
			Final:       final.patch(),
		}, true, nil

	case ledger.EntryAccountRoot:
		// Only balance movements matter; a node without a previous
		// Balance did not move funds.
		var prev struct {
			Balance *string `json:"Balance"`
		}
		if len(body.PreviousFields) > 0 {
			if err := json.Unmarshal(body.PreviousFields, &prev); err != nil {
				return nil, false, fmt.Errorf("transport: account root previous fields: %w", err)
			}
		}
		if prev.Balance == nil {
			return nil, false, nil
		}
		var final wireAccountRoot
		if err := json.Unmarshal(body.FinalFields, &final); err != nil {
			return nil, false, fmt.Errorf("transport: account root fields: %w", err)
		}
		prevBal, err := decimal.NewFromString(*prev.Balance)
		if err != nil {
			return nil, false, fmt.Errorf("transport: account root balance %q: %w", *prev.Balance, err)
		}
		finalBal, err := decimal.NewFromString(final.Balance)
		if err != nil {
			return nil, false, fmt.Errorf("transport: account root balance %q: %w", final.Balance, err)
		}
		return ledger.BalanceChanged{
			EntryType: ledger.EntryAccountRoot,
			Account:   final.Account,
			Currency:  ledger.NativeCurrency,
			Previous:  prevBal,
			Final:     finalBal,
		}, true, nil

	case ledger.EntryRippleState:
		var prev struct {
			Balance *ledger.Amount `json:"Balance"`
		}
		if len(body.PreviousFields) > 0 {
			if err := json.Unmarshal(body.PreviousFields, &prev); err != nil {
				return nil, false, fmt.Errorf("transport: trust line previous fields: %w", err)
			}
		}
		if prev.Balance == nil {
			return nil, false, nil
		}
		var final wireRippleState
		if err := json.Unmarshal(body.FinalFields, &final); err != nil {
			return nil, false, fmt.Errorf("transport: trust line fields: %w", err)
		}
		if final.HighLimit.Issuer == "" || final.LowLimit.Issuer == "" {
			return nil, false, fmt.Errorf("transport: trust line missing counterparties on %s", body.LedgerIndex)
		}
		return ledger.BalanceChanged{
			EntryType: ledger.EntryRippleState,
			HighParty: final.HighLimit.Issuer,
			LowParty:  final.LowLimit.Issuer,
			Currency:  final.Balance.Currency,
			Previous:  prev.Balance.Value,
			Final:     final.Balance.Value,
		}, true, nil
	}
	return nil, false, nil
}
