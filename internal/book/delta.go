package book

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/orbitfi/ledgerbook/internal/ledger"
	"github.com/orbitfi/ledgerbook/internal/metrics"
)

// applyTxLocked is the delta applicator: it consumes one transaction's
// change records in ledger order, mutating the collection and the funds
// ledger, then appends the passthrough, model and trade events. A fatal
// precondition failure abandons the whole unit of work; no events are
// emitted for it.
func (b *Book) applyTxLocked(tx *ledger.TxNotification) ([]Event, error) {
	var events []Event
	cancel := tx.TransactionType == ledger.TxOfferCancel
	tradedGets := decimal.Zero
	tradedPays := decimal.Zero

	for _, rec := range tx.Records {
		switch r := rec.(type) {
		case ledger.OfferCreated:
			evs, err := b.applyCreatedLocked(tx, r)
			if err != nil {
				return nil, err
			}
			events = append(events, evs...)

		case ledger.OfferModified:
			// Only records resolving to a live offer of this book count
			// toward the traded totals; the stream is shared across books
			// and repeats already-applied deletions.
			if b.col.find(r.LedgerIndex) != nil {
				g, p := tradedDelta(r.Previous, r.Final)
				tradedGets = tradedGets.Add(g)
				tradedPays = tradedPays.Add(p)
			}
			evs, err := b.applyModifiedLocked(r)
			if err != nil {
				return nil, err
			}
			events = append(events, evs...)

		case ledger.OfferDeleted:
			if b.col.find(r.LedgerIndex) != nil {
				g, p := deletedDelta(r)
				tradedGets = tradedGets.Add(g)
				tradedPays = tradedPays.Add(p)
			}
			evs, err := b.applyDeletedLocked(r, cancel)
			if err != nil {
				return nil, err
			}
			events = append(events, evs...)

		case ledger.BalanceChanged:
			events = append(events, b.applyBalanceLocked(r)...)
		}
	}

	events = append(events, Event{Type: EventTransaction, Book: b.id, Tx: tx})
	events = append(events, b.remergeLocked()...)

	if !cancel && (tradedGets.Sign() > 0 || tradedPays.Sign() > 0) {
		metrics.Trades.WithLabelValues(b.label).Inc()
		events = append(events, Event{
			Type: EventTrade,
			Book: b.id,
			Trade: &TradeSummary{
				Gets: b.id.Gets().WithValue(tradedGets),
				Pays: b.id.Pays().WithValue(tradedPays),
			},
		})
	}
	return events, nil
}

// tradedDelta returns the requested-gets/pays decrease a modified record
// represents, zero when the record grew or carries no amount diff.
func tradedDelta(prev, final ledger.OfferPatch) (decimal.Decimal, decimal.Decimal) {
	gets, pays := decimal.Zero, decimal.Zero
	if prev.TakerGets != nil && final.TakerGets != nil {
		if d := prev.TakerGets.Value.Sub(final.TakerGets.Value); d.Sign() > 0 {
			gets = d
		}
	}
	if prev.TakerPays != nil && final.TakerPays != nil {
		if d := prev.TakerPays.Value.Sub(final.TakerPays.Value); d.Sign() > 0 {
			pays = d
		}
	}
	return gets, pays
}

// deletedDelta treats a deleted offer as fully consumed from its
// pre-transaction amounts.
func deletedDelta(r ledger.OfferDeleted) (decimal.Decimal, decimal.Decimal) {
	gets := r.Final.TakerGets.Value
	if r.Previous.TakerGets != nil {
		gets = r.Previous.TakerGets.Value
	}
	pays := r.Final.TakerPays.Value
	if r.Previous.TakerPays != nil {
		pays = r.Previous.TakerPays.Value
	}
	return gets, pays
}

// matchesFields reports whether an offer node belongs to this book.
func (b *Book) matchesFields(f ledger.OfferFields) bool {
	return f.TakerGets.SameAsset(b.id.Gets()) && f.TakerPays.SameAsset(b.id.Pays())
}

// applyCreatedLocked inserts a brand-new offer. When the transaction's
// out-of-band funds hint belongs to the offer's owner it seeds the funds
// cache; an owner issuing the gets currency is unconditionally fully
// funded (issuers cannot be under-funded in their own currency).
func (b *Book) applyCreatedLocked(tx *ledger.TxNotification, r ledger.OfferCreated) ([]Event, error) {
	if !b.matchesFields(r.Fields) {
		return nil, nil
	}
	acct := r.Fields.Account
	if acct == b.id.GetsIssuer && !b.id.NativeGets() {
		b.funds.markUnlimited(acct)
	} else if acct == tx.Account && tx.OwnerFunds != nil {
		b.funds.setFunds(acct, *tx.OwnerFunds, b.rateLocked())
	}

	o, err := newOffer(r.LedgerIndex, r.Fields)
	if err != nil {
		return nil, fmt.Errorf("created node: %w", err)
	}
	b.col.insert(o)

	e := b.funds.ensure(acct)
	e.count++
	e.committed = e.committed.Add(o.TakerGets.Value)
	changes := recomputeFunding(b.col, e)

	metrics.OffersAdded.WithLabelValues(b.label).Inc()
	added := o.copyOf()
	events := []Event{{Type: EventOfferAdded, Book: b.id, Offer: &added}}

	// The new offer's funded amounts travel on the added event; siblings it
	// displaced report as ordinary funding changes.
	var displaced []offerChange
	for _, ch := range changes {
		if ch.after.LedgerIndex == o.LedgerIndex {
			continue
		}
		displaced = append(displaced, ch)
		before, after := ch.before, ch.after
		events = append(events,
			Event{Type: EventOfferChanged, Book: b.id, Before: &before, After: &after})
	}
	events = append(events, fundsChangedEvents(b.id, displaced)...)
	return events, nil
}

// applyModifiedLocked merges a modified record's final image into the
// existing offer. Quality is not recomputed: only newly created offers get
// a fresh quality. An unknown ledger index is skipped.
func (b *Book) applyModifiedLocked(r ledger.OfferModified) ([]Event, error) {
	o := b.col.find(r.LedgerIndex)
	if o == nil {
		return nil, nil
	}
	before := o.copyOf()
	oldGets := o.TakerGets.Value
	o.applyFinal(r.Final)

	e := b.funds.ensure(o.Account)
	e.committed = e.committed.Sub(oldGets).Add(o.TakerGets.Value)
	if e.committed.IsNegative() {
		return nil, fmt.Errorf("%w: account %s after modify of %s",
			ErrCommittedNegative, o.Account, r.LedgerIndex)
	}
	changes := recomputeFunding(b.col, e)

	after := o.copyOf()
	events := []Event{{Type: EventOfferChanged, Book: b.id, Before: &before, After: &after}}
	events = append(events, fundsChangedEvents(b.id, changes)...)
	return events, nil
}

// applyDeletedLocked removes an offer. Applying the same deletion twice is
// a no-op the second time. Only an explicit cancellation re-runs the
// funding recompute for the owner's remaining offers: a cancellation frees
// committed funds immediately, while an execution's balance movement
// arrives as its own balance-change record in the same transaction.
func (b *Book) applyDeletedLocked(r ledger.OfferDeleted, cancel bool) ([]Event, error) {
	o := b.col.remove(r.LedgerIndex)
	if o == nil {
		return nil, nil
	}

	e := b.funds.ensure(o.Account)
	e.committed = e.committed.Sub(o.TakerGets.Value)
	if e.committed.IsNegative() {
		return nil, fmt.Errorf("%w: account %s after delete of %s",
			ErrCommittedNegative, o.Account, r.LedgerIndex)
	}
	e.count--

	metrics.OffersRemoved.WithLabelValues(b.label).Inc()
	removed := o.copyOf()
	events := []Event{{Type: EventOfferRemoved, Book: b.id, Offer: &removed}}

	if cancel {
		changes := recomputeFunding(b.col, e)
		for _, ch := range changes {
			before, after := ch.before, ch.after
			events = append(events,
				Event{Type: EventOfferChanged, Book: b.id, Before: &before, After: &after})
		}
		events = append(events, fundsChangedEvents(b.id, changes)...)
	}
	if e.count <= 0 {
		b.funds.release(o.Account)
	}
	return events, nil
}

// applyBalanceLocked handles one balance-change record for the book's gets
// currency. Accounts without an existing funds observation are ignored: no
// speculative caching. A change arriving before the transfer rate is known
// is deferred and re-applied when the rate is fetched, rather than applied
// with a wrong adjustment.
func (b *Book) applyBalanceLocked(bc ledger.BalanceChanged) []Event {
	owner, bal, ok := bc.OwnerBalance(b.id.Gets())
	if !ok {
		return nil
	}
	e := b.funds.get(owner)
	if e == nil || !e.hasFunds || e.unlimited {
		return nil
	}
	if !b.id.NativeGets() && !b.rateKnown {
		b.pendingBalances = append(b.pendingBalances, bc)
		metrics.DeferredBalanceUpdates.WithLabelValues(b.label).Inc()
		return nil
	}

	e = b.funds.setFunds(owner, bal, b.rateLocked())
	changes := recomputeFunding(b.col, e)

	var events []Event
	for _, ch := range changes {
		before, after := ch.before, ch.after
		events = append(events,
			Event{Type: EventOfferChanged, Book: b.id, Before: &before, After: &after})
	}
	events = append(events, fundsChangedEvents(b.id, changes)...)
	return events
}

func fundsChangedEvents(id ledger.BookID, changes []offerChange) []Event {
	var events []Event
	for _, ch := range changes {
		before, after := ch.before, ch.after
		events = append(events,
			Event{Type: EventOfferFundsChanged, Book: id, Before: &before, After: &after})
	}
	return events
}
