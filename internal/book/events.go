package book

import (
	"sync"

	"github.com/google/uuid"

	"github.com/orbitfi/ledgerbook/internal/ledger"
)

// EventType discriminates the notification surface's events.
type EventType string

const (
	// EventModel carries the full merged view after every applied update.
	EventModel EventType = "model"
	// EventTransaction passes the raw transaction notification through.
	EventTransaction EventType = "transaction"
	// EventTrade carries aggregate gets/pays totals traded in one
	// transaction.
	EventTrade EventType = "trade"
	// EventOfferAdded / EventOfferRemoved report single-offer mutations.
	EventOfferAdded   EventType = "offer_added"
	EventOfferRemoved EventType = "offer_removed"
	// EventOfferChanged and EventOfferFundsChanged report before/after
	// pairs when a funding recompute moved an offer's executable amount.
	EventOfferChanged      EventType = "offer_changed"
	EventOfferFundsChanged EventType = "offer_funds_changed"
)

// TradeSummary aggregates the amounts traded across one transaction's
// offer changes, cancellations excluded.
type TradeSummary struct {
	Gets ledger.Amount
	Pays ledger.Amount
}

// Event is one discrete book notification. Only the fields relevant to
// Type are populated.
type Event struct {
	Type EventType
	Book ledger.BookID

	// Offers is the merged view (EventModel).
	Offers []Offer
	// Tx is the passthrough notification (EventTransaction).
	Tx *ledger.TxNotification
	// Trade is the aggregate (EventTrade).
	Trade *TradeSummary
	// Offer is the affected offer (EventOfferAdded / EventOfferRemoved).
	Offer *Offer
	// Before/After are snapshots around a funding change
	// (EventOfferChanged / EventOfferFundsChanged).
	Before *Offer
	After  *Offer
}

// Listener consumes book events. Listeners run synchronously on the
// book's apply path and must not block.
type Listener func(Event)

// emitter is the observer-count resource guard behind the notification
// surface: the first listener acquires the upstream subscription, the
// last one releases it.
type emitter struct {
	mu        sync.Mutex
	listeners map[uuid.UUID]Listener
	onFirst   func()
	onLast    func()
}

func newEmitter(onFirst, onLast func()) *emitter {
	return &emitter{
		listeners: make(map[uuid.UUID]Listener),
		onFirst:   onFirst,
		onLast:    onLast,
	}
}

func (e *emitter) add(l Listener) uuid.UUID {
	e.mu.Lock()
	id := uuid.New()
	e.listeners[id] = l
	first := len(e.listeners) == 1
	e.mu.Unlock()

	if first && e.onFirst != nil {
		e.onFirst()
	}
	return id
}

func (e *emitter) remove(id uuid.UUID) {
	e.mu.Lock()
	_, ok := e.listeners[id]
	delete(e.listeners, id)
	last := ok && len(e.listeners) == 0
	e.mu.Unlock()

	if last && e.onLast != nil {
		e.onLast()
	}
}

func (e *emitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	ls := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		ls = append(ls, l)
	}
	e.mu.Unlock()

	for _, l := range ls {
		l(ev)
	}
}
