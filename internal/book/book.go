package book

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitfi/ledgerbook/internal/ledger"
	"github.com/orbitfi/ledgerbook/internal/metrics"
)

// State is the lifecycle state of a book's upstream subscription.
type State int32

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateSubscribed
)

// Remote is the transport collaborator the book consumes. It is injected,
// never a package singleton; the book only issues requests and awaits
// responses, it never mutates the transport. Retry policy belongs to the
// Remote implementation, not to the book.
type Remote interface {
	// FetchBookSnapshot returns the current full offer set for a book.
	FetchBookSnapshot(ctx context.Context, book ledger.BookID) ([]ledger.OfferNode, error)
	// FetchTransferRate returns an issuer's fee multiplier in the
	// ledger's 1e9 fixed-point encoding.
	FetchTransferRate(ctx context.Context, issuer string) (uint32, error)
	// SubscribeBook attaches fn to the book's change stream. Notifications
	// are delivered one at a time, in ledger order; the next is not
	// delivered until fn returns.
	SubscribeBook(ctx context.Context, book ledger.BookID, fn func(ledger.TxNotification)) error
	// UnsubscribeBook detaches from the change stream. Unconditional and
	// immediate.
	UnsubscribeBook(book ledger.BookID)
	// OnDisconnect and OnReady register connection lifecycle callbacks.
	// Multiple registrations are supported.
	OnDisconnect(fn func())
	OnReady(fn func())
}

// ErrNotSynced is returned by GetOffers when the wait for the first merged
// view is cancelled.
var ErrNotSynced = errors.New("book: not synchronized")

// Book maintains a live, locally synchronized view of one side of a
// trading pair's order book, derived from a point-in-time snapshot plus a
// stream of per-transaction ledger change notifications.
//
// All mutation entry points run to completion under b.mu before the next
// is admitted; the transport serializes delivery, the mutex only guards
// the read-side API.
type Book struct {
	id     ledger.BookID
	label  string
	remote Remote
	log    *zap.Logger

	emitter *emitter

	mu    sync.Mutex
	col   *collection
	funds *fundsLedger

	// rate is the cached issuer transfer rate for the gets currency.
	// Undefined until first fetched; invalidated only on disconnect.
	rate      uint32
	rateKnown bool

	state  State
	synced bool
	// epoch invalidates in-flight fetches: unsubscription and disconnect
	// bump it, and stale pipeline results are discarded.
	epoch uint64

	// pendingBalances queues balance changes that arrived before the
	// transfer rate was known; flushed once the rate is fetched.
	pendingBalances []ledger.BalanceChanged

	// waiters are GetOffers callers parked until the next merged view.
	waiters []chan []Offer

	merged      []Offer
	mergedValid bool

	resubArmed bool

	// Autobridge legs, present only when neither side is native.
	legA, legB     *Book // A: native -> pays, B: gets -> native
	legAID, legBID uuid.UUID
	legAView       []Offer
	legBView       []Offer
	legAReady      bool
	legBReady      bool
}

// New builds a book for the given identity. For pairs where neither side
// is the native asset, two auxiliary single-hop books sharing the same
// remote are created to feed the autobridge composer.
func New(remote Remote, id ledger.BookID, log *zap.Logger) (*Book, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	b := &Book{
		id:     id,
		label:  id.String(),
		remote: remote,
		log:    log.With(zap.String("book", id.String())),
		col:    newCollection(),
		funds:  newFundsLedger(),
	}
	b.emitter = newEmitter(b.acquire, b.release)
	remote.OnDisconnect(b.handleDisconnect)
	remote.OnReady(b.handleReady)

	if !id.NativeGets() && !id.NativePays() {
		legA, err := New(remote, ledger.BookID{
			GetsCurrency: ledger.NativeCurrency,
			PaysCurrency: id.PaysCurrency,
			PaysIssuer:   id.PaysIssuer,
		}, log)
		if err != nil {
			return nil, err
		}
		legB, err := New(remote, ledger.BookID{
			GetsCurrency: id.GetsCurrency,
			GetsIssuer:   id.GetsIssuer,
			PaysCurrency: ledger.NativeCurrency,
		}, log)
		if err != nil {
			return nil, err
		}
		b.legA, b.legB = legA, legB
	}
	return b, nil
}

// BookID returns the canonical currency/issuer descriptor.
func (b *Book) BookID() ledger.BookID { return b.id }

// IsValid reports structural validity of the configured currency/issuer
// tuple. It never consults ledger state.
func (b *Book) IsValid() bool { return b.id.Validate() == nil }

// State returns the current lifecycle state.
func (b *Book) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Synced reports whether the collection reflects a loaded snapshot.
func (b *Book) Synced() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.synced
}

// Subscribe registers a listener. The first listener drives the
// Unsubscribed -> Subscribing transition.
func (b *Book) Subscribe(l Listener) uuid.UUID {
	id := b.emitter.add(l)
	metrics.Listeners.WithLabelValues(b.label).Set(float64(b.emitter.count()))
	return id
}

// Unsubscribe removes a listener. When the last one detaches the book
// clears its funding caches and leaves the change stream; the collection
// contents and the cached transfer rate survive.
func (b *Book) Unsubscribe(id uuid.UUID) {
	b.emitter.remove(id)
	metrics.Listeners.WithLabelValues(b.label).Set(float64(b.emitter.count()))
}

// GetOffers delivers the current merged view: synchronously when already
// synchronized, otherwise on the next availability.
func (b *Book) GetOffers(ctx context.Context) ([]Offer, error) {
	b.mu.Lock()
	if b.loadedLocked() && b.mergedValid {
		view := append([]Offer(nil), b.merged...)
		b.mu.Unlock()
		return view, nil
	}
	ch := make(chan []Offer, 1)
	b.waiters = append(b.waiters, ch)
	b.mu.Unlock()

	select {
	case view, ok := <-ch:
		if !ok {
			// Unsubscription closed the waiter before a view arrived.
			return nil, ErrNotSynced
		}
		return view, nil
	case <-ctx.Done():
		return nil, errors.Join(ErrNotSynced, ctx.Err())
	}
}

// OffersSync returns the last-known merged view without waiting. May be
// empty or stale.
func (b *Book) OffersSync() []Offer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Offer(nil), b.merged...)
}

// acquire runs when the listener count goes 0 -> 1.
func (b *Book) acquire() {
	b.mu.Lock()
	if b.state != StateUnsubscribed {
		b.mu.Unlock()
		return
	}
	b.state = StateSubscribing
	epoch := b.epoch
	b.mu.Unlock()

	if b.bridged() {
		b.legAID = b.legA.Subscribe(b.onLegAEvent)
		b.legBID = b.legB.Subscribe(b.onLegBEvent)
	}
	go b.subscribePipeline(epoch)
}

// release runs when the listener count returns to 0. Owner funds, counts
// and the synchronized flag are cleared; the collection contents and the
// cached transfer rate are kept. Unconditional and immediate: any
// in-flight fetch is invalidated rather than awaited.
func (b *Book) release() {
	b.mu.Lock()
	b.epoch++
	b.state = StateUnsubscribed
	b.synced = false
	b.mergedValid = false
	b.funds.reset()
	b.pendingBalances = nil
	waiters := b.waiters
	b.waiters = nil
	b.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	b.remote.UnsubscribeBook(b.id)
	if b.bridged() {
		b.legA.Unsubscribe(b.legAID)
		b.legB.Unsubscribe(b.legBID)
	}
}

func (b *Book) bridged() bool { return b.legA != nil }

// subscribePipeline runs the Subscribing sequence: transfer rate, then
// snapshot, then stream attach. The snapshot already triggers a merged
// view emission before the stream subscription completes. Failures are
// logged and leave the book in its prior state; no internal retry, the
// next attempt comes only from an explicit disconnect/ready cycle.
func (b *Book) subscribePipeline(epoch uint64) {
	ctx := context.Background()

	if !b.id.NativeGets() {
		b.mu.Lock()
		known := b.rateKnown
		b.mu.Unlock()
		if !known {
			rate, err := b.remote.FetchTransferRate(ctx, b.id.GetsIssuer)
			if err != nil {
				b.log.Error("transfer rate fetch failed", zap.Error(err))
				b.abandonPipeline(epoch)
				return
			}
			b.setTransferRate(epoch, rate)
		}
	}

	nodes, err := b.remote.FetchBookSnapshot(ctx, b.id)
	if err != nil {
		b.log.Error("snapshot fetch failed", zap.Error(err))
		b.abandonPipeline(epoch)
		return
	}
	if !b.applySnapshot(epoch, nodes) {
		return
	}

	if err := b.remote.SubscribeBook(ctx, b.id, b.handleTx); err != nil {
		b.log.Error("stream subscribe failed", zap.Error(err))
		b.abandonPipeline(epoch)
		return
	}

	b.mu.Lock()
	if b.epoch == epoch && b.state == StateSubscribing {
		b.state = StateSubscribed
	}
	b.mu.Unlock()
}

func (b *Book) abandonPipeline(epoch uint64) {
	b.mu.Lock()
	if b.epoch == epoch && b.state == StateSubscribing {
		b.state = StateUnsubscribed
	}
	b.mu.Unlock()
}

// setTransferRate caches the issuer rate and flushes the deferred
// balance-change queue that accumulated while the rate was unknown.
func (b *Book) setTransferRate(epoch uint64, rate uint32) {
	b.mu.Lock()
	if b.epoch != epoch {
		b.mu.Unlock()
		return
	}
	b.rate = rate
	b.rateKnown = true
	pending := b.pendingBalances
	b.pendingBalances = nil

	var events []Event
	for _, bc := range pending {
		events = append(events, b.applyBalanceLocked(bc)...)
	}
	b.mu.Unlock()

	b.dispatch(events)
}

// applySnapshot resets the collection and funding caches, loads the
// snapshot, recomputes funded amounts per owner, and emits the first
// merged view. Returns false when the epoch went stale mid-flight.
func (b *Book) applySnapshot(epoch uint64, nodes []ledger.OfferNode) bool {
	b.mu.Lock()
	if b.epoch != epoch {
		b.mu.Unlock()
		return false
	}

	b.col.reset()
	b.funds.reset()
	b.pendingBalances = nil

	for _, n := range nodes {
		o, err := newOffer(n.LedgerIndex, n.Fields)
		if err != nil {
			b.log.Warn("skipping malformed snapshot offer", zap.Error(err))
			continue
		}
		b.col.insert(o)
		e := b.funds.ensure(o.Account)
		e.count++
		e.committed = e.committed.Add(o.TakerGets.Value)

		if o.Account == b.id.GetsIssuer && !b.id.NativeGets() {
			b.funds.markUnlimited(o.Account)
		} else if n.OwnerFunds != nil {
			b.funds.setFunds(o.Account, *n.OwnerFunds, b.rateLocked())
		}
	}
	for _, e := range b.funds.owners {
		recomputeFunding(b.col, e)
	}

	b.synced = true
	metrics.Resyncs.WithLabelValues(b.label).Inc()
	metrics.BookDepth.WithLabelValues(b.label).Set(float64(b.col.len()))

	events := b.remergeLocked()
	b.mu.Unlock()

	b.log.Info("snapshot loaded", zap.Int("offers", len(nodes)))
	b.dispatch(events)
	return true
}

// rateLocked returns the effective transfer rate under b.mu.
func (b *Book) rateLocked() uint32 {
	if b.id.NativeGets() || !b.rateKnown {
		return ledger.DefaultTransferRate
	}
	return b.rate
}

// loadedLocked reports whether every part of the merged view is ready:
// the direct book's snapshot, plus both legs for autobridged pairs.
func (b *Book) loadedLocked() bool {
	if !b.synced {
		return false
	}
	if b.bridged() {
		return b.legAReady && b.legBReady
	}
	return true
}

// remergeLocked rebuilds the merged view and, when every part is ready,
// returns the model event to emit. An empty merged view is still emitted:
// it signals load-complete to consumers even with zero liquidity.
func (b *Book) remergeLocked() []Event {
	if !b.loadedLocked() {
		return nil
	}
	direct := b.col.snapshot()
	if b.bridged() {
		synthetic := composeBridged(b.id.Gets(), b.id.Pays(), b.legBView, b.legAView)
		b.merged = mergeViews(direct, synthetic)
	} else {
		b.merged = direct
	}
	b.mergedValid = true

	view := append([]Offer(nil), b.merged...)
	b.flushWaitersLocked(view)
	return []Event{{Type: EventModel, Book: b.id, Offers: view}}
}

func (b *Book) flushWaitersLocked(view []Offer) {
	for _, ch := range b.waiters {
		ch <- view
	}
	b.waiters = nil
}

// dispatch emits events outside the book lock, preserving order.
func (b *Book) dispatch(events []Event) {
	for _, ev := range events {
		b.emitter.emit(ev)
	}
}

// handleTx applies one transaction notification. The transport guarantees
// serial delivery in ledger order, so no further queueing is needed here.
func (b *Book) handleTx(tx ledger.TxNotification) {
	start := time.Now()

	b.mu.Lock()
	if !b.synced {
		b.mu.Unlock()
		return
	}
	events, err := b.applyTxLocked(&tx)
	metrics.BookDepth.WithLabelValues(b.label).Set(float64(b.col.len()))
	b.mu.Unlock()

	if err != nil {
		metrics.InvariantViolations.WithLabelValues(b.label).Inc()
		b.log.Error("abandoning transaction",
			zap.String("hash", tx.Hash), zap.Error(err))
		return
	}

	b.dispatch(events)
	metrics.ApplyDuration.WithLabelValues(b.label).Observe(time.Since(start).Seconds())
}

// onLegAEvent / onLegBEvent feed the autobridge composer: every model
// update of either leg rebuilds the synthetic set from the legs' current
// funded state.
func (b *Book) onLegAEvent(ev Event) {
	if ev.Type != EventModel {
		return
	}
	b.mu.Lock()
	b.legAView = ev.Offers
	b.legAReady = true
	events := b.remergeLocked()
	b.mu.Unlock()
	b.dispatch(events)
}

func (b *Book) onLegBEvent(ev Event) {
	if ev.Type != EventModel {
		return
	}
	b.mu.Lock()
	b.legBView = ev.Offers
	b.legBReady = true
	events := b.remergeLocked()
	b.mu.Unlock()
	b.dispatch(events)
}

// handleDisconnect forces Unsubscribed with a full cache reset (collection
// included, unlike a plain unsubscribe) and invalidates the transfer rate.
// If anyone is still listening, a one-shot re-entry into Subscribing is
// armed for the next readiness signal.
func (b *Book) handleDisconnect() {
	b.mu.Lock()
	b.epoch++
	b.state = StateUnsubscribed
	b.synced = false
	b.mergedValid = false
	b.col.reset()
	b.funds.reset()
	b.pendingBalances = nil
	b.rateKnown = false
	b.legAReady = false
	b.legBReady = false
	b.legAView = nil
	b.legBView = nil
	b.resubArmed = b.emitter.count() > 0
	b.mu.Unlock()

	b.log.Warn("upstream disconnected, cache reset")
}

func (b *Book) handleReady() {
	b.mu.Lock()
	fire := b.resubArmed && b.emitter.count() > 0
	b.resubArmed = false
	var epoch uint64
	if fire {
		b.state = StateSubscribing
		epoch = b.epoch
	}
	b.mu.Unlock()

	if fire {
		b.log.Info("upstream ready, resubscribing")
		go b.subscribePipeline(epoch)
	}
}
