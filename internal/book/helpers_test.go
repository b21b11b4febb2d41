package book

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitfi/ledgerbook/internal/ledger"
)

const (
	usdIssuer = "rvYAfWj5gh67oV6fW32ZzP3Aw4Eubs59B"
	eurIssuer = "rMwjYedjc7qqtKYVLiAccJSmCwih4LnE2q"

	acctAlice = "rAliceAliceAliceAliceAlice"
	acctBob   = "rBobBobBobBobBobBobBobBobB"
)

func usd(v string) ledger.Amount {
	return ledger.NewIssued("USD", usdIssuer, decimal.RequireFromString(v))
}

func eur(v string) ledger.Amount {
	return ledger.NewIssued("EUR", eurIssuer, decimal.RequireFromString(v))
}

func xrp(v string) ledger.Amount {
	return ledger.NewNative(decimal.RequireFromString(v))
}

func usdXRPBook() ledger.BookID {
	return ledger.BookID{GetsCurrency: "USD", GetsIssuer: usdIssuer, PaysCurrency: ledger.NativeCurrency}
}

func usdEURBook() ledger.BookID {
	return ledger.BookID{GetsCurrency: "USD", GetsIssuer: usdIssuer, PaysCurrency: "EUR", PaysIssuer: eurIssuer}
}

func fields(account string, gets, pays ledger.Amount) ledger.OfferFields {
	return ledger.OfferFields{Account: account, TakerGets: gets, TakerPays: pays}
}

func node(index, account string, gets, pays ledger.Amount, funds string) ledger.OfferNode {
	n := ledger.OfferNode{LedgerIndex: index, Fields: fields(account, gets, pays)}
	if funds != "" {
		f := decimal.RequireFromString(funds)
		n.OwnerFunds = &f
	}
	return n
}

// fakeRemote is an in-memory Remote: canned snapshots and rates, captured
// change-stream callbacks, and manually fired connection events.
type fakeRemote struct {
	mu        sync.Mutex
	snapshots map[string][]ledger.OfferNode
	rates     map[string]uint32
	rateErr   error
	snapErr   error
	subErr    error
	streams   map[string]func(ledger.TxNotification)
	onDisc    []func()
	onReady   []func()
	rateCalls int
	snapCalls map[string]int
	calls     []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		snapshots: make(map[string][]ledger.OfferNode),
		rates:     make(map[string]uint32),
		streams:   make(map[string]func(ledger.TxNotification)),
		snapCalls: make(map[string]int),
	}
}

func (r *fakeRemote) FetchBookSnapshot(_ context.Context, book ledger.BookID) ([]ledger.OfferNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snapErr != nil {
		return nil, r.snapErr
	}
	key := book.String()
	r.snapCalls[key]++
	r.calls = append(r.calls, "snapshot "+key)
	return r.snapshots[key], nil
}

func (r *fakeRemote) FetchTransferRate(_ context.Context, issuer string) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rateErr != nil {
		return 0, r.rateErr
	}
	r.rateCalls++
	r.calls = append(r.calls, "rate "+issuer)
	if rate, ok := r.rates[issuer]; ok {
		return rate, nil
	}
	return ledger.DefaultTransferRate, nil
}

func (r *fakeRemote) SubscribeBook(_ context.Context, book ledger.BookID, fn func(ledger.TxNotification)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subErr != nil {
		return r.subErr
	}
	r.streams[book.String()] = fn
	r.calls = append(r.calls, "subscribe "+book.String())
	return nil
}

func (r *fakeRemote) UnsubscribeBook(book ledger.BookID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, book.String())
	r.calls = append(r.calls, "unsubscribe "+book.String())
}

func (r *fakeRemote) OnDisconnect(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisc = append(r.onDisc, fn)
}

func (r *fakeRemote) OnReady(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReady = append(r.onReady, fn)
}

// deliver pushes one transaction down a subscribed book's change stream,
// synchronously, the way the transport's reader goroutine would.
func (r *fakeRemote) deliver(t *testing.T, book ledger.BookID, tx ledger.TxNotification) {
	t.Helper()
	r.mu.Lock()
	fn := r.streams[book.String()]
	r.mu.Unlock()
	require.NotNil(t, fn, "no active stream for %s", book)
	fn(tx)
}

func (r *fakeRemote) fireDisconnect() {
	r.mu.Lock()
	fns := append([]func(){}, r.onDisc...)
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (r *fakeRemote) fireReady() {
	r.mu.Lock()
	fns := append([]func(){}, r.onReady...)
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (r *fakeRemote) streamCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func (r *fakeRemote) snapshotCalls(book ledger.BookID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapCalls[book.String()]
}

func (r *fakeRemote) rateCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rateCalls
}

func (r *fakeRemote) callLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// recorder collects events from a listener for later inspection.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (rec *recorder) listen(ev Event) {
	rec.mu.Lock()
	rec.events = append(rec.events, ev)
	rec.mu.Unlock()
}

func (rec *recorder) all() []Event {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]Event(nil), rec.events...)
}

func (rec *recorder) ofType(t EventType) []Event {
	var out []Event
	for _, ev := range rec.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (rec *recorder) reset() {
	rec.mu.Lock()
	rec.events = nil
	rec.mu.Unlock()
}

func newTestBook(t *testing.T, r Remote, id ledger.BookID) *Book {
	t.Helper()
	b, err := New(r, id, zap.NewNop())
	require.NoError(t, err)
	return b
}

// syncBook subscribes a recorder and waits for the first merged view.
func syncBook(t *testing.T, b *Book) *recorder {
	t.Helper()
	rec := &recorder{}
	b.Subscribe(rec.listen)
	waitLoaded(t, b)
	return rec
}

func waitLoaded(t *testing.T, b *Book) {
	t.Helper()
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := b.GetOffers(ctx)
		return err == nil
	}, 2*time.Second, 2*time.Millisecond, "book never produced a merged view")
}
