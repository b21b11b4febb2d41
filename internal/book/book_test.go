package book

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitfi/ledgerbook/internal/ledger"
)

func TestNewRejectsInvalidBook(t *testing.T) {
	_, err := New(newFakeRemote(), ledger.BookID{GetsCurrency: "USD", PaysCurrency: "USD"}, zap.NewNop())
	assert.ErrorIs(t, err, ledger.ErrInvalidBook)
}

func TestSubscribePipelineOrder(t *testing.T) {
	r := newFakeRemote()
	b := newTestBook(t, r, usdXRPBook())
	rec := syncBook(t, b)

	require.Eventually(t, func() bool { return b.State() == StateSubscribed },
		2*time.Second, 2*time.Millisecond)

	key := b.BookID().String()
	assert.Equal(t, []string{
		"rate " + usdIssuer,
		"snapshot " + key,
		"subscribe " + key,
	}, r.callLog())

	// An empty snapshot still produces the load-complete merged view.
	models := rec.ofType(EventModel)
	require.Len(t, models, 1)
	assert.Empty(t, models[0].Offers)
}

func TestNativeGetsSkipsRateFetch(t *testing.T) {
	r := newFakeRemote()
	b := newTestBook(t, r, ledger.BookID{
		GetsCurrency: ledger.NativeCurrency,
		PaysCurrency: "USD", PaysIssuer: usdIssuer,
	})
	syncBook(t, b)

	assert.Zero(t, r.rateCallCount())
}

func TestPipelineFailureLeavesBookIdle(t *testing.T) {
	r := newFakeRemote()
	r.snapErr = errors.New("boom")
	b := newTestBook(t, r, usdXRPBook())

	rec := &recorder{}
	b.Subscribe(rec.listen)

	require.Eventually(t, func() bool { return b.State() == StateUnsubscribed },
		2*time.Second, 2*time.Millisecond)
	assert.False(t, b.Synced())
	assert.Empty(t, rec.ofType(EventModel))
}

func TestUnsubscribeKeepsCollectionAndRate(t *testing.T) {
	r := newFakeRemote()
	r.rates[usdIssuer] = 1_002_000_000
	b := newTestBook(t, r, usdXRPBook())
	r.snapshots[b.BookID().String()] = []ledger.OfferNode{
		node("A1", acctAlice, usd("100"), xrp("200"), "150"),
	}

	rec := &recorder{}
	id := b.Subscribe(rec.listen)
	waitLoaded(t, b)

	b.Unsubscribe(id)
	assert.Equal(t, StateUnsubscribed, b.State())
	assert.False(t, b.Synced())

	b.mu.Lock()
	assert.Equal(t, 1, b.col.len(), "collection contents survive unsubscribe")
	assert.Empty(t, b.funds.owners, "funding caches are cleared")
	assert.True(t, b.rateKnown, "transfer rate survives unsubscribe")
	b.mu.Unlock()

	// Resubscribing refetches the snapshot but not the cached rate.
	b.Subscribe(rec.listen)
	waitLoaded(t, b)
	assert.Equal(t, 1, r.rateCallCount())
	assert.Equal(t, 2, r.snapshotCalls(b.BookID()))
}

func TestGetOffersWaitsForFirstView(t *testing.T) {
	r := newFakeRemote()
	b := newTestBook(t, r, usdXRPBook())
	r.snapshots[b.BookID().String()] = []ledger.OfferNode{
		node("A1", acctAlice, usd("100"), xrp("200"), "150"),
	}

	type result struct {
		offers []Offer
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		offers, err := b.GetOffers(context.Background())
		resCh <- result{offers, err}
	}()

	// Park the waiter before anything is loaded.
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.waiters) == 1
	}, 2*time.Second, 2*time.Millisecond)

	b.Subscribe(func(Event) {})

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		require.Len(t, res.offers, 1)
		assert.Equal(t, "A1", res.offers[0].LedgerIndex)
	case <-time.After(2 * time.Second):
		t.Fatal("GetOffers never returned")
	}
}

func TestGetOffersHonorsContext(t *testing.T) {
	b := newTestBook(t, newFakeRemote(), usdXRPBook())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.GetOffers(ctx)
	assert.ErrorIs(t, err, ErrNotSynced)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnsubscribeReleasesParkedWaiters(t *testing.T) {
	r := newFakeRemote()
	r.snapErr = errors.New("boom")
	b := newTestBook(t, r, usdXRPBook())
	id := b.Subscribe(func(Event) {})

	errCh := make(chan error, 1)
	go func() {
		_, err := b.GetOffers(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.waiters) == 1
	}, 2*time.Second, 2*time.Millisecond)

	b.Unsubscribe(id)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrNotSynced)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never released")
	}
}

func TestDisconnectResetsAndRearms(t *testing.T) {
	r := newFakeRemote()
	b := newTestBook(t, r, usdXRPBook())
	r.snapshots[b.BookID().String()] = []ledger.OfferNode{
		node("A1", acctAlice, usd("100"), xrp("200"), "150"),
	}
	syncBook(t, b)

	r.fireDisconnect()
	assert.Equal(t, StateUnsubscribed, b.State())
	assert.False(t, b.Synced())
	b.mu.Lock()
	assert.Zero(t, b.col.len(), "disconnect drops collection contents")
	assert.False(t, b.rateKnown, "disconnect invalidates the transfer rate")
	b.mu.Unlock()

	r.fireReady()
	waitLoaded(t, b)
	assert.Equal(t, 2, r.rateCallCount())
	assert.Equal(t, 2, r.snapshotCalls(b.BookID()))
	require.Len(t, currentOffers(t, b), 1)
}

func TestReadyWithoutListenersDoesNotResubscribe(t *testing.T) {
	r := newFakeRemote()
	b := newTestBook(t, r, usdXRPBook())

	rec := &recorder{}
	id := b.Subscribe(rec.listen)
	waitLoaded(t, b)
	b.Unsubscribe(id)

	r.fireDisconnect()
	r.fireReady()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateUnsubscribed, b.State())
	assert.Equal(t, 1, r.snapshotCalls(b.BookID()))
}

func TestReadyRearmIsOneShot(t *testing.T) {
	r := newFakeRemote()
	b := newTestBook(t, r, usdXRPBook())
	syncBook(t, b)

	r.fireDisconnect()
	r.fireReady()
	waitLoaded(t, b)
	snapshots := r.snapshotCalls(b.BookID())

	// A second readiness signal without a disconnect must not restart the
	// pipeline.
	r.fireReady()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, snapshots, r.snapshotCalls(b.BookID()))
}

func TestBalanceChangeDeferredUntilRateKnown(t *testing.T) {
	r := newFakeRemote()
	b := newTestBook(t, r, usdXRPBook())
	r.snapshots[b.BookID().String()] = []ledger.OfferNode{
		node("A1", acctAlice, usd("100"), xrp("200"), "150"),
	}
	rec := syncBook(t, b)

	// Simulate a balance record racing the transfer-rate response.
	b.mu.Lock()
	b.rateKnown = false
	epoch := b.epoch
	b.mu.Unlock()
	rec.reset()

	r.deliver(t, b.BookID(), makeTx(ledger.TxPayment, acctAlice, ledger.BalanceChanged{
		EntryType: ledger.EntryRippleState,
		HighParty: usdIssuer,
		LowParty:  acctAlice,
		Currency:  "USD",
		Final:     decimal.RequireFromString("30"),
	}))

	// Deferred: no funding movement yet.
	assert.Empty(t, rec.ofType(EventOfferChanged))
	b.mu.Lock()
	assert.Len(t, b.pendingBalances, 1)
	b.mu.Unlock()

	b.setTransferRate(epoch, ledger.DefaultTransferRate)

	require.Len(t, rec.ofType(EventOfferChanged), 1)
	offers := b.OffersSync()
	require.Len(t, offers, 1)
	assert.Equal(t, "30", offers[0].FundedGets.Value.String())
	b.mu.Lock()
	assert.Empty(t, b.pendingBalances)
	b.mu.Unlock()
}

func TestBridgedBookMergesDirectAndSynthetic(t *testing.T) {
	r := newFakeRemote()
	b := newTestBook(t, r, usdEURBook())

	direct := b.BookID()
	legA := ledger.BookID{GetsCurrency: ledger.NativeCurrency, PaysCurrency: "EUR", PaysIssuer: eurIssuer}
	legB := ledger.BookID{GetsCurrency: "USD", GetsIssuer: usdIssuer, PaysCurrency: ledger.NativeCurrency}

	r.snapshots[direct.String()] = []ledger.OfferNode{
		node("D1", acctAlice, usd("10"), eur("30"), "1000"),
	}
	r.snapshots[legA.String()] = []ledger.OfferNode{
		node("LA1", acctBob, xrp("100"), eur("200"), "1000"),
	}
	r.snapshots[legB.String()] = []ledger.OfferNode{
		node("LB1", acctAlice, usd("50"), xrp("100"), "1000"),
	}

	syncBook(t, b)

	offers := currentOffers(t, b)
	require.Len(t, offers, 2)

	assert.Equal(t, "D1", offers[0].LedgerIndex)
	assert.Equal(t, "3", offers[0].Quality.Ratio().String())
	assert.False(t, offers[0].Synthetic)

	syn := offers[1]
	assert.True(t, syn.Synthetic)
	assert.Equal(t, "50", syn.TakerGets.Value.String())
	assert.Equal(t, "200", syn.TakerPays.Value.String())
	assert.Equal(t, "4", syn.Quality.Ratio().String())
}

func TestBridgedEmptyViewEmittedOnce(t *testing.T) {
	r := newFakeRemote()
	b := newTestBook(t, r, usdEURBook())
	rec := syncBook(t, b)

	require.Eventually(t, func() bool { return len(rec.ofType(EventModel)) == 1 },
		2*time.Second, 2*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	models := rec.ofType(EventModel)
	require.Len(t, models, 1, "load-complete is signalled exactly once")
	assert.Empty(t, models[0].Offers)
}

func TestBridgedUnsubscribeDetachesLegs(t *testing.T) {
	r := newFakeRemote()
	b := newTestBook(t, r, usdEURBook())

	rec := &recorder{}
	id := b.Subscribe(rec.listen)
	waitLoaded(t, b)
	assert.Equal(t, 3, r.streamCount())

	b.Unsubscribe(id)
	assert.Zero(t, r.streamCount())
	assert.Equal(t, StateUnsubscribed, b.State())
}
