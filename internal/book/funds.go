package book

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/orbitfi/ledgerbook/internal/ledger"
)

// ErrCommittedNegative is the fatal invariant violation raised when a
// deletion would drive an owner's committed total below zero. It indicates
// upstream data corruption or a core bug; the offending unit of work is
// abandoned.
var ErrCommittedNegative = errors.New("book: owner committed total went negative")

// ownerFunds is one account's cached funding state for the book's gets
// currency. An entry exists while the owner has open offers or observed
// funds; it is dropped when the open-offer count returns to zero.
type ownerFunds struct {
	account string

	// raw and adjusted are the owner's spendable balance before and after
	// transfer-rate adjustment. Meaningless until hasFunds is set.
	raw      decimal.Decimal
	adjusted decimal.Decimal
	hasFunds bool

	// unlimited marks the issuer-is-self case: an issuer can never be
	// under-funded in its own currency.
	unlimited bool

	// count is the number of this owner's open offers in the collection.
	count int

	// committed is the sum of requested-gets across the owner's open
	// offers. Never negative.
	committed decimal.Decimal
}

// fundsLedger is the per-account funding cache for one book.
type fundsLedger struct {
	owners map[string]*ownerFunds
}

func newFundsLedger() *fundsLedger {
	return &fundsLedger{owners: make(map[string]*ownerFunds)}
}

// get returns the entry for account, or nil when the account has never
// been observed.
func (l *fundsLedger) get(account string) *ownerFunds {
	return l.owners[account]
}

// ensure creates the entry lazily.
func (l *fundsLedger) ensure(account string) *ownerFunds {
	e, ok := l.owners[account]
	if !ok {
		e = &ownerFunds{account: account}
		l.owners[account] = e
	}
	return e
}

// setFunds records a newly observed raw balance, adjusting it by the
// issuer transfer rate. Native balances always use the default rate.
func (l *fundsLedger) setFunds(account string, raw decimal.Decimal, rate uint32) *ownerFunds {
	e := l.ensure(account)
	e.raw = raw
	e.adjusted = ledger.AdjustBalance(raw, rate)
	e.hasFunds = true
	return e
}

// markUnlimited flags the account as the gets-currency issuer.
func (l *fundsLedger) markUnlimited(account string) *ownerFunds {
	e := l.ensure(account)
	e.unlimited = true
	return e
}

// release drops the entry once its open-offer count reaches zero.
func (l *fundsLedger) release(account string) {
	if e, ok := l.owners[account]; ok && e.count <= 0 {
		delete(l.owners, account)
	}
}

func (l *fundsLedger) reset() {
	l.owners = make(map[string]*ownerFunds)
}
