package book

import (
	"github.com/tidwall/btree"
)

// collection is the quality-sorted sequence of live offers for one book.
// Ordering invariant: non-decreasing quality, with ties broken so that a
// newly inserted offer precedes existing offers of equal quality. The
// tie-break is carried by Offer.insertSeq, assigned from a decreasing
// counter at insertion.
type collection struct {
	tree    *btree.BTreeG[*Offer]
	byIndex map[string]*Offer
	nextSeq int64
}

func offerLess(a, b *Offer) bool {
	if c := a.Quality.Cmp(b.Quality); c != 0 {
		return c < 0
	}
	return a.insertSeq < b.insertSeq
}

func newCollection() *collection {
	return &collection{
		tree:    btree.NewBTreeG(offerLess),
		byIndex: make(map[string]*Offer),
	}
}

// insert places the offer at the position preceding the first existing
// offer whose quality is not strictly less.
func (c *collection) insert(o *Offer) {
	o.insertSeq = c.nextSeq
	c.nextSeq--
	c.tree.Set(o)
	c.byIndex[o.LedgerIndex] = o
}

// find locates an offer by its ledger index. Indexes are opaque and
// unordered, so a secondary map backs the lookup.
func (c *collection) find(ledgerIndex string) *Offer {
	return c.byIndex[ledgerIndex]
}

// remove deletes the offer with the given ledger index, returning it, or
// nil when absent.
func (c *collection) remove(ledgerIndex string) *Offer {
	o, ok := c.byIndex[ledgerIndex]
	if !ok {
		return nil
	}
	c.tree.Delete(o)
	delete(c.byIndex, ledgerIndex)
	return o
}

// ascend walks offers best quality first. The callback returns false to
// stop early.
func (c *collection) ascend(fn func(*Offer) bool) {
	c.tree.Scan(fn)
}

// ownerOffers walks only the given account's offers, still in collection
// order.
func (c *collection) ownerOffers(account string, fn func(*Offer) bool) {
	c.tree.Scan(func(o *Offer) bool {
		if o.Account != account {
			return true
		}
		return fn(o)
	})
}

func (c *collection) len() int {
	return c.tree.Len()
}

// snapshot returns value copies of all offers in collection order.
func (c *collection) snapshot() []Offer {
	out := make([]Offer, 0, c.tree.Len())
	c.tree.Scan(func(o *Offer) bool {
		out = append(out, *o)
		return true
	})
	return out
}

// reset discards all offers. The tie-break counter keeps descending so
// ordering stays stable across a reload.
func (c *collection) reset() {
	c.tree = btree.NewBTreeG(offerLess)
	c.byIndex = make(map[string]*Offer)
}
