package ledger

import "github.com/shopspring/decimal"

// DefaultTransferRate is the issuer fee multiplier meaning "no fee" in the
// ledger's fixed-point encoding (1.0 scaled by 1e9). Issuers charging a fee
// publish a larger value, e.g. 1002000000 for 0.2%.
const DefaultTransferRate uint32 = 1_000_000_000

var defaultRateDec = decimal.NewFromInt(int64(DefaultTransferRate))

// AdjustBalance converts a raw spendable balance into the amount actually
// deliverable through the issuer: raw / rate * DefaultTransferRate. Native
// balances are never adjusted because no issuer fee applies; callers pass
// DefaultTransferRate for them.
func AdjustBalance(raw decimal.Decimal, rate uint32) decimal.Decimal {
	if rate == 0 || rate == DefaultTransferRate {
		return raw
	}
	return raw.Mul(defaultRateDec).DivRound(decimal.NewFromInt(int64(rate)), qualityScale)
}
