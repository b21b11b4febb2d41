package ledger

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// NativeCurrency is the network's native asset. Native amounts carry no
// issuer and are denominated in drops (integral units).
const NativeCurrency = "XRP"

// Amount is an exact currency amount. Native amounts hold an integral drop
// count; issued amounts hold an arbitrary-precision decimal plus the issuing
// account.
type Amount struct {
	Currency string
	Issuer   string
	Value    decimal.Decimal
}

// NewNative builds a native amount from a drop count.
func NewNative(drops decimal.Decimal) Amount {
	return Amount{Currency: NativeCurrency, Value: drops.Truncate(0)}
}

// NewIssued builds an issued-currency amount.
func NewIssued(currency, issuer string, value decimal.Decimal) Amount {
	return Amount{Currency: currency, Issuer: issuer, Value: value}
}

// IsNative reports whether the amount is denominated in the native asset.
func (a Amount) IsNative() bool {
	return a.Currency == NativeCurrency
}

// IsZero reports whether the amount's value is zero.
func (a Amount) IsZero() bool {
	return a.Value.IsZero()
}

// WithValue returns a copy of the amount carrying v, truncated to whole
// drops for native amounts so fractional drops can never leak out of the
// funding math.
func (a Amount) WithValue(v decimal.Decimal) Amount {
	if a.IsNative() {
		v = v.Truncate(0)
	}
	return Amount{Currency: a.Currency, Issuer: a.Issuer, Value: v}
}

// SameAsset reports whether two amounts are denominated in the same
// currency/issuer pair.
func (a Amount) SameAsset(b Amount) bool {
	return a.Currency == b.Currency && a.Issuer == b.Issuer
}

func (a Amount) String() string {
	if a.IsNative() {
		return a.Value.String() + "/" + NativeCurrency
	}
	return a.Value.String() + "/" + a.Currency + "/" + a.Issuer
}

// wireAmount is the issued-currency JSON object form.
type wireAmount struct {
	Currency string `json:"currency"`
	Issuer   string `json:"issuer"`
	Value    string `json:"value"`
}

// MarshalJSON encodes native amounts as a drop-count string and issued
// amounts as a currency/issuer/value object, matching the upstream wire
// format.
func (a Amount) MarshalJSON() ([]byte, error) {
	if a.IsNative() {
		return json.Marshal(a.Value.String())
	}
	return json.Marshal(wireAmount{Currency: a.Currency, Issuer: a.Issuer, Value: a.Value.String()})
}

// UnmarshalJSON decodes either wire form.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var drops string
	if err := json.Unmarshal(data, &drops); err == nil {
		v, err := decimal.NewFromString(drops)
		if err != nil {
			return fmt.Errorf("parse native amount %q: %w", drops, err)
		}
		*a = NewNative(v)
		return nil
	}
	var w wireAmount
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("parse amount: %w", err)
	}
	v, err := decimal.NewFromString(w.Value)
	if err != nil {
		return fmt.Errorf("parse amount value %q: %w", w.Value, err)
	}
	*a = Amount{Currency: w.Currency, Issuer: w.Issuer, Value: v}
	return nil
}
