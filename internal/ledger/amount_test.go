package ledger

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmountUnmarshalNative(t *testing.T) {
	var a Amount
	require.NoError(t, json.Unmarshal([]byte(`"1000000"`), &a))
	assert.True(t, a.IsNative())
	assert.Equal(t, "1000000", a.Value.String())
	assert.Empty(t, a.Issuer)
}

func TestAmountUnmarshalIssued(t *testing.T) {
	raw := `{"currency":"USD","issuer":"rvYAfWj5gh67oV6fW32ZzP3Aw4Eubs59B","value":"12.345"}`
	var a Amount
	require.NoError(t, json.Unmarshal([]byte(raw), &a))
	assert.False(t, a.IsNative())
	assert.Equal(t, "USD", a.Currency)
	assert.Equal(t, "12.345", a.Value.String())
}

func TestAmountMarshalRoundTrip(t *testing.T) {
	for _, a := range []Amount{
		NewNative(decimal.NewFromInt(42)),
		NewIssued("EUR", "rvYAfWj5gh67oV6fW32ZzP3Aw4Eubs59B", decimal.RequireFromString("0.0001")),
	} {
		data, err := json.Marshal(a)
		require.NoError(t, err)
		var back Amount
		require.NoError(t, json.Unmarshal(data, &back))
		assert.True(t, a.SameAsset(back))
		assert.True(t, a.Value.Equal(back.Value))
	}
}

func TestAmountUnmarshalRejectsGarbage(t *testing.T) {
	var a Amount
	assert.Error(t, json.Unmarshal([]byte(`"not-a-number"`), &a))
	assert.Error(t, json.Unmarshal([]byte(`{"currency":"USD","value":"abc"}`), &a))
}

func TestWithValueTruncatesNative(t *testing.T) {
	a := NewNative(decimal.NewFromInt(100))
	b := a.WithValue(decimal.RequireFromString("12.9"))
	assert.Equal(t, "12", b.Value.String())

	issued := NewIssued("USD", "rvYAfWj5gh67oV6fW32ZzP3Aw4Eubs59B", decimal.NewFromInt(1))
	c := issued.WithValue(decimal.RequireFromString("12.9"))
	assert.Equal(t, "12.9", c.Value.String())
}

func TestQualityFromAmounts(t *testing.T) {
	gets := NewIssued("USD", "rvYAfWj5gh67oV6fW32ZzP3Aw4Eubs59B", decimal.NewFromInt(100))
	pays := NewNative(decimal.NewFromInt(200))

	q, err := QualityFromAmounts(pays, gets)
	require.NoError(t, err)
	assert.Equal(t, "2", q.Ratio().String())

	_, err = QualityFromAmounts(pays, gets.WithValue(decimal.Zero))
	assert.ErrorIs(t, err, ErrZeroGets)
}

func TestQualityOrderingAndComposition(t *testing.T) {
	better := QualityFromRatio(decimal.RequireFromString("1.5"))
	worse := QualityFromRatio(decimal.RequireFromString("2"))
	assert.Negative(t, better.Cmp(worse))
	assert.Positive(t, worse.Cmp(better))
	assert.Zero(t, better.Cmp(better))

	composed := better.Mul(worse)
	assert.Equal(t, "3", composed.Ratio().String())
}

func TestAdjustBalance(t *testing.T) {
	raw := decimal.NewFromInt(1002)

	// No fee: returned untouched.
	assert.True(t, AdjustBalance(raw, DefaultTransferRate).Equal(raw))
	assert.True(t, AdjustBalance(raw, 0).Equal(raw))

	// 0.2% issuer fee shrinks the deliverable balance.
	adjusted := AdjustBalance(raw, 1_002_000_000)
	assert.Equal(t, "1000", adjusted.String())
}

func TestBookIDValidate(t *testing.T) {
	issuer := "rvYAfWj5gh67oV6fW32ZzP3Aw4Eubs59B"

	valid := BookID{GetsCurrency: "USD", GetsIssuer: issuer, PaysCurrency: NativeCurrency}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name string
		id   BookID
	}{
		{"native with issuer", BookID{GetsCurrency: NativeCurrency, GetsIssuer: issuer, PaysCurrency: "USD", PaysIssuer: issuer}},
		{"issued without issuer", BookID{GetsCurrency: "USD", PaysCurrency: NativeCurrency}},
		{"same side twice", BookID{GetsCurrency: "USD", GetsIssuer: issuer, PaysCurrency: "USD", PaysIssuer: issuer}},
		{"bad currency", BookID{GetsCurrency: "TOOLONG", GetsIssuer: issuer, PaysCurrency: NativeCurrency}},
		{"bad issuer", BookID{GetsCurrency: "USD", GetsIssuer: "bogus", PaysCurrency: NativeCurrency}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.id.Validate(), ErrInvalidBook)
		})
	}
}

func TestOwnerBalanceNative(t *testing.T) {
	bc := BalanceChanged{
		EntryType: EntryAccountRoot,
		Account:   "rAlice",
		Currency:  NativeCurrency,
		Final:     decimal.NewFromInt(5000),
	}
	owner, bal, ok := bc.OwnerBalance(Amount{Currency: NativeCurrency})
	require.True(t, ok)
	assert.Equal(t, "rAlice", owner)
	assert.Equal(t, "5000", bal.String())

	// Trust line records never match a native book.
	bc.EntryType = EntryRippleState
	_, _, ok = bc.OwnerBalance(Amount{Currency: NativeCurrency})
	assert.False(t, ok)
}

func TestOwnerBalanceTrustLine(t *testing.T) {
	issuer := "rIssuer"
	gets := Amount{Currency: "USD", Issuer: issuer}

	// Issuer on the high side: balance is the low party's holding as-is.
	bc := BalanceChanged{
		EntryType: EntryRippleState,
		HighParty: issuer,
		LowParty:  "rAlice",
		Currency:  "USD",
		Final:     decimal.NewFromInt(75),
	}
	owner, bal, ok := bc.OwnerBalance(gets)
	require.True(t, ok)
	assert.Equal(t, "rAlice", owner)
	assert.Equal(t, "75", bal.String())

	// Issuer on the low side: sign flips to the high party's view.
	bc.HighParty, bc.LowParty = "rBob", issuer
	bc.Final = decimal.NewFromInt(-40)
	owner, bal, ok = bc.OwnerBalance(gets)
	require.True(t, ok)
	assert.Equal(t, "rBob", owner)
	assert.Equal(t, "40", bal.String())

	// Different currency: ignored.
	bc.Currency = "EUR"
	_, _, ok = bc.OwnerBalance(gets)
	assert.False(t, ok)
}
