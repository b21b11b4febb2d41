package ledger

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidBook marks a structurally broken currency/issuer tuple.
	ErrInvalidBook = errors.New("ledger: invalid book identity")

	currencyRE = regexp.MustCompile(`^([A-Za-z0-9?!@#$%^&*<>(){}\[\]|]{3}|[A-F0-9]{40})$`)
	accountRE  = regexp.MustCompile(`^r[1-9A-HJ-NP-Za-km-z]{24,34}$`)
)

// BookID identifies one side of a trading pair: the currency/issuer the
// offers give (taker gets) and the currency/issuer they want (taker pays).
// Immutable for the lifetime of a book.
type BookID struct {
	GetsCurrency string
	GetsIssuer   string
	PaysCurrency string
	PaysIssuer   string
}

// NativeGets reports whether the offered side is the native asset.
func (b BookID) NativeGets() bool { return b.GetsCurrency == NativeCurrency }

// NativePays reports whether the wanted side is the native asset.
func (b BookID) NativePays() bool { return b.PaysCurrency == NativeCurrency }

// Gets returns a zero-valued amount template for the offered side.
func (b BookID) Gets() Amount {
	return Amount{Currency: b.GetsCurrency, Issuer: b.GetsIssuer}
}

// Pays returns a zero-valued amount template for the wanted side.
func (b BookID) Pays() Amount {
	return Amount{Currency: b.PaysCurrency, Issuer: b.PaysIssuer}
}

// Validate checks the tuple's structure only; it never consults ledger
// state. Native sides must not carry an issuer, issued sides must, and the
// two sides must differ.
func (b BookID) Validate() error {
	if err := validateSide(b.GetsCurrency, b.GetsIssuer); err != nil {
		return fmt.Errorf("%w: gets: %v", ErrInvalidBook, err)
	}
	if err := validateSide(b.PaysCurrency, b.PaysIssuer); err != nil {
		return fmt.Errorf("%w: pays: %v", ErrInvalidBook, err)
	}
	if b.GetsCurrency == b.PaysCurrency && b.GetsIssuer == b.PaysIssuer {
		return fmt.Errorf("%w: both sides are %s", ErrInvalidBook, b.sideString(b.GetsCurrency, b.GetsIssuer))
	}
	return nil
}

func validateSide(currency, issuer string) error {
	if currency == NativeCurrency {
		if issuer != "" {
			return fmt.Errorf("native currency cannot have an issuer")
		}
		return nil
	}
	if !currencyRE.MatchString(currency) {
		return fmt.Errorf("malformed currency %q", currency)
	}
	if !accountRE.MatchString(issuer) {
		return fmt.Errorf("malformed issuer %q", issuer)
	}
	return nil
}

func (b BookID) sideString(currency, issuer string) string {
	if currency == NativeCurrency {
		return currency
	}
	return currency + "." + issuer
}

// String renders the canonical "gets/pays" descriptor.
func (b BookID) String() string {
	return b.sideString(b.GetsCurrency, b.GetsIssuer) + "/" + b.sideString(b.PaysCurrency, b.PaysIssuer)
}
