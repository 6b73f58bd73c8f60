package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidSymbol is returned for a symbol that cannot name an instrument.
var ErrInvalidSymbol = errors.New("invalid symbol")

// Kind selects which family of data sources serves a symbol.
type Kind int

const (
	KindStock Kind = iota
	KindCrypto
)

func (k Kind) String() string {
	if k == KindCrypto {
		return "crypto"
	}
	return "stock"
}

// cryptoQuotes are the quote assets that mark a pair as crypto.
var cryptoQuotes = []string{"USDT", "BUSD", "BTC"}

// Tickers like BRK-B, ^GSPC or EURUSD=X are accepted for stocks.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9^][A-Z0-9.\-=]{0,19}$`)

// Symbol is a validated, upper-cased instrument name.
type Symbol struct {
	Name string
	Kind Kind
}

// ParseSymbol normalizes and classifies a symbol.
func ParseSymbol(s string) (Symbol, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if !symbolPattern.MatchString(name) {
		return Symbol{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
	}
	kind := KindStock
	for _, q := range cryptoQuotes {
		if len(name) > len(q) && strings.HasSuffix(name, q) {
			kind = KindCrypto
			break
		}
	}
	if kind == KindCrypto && strings.ContainsAny(name, ".-=^") {
		return Symbol{}, fmt.Errorf("%w: %q is not a valid pair", ErrInvalidSymbol, s)
	}
	return Symbol{Name: name, Kind: kind}, nil
}

func (s Symbol) String() string { return s.Name }
