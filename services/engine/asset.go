package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass selects the bookkeeping rules applied to fills.
type AssetClass string

const (
	AssetStock  AssetClass = "stock"
	AssetOption AssetClass = "option"
	AssetCrypto AssetClass = "crypto"
	AssetForex  AssetClass = "forex"
)

// ParseAssetClass accepts the lower-case class names used in config files.
func ParseAssetClass(s string) (AssetClass, error) {
	switch c := AssetClass(strings.ToLower(strings.TrimSpace(s))); c {
	case AssetStock, AssetOption, AssetCrypto, AssetForex:
		return c, nil
	case "":
		return AssetStock, nil
	default:
		return "", fmt.Errorf("unknown asset class %q", s)
	}
}

// Asset identifies a tradable instrument.
type Asset struct {
	Symbol string
	Class  AssetClass

	// Multiplier is the contract size. Zero means 1.
	Multiplier decimal.Decimal

	// Option contract details, ignored for other classes.
	Expiration time.Time
	Strike     decimal.Decimal
	Right      string
}

func Stock(symbol string) Asset  { return Asset{Symbol: symbol, Class: AssetStock} }
func Crypto(symbol string) Asset { return Asset{Symbol: symbol, Class: AssetCrypto} }
func Forex(symbol string) Asset  { return Asset{Symbol: symbol, Class: AssetForex} }

// Option builds a standard equity option with a 100 share multiplier.
func Option(underlying string, expiration time.Time, strike decimal.Decimal, right string) Asset {
	return Asset{
		Symbol:     underlying,
		Class:      AssetOption,
		Multiplier: hundred,
		Expiration: expiration,
		Strike:     strike,
		Right:      strings.ToUpper(right),
	}
}

// Key is the identity used for ledger positions and bar lookups.
func (a Asset) Key() string {
	if a.Class == AssetOption {
		return fmt.Sprintf("%s:%s:%s:%s:%s", a.Class, a.Symbol,
			a.Expiration.Format("2006-01-02"), a.Strike.String(), a.Right)
	}
	return string(a.Class) + ":" + a.Symbol
}

func (a Asset) String() string {
	if a.Class == AssetOption {
		return fmt.Sprintf("%s %s %s%s", a.Symbol, a.Expiration.Format("2006-01-02"), a.Strike.String(), a.Right)
	}
	return a.Symbol
}

// ContractMultiplier returns the multiplier, defaulting to 1.
func (a Asset) ContractMultiplier() decimal.Decimal {
	if a.Multiplier.IsZero() {
		return one
	}
	return a.Multiplier
}

// fractional reports whether quantities may have a fractional part.
func (a Asset) fractional() bool {
	return a.Class == AssetCrypto || a.Class == AssetForex
}

// pairTraded reports whether fills may settle against a quote asset position.
func (a Asset) pairTraded() bool {
	return a.Class == AssetCrypto || a.Class == AssetForex
}
