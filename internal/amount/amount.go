// Package amount provides arbitrary-precision on-chain amounts.
//
// Amounts are always held in the currency's smallest unit (satoshi, wei)
// as a big.Int. On the wire they are decimal strings so that consumers in
// languages with 64-bit floats never lose precision.
package amount

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalid is returned when a string cannot be parsed as an amount.
var ErrInvalid = errors.New("amount: invalid value")

// Amount is a non-nil wrapper around a base-unit integer.
// The zero value is 0.
type Amount struct {
	v *big.Int
}

// Zero returns a zero amount.
func Zero() Amount { return Amount{} }

// FromBig copies x into a new Amount. A nil x is treated as 0.
func FromBig(x *big.Int) Amount {
	if x == nil {
		return Amount{}
	}
	return Amount{v: new(big.Int).Set(x)}
}

// FromInt64 returns n base units.
func FromInt64(n int64) Amount {
	return Amount{v: big.NewInt(n)}
}

// Parse reads a base-unit integer string such as "100000".
// Signs, decimal points and exponents are rejected.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("%w: empty", ErrInvalid)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return Amount{}, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return Amount{v: v}, nil
}

// ParseUnits converts a human decimal string ("0.0015") into base units
// for a currency with the given number of decimals. Values with more
// fractional digits than decimals are rejected rather than truncated.
func ParseUnits(s string, decimals int32) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if d.IsNegative() {
		return Amount{}, fmt.Errorf("%w: negative", ErrInvalid)
	}
	shifted := d.Shift(decimals)
	if !shifted.IsInteger() {
		return Amount{}, fmt.Errorf("%w: more than %d decimal places", ErrInvalid, decimals)
	}
	return Amount{v: shifted.BigInt()}, nil
}

// Big returns a copy of the underlying integer.
func (a Amount) Big() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.v)
}

// Sign returns -1, 0 or +1.
func (a Amount) Sign() int {
	if a.v == nil {
		return 0
	}
	return a.v.Sign()
}

// Cmp compares a and b.
func (a Amount) Cmp(b Amount) int {
	return a.v0().Cmp(b.v0())
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.v0(), b.v0())}
}

func (a Amount) v0() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

// String renders the base-unit integer.
func (a Amount) String() string {
	return a.v0().String()
}

// FormatUnits renders the amount in whole coins, e.g. 150000 sat with
// 8 decimals is "0.0015".
func (a Amount) FormatUnits(decimals int32) string {
	return decimal.NewFromBigInt(a.v0(), -decimals).String()
}

// MarshalJSON encodes the amount as a quoted decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a quoted base-unit string. Bare JSON numbers are
// accepted too, as long as they are integers.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		s = string(data)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer. Stored as a NUMERIC literal.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner for NUMERIC columns.
func (a *Amount) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		*a = Amount{}
		return nil
	case []byte:
		s = string(v)
	case string:
		s = v
	case int64:
		*a = FromInt64(v)
		return nil
	default:
		return fmt.Errorf("amount: cannot scan %T", src)
	}
	// NUMERIC without scale may still come back as "100.0" from some drivers.
	if i := strings.IndexByte(s, '.'); i >= 0 && strings.Trim(s[i+1:], "0") == "" {
		s = s[:i]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
