package model

import (
	"fmt"
	"math"
	"math/big"
)

// Amount is an arbitrary-precision, non-negative integer token amount.
// It marshals to and from the base-10 string form used throughout the
// store (spec §3: "Persisted as base-10 strings. Never reduced to
// 64-bit.").
type Amount struct {
	v big.Int
}

// ZeroAmount is the additive identity.
func ZeroAmount() Amount {
	return Amount{}
}

// NewAmountFromString parses a base-10 string into an Amount. It rejects
// negative values and non-numeric text.
func NewAmountFromString(s string) (Amount, error) {
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("amount %q is not a base-10 integer", s)
	}
	if i.Sign() < 0 {
		return Amount{}, fmt.Errorf("amount %q is negative", s)
	}
	return Amount{v: *i}, nil
}

// NewAmountFromUint64 builds an Amount from a non-negative machine integer.
// Only ever used at the decode boundary where the wire value already fits
// in 64 bits; all downstream arithmetic stays arbitrary-precision.
func NewAmountFromUint64(u uint64) Amount {
	return Amount{v: *new(big.Int).SetUint64(u)}
}

func (a Amount) String() string {
	return a.v.String()
}

// Big returns a copy of the underlying big.Int.
func (a Amount) Big() *big.Int {
	return new(big.Int).Set(&a.v)
}

func (a Amount) IsZero() bool {
	return a.v.Sign() == 0
}

func (a Amount) Cmp(b Amount) int {
	return a.v.Cmp(&b.v)
}

func (a Amount) Add(b Amount) Amount {
	return Amount{v: *new(big.Int).Add(&a.v, &b.v)}
}

// Sub returns a-b. Callers on the balance-critical path must check Cmp
// before calling Sub when the result must never go negative (see
// balance.Apply), since Sub on an underflowing pair yields a negative
// Amount that no longer satisfies the non-negative invariant.
func (a Amount) Sub(b Amount) Amount {
	return Amount{v: *new(big.Int).Sub(&a.v, &b.v)}
}

// SubClamped returns (a-b, true) if a >= b, else (0, false).
func (a Amount) SubClamped(b Amount) (Amount, bool) {
	if a.Cmp(b) < 0 {
		return ZeroAmount(), false
	}
	return a.Sub(b), true
}

// Min returns the smaller of a and b.
func (a Amount) Min(b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// SortKey returns an int64 approximation of the amount suitable for a
// database sort index. Values that overflow int64 clamp to math.MaxInt64;
// callers that need an exact ranking must re-sort the (over-fetched)
// page in memory using Cmp, which MongoStore.ListAccounts does.
func (a Amount) SortKey() int64 {
	if a.v.IsInt64() {
		return a.v.Int64()
	}
	return math.MaxInt64
}

func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.v.String()), nil
}

func (a *Amount) UnmarshalText(text []byte) error {
	parsed, err := NewAmountFromString(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
