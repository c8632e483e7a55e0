// Package decode normalizes the handful of heterogeneous on-wire
// transaction shapes ICRC-1 ledgers and archives actually emit into the
// single canonical model.Tx (spec §4.2). It is pure: no network, no
// store, no logging.
package decode

import (
	"fmt"
	"strconv"

	"github.com/withobsrvr/icrc-indexer/internal/model"
)

// ErrorKind classifies why a raw record failed to decode.
type ErrorKind string

const (
	ErrUnknownKind   ErrorKind = "unknown_kind"
	ErrAmountFormat  ErrorKind = "amount_format"
	ErrAccountFormat ErrorKind = "account_format"
	ErrMissingField  ErrorKind = "missing_field"
)

// Error is returned when a raw record cannot be normalized. The decoder
// never guesses: every Error is a hard failure that must abort the batch
// (spec §4.2, §7).
type Error struct {
	Index uint64
	Kind  ErrorKind
	Field string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("decode index %d: %s (field %q): %v", e.Index, e.Kind, e.Field, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(index uint64, kind ErrorKind, field string, err error) error {
	return &Error{Index: index, Kind: kind, Field: field, Err: err}
}

// Raw is a single heterogeneous transaction record as handed up by the
// ledger client: a generic map for the candid-record shapes, or an
// archive's sequence-of-fields shape folded into the same map by the
// client before it reaches here.
type Raw map[string]any

// Decode normalizes a Raw record plus its absolute index into a
// canonical model.Tx.
func Decode(token string, index uint64, raw Raw) (model.Tx, error) {
	kindStr, ok := stringField(raw, "kind")
	if !ok {
		return model.Tx{}, fail(index, ErrMissingField, "kind", fmt.Errorf("kind is missing or not a string"))
	}

	kind := model.Kind(kindStr)
	tx := model.Tx{
		Index: index,
		Token: token,
		Kind:  kind,
	}

	if ts, ok := raw["timestamp"]; ok {
		v, err := coerceTimestamp(ts)
		if err != nil {
			return model.Tx{}, fail(index, ErrAmountFormat, "timestamp", err)
		}
		tx.TimestampNs = v
	}

	if feeRaw, ok := raw["fee"]; ok && feeRaw != nil {
		fee, err := coerceAmount(feeRaw)
		if err != nil {
			return model.Tx{}, fail(index, ErrAmountFormat, "fee", err)
		}
		tx.Fee = &fee
	}

	if memo, ok := raw["memo"]; ok && memo != nil {
		b, err := coerceBytes(memo)
		if err != nil {
			return model.Tx{}, fail(index, ErrAccountFormat, "memo", err)
		}
		tx.Memo = b
	}

	if cat, ok := raw["created_at_time"]; ok && cat != nil {
		v, err := coerceTimestamp(cat)
		if err != nil {
			return model.Tx{}, fail(index, ErrAmountFormat, "created_at_time", err)
		}
		tx.CreatedAtTime = &v
	}

	payload, ok := raw[kindStr]
	if !ok {
		return model.Tx{}, fail(index, ErrMissingField, kindStr, fmt.Errorf("no payload field for kind %q", kindStr))
	}
	payloadMap, ok := asMap(payload)
	if !ok {
		return model.Tx{}, fail(index, ErrMissingField, kindStr, fmt.Errorf("payload for kind %q is not a record", kindStr))
	}

	// ICRC-1 records usually carry the fee inside the operation record
	// rather than at the top level.
	if feeRaw, ok := payloadMap["fee"]; ok && feeRaw != nil && tx.Fee == nil {
		fee, err := coerceAmount(feeRaw)
		if err != nil {
			return model.Tx{}, fail(index, ErrAmountFormat, "fee", err)
		}
		tx.Fee = &fee
	}

	var err error
	switch kind {
	case model.KindMint:
		tx.Mint, err = decodeMint(index, payloadMap)
	case model.KindBurn:
		tx.Burn, err = decodeBurn(index, payloadMap)
	case model.KindTransfer:
		tx.Transfer, err = decodeTransfer(index, payloadMap)
	case model.KindApprove:
		tx.Approve, err = decodeApprove(index, payloadMap)
	default:
		return model.Tx{}, fail(index, ErrUnknownKind, "kind", fmt.Errorf("unknown transaction kind %q", kindStr))
	}
	if err != nil {
		return model.Tx{}, err
	}
	return tx, nil
}

func decodeMint(index uint64, p map[string]any) (*model.Mint, error) {
	to, err := decodeAccountField(index, p, "to")
	if err != nil {
		return nil, err
	}
	amount, err := decodeAmountField(index, p, "amount")
	if err != nil {
		return nil, err
	}
	return &model.Mint{To: to, Amount: amount}, nil
}

func decodeBurn(index uint64, p map[string]any) (*model.Burn, error) {
	from, err := decodeAccountField(index, p, "from")
	if err != nil {
		return nil, err
	}
	amount, err := decodeAmountField(index, p, "amount")
	if err != nil {
		return nil, err
	}
	spender, err := decodeOptionalAccountField(index, p, "spender")
	if err != nil {
		return nil, err
	}
	return &model.Burn{From: from, Spender: spender, Amount: amount}, nil
}

func decodeTransfer(index uint64, p map[string]any) (*model.Transfer, error) {
	from, err := decodeAccountField(index, p, "from")
	if err != nil {
		return nil, err
	}
	to, err := decodeAccountField(index, p, "to")
	if err != nil {
		return nil, err
	}
	amount, err := decodeAmountField(index, p, "amount")
	if err != nil {
		return nil, err
	}
	spender, err := decodeOptionalAccountField(index, p, "spender")
	if err != nil {
		return nil, err
	}
	return &model.Transfer{From: from, To: to, Spender: spender, Amount: amount}, nil
}

func decodeApprove(index uint64, p map[string]any) (*model.Approve, error) {
	from, err := decodeAccountField(index, p, "from")
	if err != nil {
		return nil, err
	}
	// Open question (spec §9): the source ledger may emit spender as a
	// bare owner string; we always canonicalize to the full Account form.
	spender, err := decodeAccountField(index, p, "spender")
	if err != nil {
		return nil, err
	}
	amount, err := decodeAmountField(index, p, "amount")
	if err != nil {
		return nil, err
	}
	a := &model.Approve{From: from, Spender: spender, Amount: amount}
	if v, ok := p["expected_allowance"]; ok && v != nil {
		ea, err := coerceAmount(v)
		if err != nil {
			return nil, fail(index, ErrAmountFormat, "expected_allowance", err)
		}
		a.ExpectedAllowance = &ea
	}
	if v, ok := p["expires_at"]; ok && v != nil {
		ts, err := coerceTimestamp(v)
		if err != nil {
			return nil, fail(index, ErrAmountFormat, "expires_at", err)
		}
		a.ExpiresAt = &ts
	}
	return a, nil
}

func decodeAmountField(index uint64, p map[string]any, field string) (model.Amount, error) {
	v, ok := p[field]
	if !ok {
		return model.Amount{}, fail(index, ErrMissingField, field, fmt.Errorf("%s is missing", field))
	}
	amount, err := coerceAmount(v)
	if err != nil {
		return model.Amount{}, fail(index, ErrAmountFormat, field, err)
	}
	return amount, nil
}

func decodeAccountField(index uint64, p map[string]any, field string) (model.Account, error) {
	v, ok := p[field]
	if !ok {
		return model.Account{}, fail(index, ErrMissingField, field, fmt.Errorf("%s is missing", field))
	}
	acc, err := coerceAccount(v)
	if err != nil {
		return model.Account{}, fail(index, ErrAccountFormat, field, err)
	}
	return acc, nil
}

func decodeOptionalAccountField(index uint64, p map[string]any, field string) (*model.Account, error) {
	v, ok := p[field]
	if !ok || v == nil {
		return nil, nil
	}
	acc, err := coerceAccount(v)
	if err != nil {
		return nil, fail(index, ErrAccountFormat, field, err)
	}
	return &acc, nil
}

func stringField(m map[string]any, field string) (string, bool) {
	v, ok := m[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// coerceAmount accepts a decimal string, a non-negative uint64, int64,
// int or integral float64, or a sequence whose first element is the
// amount (the archive variant, spec §4.2). Other integer types are
// rejected.
func coerceAmount(v any) (model.Amount, error) {
	switch t := v.(type) {
	case string:
		return model.NewAmountFromString(t)
	case uint64:
		return model.NewAmountFromUint64(t), nil
	case int64:
		if t < 0 {
			return model.Amount{}, fmt.Errorf("amount %d is negative", t)
		}
		return model.NewAmountFromUint64(uint64(t)), nil
	case int:
		if t < 0 {
			return model.Amount{}, fmt.Errorf("amount %d is negative", t)
		}
		return model.NewAmountFromUint64(uint64(t)), nil
	case float64:
		// Candid nat64 values that round-trip through a generic decoder
		// sometimes arrive as float64; only accept exact integers.
		if t < 0 || t != float64(int64(t)) {
			return model.Amount{}, fmt.Errorf("amount %v is not a non-negative integer", t)
		}
		return model.NewAmountFromUint64(uint64(t)), nil
	case []any:
		if len(t) == 0 {
			return model.Amount{}, fmt.Errorf("amount sequence is empty")
		}
		return coerceAmount(t[0])
	default:
		return model.Amount{}, fmt.Errorf("amount has unsupported type %T", v)
	}
}

// coerceAccount accepts {owner, subaccount?} or a bare "owner[:hex]" string.
func coerceAccount(v any) (model.Account, error) {
	switch t := v.(type) {
	case string:
		return model.ParseAccountKey(t)
	case map[string]any:
		owner, ok := stringField(t, "owner")
		if !ok {
			return model.Account{}, fmt.Errorf("account record missing owner")
		}
		var sub []byte
		if rawSub, ok := t["subaccount"]; ok && rawSub != nil {
			b, err := coerceBytes(rawSub)
			if err != nil {
				return model.Account{}, fmt.Errorf("invalid subaccount: %w", err)
			}
			sub = b
		}
		return model.NewAccount(owner, sub)
	default:
		return model.Account{}, fmt.Errorf("account has unsupported type %T", v)
	}
}

func coerceBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	case []any:
		b := make([]byte, len(t))
		for i, e := range t {
			n, err := coerceUint8(e)
			if err != nil {
				return nil, err
			}
			b[i] = n
		}
		return b, nil
	default:
		return nil, fmt.Errorf("bytes have unsupported type %T", v)
	}
}

func coerceUint8(v any) (byte, error) {
	switch t := v.(type) {
	case byte:
		return t, nil
	case int:
		return byte(t), nil
	case int64:
		return byte(t), nil
	case float64:
		return byte(t), nil
	default:
		return 0, fmt.Errorf("byte element has unsupported type %T", v)
	}
}

// coerceTimestamp normalizes a timestamp that may be in seconds or
// nanoseconds: any value with fewer than 14 decimal digits is
// multiplied by 10^9 (spec §4.2).
func coerceTimestamp(v any) (uint64, error) {
	var n uint64
	switch t := v.(type) {
	case uint64:
		n = t
	case int64:
		if t < 0 {
			return 0, fmt.Errorf("timestamp %d is negative", t)
		}
		n = uint64(t)
	case int:
		if t < 0 {
			return 0, fmt.Errorf("timestamp %d is negative", t)
		}
		n = uint64(t)
	case float64:
		if t < 0 {
			return 0, fmt.Errorf("timestamp %v is negative", t)
		}
		n = uint64(t)
	case string:
		parsed, err := strconv.ParseUint(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("timestamp %q is not an unsigned integer: %w", t, err)
		}
		n = parsed
	default:
		return 0, fmt.Errorf("timestamp has unsupported type %T", v)
	}
	if digitCount(n) < 14 {
		n *= 1_000_000_000
	}
	return n, nil
}

func digitCount(n uint64) int {
	if n == 0 {
		return 1
	}
	count := 0
	for n > 0 {
		count++
		n /= 10
	}
	return count
}
