package api

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/withobsrvr/icrc-indexer/internal/model"
)

// txCursor paginates a transaction scan (spec C3 scan_tx): the index it
// was last read at, encoded opaquely so callers never depend on its
// internal shape.
type txCursor struct {
	Index uint64
}

func (c txCursor) Encode() string {
	return base64.URLEncoding.EncodeToString([]byte(strconv.FormatUint(c.Index, 10)))
}

func decodeTxCursor(s string) (*txCursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}
	idx, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid index in cursor: %w", err)
	}
	return &txCursor{Index: idx}, nil
}

// accountListCursor paginates the ranked balances listing: it encodes
// the last row's balance and account so the next page can resume a
// balance-desc, account-asc ordering (spec C3 list_accounts).
type accountListCursor struct {
	Balance model.Amount
	Account string
}

func (c accountListCursor) Encode() string {
	raw := fmt.Sprintf("%s:%s", c.Balance.String(), c.Account)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func decodeAccountListCursor(s string) (*accountListCursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid cursor format: expected balance:account")
	}
	bal, err := model.NewAmountFromString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid balance in cursor: %w", err)
	}
	return &accountListCursor{Balance: bal, Account: parts[1]}, nil
}
