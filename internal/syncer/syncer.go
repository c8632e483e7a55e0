// Package syncer implements the per-token ingestion pipeline: the
// archive syncer (C5), the live ledger syncer (C6), and the coordinator
// (C7) that sequences them and enforces the single-writer invariant.
package syncer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/icrc-indexer/internal/balance"
	"github.com/withobsrvr/icrc-indexer/internal/decode"
	"github.com/withobsrvr/icrc-indexer/internal/ledger"
	"github.com/withobsrvr/icrc-indexer/internal/model"
	"github.com/withobsrvr/icrc-indexer/internal/store"
)

// BatchSize is the default batch width for both the archive and live
// syncers (spec §4.5/§4.6).
const BatchSize = 1000

// Severity classifies a ProcessingError the way the SDK's error
// collector does, so the coordinator can decide whether to retry the
// batch or pause the token.
type Severity string

const (
	SeverityTransient Severity = "TRANSIENT"
	SeverityDecode    Severity = "DECODE"
	SeverityInvariant Severity = "INVARIANT"
	SeverityFatal     Severity = "FATAL"
)

// ProcessingError carries the taxonomy spec §7 assigns to every failure
// a sync batch can produce.
type ProcessingError struct {
	Severity Severity
	Token    string
	Index    uint64
	Err      error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("[%s] token=%s index=%d: %v", e.Severity, e.Token, e.Index, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// ErrSchemaIncompatible is raised by the probe step when its record
// fails to decode (spec §4.5). A decode failure inside a batch surfaces
// as a ProcessingError with SeverityDecode instead.
type ErrSchemaIncompatible struct {
	Token string
	Index uint64
	Err   error
}

func (e ErrSchemaIncompatible) Error() string {
	return fmt.Sprintf("schema incompatible for token %s at index %d: %v", e.Token, e.Index, e.Err)
}

func (e ErrSchemaIncompatible) Unwrap() error { return e.Err }

// applyResult is the outcome of decoding and applying one batch of raw
// wire records against the balance engine, ready to be committed as a
// store.Batch.
type applyResult struct {
	txs            []model.Tx
	accountIndexes map[string][]uint64
	balances       map[string]model.Amount
	supply         model.Amount
	anomalies      []model.Anomaly
	lastIndex      uint64
}

// decodeAndApply runs C2 then C4 over a contiguous run of raw records
// starting at startIndex, against the given engine state. It never
// suspends (no I/O), matching the concurrency model's requirement that
// decode+apply hold no store handle (spec §5).
func decodeAndApply(token string, startIndex uint64, raws []decode.Raw, state balance.State, lastIndexed *uint64) (applyResult, balance.State, error) {
	res := applyResult{
		accountIndexes: make(map[string][]uint64),
		balances:       make(map[string]model.Amount),
	}

	cursor := lastIndexed
	for i, raw := range raws {
		index := startIndex + uint64(i)
		tx, err := decode.Decode(token, index, raw)
		if err != nil {
			return applyResult{}, state, &ProcessingError{Severity: SeverityDecode, Token: token, Index: index, Err: err}
		}

		anomalies, err := balance.Apply(state, tx, cursor)
		if err != nil {
			return applyResult{}, state, &ProcessingError{Severity: SeverityFatal, Token: token, Index: index, Err: err}
		}

		res.txs = append(res.txs, tx)
		res.anomalies = append(res.anomalies, anomalies...)
		for _, acct := range tx.Accounts() {
			key := acct.Key()
			res.accountIndexes[key] = append(res.accountIndexes[key], index)
		}

		idx := index
		cursor = &idx
		res.lastIndex = index
	}

	for acct, bal := range state.Balances {
		res.balances[acct] = bal
	}
	res.supply = state.Supply

	return res, state, nil
}

// commit builds a store.Batch from an applyResult and writes it,
// advancing the cursor to the batch's last index and setting
// archivePhaseComplete when the caller says this was the final archive
// batch.
func commit(ctx context.Context, s store.Store, token string, res applyResult, archivePhaseComplete bool, owner string, leaseExpiresAtNs uint64, now time.Time) error {
	lastIndexed := res.lastIndex
	batch := store.Batch{
		Token:          token,
		Txs:            res.txs,
		AccountIndexes: res.accountIndexes,
		Balances:       res.balances,
		Supply:         &res.supply,
		Anomalies:      res.anomalies,
		Cursor: model.Cursor{
			Token:                 token,
			LastIndexed:           &lastIndexed,
			ArchivePhaseComplete:  archivePhaseComplete,
			UpdatedAt:             uint64(now.UnixNano()),
			Owner:                 owner,
			OwnerLeaseExpiresAtNs: leaseExpiresAtNs,
		},
	}
	return store.CommitBatch(ctx, s, batch)
}

// decodeProbe decodes a single raw record without touching any engine
// state, used only to validate schema compatibility (spec §4.5).
func decodeProbe(token string, index uint64, raw decode.Raw) (model.Tx, error) {
	return decode.Decode(token, index, raw)
}

// reloadState rebuilds an in-memory balance.State from the store's
// durable balances and supply, so a restarted syncer can resume
// applying from exactly where the cursor left off without re-deriving
// the whole history in memory (spec §4.4 determinism/incrementality).
func reloadState(ctx context.Context, s store.Store, token string) (balance.State, error) {
	state := balance.NewState()
	accounts, err := s.ListAccounts(ctx, token, 0, nil, "")
	if err != nil {
		return state, err
	}
	for _, ab := range accounts {
		state.Balances[ab.Account] = ab.Balance
	}
	supply, err := s.GetSupply(ctx, token)
	if err != nil {
		return state, err
	}
	state.Supply = supply
	return state, nil
}

func logAnomalies(logger *zap.Logger, token string, anomalies []model.Anomaly) {
	for _, a := range anomalies {
		logger.Warn("balance anomaly recorded",
			zap.String("token", token), zap.String("account", a.Account),
			zap.Uint64("index", a.Index), zap.String("kind", string(a.Kind)), zap.String("details", a.Details))
	}
}
