package syncer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/icrc-indexer/internal/balance"
	"github.com/withobsrvr/icrc-indexer/internal/ledger"
	"github.com/withobsrvr/icrc-indexer/internal/model"
	"github.com/withobsrvr/icrc-indexer/internal/store"
)

// ArchiveSyncer walks the archive canisters in index order and drives
// C2 -> C3 -> C4 over their ranges (spec §4.5).
type ArchiveSyncer struct {
	token  model.TokenDescriptor
	client ledger.Client
	store  store.Store
	logger *zap.Logger
}

// NewArchiveSyncer builds an ArchiveSyncer for one configured token.
func NewArchiveSyncer(token model.TokenDescriptor, client ledger.Client, s store.Store, logger *zap.Logger) *ArchiveSyncer {
	return &ArchiveSyncer{token: token, client: client, store: s, logger: logger}
}

// Probe issues a one-transaction fetch at from to validate schema
// compatibility before the first batch is ever applied for this token
// (spec §4.5 probe step).
func (a *ArchiveSyncer) Probe(ctx context.Context, canisterID string, from uint64) error {
	batch, err := a.client.GetTransactions(ctx, canisterID, from, 1)
	if err != nil {
		return err
	}
	if len(batch.Transactions) == 0 {
		return nil // nothing to probe yet, archive may be empty
	}
	if _, err := decodeProbe(a.token.Symbol, from, batch.Transactions[0]); err != nil {
		return ErrSchemaIncompatible{Token: a.token.Symbol, Index: from, Err: err}
	}
	return nil
}

// Run walks every archive descriptor intersecting (cursor.LastIndexed,
// infinity), applying and committing BatchSize-wide ranges until either
// the run catches up to the tip of archived history or ctx is canceled.
// It returns the cursor reflecting the work committed and whether the
// archive phase is now complete.
func (a *ArchiveSyncer) Run(ctx context.Context, cursor model.Cursor, owner string, leaseExpiresAtNs uint64) (model.Cursor, error) {
	descriptors, err := a.client.ListArchives(ctx)
	if err != nil {
		return cursor, err
	}
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].From < descriptors[j].From })

	state := balance.NewState()
	if bal, err := reloadState(ctx, a.store, a.token.Symbol); err == nil {
		state = bal
	}

	for _, desc := range descriptors {
		if err := ctx.Err(); err != nil {
			return cursor, err
		}

		lowWater := uint64(0)
		if cursor.LastIndexed != nil {
			lowWater = *cursor.LastIndexed + 1
		}
		if desc.To < lowWater {
			continue // fully covered already
		}
		start := desc.From
		if lowWater > start {
			start = lowWater
		}

		for start <= desc.To {
			if err := ctx.Err(); err != nil {
				return cursor, err
			}

			length := ledger.ClampLength(min(BatchSize, desc.To-start+1))
			raw, err := a.client.GetTransactions(ctx, desc.CanisterID, start, length)
			if err != nil {
				return cursor, err
			}
			if len(raw.Transactions) == 0 {
				break
			}

			res, newState, err := decodeAndApply(a.token.Symbol, start, raw.Transactions, state, cursor.LastIndexed)
			if err != nil {
				return cursor, err
			}
			state = newState

			isLastBatch := desc.To == descriptors[len(descriptors)-1].To && res.lastIndex == desc.To
			if err := commit(ctx, a.store, a.token.Symbol, res, isLastBatch, owner, leaseExpiresAtNs, time.Now()); err != nil {
				return cursor, fmt.Errorf("archive syncer: commit batch: %w", err)
			}
			logAnomalies(a.logger, a.token.Symbol, res.anomalies)

			lastIndexed := res.lastIndex
			cursor.LastIndexed = &lastIndexed
			cursor.ArchivePhaseComplete = isLastBatch

			start = res.lastIndex + 1
		}
	}

	if !cursor.ArchivePhaseComplete && len(descriptors) == 0 {
		cursor.ArchivePhaseComplete = true // no archives configured: nothing to do
	}

	return cursor, nil
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
