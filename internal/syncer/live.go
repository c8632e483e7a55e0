package syncer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/icrc-indexer/internal/balance"
	"github.com/withobsrvr/icrc-indexer/internal/ledger"
	"github.com/withobsrvr/icrc-indexer/internal/model"
	"github.com/withobsrvr/icrc-indexer/internal/store"
)

// TickInterval is the live ledger poll period named in spec §4.6.
const TickInterval = 5 * time.Second

// MaxSoftRetries bounds the soft-failure retry cycles a single tick
// gets before it gives up and waits for the next tick (spec §4.6 step 5).
const MaxSoftRetries = 3

// LiveSyncer catches the live ledger canister up from the cursor
// forward, on a periodic tick, forever (spec §4.6).
type LiveSyncer struct {
	token      model.TokenDescriptor
	client     ledger.Client
	store      store.Store
	logger     *zap.Logger
	onArchived func(ctx context.Context, ranges []ledger.ArchiveDescriptor) // reroutes archived_ranges back through C5
}

// NewLiveSyncer builds a LiveSyncer. onArchived is invoked whenever a
// live get_transactions call returns archived_ranges that must be
// picked up by the archive syncer instead (spec §4.6 step 4).
func NewLiveSyncer(token model.TokenDescriptor, client ledger.Client, s store.Store, logger *zap.Logger, onArchived func(context.Context, []ledger.ArchiveDescriptor)) *LiveSyncer {
	if onArchived == nil {
		onArchived = func(context.Context, []ledger.ArchiveDescriptor) {}
	}
	return &LiveSyncer{token: token, client: client, store: s, logger: logger, onArchived: onArchived}
}

// Tick performs one poll cycle against canisterID, returning the
// possibly-advanced cursor. A tick that makes no progress (nothing new,
// or persistent soft failure) leaves LastIndexed where it was; when
// nothing new was found, the returned cursor carries the renewed lease.
func (l *LiveSyncer) Tick(ctx context.Context, canisterID string, cursor model.Cursor, owner string, leaseExpiresAtNs uint64) (model.Cursor, error) {
	tip, err := l.client.GetTipLength(ctx, canisterID)
	if err != nil {
		return cursor, err
	}

	lastIndexed := int64(-1)
	if cursor.LastIndexed != nil {
		lastIndexed = int64(*cursor.LastIndexed)
	}
	if tip == 0 || tip == uint64(lastIndexed+1) {
		return l.renewLease(ctx, cursor, owner, leaseExpiresAtNs), nil // nothing new
	}

	from := uint64(lastIndexed + 1)
	length := ledger.ClampLength(min(tip-from, BatchSize))

	var lastErr error
	for attempt := 1; attempt <= MaxSoftRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return cursor, err
		}

		raw, err := l.client.GetTransactions(ctx, canisterID, from, length)
		if err != nil {
			lastErr = err
			continue
		}
		if len(raw.ArchivedRanges) > 0 {
			l.onArchived(ctx, raw.ArchivedRanges)
			// the reroute may have advanced the durable cursor past what
			// this tick started with; pick that up before deciding
			// whether there is still anything left for this tick to do.
			if reloaded, err := l.store.GetCursor(ctx, l.token.Symbol); err == nil {
				cursor = reloaded
			}
		}
		if len(raw.Transactions) == 0 {
			return l.renewLease(ctx, cursor, owner, leaseExpiresAtNs), nil
		}

		state, err := reloadState(ctx, l.store, l.token.Symbol)
		if err != nil {
			lastErr = err
			continue
		}

		res, _, err := decodeAndApply(l.token.Symbol, from, raw.Transactions, state, cursor.LastIndexed)
		if err != nil {
			return cursor, err // decode/invariant errors are not soft failures
		}

		if err := commit(ctx, l.store, l.token.Symbol, res, cursor.ArchivePhaseComplete, owner, leaseExpiresAtNs, time.Now()); err != nil {
			lastErr = fmt.Errorf("live syncer: commit batch: %w", err)
			continue
		}
		logAnomalies(l.logger, l.token.Symbol, res.anomalies)

		lastIndex := res.lastIndex
		cursor.LastIndexed = &lastIndex
		return cursor, nil
	}

	l.logger.Warn("live tick exhausted soft retries, deferring to next tick",
		zap.String("token", l.token.Symbol), zap.Error(lastErr))
	return cursor, nil // cursor unchanged; next tick retries (spec §4.6 step 5)
}

// renewLease refreshes the advisory-lock lease even when a tick makes no
// forward progress, so an idle token's lock doesn't expire out from under
// it and get reclaimed by another process (spec §4.7 TTL heartbeat). A
// renewal failure is logged and otherwise ignored: the next tick, five
// seconds later, tries again.
func (l *LiveSyncer) renewLease(ctx context.Context, cursor model.Cursor, owner string, leaseExpiresAtNs uint64) model.Cursor {
	renewed := cursor
	renewed.Token = l.token.Symbol
	renewed.Owner = owner
	renewed.OwnerLeaseExpiresAtNs = leaseExpiresAtNs
	renewed.UpdatedAt = uint64(time.Now().UnixNano())
	if err := l.store.SetCursor(ctx, renewed); err != nil {
		l.logger.Warn("failed to renew advisory lock lease on idle tick",
			zap.String("token", l.token.Symbol), zap.Error(err))
		return cursor
	}
	return renewed
}

// Run loops Tick forever on TickInterval until ctx is canceled, handing
// the cursor to the caller-supplied advance callback after each
// successful tick (Tick itself has already committed it).
func (l *LiveSyncer) Run(ctx context.Context, canisterID string, initial model.Cursor, owner string, leaseFor time.Duration, advance func(model.Cursor)) error {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	cursor := initial
	lastTickDuration := time.Duration(0)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if lastTickDuration > TickInterval {
				// backpressure: store write latency exceeded the tick
				// period last time, skip this tick rather than queue up
				// (spec §5 backpressure rule).
				lastTickDuration = 0
				continue
			}
			start := time.Now()
			lease := uint64(start.Add(leaseFor).UnixNano())
			next, err := l.Tick(ctx, canisterID, cursor, owner, lease)
			lastTickDuration = time.Since(start)
			if err != nil {
				return err
			}
			cursor = next
			advance(cursor)
		}
	}
}
