// Package store defines the durable document-collection interface the
// rest of the indexer is built against (spec §4.3), plus two
// implementations: MongoStore (production) and MemStore (an in-process
// test double used by the syncer and query API unit tests so they do
// not require a live MongoDB).
package store

import (
	"context"
	"errors"

	"github.com/withobsrvr/icrc-indexer/internal/model"
)

// ErrNotFound is returned by GetTx and similar lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// Direction controls the order of a range scan.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// IndexRange bounds a scan_tx call; either end may be nil for unbounded.
type IndexRange struct {
	From *uint64
	To   *uint64
}

// AccountBalance pairs an account key with its balance, used by ranked
// balance queries.
type AccountBalance struct {
	Account string
	Balance model.Amount
}

// Store is the full read/write contract a token's sync coordinator and
// the read-only query API are built against. Implementations must honor
// the commit discipline described in spec §4.3: within a batch, Tx
// documents are written before account indices, which are written
// before balance/supply updates, which are written before the cursor.
type Store interface {
	// Transactions.
	PutTx(ctx context.Context, tx model.Tx) error
	GetTx(ctx context.Context, token string, index uint64) (model.Tx, error)
	ScanTx(ctx context.Context, token string, r IndexRange, limit int, dir Direction) ([]model.Tx, error)
	MaxIndex(ctx context.Context, token string) (*uint64, error)

	// Accounts.
	AppendAccountIndex(ctx context.Context, token, account string, index uint64) error
	AccountIndexes(ctx context.Context, token, account string, r IndexRange, limit int, dir Direction) ([]uint64, error)
	ListAccounts(ctx context.Context, token string, limit int, afterBalance *model.Amount, afterAccount string) ([]AccountBalance, error)
	CountAccounts(ctx context.Context, token string) (int64, error)

	// Balances & supply.
	SetBalance(ctx context.Context, token, account string, amount model.Amount, atIndex uint64) error
	GetBalance(ctx context.Context, token, account string) (model.Amount, error)
	SetSupply(ctx context.Context, token string, amount model.Amount, atIndex uint64) error
	GetSupply(ctx context.Context, token string) (model.Amount, error)

	// Anomalies.
	PutAnomaly(ctx context.Context, anomaly model.Anomaly) error
	ListAnomalies(ctx context.Context, token, account string, limit int) ([]model.Anomaly, error)

	// Sync cursor / advisory lock.
	GetCursor(ctx context.Context, token string) (model.Cursor, error)
	SetCursor(ctx context.Context, cursor model.Cursor) error
	AcquireLock(ctx context.Context, token, owner string, leaseExpiresAtNs uint64) (bool, error)
	ReleaseLock(ctx context.Context, token, owner string) error

	// Admin.
	Reset(ctx context.Context, token string) error
}

// Batch groups the per-batch mutations the syncers produce (spec
// §4.3's commit discipline) so a Store implementation can apply them
// transactionally where the backing engine allows it.
type Batch struct {
	Token          string
	Txs            []model.Tx
	AccountIndexes map[string][]uint64 // account -> new indices to append
	Balances       map[string]model.Amount
	Supply         *model.Amount
	Anomalies      []model.Anomaly
	Cursor         model.Cursor
}

// CommitBatch applies a Batch honoring the (a) tx (b) account index
// (c) balance/supply (d) cursor ordering spec §4.3 mandates. The default
// implementation below simply calls the individual Store methods in
// that order; MongoStore overrides nothing since Mongo's driver does not
// give us a cheap cross-collection transaction we want to pay for on
// every batch.
func CommitBatch(ctx context.Context, s Store, b Batch) error {
	for _, tx := range b.Txs {
		if err := s.PutTx(ctx, tx); err != nil {
			return err
		}
	}
	for account, indexes := range b.AccountIndexes {
		for _, idx := range indexes {
			if err := s.AppendAccountIndex(ctx, b.Token, account, idx); err != nil {
				return err
			}
		}
	}
	for account, bal := range b.Balances {
		if err := s.SetBalance(ctx, b.Token, account, bal, *b.Cursor.LastIndexed); err != nil {
			return err
		}
	}
	if b.Supply != nil {
		if err := s.SetSupply(ctx, b.Token, *b.Supply, *b.Cursor.LastIndexed); err != nil {
			return err
		}
	}
	for _, a := range b.Anomalies {
		if err := s.PutAnomaly(ctx, a); err != nil {
			return err
		}
	}
	return s.SetCursor(ctx, b.Cursor)
}
