// Package ledger is the request/response oracle to a ledger or archive
// canister (spec component C1). Client is the interface the syncers are
// built against; AgentClient is the production implementation over the
// IC candid agent, and the package's Retrier wraps every call it makes.
// The package also defines a CircuitBreaker, which no call path uses.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/withobsrvr/icrc-indexer/internal/decode"
)

// BatchMax is the hard ceiling on a single get_transactions length.
const BatchMax = 2000

// ErrLedgerUnavailable is returned once retries against a canister call
// are exhausted.
var ErrLedgerUnavailable = errors.New("ledger: unavailable")

// ArchiveDescriptor describes one archive canister's contiguous range.
type ArchiveDescriptor struct {
	CanisterID string
	From       uint64
	To         uint64
}

// TxBatch is the raw result of a get_transactions call: the decoded
// records are still in wire form (decode.Raw), plus any archived ranges
// the canister redirected the caller to.
type TxBatch struct {
	Transactions   []decode.Raw
	ArchivedRanges []ArchiveDescriptor
}

// Metadata is a ledger or archive canister's self-reported token info.
type Metadata struct {
	Decimals    int
	Symbol      string
	Name        string
	TotalSupply string
}

// Client is the oracle the syncers call through. Every method is
// expected to retry transient transport errors internally (see
// retry.go) and to return ErrLedgerUnavailable once exhausted.
type Client interface {
	// ListArchives returns the ledger canister's archive descriptors in
	// ascending `from` order.
	ListArchives(ctx context.Context) ([]ArchiveDescriptor, error)

	// GetTransactions fetches up to length raw transactions starting at
	// from, from the given canister (ledger or archive).
	GetTransactions(ctx context.Context, canisterID string, from uint64, length uint64) (TxBatch, error)

	// GetMetadata returns cached-or-live token metadata from canisterID.
	GetMetadata(ctx context.Context, canisterID string) (Metadata, error)

	// GetTipLength returns the live ledger's current transaction count
	// (one past the highest index it has ever emitted).
	GetTipLength(ctx context.Context, canisterID string) (uint64, error)
}

// ClampLength caps length at BatchMax, as §4.1 requires.
func ClampLength(length uint64) uint64 {
	if length > BatchMax {
		return BatchMax
	}
	return length
}

func wrapUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %v", op, ErrLedgerUnavailable, err)
}
