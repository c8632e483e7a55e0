// Package admin implements the operator-only reset/re-bootstrap path
// (spec component C8). It is reachable only from the indexer CLI's
// --reset flag and from a coordinator's internal reset handling; there
// is no network-exposed path (spec §4.8).
package admin

import (
	"context"
	"fmt"

	"github.com/withobsrvr/icrc-indexer/internal/store"
)

// ResetToken drops a single token's per-token collections and its
// sync_status entry, so the next sync cycle rebuilds it from index 0.
func ResetToken(ctx context.Context, s store.Store, token string) error {
	if err := s.Reset(ctx, token); err != nil {
		return fmt.Errorf("admin: reset %s: %w", token, err)
	}
	return nil
}

// ResetAll resets every given token in turn, stopping at the first
// error (the CLI reports it and exits with the store-unavailable
// status named in spec §6).
func ResetAll(ctx context.Context, s store.Store, tokens []string) error {
	for _, token := range tokens {
		if err := ResetToken(ctx, s, token); err != nil {
			return err
		}
	}
	return nil
}
