package syncer

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/icrc-indexer/internal/model"
	"github.com/withobsrvr/icrc-indexer/internal/store"
)

func newTestCoordinator(symbol, owner string, s store.Store) *Coordinator {
	token := model.TokenDescriptor{Symbol: symbol, CanisterID: "ledger-1"}
	return New(token, &fakeClient{}, s, zap.NewNop(), owner, time.Minute)
}

func TestCoordinatorStatusReflectsState(t *testing.T) {
	c := newTestCoordinator("TOK", "owner-1", store.NewMemStore())

	if got := c.Status(); got.State != StateInit {
		t.Fatalf("expected initial state %q, got %q", StateInit, got.State)
	}

	idx := uint64(5)
	c.setCursor(model.Cursor{Token: "TOK", LastIndexed: &idx})
	c.setState(StateLivePhase)

	status := c.Status()
	if status.State != StateLivePhase {
		t.Fatalf("expected live phase, got %q", status.State)
	}
	if status.LastIndexed == nil || *status.LastIndexed != 5 {
		t.Fatalf("expected last indexed 5, got %+v", status.LastIndexed)
	}
	if status.PausedSince != nil {
		t.Fatal("expected PausedSince unset outside paused state")
	}
}

func TestCoordinatorStatusRecordsPausedSince(t *testing.T) {
	c := newTestCoordinator("TOK", "owner-1", store.NewMemStore())
	c.setState(StatePaused)

	status := c.Status()
	if status.State != StatePaused {
		t.Fatalf("expected paused, got %q", status.State)
	}
	if status.PausedSince == nil {
		t.Fatal("expected PausedSince to be set once paused")
	}
}

func TestCoordinatorAcquireAndReleaseLock(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	c := newTestCoordinator("TOK", "owner-1", s)

	if err := c.acquireLock(ctx); err != nil {
		t.Fatalf("expected first acquire to succeed: %v", err)
	}

	other := newTestCoordinator("TOK", "owner-2", s)
	if err := other.acquireLock(ctx); err == nil {
		t.Fatal("expected a second owner to be refused the lock while the lease is held")
	}

	c.releaseLock(ctx)
	if err := other.acquireLock(ctx); err != nil {
		t.Fatalf("expected the lock to be acquirable after release: %v", err)
	}
}

func TestCoordinatorHandleResetClearsStateAndCursor(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	c := newTestCoordinator("TOK", "owner-1", s)

	idx := uint64(10)
	s.PutTx(ctx, model.Tx{Index: 0, Token: "TOK", Kind: model.KindMint, Mint: &model.Mint{}})
	c.setCursor(model.Cursor{Token: "TOK", LastIndexed: &idx})
	c.setError(context.DeadlineExceeded)

	if err := c.handleReset(ctx); err != nil {
		t.Fatalf("handleReset: %v", err)
	}

	status := c.Status()
	if status.State != StateInit {
		t.Fatalf("expected state reset to init, got %q", status.State)
	}
	if status.LastIndexed != nil {
		t.Fatalf("expected cursor cleared after reset, got %+v", status.LastIndexed)
	}
	if status.Error != "" {
		t.Fatalf("expected error cleared after reset, got %q", status.Error)
	}

	if _, err := s.GetTx(ctx, "TOK", 0); err != store.ErrNotFound {
		t.Fatalf("expected transactions wiped by reset, got err=%v", err)
	}
}

func TestManagerStatusesAndLookup(t *testing.T) {
	s := store.NewMemStore()
	a := newTestCoordinator("AAA", "owner-1", s)
	b := newTestCoordinator("BBB", "owner-1", s)
	manager := NewManager([]*Coordinator{a, b})

	if _, ok := manager.Coordinator("ZZZ"); ok {
		t.Fatal("expected lookup of an unconfigured token to fail")
	}
	if got, ok := manager.Coordinator("AAA"); !ok || got != a {
		t.Fatal("expected to find coordinator AAA")
	}

	statuses := manager.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestCoordinatorShouldPauseRetriesDecodeErrorsBeforePausing(t *testing.T) {
	c := newTestCoordinator("TOK", "owner-1", store.NewMemStore())
	decodeErr := &ProcessingError{Severity: SeverityDecode, Token: "TOK", Index: 42, Err: context.DeadlineExceeded}

	for i := 0; i < maxConsecutiveDecodeFailures-1; i++ {
		if c.shouldPause(decodeErr) {
			t.Fatalf("expected attempt %d at the same index not to pause yet", i+1)
		}
	}
	if !c.shouldPause(decodeErr) {
		t.Fatalf("expected the %dth consecutive decode failure at the same index to pause", maxConsecutiveDecodeFailures)
	}
}

func TestCoordinatorShouldPauseResetsCounterOnDifferentIndex(t *testing.T) {
	c := newTestCoordinator("TOK", "owner-1", store.NewMemStore())
	first := &ProcessingError{Severity: SeverityDecode, Token: "TOK", Index: 1, Err: context.DeadlineExceeded}
	second := &ProcessingError{Severity: SeverityDecode, Token: "TOK", Index: 2, Err: context.DeadlineExceeded}

	for i := 0; i < maxConsecutiveDecodeFailures-1; i++ {
		c.shouldPause(first)
	}
	if c.shouldPause(second) {
		t.Fatal("expected a failure at a new index to restart the consecutive counter, not pause")
	}
}

func TestCoordinatorShouldPauseAlwaysPausesNonDecodeSeverities(t *testing.T) {
	c := newTestCoordinator("TOK", "owner-1", store.NewMemStore())
	fatalErr := &ProcessingError{Severity: SeverityFatal, Token: "TOK", Index: 7, Err: context.DeadlineExceeded}
	if !c.shouldPause(fatalErr) {
		t.Fatal("expected a fatal-severity error to pause on the first occurrence")
	}
}

func TestManagerResetAllTriggersEachCoordinatorsResetChannel(t *testing.T) {
	s := store.NewMemStore()
	a := newTestCoordinator("AAA", "owner-1", s)
	b := newTestCoordinator("BBB", "owner-1", s)
	manager := NewManager([]*Coordinator{a, b})

	manager.ResetAll()

	select {
	case <-a.resetCh:
	default:
		t.Fatal("expected AAA's reset channel to receive a signal")
	}
	select {
	case <-b.resetCh:
	default:
		t.Fatal("expected BBB's reset channel to receive a signal")
	}
}
