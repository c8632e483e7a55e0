package store

import (
	"context"
	"testing"
	"time"

	"github.com/withobsrvr/icrc-indexer/internal/model"
)

func TestMemStorePutGetTx(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	tx := model.Tx{Index: 0, Token: "T", Kind: model.KindMint, Mint: &model.Mint{}}
	if err := s.PutTx(ctx, tx); err != nil {
		t.Fatalf("PutTx: %v", err)
	}

	got, err := s.GetTx(ctx, "T", 0)
	if err != nil {
		t.Fatalf("GetTx: %v", err)
	}
	if got.Index != 0 || got.Kind != model.KindMint {
		t.Fatalf("unexpected tx: %+v", got)
	}

	if _, err := s.GetTx(ctx, "T", 1); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStoreScanTxOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	for i := uint64(0); i < 5; i++ {
		s.PutTx(ctx, model.Tx{Index: i, Token: "T", Kind: model.KindMint, Mint: &model.Mint{}})
	}

	asc, err := s.ScanTx(ctx, "T", IndexRange{}, 0, Ascending)
	if err != nil {
		t.Fatalf("ScanTx: %v", err)
	}
	for i, tx := range asc {
		if tx.Index != uint64(i) {
			t.Fatalf("ascending scan out of order at %d: got index %d", i, tx.Index)
		}
	}

	desc, err := s.ScanTx(ctx, "T", IndexRange{}, 0, Descending)
	if err != nil {
		t.Fatalf("ScanTx: %v", err)
	}
	if desc[0].Index != 4 {
		t.Fatalf("expected descending scan to start at 4, got %d", desc[0].Index)
	}
}

func TestMemStoreAppendAccountIndexIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	if err := s.AppendAccountIndex(ctx, "T", "alice", 1); err != nil {
		t.Fatalf("AppendAccountIndex: %v", err)
	}
	if err := s.AppendAccountIndex(ctx, "T", "alice", 1); err != nil {
		t.Fatalf("AppendAccountIndex (repeat): %v", err)
	}

	indices, err := s.AccountIndexes(ctx, "T", "alice", IndexRange{}, 0, Ascending)
	if err != nil {
		t.Fatalf("AccountIndexes: %v", err)
	}
	if len(indices) != 1 {
		t.Fatalf("expected one index after duplicate append, got %v", indices)
	}
}

func TestMemStoreBalanceZeroIsPreserved(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	zero, err := model.NewAmountFromString("0")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetBalance(ctx, "T", "alice", zero, 0); err != nil {
		t.Fatalf("SetBalance: %v", err)
	}

	bal, err := s.GetBalance(ctx, "T", "alice")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.IsZero() {
		t.Fatalf("expected zero balance, got %s", bal.String())
	}

	count, err := s.CountAccounts(ctx, "T")
	if err != nil {
		t.Fatalf("CountAccounts: %v", err)
	}
	if count != 0 {
		// SetBalance alone does not register an account index entry;
		// only AppendAccountIndex does (spec §4.3 keeps them distinct).
		t.Fatalf("expected CountAccounts to reflect only account index entries, got %d", count)
	}
}

func TestMemStoreAcquireLockSingleWriter(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	farLease := uint64(time.Now().Add(2 * time.Hour).UnixNano())
	nearLease := uint64(time.Now().Add(time.Hour).UnixNano())

	ok, err := s.AcquireLock(ctx, "T", "owner-a", farLease)
	if err != nil || !ok {
		t.Fatalf("expected owner-a to acquire lock, ok=%v err=%v", ok, err)
	}

	ok, err = s.AcquireLock(ctx, "T", "owner-b", nearLease)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if ok {
		t.Fatal("expected owner-b to be refused while owner-a holds a later-expiring lease")
	}

	if err := s.ReleaseLock(ctx, "T", "owner-a"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	ok, err = s.AcquireLock(ctx, "T", "owner-b", farLease)
	if err != nil || !ok {
		t.Fatalf("expected owner-b to acquire lock after release, ok=%v err=%v", ok, err)
	}
}

func TestMemStoreReset(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	s.PutTx(ctx, model.Tx{Index: 0, Token: "T", Kind: model.KindMint, Mint: &model.Mint{}})
	s.SetCursor(ctx, model.Cursor{Token: "T"})

	if err := s.Reset(ctx, "T"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if _, err := s.GetTx(ctx, "T", 0); err != ErrNotFound {
		t.Fatalf("expected tx to be gone after reset, got %v", err)
	}
	cursor, err := s.GetCursor(ctx, "T")
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if cursor.LastIndexed != nil {
		t.Fatalf("expected fresh cursor after reset, got %+v", cursor)
	}
}
