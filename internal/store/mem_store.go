package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/withobsrvr/icrc-indexer/internal/model"
)

// MemStore is an in-process, mutex-guarded Store implementation used by
// the unit tests for the syncers, the sync coordinator and the query
// API. It is not meant for production use; MongoStore is.
type MemStore struct {
	mu sync.Mutex

	txs       map[string]map[uint64]model.Tx
	accounts  map[string]map[string][]uint64
	balances  map[string]map[string]model.Amount
	supply    map[string]model.Amount
	anomalies map[string][]model.Anomaly
	cursors   map[string]model.Cursor
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		txs:       make(map[string]map[uint64]model.Tx),
		accounts:  make(map[string]map[string][]uint64),
		balances:  make(map[string]map[string]model.Amount),
		supply:    make(map[string]model.Amount),
		anomalies: make(map[string][]model.Anomaly),
		cursors:   make(map[string]model.Cursor),
	}
}

func (s *MemStore) PutTx(_ context.Context, tx model.Tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txs[tx.Token] == nil {
		s.txs[tx.Token] = make(map[uint64]model.Tx)
	}
	s.txs[tx.Token][tx.Index] = tx // upsert: re-applying is a no-op in effect
	return nil
}

func (s *MemStore) GetTx(_ context.Context, token string, index uint64) (model.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[token][index]
	if !ok {
		return model.Tx{}, ErrNotFound
	}
	return tx, nil
}

func (s *MemStore) ScanTx(_ context.Context, token string, r IndexRange, limit int, dir Direction) ([]model.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Tx
	for idx, tx := range s.txs[token] {
		if r.From != nil && idx < *r.From {
			continue
		}
		if r.To != nil && idx > *r.To {
			continue
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if dir == Descending {
			return out[i].Index > out[j].Index
		}
		return out[i].Index < out[j].Index
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) MaxIndex(_ context.Context, token string) (*uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max *uint64
	for idx := range s.txs[token] {
		if max == nil || idx > *max {
			v := idx
			max = &v
		}
	}
	return max, nil
}

func (s *MemStore) AppendAccountIndex(_ context.Context, token, account string, index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accounts[token] == nil {
		s.accounts[token] = make(map[string][]uint64)
	}
	existing := s.accounts[token][account]
	for _, idx := range existing {
		if idx == index {
			return nil // idempotent
		}
	}
	s.accounts[token][account] = append(existing, index)
	return nil
}

func (s *MemStore) AccountIndexes(_ context.Context, token, account string, r IndexRange, limit int, dir Direction) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint64
	for _, idx := range s.accounts[token][account] {
		if r.From != nil && idx < *r.From {
			continue
		}
		if r.To != nil && idx > *r.To {
			continue
		}
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool {
		if dir == Descending {
			return out[i] > out[j]
		}
		return out[i] < out[j]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) ListAccounts(_ context.Context, token string, limit int, afterBalance *model.Amount, afterAccount string) ([]AccountBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AccountBalance
	for acct, bal := range s.balances[token] {
		out = append(out, AccountBalance{Account: acct, Balance: bal})
	}
	sort.Slice(out, func(i, j int) bool {
		c := out[i].Balance.Cmp(out[j].Balance)
		if c != 0 {
			return c > 0 // balance desc
		}
		return out[i].Account < out[j].Account
	})
	if afterBalance != nil {
		idx := 0
		for idx < len(out) && !(out[idx].Balance.Cmp(*afterBalance) < 0 || (out[idx].Balance.Cmp(*afterBalance) == 0 && out[idx].Account > afterAccount)) {
			idx++
		}
		out = out[idx:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) CountAccounts(_ context.Context, token string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.accounts[token])), nil
}

func (s *MemStore) SetBalance(_ context.Context, token, account string, amount model.Amount, _ uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[token] == nil {
		s.balances[token] = make(map[string]model.Amount)
	}
	s.balances[token][account] = amount // zero amount preserved, never deleted
	return nil
}

func (s *MemStore) GetBalance(_ context.Context, token, account string) (model.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bal, ok := s.balances[token][account]; ok {
		return bal, nil
	}
	return model.ZeroAmount(), nil
}

func (s *MemStore) SetSupply(_ context.Context, token string, amount model.Amount, _ uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supply[token] = amount
	return nil
}

func (s *MemStore) GetSupply(_ context.Context, token string) (model.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supply[token], nil
}

func (s *MemStore) PutAnomaly(_ context.Context, a model.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anomalies[a.Token] = append(s.anomalies[a.Token], a)
	return nil
}

func (s *MemStore) ListAnomalies(_ context.Context, token, account string, limit int) ([]model.Anomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Anomaly
	for _, a := range s.anomalies[token] {
		if account != "" && a.Account != account {
			continue
		}
		out = append(out, a)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) GetCursor(_ context.Context, token string) (model.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[token]
	if !ok {
		return model.Cursor{Token: token}, nil
	}
	return c, nil
}

func (s *MemStore) SetCursor(_ context.Context, cursor model.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[cursor.Token] = cursor
	return nil
}

func (s *MemStore) AcquireLock(_ context.Context, token, owner string, leaseExpiresAtNs uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cursors[token]
	c.Token = token
	if c.Owner != "" && c.Owner != owner && c.OwnerLeaseExpiresAtNs >= uint64(time.Now().UnixNano()) {
		return false, nil
	}
	c.Owner = owner
	c.OwnerLeaseExpiresAtNs = leaseExpiresAtNs
	s.cursors[token] = c
	return true, nil
}

func (s *MemStore) ReleaseLock(_ context.Context, token, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cursors[token]
	if c.Owner == owner {
		c.Owner = ""
		c.OwnerLeaseExpiresAtNs = 0
		s.cursors[token] = c
	}
	return nil
}

func (s *MemStore) Reset(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.txs, token)
	delete(s.accounts, token)
	delete(s.balances, token)
	delete(s.supply, token)
	delete(s.anomalies, token)
	delete(s.cursors, token)
	return nil
}
