package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/icrc-indexer/internal/ledger"
	"github.com/withobsrvr/icrc-indexer/internal/model"
	"github.com/withobsrvr/icrc-indexer/internal/store"
	"github.com/withobsrvr/icrc-indexer/internal/syncer"
)

type noopClient struct{}

func (noopClient) ListArchives(context.Context) ([]ledger.ArchiveDescriptor, error) { return nil, nil }
func (noopClient) GetTransactions(context.Context, string, uint64, uint64) (ledger.TxBatch, error) {
	return ledger.TxBatch{}, nil
}
func (noopClient) GetMetadata(context.Context, string) (ledger.Metadata, error) {
	return ledger.Metadata{}, nil
}
func (noopClient) GetTipLength(context.Context, string) (uint64, error) { return 0, nil }

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	s := store.NewMemStore()
	token := model.TokenDescriptor{Symbol: "TOK", CanisterID: "aaaaa-aa"}
	coordinator := syncer.New(token, noopClient{}, s, zap.NewNop(), "owner-1", time.Minute)
	manager := syncer.NewManager([]*syncer.Coordinator{coordinator})
	return New(s, manager, zap.NewNop()), s
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleBalanceAndSupply(t *testing.T) {
	ctx := context.Background()
	srv, s := newTestServer(t)

	bal, _ := model.NewAmountFromString("1234")
	if err := s.SetBalance(ctx, "TOK", "alice", bal, 0); err != nil {
		t.Fatalf("SetBalance: %v", err)
	}
	supply, _ := model.NewAmountFromString("5000")
	if err := s.SetSupply(ctx, "TOK", supply, 0); err != nil {
		t.Fatalf("SetSupply: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/tokens/tok/accounts/alice/balance", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var balResp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &balResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if balResp["balance"] != "1234" {
		t.Fatalf("expected balance 1234, got %q", balResp["balance"])
	}

	req = httptest.NewRequest(http.MethodGet, "/tokens/tok/supply", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	var supplyResp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &supplyResp)
	if supplyResp["total_supply"] != "5000" {
		t.Fatalf("expected total_supply 5000, got %q", supplyResp["total_supply"])
	}
}

func TestHandleTransactionNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/tokens/tok/transactions/42", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleTransactionAndList(t *testing.T) {
	ctx := context.Background()
	srv, s := newTestServer(t)

	amount, _ := model.NewAmountFromString("10")
	tx := model.Tx{Index: 0, Token: "TOK", Kind: model.KindMint, Mint: &model.Mint{Amount: amount}}
	if err := s.PutTx(ctx, tx); err != nil {
		t.Fatalf("PutTx: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/tokens/tok/transactions/0", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/tokens/tok/transactions", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var listResp map[string][]txResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(listResp["transactions"]) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(listResp["transactions"]))
	}
}

func TestHandleStatusUnknownToken(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/tokens/zzz/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unconfigured token, got %d", rec.Code)
	}
}

func TestHandleStatusKnownToken(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/tokens/tok/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEnableCORSAddsHeadersAndHandlesPreflight(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.EnableCORS()

	req := httptest.NewRequest(http.MethodOptions, "/tokens/tok/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected preflight to short-circuit with 200, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS header on preflight response, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS header on a normal GET response, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestCORSDisabledByDefault(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("expected no CORS header when EnableCORS was never called, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}
