package api

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/withobsrvr/icrc-indexer/internal/model"
	"github.com/withobsrvr/icrc-indexer/internal/store"
)

const defaultLimit = 100
const maxLimit = 1000

func tokenSymbol(r *http.Request) string {
	return strings.ToUpper(mux.Vars(r)["symbol"])
}

func parseLimit(r *http.Request) int {
	limit := defaultLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

func parseDirection(r *http.Request) store.Direction {
	if strings.EqualFold(r.URL.Query().Get("dir"), "desc") {
		return store.Descending
	}
	return store.Ascending
}

func parseFromIndex(r *http.Request) *uint64 {
	s := r.URL.Query().Get("from")
	if s == "" {
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

type txResponse struct {
	Index         uint64         `json:"index"`
	Token         string         `json:"token"`
	Kind          string         `json:"kind"`
	TimestampNs   uint64         `json:"timestamp_ns"`
	Fee           *string        `json:"fee,omitempty"`
	Memo          string         `json:"memo,omitempty"`
	CreatedAtTime *uint64        `json:"created_at_time,omitempty"`
	Detail        map[string]any `json:"detail"`
}

func toTxResponse(tx model.Tx) txResponse {
	out := txResponse{
		Index: tx.Index, Token: tx.Token, Kind: string(tx.Kind), TimestampNs: tx.TimestampNs,
		CreatedAtTime: tx.CreatedAtTime, Detail: map[string]any{},
	}
	if tx.Fee != nil {
		s := tx.Fee.String()
		out.Fee = &s
	}
	if len(tx.Memo) > 0 {
		out.Memo = hex.EncodeToString(tx.Memo)
	}

	switch tx.Kind {
	case model.KindMint:
		out.Detail["to"] = tx.Mint.To.Key()
		out.Detail["amount"] = tx.Mint.Amount.String()
	case model.KindBurn:
		out.Detail["from"] = tx.Burn.From.Key()
		out.Detail["amount"] = tx.Burn.Amount.String()
		if tx.Burn.Spender != nil {
			out.Detail["spender"] = tx.Burn.Spender.Key()
		}
	case model.KindTransfer:
		out.Detail["from"] = tx.Transfer.From.Key()
		out.Detail["to"] = tx.Transfer.To.Key()
		out.Detail["amount"] = tx.Transfer.Amount.String()
		if tx.Transfer.Spender != nil {
			out.Detail["spender"] = tx.Transfer.Spender.Key()
		}
	case model.KindApprove:
		out.Detail["from"] = tx.Approve.From.Key()
		out.Detail["spender"] = tx.Approve.Spender.Key()
		out.Detail["amount"] = tx.Approve.Amount.String()
		if tx.Approve.ExpectedAllowance != nil {
			out.Detail["expected_allowance"] = tx.Approve.ExpectedAllowance.String()
		}
		if tx.Approve.ExpiresAt != nil {
			out.Detail["expires_at"] = *tx.Approve.ExpiresAt
		}
	}
	return out
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	token := tokenSymbol(r)
	account := mux.Vars(r)["account"]

	bal, err := s.store.GetBalance(r.Context(), token, account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": account, "balance": bal.String()})
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	token := tokenSymbol(r)
	supply, err := s.store.GetSupply(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "total_supply": supply.String()})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	token := tokenSymbol(r)
	idxStr := mux.Vars(r)["index"]
	idx, err := strconv.ParseUint(idxStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid index")
		return
	}

	tx, err := s.store.GetTx(r.Context(), token, idx)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toTxResponse(tx))
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	token := tokenSymbol(r)
	limit := parseLimit(r)
	dir := parseDirection(r)
	rng := store.IndexRange{From: parseFromIndex(r)}

	txs, err := s.store.ScanTx(r.Context(), token, rng, limit, dir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]txResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTxResponse(tx))
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

func (s *Server) handleAccountTransactions(w http.ResponseWriter, r *http.Request) {
	token := tokenSymbol(r)
	account := mux.Vars(r)["account"]
	limit := parseLimit(r)
	dir := parseDirection(r)
	rng := store.IndexRange{From: parseFromIndex(r)}

	indices, err := s.store.AccountIndexes(r.Context(), token, account, rng, limit, dir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]txResponse, 0, len(indices))
	for _, idx := range indices {
		tx, err := s.store.GetTx(r.Context(), token, idx)
		if err != nil {
			continue // the tx doc and the account index are written in the same batch; a miss here means a race with an in-flight commit
		}
		out = append(out, toTxResponse(tx))
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "transactions": out})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	token := tokenSymbol(r)
	limit := parseLimit(r)

	cursor, err := decodeAccountListCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var afterAccount string
	var afterBalance *model.Amount
	if cursor != nil {
		afterAccount = cursor.Account
		afterBalance = &cursor.Balance
	}

	accounts, err := s.store.ListAccounts(r.Context(), token, limit, afterBalance, afterAccount)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type accountEntry struct {
		Account string `json:"account"`
		Balance string `json:"balance"`
	}
	out := make([]accountEntry, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountEntry{Account: a.Account, Balance: a.Balance.String()})
	}

	resp := map[string]any{"accounts": out}
	if len(accounts) == limit {
		last := accounts[len(accounts)-1]
		resp["cursor"] = accountListCursor{Balance: last.Balance, Account: last.Account}.Encode()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	token := tokenSymbol(r)
	account := r.URL.Query().Get("account")
	limit := parseLimit(r)

	anomalies, err := s.store.ListAnomalies(r.Context(), token, account, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": anomalies})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	token := tokenSymbol(r)
	c, ok := s.manager.Coordinator(token)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown token")
		return
	}
	writeJSON(w, http.StatusOK, c.Status())
}
