// Package api is the read-only HTTP query surface the block-explorer
// front-end consumes (spec §6's "read contract exposed to the query
// service"). It only reads through internal/store.Store and
// internal/syncer.Manager status snapshots; it never mutates.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/withobsrvr/icrc-indexer/internal/store"
	"github.com/withobsrvr/icrc-indexer/internal/syncer"
)

// Server wires the query handlers onto a gorilla/mux router.
type Server struct {
	store   store.Store
	manager *syncer.Manager
	logger  *zap.Logger
	router  *mux.Router
	cors    bool
}

// New builds a Server and registers every route named in the expanded
// endpoint list.
func New(s store.Store, manager *syncer.Manager, logger *zap.Logger) *Server {
	srv := &Server{store: s, manager: manager, logger: logger, router: mux.NewRouter()}
	srv.routes()
	return srv
}

// EnableCORS turns on permissive CORS headers for every route, for the
// block-explorer front-end this API serves (spec §6's cors_enabled).
func (s *Server) EnableCORS() *Server {
	s.cors = true
	return s
}

// corsMiddleware adds CORS headers for the block explorer frontend.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/tokens/{symbol}/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/tokens/{symbol}/supply", s.handleSupply).Methods(http.MethodGet)
	s.router.HandleFunc("/tokens/{symbol}/accounts", s.handleListAccounts).Methods(http.MethodGet)
	s.router.HandleFunc("/tokens/{symbol}/accounts/{account}/balance", s.handleBalance).Methods(http.MethodGet)
	s.router.HandleFunc("/tokens/{symbol}/accounts/{account}/transactions", s.handleAccountTransactions).Methods(http.MethodGet)
	s.router.HandleFunc("/tokens/{symbol}/transactions", s.handleTransactions).Methods(http.MethodGet)
	s.router.HandleFunc("/tokens/{symbol}/transactions/{index}", s.handleTransaction).Methods(http.MethodGet)
	s.router.HandleFunc("/tokens/{symbol}/anomalies", s.handleAnomalies).Methods(http.MethodGet)
}

// Handler returns the server's http.Handler, ready to be passed to
// http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	if s.cors {
		return corsMiddleware(s.router)
	}
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// response is already committed; nothing more to do but note it.
		return
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}
