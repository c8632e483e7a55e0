package ledger

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/aviate-labs/agent-go"
	"github.com/aviate-labs/agent-go/principal"
	"go.uber.org/zap"

	"github.com/withobsrvr/icrc-indexer/internal/decode"
)

// callTimeout bounds the context each canister call attempt is handed.
// query and queryOn do not pass that context to the agent, so it does
// not interrupt a call already in flight.
const callTimeout = 60 * time.Second

// AgentClient is the production Client, speaking candid to IC canisters
// through an aviate-labs/agent-go agent. Every exported method is
// wrapped in the package's Retrier so callers see only ErrLedgerUnavailable
// on persistent failure.
type AgentClient struct {
	agent   *agent.Agent
	retrier *Retrier
	logger  *zap.Logger
}

// NewAgentClient builds an AgentClient pointed at icURL (the IC boundary
// node root, e.g. "https://icp-api.io").
func NewAgentClient(icURL string, logger *zap.Logger) (*AgentClient, error) {
	cfg := agent.Config{
		ClientConfig: &agent.ClientConfig{Host: mustParseURL(icURL)},
	}
	a, err := agent.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("ledger: build agent: %w", err)
	}
	return &AgentClient{
		agent:   a,
		retrier: NewRetrier(DefaultRetryPolicy(), logger),
		logger:  logger,
	}, nil
}

type archiveInfo struct {
	CanisterID principal.Principal `ic:"canister_id"`
	Start      uint64              `ic:"start"`
	Length     uint64              `ic:"length"`
}

func (c *AgentClient) ListArchives(ctx context.Context) ([]ArchiveDescriptor, error) {
	var out []ArchiveDescriptor
	err := c.call(ctx, "list_archives", func(ctx context.Context) error {
		var infos []archiveInfo
		if err := c.query(ctx, "icrc3_get_archives", []any{struct{}{}}, &infos); err != nil {
			return err
		}
		descs := make([]ArchiveDescriptor, 0, len(infos))
		for _, info := range infos {
			descs = append(descs, ArchiveDescriptor{
				CanisterID: info.CanisterID.String(),
				From:       info.Start,
				To:         info.Start + info.Length - 1,
			})
		}
		out = descs
		return nil
	})
	return out, err
}

func (c *AgentClient) GetTransactions(ctx context.Context, canisterID string, from uint64, length uint64) (TxBatch, error) {
	length = ClampLength(length)
	var batch TxBatch
	err := c.call(ctx, "get_transactions", func(ctx context.Context) error {
		var resp struct {
			Transactions   []decode.Raw        `ic:"transactions"`
			ArchivedRanges []archivedRangeWire `ic:"archived_transactions"`
		}
		args := []any{struct {
			Start  uint64 `ic:"start"`
			Length uint64 `ic:"length"`
		}{Start: from, Length: length}}
		if err := c.queryOn(ctx, canisterID, "get_transactions", args, &resp); err != nil {
			return err
		}
		ranges := make([]ArchiveDescriptor, 0, len(resp.ArchivedRanges))
		for _, r := range resp.ArchivedRanges {
			ranges = append(ranges, ArchiveDescriptor{
				CanisterID: r.Callback.CanisterID.String(),
				From:       r.Start,
				To:         r.Start + r.Length - 1,
			})
		}
		batch = TxBatch{Transactions: resp.Transactions, ArchivedRanges: ranges}
		return nil
	})
	return batch, err
}

type archivedRangeWire struct {
	Start    uint64 `ic:"start"`
	Length   uint64 `ic:"length"`
	Callback struct {
		CanisterID principal.Principal `ic:"canister_id"`
	} `ic:"callback"`
}

func (c *AgentClient) GetMetadata(ctx context.Context, canisterID string) (Metadata, error) {
	var md Metadata
	err := c.call(ctx, "get_metadata", func(ctx context.Context) error {
		var pairs []struct {
			Key   string `ic:"0"`
			Value any    `ic:"1"`
		}
		if err := c.queryOn(ctx, canisterID, "icrc1_metadata", []any{struct{}{}}, &pairs); err != nil {
			return err
		}
		for _, kv := range pairs {
			switch kv.Key {
			case "icrc1:decimals":
				if n, ok := kv.Value.(uint8); ok {
					md.Decimals = int(n)
				}
			case "icrc1:symbol":
				if s, ok := kv.Value.(string); ok {
					md.Symbol = s
				}
			case "icrc1:name":
				if s, ok := kv.Value.(string); ok {
					md.Name = s
				}
			}
		}
		var supply any
		if err := c.queryOn(ctx, canisterID, "icrc1_total_supply", []any{}, &supply); err == nil {
			md.TotalSupply = fmt.Sprintf("%v", supply)
		}
		return nil
	})
	return md, err
}

func (c *AgentClient) GetTipLength(ctx context.Context, canisterID string) (uint64, error) {
	var tip uint64
	err := c.call(ctx, "get_tip_length", func(ctx context.Context) error {
		var resp struct {
			LogLength uint64 `ic:"log_length"`
		}
		if err := c.queryOn(ctx, canisterID, "get_transactions", []any{struct {
			Start  uint64 `ic:"start"`
			Length uint64 `ic:"length"`
		}{Start: 0, Length: 0}}, &resp); err != nil {
			return err
		}
		tip = resp.LogLength
		return nil
	})
	return tip, err
}

// call wraps fn with the package retrier and hands each attempt a
// context bounded by callTimeout.
func (c *AgentClient) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return c.retrier.Do(ctx, operation, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		return fn(cctx)
	})
}

// query issues a query call against the agent's configured default
// canister (used for ledger-root methods like icrc3_get_archives).
func (c *AgentClient) query(ctx context.Context, method string, args []any, out any) error {
	return agent.Query(c.agent, c.agent.CanisterId(), method, args, []any{out})
}

// queryOn issues a query call against an explicit canister id string.
func (c *AgentClient) queryOn(ctx context.Context, canisterID, method string, args []any, out any) error {
	pid, err := principal.Decode(canisterID)
	if err != nil {
		return fmt.Errorf("ledger: bad canister id %q: %w", canisterID, err)
	}
	return agent.Query(c.agent, pid, method, args, []any{out})
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(fmt.Sprintf("ledger: invalid ic_url %q: %v", raw, err))
	}
	return u
}
