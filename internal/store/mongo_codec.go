package store

import (
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/withobsrvr/icrc-indexer/internal/model"
)

func nowNs() uint64 { return uint64(time.Now().UnixNano()) }

func sortAccountBalancesDesc(out []AccountBalance) {
	sort.Slice(out, func(i, j int) bool {
		c := out[i].Balance.Cmp(out[j].Balance)
		if c != 0 {
			return c > 0
		}
		return out[i].Account < out[j].Account
	})
}

func encodeAccount(a model.Account) bson.M {
	m := bson.M{"owner": a.Owner}
	if len(a.Subaccount) > 0 {
		m["subaccount"] = hex.EncodeToString(a.Subaccount)
	}
	return m
}

func decodeAccount(m bson.M) (model.Account, error) {
	owner, _ := m["owner"].(string)
	var sub []byte
	if hx, ok := m["subaccount"].(string); ok && hx != "" {
		b, err := hex.DecodeString(hx)
		if err != nil {
			return model.Account{}, fmt.Errorf("store: bad subaccount hex: %w", err)
		}
		sub = b
	}
	return model.NewAccount(owner, sub)
}

func amountPtrString(a *model.Amount) *string {
	if a == nil {
		return nil
	}
	s := a.String()
	return &s
}

// encodeTx flattens a model.Tx into the document shape persisted in
// "<SYMBOL>_transactions" (spec §4.3).
func encodeTx(tx model.Tx) (txDoc, error) {
	doc := txDoc{
		Index: tx.Index, Token: tx.Token, Kind: string(tx.Kind), TimestampNs: tx.TimestampNs,
		Fee: amountPtrString(tx.Fee), Memo: tx.Memo, CreatedAtTime: tx.CreatedAtTime,
	}

	payload := bson.M{}
	switch tx.Kind {
	case model.KindMint:
		payload["to"] = encodeAccount(tx.Mint.To)
		payload["amount"] = tx.Mint.Amount.String()
	case model.KindBurn:
		payload["from"] = encodeAccount(tx.Burn.From)
		payload["amount"] = tx.Burn.Amount.String()
		if tx.Burn.Spender != nil {
			payload["spender"] = encodeAccount(*tx.Burn.Spender)
		}
	case model.KindTransfer:
		payload["from"] = encodeAccount(tx.Transfer.From)
		payload["to"] = encodeAccount(tx.Transfer.To)
		payload["amount"] = tx.Transfer.Amount.String()
		if tx.Transfer.Spender != nil {
			payload["spender"] = encodeAccount(*tx.Transfer.Spender)
		}
	case model.KindApprove:
		payload["from"] = encodeAccount(tx.Approve.From)
		payload["spender"] = encodeAccount(tx.Approve.Spender)
		payload["amount"] = tx.Approve.Amount.String()
		if tx.Approve.ExpectedAllowance != nil {
			payload["expected_allowance"] = tx.Approve.ExpectedAllowance.String()
		}
		if tx.Approve.ExpiresAt != nil {
			payload["expires_at"] = *tx.Approve.ExpiresAt
		}
	default:
		return txDoc{}, fmt.Errorf("store: unknown tx kind %q", tx.Kind)
	}
	doc.Payload = payload
	return doc, nil
}

// decodeTx rebuilds a model.Tx from its stored document shape.
func decodeTx(token string, doc txDoc) (model.Tx, error) {
	tx := model.Tx{
		Index: doc.Index, Token: token, Kind: model.Kind(doc.Kind), TimestampNs: doc.TimestampNs,
		Memo: doc.Memo, CreatedAtTime: doc.CreatedAtTime,
	}
	if doc.Fee != nil {
		fee, err := model.NewAmountFromString(*doc.Fee)
		if err != nil {
			return model.Tx{}, err
		}
		tx.Fee = &fee
	}

	p := doc.Payload
	amt := func(key string) (model.Amount, error) {
		s, _ := p[key].(string)
		return model.NewAmountFromString(s)
	}
	acct := func(key string) (model.Account, error) {
		m, _ := p[key].(bson.M)
		return decodeAccount(m)
	}
	optAcct := func(key string) (*model.Account, error) {
		raw, ok := p[key]
		if !ok || raw == nil {
			return nil, nil
		}
		m, _ := raw.(bson.M)
		a, err := decodeAccount(m)
		if err != nil {
			return nil, err
		}
		return &a, nil
	}

	switch tx.Kind {
	case model.KindMint:
		to, err := acct("to")
		if err != nil {
			return model.Tx{}, err
		}
		amount, err := amt("amount")
		if err != nil {
			return model.Tx{}, err
		}
		tx.Mint = &model.Mint{To: to, Amount: amount}
	case model.KindBurn:
		from, err := acct("from")
		if err != nil {
			return model.Tx{}, err
		}
		amount, err := amt("amount")
		if err != nil {
			return model.Tx{}, err
		}
		spender, err := optAcct("spender")
		if err != nil {
			return model.Tx{}, err
		}
		tx.Burn = &model.Burn{From: from, Amount: amount, Spender: spender}
	case model.KindTransfer:
		from, err := acct("from")
		if err != nil {
			return model.Tx{}, err
		}
		to, err := acct("to")
		if err != nil {
			return model.Tx{}, err
		}
		amount, err := amt("amount")
		if err != nil {
			return model.Tx{}, err
		}
		spender, err := optAcct("spender")
		if err != nil {
			return model.Tx{}, err
		}
		tx.Transfer = &model.Transfer{From: from, To: to, Amount: amount, Spender: spender}
	case model.KindApprove:
		from, err := acct("from")
		if err != nil {
			return model.Tx{}, err
		}
		spender, err := acct("spender")
		if err != nil {
			return model.Tx{}, err
		}
		amount, err := amt("amount")
		if err != nil {
			return model.Tx{}, err
		}
		approve := &model.Approve{From: from, Spender: spender, Amount: amount}
		if s, ok := p["expected_allowance"].(string); ok {
			ea, err := model.NewAmountFromString(s)
			if err != nil {
				return model.Tx{}, err
			}
			approve.ExpectedAllowance = &ea
		}
		if n, ok := p["expires_at"]; ok && n != nil {
			if u, ok := toUint64(n); ok {
				approve.ExpiresAt = &u
			}
		}
		tx.Approve = approve
	default:
		return model.Tx{}, fmt.Errorf("store: unknown tx kind %q", doc.Kind)
	}

	return tx, nil
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case int32:
		return uint64(n), true
	case int:
		return uint64(n), true
	default:
		return 0, false
	}
}
