// Package balance implements the ICRC ledger's balance/supply state
// transition (spec §4.4). Apply is pure: it takes a State and a
// model.Tx and returns the next State plus any anomalies recorded along
// the way. It performs no I/O and holds no store handle, matching the
// concurrency model's requirement that decode+apply never suspend
// (spec §5).
package balance

import (
	"fmt"

	"github.com/withobsrvr/icrc-indexer/internal/model"
)

// State is the balance engine's working set: one account->balance map
// plus the token's total supply.
type State struct {
	Balances map[string]model.Amount
	Supply   model.Amount
}

// NewState returns an empty state.
func NewState() State {
	return State{Balances: make(map[string]model.Amount)}
}

func (s State) balance(account string) model.Amount {
	if a, ok := s.Balances[account]; ok {
		return a
	}
	return model.ZeroAmount()
}

// ErrOutOfOrder is returned when Apply is asked to apply a transaction
// at or before the cursor it is given, violating the strictly
// increasing index ordering the engine requires (spec §4.4).
type ErrOutOfOrder struct {
	Index       uint64
	LastIndexed uint64
}

func (e ErrOutOfOrder) Error() string {
	return fmt.Sprintf("tx index %d is not greater than last indexed %d", e.Index, e.LastIndexed)
}

// Apply applies a single canonical transaction to state, in place,
// returning any anomalies recorded. lastIndexed is the cursor's current
// last_indexed value (nil if nothing has been indexed yet); Apply
// refuses to apply a tx at or before it.
func Apply(state State, tx model.Tx, lastIndexed *uint64) ([]model.Anomaly, error) {
	if lastIndexed != nil && tx.Index <= *lastIndexed {
		return nil, ErrOutOfOrder{Index: tx.Index, LastIndexed: *lastIndexed}
	}

	var anomalies []model.Anomaly
	switch tx.Kind {
	case model.KindMint:
		applyMint(state, tx)
	case model.KindBurn:
		anomalies = applyBurn(state, tx)
	case model.KindTransfer:
		anomalies = applyTransfer(state, tx)
	case model.KindApprove:
		anomalies = applyApprove(state, tx)
	default:
		return nil, fmt.Errorf("balance engine: unhandled tx kind %q at index %d", tx.Kind, tx.Index)
	}
	return anomalies, nil
}

func applyMint(state State, tx model.Tx) {
	to := tx.Mint.To.Key()
	state.Balances[to] = state.balance(to).Add(tx.Mint.Amount)
	state.Supply = state.Supply.Add(tx.Mint.Amount)
}

func applyBurn(state State, tx model.Tx) []model.Anomaly {
	from := tx.Burn.From.Key()
	var anomalies []model.Anomaly

	current := state.balance(from)
	newBal, ok := current.SubClamped(tx.Burn.Amount)
	effectiveAmount := tx.Burn.Amount
	if !ok {
		anomalies = append(anomalies, model.Anomaly{
			Token: tx.Token, Account: from, Index: tx.Index, Kind: model.AnomalyUnderflow,
			Details: fmt.Sprintf("burn %s exceeds balance %s", tx.Burn.Amount, current),
		})
		effectiveAmount = current // clamp: burn at most what the account holds
		newBal = model.ZeroAmount()
	}
	state.Balances[from] = newBal

	if state.Supply.Cmp(effectiveAmount) < 0 {
		anomalies = append(anomalies, model.Anomaly{
			Token: tx.Token, Account: from, Index: tx.Index, Kind: model.AnomalySupplyUnderflow,
			Details: fmt.Sprintf("burn %s exceeds supply %s", effectiveAmount, state.Supply),
		})
		state.Supply = model.ZeroAmount()
	} else {
		state.Supply = state.Supply.Sub(effectiveAmount)
	}
	return anomalies
}

func applyTransfer(state State, tx model.Tx) []model.Anomaly {
	from := tx.Transfer.From.Key()
	to := tx.Transfer.To.Key()
	var anomalies []model.Anomaly

	fee := model.ZeroAmount()
	if tx.Fee != nil {
		fee = *tx.Fee
	}
	debit := tx.Transfer.Amount.Add(fee)

	current := state.balance(from)
	newBal, ok := current.SubClamped(debit)
	if !ok {
		anomalies = append(anomalies, model.Anomaly{
			Token: tx.Token, Account: from, Index: tx.Index, Kind: model.AnomalyUnderflow,
			Details: fmt.Sprintf("transfer debit %s exceeds balance %s", debit, current),
		})
		newBal = model.ZeroAmount()
	}
	state.Balances[from] = newBal
	state.Balances[to] = state.balance(to).Add(tx.Transfer.Amount)

	if !fee.IsZero() {
		burned := fee.Min(state.Supply)
		state.Supply = state.Supply.Sub(burned)
	}
	return anomalies
}

// applyApprove never touches balances beyond the fee it may burn
// (spec §4.4: "approve: no balance change").
func applyApprove(state State, tx model.Tx) []model.Anomaly {
	if tx.Fee == nil || tx.Fee.IsZero() {
		return nil
	}
	from := tx.Approve.From.Key()
	var anomalies []model.Anomaly

	current := state.balance(from)
	newBal, ok := current.SubClamped(*tx.Fee)
	if !ok {
		anomalies = append(anomalies, model.Anomaly{
			Token: tx.Token, Account: from, Index: tx.Index, Kind: model.AnomalyUnderflow,
			Details: fmt.Sprintf("approve fee %s exceeds balance %s", tx.Fee, current),
		})
		newBal = model.ZeroAmount()
	}
	state.Balances[from] = newBal

	burned := tx.Fee.Min(state.Supply)
	state.Supply = state.Supply.Sub(burned)
	return anomalies
}
