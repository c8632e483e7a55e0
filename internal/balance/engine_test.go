package balance

import (
	"testing"

	"github.com/withobsrvr/icrc-indexer/internal/model"
)

func amt(t *testing.T, s string) model.Amount {
	t.Helper()
	a, err := model.NewAmountFromString(s)
	if err != nil {
		t.Fatalf("bad amount %q: %v", s, err)
	}
	return a
}

func acc(t *testing.T, s string) model.Account {
	t.Helper()
	a, err := model.ParseAccountKey(s)
	if err != nil {
		t.Fatalf("bad account %q: %v", s, err)
	}
	return a
}

func applyAll(t *testing.T, txs []model.Tx) (State, []model.Anomaly) {
	t.Helper()
	state := NewState()
	var all []model.Anomaly
	var lastIndexed *uint64
	for _, tx := range txs {
		anomalies, err := Apply(state, tx, lastIndexed)
		if err != nil {
			t.Fatalf("apply index %d: %v", tx.Index, err)
		}
		all = append(all, anomalies...)
		idx := tx.Index
		lastIndexed = &idx
	}
	return state, all
}

// Scenario 1: mint then transfer (spec §8 scenario 1).
func TestScenarioMintThenTransfer(t *testing.T) {
	txs := []model.Tx{
		{Index: 0, Token: "T", Kind: model.KindMint, Mint: &model.Mint{To: acc(t, "A"), Amount: amt(t, "1000")}},
		{Index: 1, Token: "T", Kind: model.KindTransfer, Fee: ptrAmt(amt(t, "1")),
			Transfer: &model.Transfer{From: acc(t, "A"), To: acc(t, "B"), Amount: amt(t, "300")}},
	}
	state, anomalies := applyAll(t, txs)

	if got := state.balance("A").String(); got != "699" {
		t.Fatalf("A balance = %s, want 699", got)
	}
	if got := state.balance("B").String(); got != "300" {
		t.Fatalf("B balance = %s, want 300", got)
	}
	if got := state.Supply.String(); got != "999" {
		t.Fatalf("supply = %s, want 999", got)
	}
	if len(anomalies) != 0 {
		t.Fatalf("expected no anomalies, got %v", anomalies)
	}
}

// Scenario 2: burn underflow (spec §8 scenario 2).
func TestScenarioBurnUnderflow(t *testing.T) {
	txs := []model.Tx{
		{Index: 0, Token: "T", Kind: model.KindMint, Mint: &model.Mint{To: acc(t, "A"), Amount: amt(t, "10")}},
		{Index: 1, Token: "T", Kind: model.KindBurn, Burn: &model.Burn{From: acc(t, "A"), Amount: amt(t, "15")}},
	}
	state, anomalies := applyAll(t, txs)

	if got := state.balance("A").String(); got != "0" {
		t.Fatalf("A balance = %s, want 0", got)
	}
	if got := state.Supply.String(); got != "0" {
		t.Fatalf("supply = %s, want 0", got)
	}
	if len(anomalies) != 1 || anomalies[0].Kind != model.AnomalyUnderflow || anomalies[0].Account != "A" || anomalies[0].Index != 1 {
		t.Fatalf("unexpected anomalies: %+v", anomalies)
	}
}

// Scenario 3: approve leaves balances unchanged except for the burned fee
// (spec §8 scenario 3).
func TestScenarioApproveBurnsFeeOnly(t *testing.T) {
	txs := []model.Tx{
		{Index: 0, Token: "T", Kind: model.KindMint, Mint: &model.Mint{To: acc(t, "A"), Amount: amt(t, "100")}},
		{Index: 1, Token: "T", Kind: model.KindApprove, Fee: ptrAmt(amt(t, "2")),
			Approve: &model.Approve{From: acc(t, "A"), Spender: acc(t, "C"), Amount: amt(t, "50")}},
	}
	state, anomalies := applyAll(t, txs)

	if got := state.balance("A").String(); got != "98" {
		t.Fatalf("A balance = %s, want 98", got)
	}
	if got := state.Supply.String(); got != "98" {
		t.Fatalf("supply = %s, want 98", got)
	}
	if len(anomalies) != 0 {
		t.Fatalf("expected no anomalies, got %v", anomalies)
	}
}

func TestApplyRefusesOutOfOrderIndex(t *testing.T) {
	last := uint64(5)
	tx := model.Tx{Index: 5, Token: "T", Kind: model.KindMint, Mint: &model.Mint{To: acc(t, "A"), Amount: amt(t, "1")}}
	_, err := Apply(NewState(), tx, &last)
	if err == nil {
		t.Fatal("expected ErrOutOfOrder")
	}
}

func TestDeterminismAcrossRuns(t *testing.T) {
	txs := []model.Tx{
		{Index: 0, Token: "T", Kind: model.KindMint, Mint: &model.Mint{To: acc(t, "A"), Amount: amt(t, "500")}},
		{Index: 1, Token: "T", Kind: model.KindMint, Mint: &model.Mint{To: acc(t, "B"), Amount: amt(t, "500")}},
		{Index: 2, Token: "T", Kind: model.KindTransfer, Transfer: &model.Transfer{From: acc(t, "A"), To: acc(t, "B"), Amount: amt(t, "100")}},
	}
	state1, _ := applyAll(t, txs)
	state2, _ := applyAll(t, txs)

	if state1.balance("A").String() != state2.balance("A").String() ||
		state1.balance("B").String() != state2.balance("B").String() ||
		state1.Supply.String() != state2.Supply.String() {
		t.Fatal("two runs over the same prefix produced different states")
	}
}

func ptrAmt(a model.Amount) *model.Amount { return &a }
