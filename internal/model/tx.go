// Package model holds the canonical, decoded representation of an
// ICRC-1 ledger transaction and the account/amount types it is built
// from. Nothing in this package performs I/O.
package model

// Kind identifies which variant payload a Tx carries.
type Kind string

const (
	KindMint     Kind = "mint"
	KindBurn     Kind = "burn"
	KindTransfer Kind = "transfer"
	KindApprove  Kind = "approve"
)

// Mint is the payload for a Kind == KindMint transaction.
type Mint struct {
	To     Account
	Amount Amount
}

// Burn is the payload for a Kind == KindBurn transaction.
type Burn struct {
	From    Account
	Spender *Account
	Amount  Amount
}

// Transfer is the payload for a Kind == KindTransfer transaction.
type Transfer struct {
	From    Account
	To      Account
	Spender *Account
	Amount  Amount
}

// Approve is the payload for a Kind == KindApprove transaction.
type Approve struct {
	From              Account
	Spender           Account
	Amount            Amount
	ExpectedAllowance *Amount
	ExpiresAt         *uint64
}

// Tx is the canonical transaction record (spec §3). Exactly one of the
// payload pointers matching Kind is populated.
type Tx struct {
	Index         uint64
	Token         string
	Kind          Kind
	TimestampNs   uint64
	Fee           *Amount
	Memo          []byte
	CreatedAtTime *uint64

	Mint     *Mint
	Burn     *Burn
	Transfer *Transfer
	Approve  *Approve
}

// Accounts returns every account this transaction touches, used to
// maintain the per-account index set (spec invariant I4).
func (t Tx) Accounts() []Account {
	switch t.Kind {
	case KindMint:
		return []Account{t.Mint.To}
	case KindBurn:
		accs := []Account{t.Burn.From}
		if t.Burn.Spender != nil {
			accs = append(accs, *t.Burn.Spender)
		}
		return accs
	case KindTransfer:
		accs := []Account{t.Transfer.From, t.Transfer.To}
		if t.Transfer.Spender != nil {
			accs = append(accs, *t.Transfer.Spender)
		}
		return accs
	case KindApprove:
		return []Account{t.Approve.From, t.Approve.Spender}
	default:
		return nil
	}
}

// AnomalyKind enumerates the discrepancies the balance engine records
// rather than failing on (spec §3, §4.4).
type AnomalyKind string

const (
	AnomalyUnderflow       AnomalyKind = "underflow"
	AnomalySupplyUnderflow AnomalyKind = "supply_underflow"
	AnomalyNegativeAmount  AnomalyKind = "negative_amount"
)

// Anomaly is an append-only record of a clamp the balance engine had to
// apply.
type Anomaly struct {
	Token   string
	Account string
	Index   uint64
	Kind    AnomalyKind
	Details string
}

// Cursor is the per-token durable sync position (spec §3).
type Cursor struct {
	Token                 string
	LastIndexed           *uint64 // nil means nothing indexed yet
	ArchivePhaseComplete  bool
	UpdatedAt             uint64 // unix nanos
	Owner                 string // advisory-lock holder (process id)
	OwnerLeaseExpiresAtNs uint64
}

// HasIndexed reports whether index n has already been durably committed.
func (c Cursor) HasIndexed(n uint64) bool {
	return c.LastIndexed != nil && n <= *c.LastIndexed
}

// TokenDescriptor is the cached metadata for a configured token (spec §3).
type TokenDescriptor struct {
	Symbol     string
	Name       string
	CanisterID string
	Decimals   uint32
}
