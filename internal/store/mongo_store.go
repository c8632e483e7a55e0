package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/withobsrvr/icrc-indexer/internal/model"
)

// MongoStore is the production Store, keeping the five per-token
// collections and the global sync_status collection the spec names in
// §4.3: "<SYMBOL>_transactions", "<SYMBOL>_accounts", "<SYMBOL>_balances",
// "<SYMBOL>_balance_anomalies", "<SYMBOL>_total_supply", "sync_status".
type MongoStore struct {
	db *mongo.Database
}

// NewMongoStore wraps an already-connected mongo.Database.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

func (s *MongoStore) txColl(token string) *mongo.Collection       { return s.db.Collection(token + "_transactions") }
func (s *MongoStore) accountsColl(token string) *mongo.Collection { return s.db.Collection(token + "_accounts") }
func (s *MongoStore) balancesColl(token string) *mongo.Collection { return s.db.Collection(token + "_balances") }
func (s *MongoStore) anomaliesColl(token string) *mongo.Collection {
	return s.db.Collection(token + "_balance_anomalies")
}
func (s *MongoStore) supplyColl(token string) *mongo.Collection { return s.db.Collection(token + "_total_supply") }
func (s *MongoStore) syncStatusColl() *mongo.Collection         { return s.db.Collection("sync_status") }

// EnsureIndexes creates the indexes §4.3 requires for one token's
// collections. It is idempotent and safe to call on every coordinator
// Init transition.
func (s *MongoStore) EnsureIndexes(ctx context.Context, token string) error {
	if _, err := s.txColl(token).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "index", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "timestamp_ns", Value: -1}}},
	}); err != nil {
		return fmt.Errorf("store: ensure tx indexes for %s: %w", token, err)
	}

	if _, err := s.accountsColl(token).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "account", Value: 1}}, Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("store: ensure account indexes for %s: %w", token, err)
	}

	if _, err := s.balancesColl(token).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "account", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "balance_sort", Value: -1}}},
	}); err != nil {
		return fmt.Errorf("store: ensure balance indexes for %s: %w", token, err)
	}

	if _, err := s.anomaliesColl(token).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "account", Value: 1}, {Key: "index", Value: 1}},
	}); err != nil {
		return fmt.Errorf("store: ensure anomaly indexes for %s: %w", token, err)
	}

	return nil
}

type txDoc struct {
	Index         uint64  `bson:"index"`
	Token         string  `bson:"token"`
	Kind          string  `bson:"kind"`
	TimestampNs   uint64  `bson:"timestamp_ns"`
	Fee           *string `bson:"fee,omitempty"`
	Memo          []byte  `bson:"memo,omitempty"`
	CreatedAtTime *uint64 `bson:"created_at_time,omitempty"`
	Payload       bson.M  `bson:"payload"`
}

func (s *MongoStore) PutTx(ctx context.Context, tx model.Tx) error {
	doc, err := encodeTx(tx)
	if err != nil {
		return err
	}
	opts := options.Replace().SetUpsert(true)
	_, err = s.txColl(tx.Token).ReplaceOne(ctx, bson.M{"index": tx.Index}, doc, opts)
	return err
}

func (s *MongoStore) GetTx(ctx context.Context, token string, index uint64) (model.Tx, error) {
	var doc txDoc
	err := s.txColl(token).FindOne(ctx, bson.M{"index": index}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return model.Tx{}, ErrNotFound
	}
	if err != nil {
		return model.Tx{}, err
	}
	return decodeTx(token, doc)
}

func (s *MongoStore) ScanTx(ctx context.Context, token string, r IndexRange, limit int, dir Direction) ([]model.Tx, error) {
	filter := bson.M{}
	idxFilter := bson.M{}
	if r.From != nil {
		idxFilter["$gte"] = *r.From
	}
	if r.To != nil {
		idxFilter["$lte"] = *r.To
	}
	if len(idxFilter) > 0 {
		filter["index"] = idxFilter
	}

	order := 1
	if dir == Descending {
		order = -1
	}
	opts := options.Find().SetSort(bson.D{{Key: "index", Value: order}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.txColl(token).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []model.Tx
	for cur.Next(ctx) {
		var doc txDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		tx, err := decodeTx(token, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, cur.Err()
}

func (s *MongoStore) MaxIndex(ctx context.Context, token string) (*uint64, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "index", Value: -1}})
	var doc txDoc
	err := s.txColl(token).FindOne(ctx, bson.M{}, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc.Index, nil
}

func (s *MongoStore) AppendAccountIndex(ctx context.Context, token, account string, index uint64) error {
	_, err := s.accountsColl(token).UpdateOne(ctx,
		bson.M{"account": account},
		bson.M{"$addToSet": bson.M{"transactions": index}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) AccountIndexes(ctx context.Context, token, account string, r IndexRange, limit int, dir Direction) ([]uint64, error) {
	var doc struct {
		Transactions []uint64 `bson:"transactions"`
	}
	err := s.accountsColl(token).FindOne(ctx, bson.M{"account": account}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	indices := doc.Transactions
	if dir == Descending {
		for i, j := 0, len(indices)-1; i < j; i, j = i+1, j-1 {
			indices[i], indices[j] = indices[j], indices[i]
		}
	}
	var out []uint64
	for _, idx := range indices {
		if r.From != nil && idx < *r.From {
			continue
		}
		if r.To != nil && idx > *r.To {
			continue
		}
		out = append(out, idx)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type balanceDoc struct {
	Account     string `bson:"account"`
	Balance     string `bson:"balance"`
	BalanceSort int64  `bson:"balance_sort"` // capped approximation used only for sort order; the ranked query re-checks with Balance
	UpdatedAt   uint64 `bson:"updated_at_index"`
}

func (s *MongoStore) ListAccounts(ctx context.Context, token string, limit int, afterBalance *model.Amount, afterAccount string) ([]AccountBalance, error) {
	opts := options.Find().SetSort(bson.D{{Key: "balance_sort", Value: -1}, {Key: "account", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit) * 2) // over-fetch: balance_sort is an approximation, re-sort precisely below
	}
	cur, err := s.balancesColl(token).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []balanceDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]AccountBalance, 0, len(docs))
	for _, d := range docs {
		amt, err := model.NewAmountFromString(d.Balance)
		if err != nil {
			return nil, fmt.Errorf("store: corrupt balance for %s/%s: %w", token, d.Account, err)
		}
		out = append(out, AccountBalance{Account: d.Account, Balance: amt})
	}
	sortAccountBalancesDesc(out)

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

func (s *MongoStore) CountAccounts(ctx context.Context, token string) (int64, error) {
	return s.accountsColl(token).CountDocuments(ctx, bson.M{})
}

func (s *MongoStore) SetBalance(ctx context.Context, token, account string, amount model.Amount, atIndex uint64) error {
	sortKey := amount.SortKey()
	_, err := s.balancesColl(token).UpdateOne(ctx,
		bson.M{"account": account},
		bson.M{"$set": bson.M{
			"account": account, "balance": amount.String(), "balance_sort": sortKey, "updated_at_index": atIndex,
		}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) GetBalance(ctx context.Context, token, account string) (model.Amount, error) {
	var doc balanceDoc
	err := s.balancesColl(token).FindOne(ctx, bson.M{"account": account}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return model.ZeroAmount(), nil
	}
	if err != nil {
		return model.Amount{}, err
	}
	return model.NewAmountFromString(doc.Balance)
}

type supplyDoc struct {
	TotalSupply    string `bson:"total_supply"`
	UpdatedAtIndex uint64 `bson:"updated_at_index"`
}

func (s *MongoStore) SetSupply(ctx context.Context, token string, amount model.Amount, atIndex uint64) error {
	_, err := s.supplyColl(token).UpdateOne(ctx,
		bson.M{"_id": "supply"},
		bson.M{"$set": bson.M{"total_supply": amount.String(), "updated_at_index": atIndex}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) GetSupply(ctx context.Context, token string) (model.Amount, error) {
	var doc supplyDoc
	err := s.supplyColl(token).FindOne(ctx, bson.M{"_id": "supply"}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return model.ZeroAmount(), nil
	}
	if err != nil {
		return model.Amount{}, err
	}
	return model.NewAmountFromString(doc.TotalSupply)
}

type anomalyDoc struct {
	Account string `bson:"account"`
	Index   uint64 `bson:"index"`
	Kind    string `bson:"kind"`
	Details string `bson:"details"`
}

func (s *MongoStore) PutAnomaly(ctx context.Context, a model.Anomaly) error {
	_, err := s.anomaliesColl(a.Token).InsertOne(ctx, anomalyDoc{
		Account: a.Account, Index: a.Index, Kind: string(a.Kind), Details: a.Details,
	})
	return err
}

func (s *MongoStore) ListAnomalies(ctx context.Context, token, account string, limit int) ([]model.Anomaly, error) {
	filter := bson.M{}
	if account != "" {
		filter["account"] = account
	}
	opts := options.Find().SetSort(bson.D{{Key: "index", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.anomaliesColl(token).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []model.Anomaly
	for cur.Next(ctx) {
		var doc anomalyDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, model.Anomaly{Token: token, Account: doc.Account, Index: doc.Index, Kind: model.AnomalyKind(doc.Kind), Details: doc.Details})
	}
	return out, cur.Err()
}

type cursorDoc struct {
	Token                 string  `bson:"_id"`
	LastIndexed           *uint64 `bson:"last_indexed,omitempty"`
	ArchivePhaseComplete  bool    `bson:"archive_phase_complete"`
	UpdatedAt             uint64  `bson:"updated_at"`
	Owner                 string  `bson:"owner,omitempty"`
	OwnerLeaseExpiresAtNs uint64  `bson:"owner_lease_expires_at_ns,omitempty"`
}

func (s *MongoStore) GetCursor(ctx context.Context, token string) (model.Cursor, error) {
	var doc cursorDoc
	err := s.syncStatusColl().FindOne(ctx, bson.M{"_id": token}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return model.Cursor{Token: token}, nil
	}
	if err != nil {
		return model.Cursor{}, err
	}
	return model.Cursor{
		Token: token, LastIndexed: doc.LastIndexed, ArchivePhaseComplete: doc.ArchivePhaseComplete,
		UpdatedAt: doc.UpdatedAt, Owner: doc.Owner, OwnerLeaseExpiresAtNs: doc.OwnerLeaseExpiresAtNs,
	}, nil
}

func (s *MongoStore) SetCursor(ctx context.Context, cursor model.Cursor) error {
	_, err := s.syncStatusColl().UpdateOne(ctx,
		bson.M{"_id": cursor.Token},
		bson.M{"$set": bson.M{
			"last_indexed": cursor.LastIndexed, "archive_phase_complete": cursor.ArchivePhaseComplete,
			"updated_at": cursor.UpdatedAt, "owner": cursor.Owner, "owner_lease_expires_at_ns": cursor.OwnerLeaseExpiresAtNs,
		}},
		options.Update().SetUpsert(true),
	)
	return err
}

// AcquireLock performs the compare-and-set the single-writer invariant
// requires (spec §4.7): it succeeds if no owner is set, the caller
// already owns the lock, or the current owner's lease has expired.
func (s *MongoStore) AcquireLock(ctx context.Context, token, owner string, leaseExpiresAtNs uint64) (bool, error) {
	now := nowNs()
	filter := bson.M{
		"_id": token,
		"$or": bson.A{
			bson.M{"owner": bson.M{"$exists": false}},
			bson.M{"owner": ""},
			bson.M{"owner": owner},
			bson.M{"owner_lease_expires_at_ns": bson.M{"$lt": now}},
		},
	}
	res, err := s.syncStatusColl().UpdateOne(ctx, filter,
		bson.M{"$set": bson.M{"owner": owner, "owner_lease_expires_at_ns": leaseExpiresAtNs}},
		options.Update().SetUpsert(false),
	)
	if err != nil {
		return false, err
	}
	if res.MatchedCount > 0 {
		return true, nil
	}

	// No existing sync_status document at all: first-ever sync for this
	// token, safe to create and take ownership.
	_, err = s.syncStatusColl().UpdateOne(ctx,
		bson.M{"_id": token},
		bson.M{"$setOnInsert": bson.M{"owner": owner, "owner_lease_expires_at_ns": leaseExpiresAtNs}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, err
	}
	doc, err := s.GetCursor(ctx, token)
	if err != nil {
		return false, err
	}
	return doc.Owner == owner, nil
}

func (s *MongoStore) ReleaseLock(ctx context.Context, token, owner string) error {
	_, err := s.syncStatusColl().UpdateOne(ctx,
		bson.M{"_id": token, "owner": owner},
		bson.M{"$set": bson.M{"owner": "", "owner_lease_expires_at_ns": uint64(0)}},
	)
	return err
}

func (s *MongoStore) Reset(ctx context.Context, token string) error {
	for _, coll := range []*mongo.Collection{
		s.txColl(token), s.accountsColl(token), s.balancesColl(token), s.anomaliesColl(token), s.supplyColl(token),
	} {
		if err := coll.Drop(ctx); err != nil {
			return err
		}
	}
	_, err := s.syncStatusColl().DeleteOne(ctx, bson.M{"_id": token})
	return err
}
