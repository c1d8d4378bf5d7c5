package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pdvledger/backend/internal/domain"
	"pdvledger/backend/internal/store"
)

const (
	productsColl     = "products"
	transactionsColl = "sale_transactions"
	sessionsColl     = "cash_sessions"
	entriesColl      = "cash_entries"
	usersColl        = "users"
)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var (
	_ store.Repository       = (*Store)(nil)
	_ store.StockDecrementer = (*Store)(nil)
	_ store.StockSetter      = (*Store)(nil)
	_ store.UserStore        = (*Store)(nil)
)

func New(ctx context.Context, uri string, dbName string) (*Store, error) {
	clientOptions := options.Client().ApplyURI(uri).SetRegistry(NewRegistry())
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return &Store{client: client, db: client.Database(dbName)}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureSchema creates the lookup indexes and the partial unique index that
// allows one OPEN session per store.
func (s *Store) EnsureSchema(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		productsColl: {
			{Keys: bson.D{{Key: "sku", Value: 1}}},
			{Keys: bson.D{{Key: "barcode", Value: 1}}},
		},
		transactionsColl: {
			{Keys: bson.D{{Key: "store_id", Value: 1}, {Key: "date", Value: 1}}},
		},
		sessionsColl: {
			{
				Keys: bson.D{{Key: "store_id", Value: 1}},
				Options: options.Index().
					SetName("one_open_per_store").
					SetUnique(true).
					SetPartialFilterExpression(bson.D{{Key: "status", Value: string(domain.SessionOpen)}}),
			},
		},
		entriesColl: {
			{Keys: bson.D{{Key: "session_id", Value: 1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	var products []domain.Product
	err := s.findAll(ctx, productsColl, bson.D{{Key: "name", Value: 1}, {Key: "_id", Value: 1}}, &products)
	return products, err
}

func (s *Store) UpsertProduct(ctx context.Context, product domain.Product) error {
	return s.replace(ctx, productsColl, product.ID, product)
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	return s.deleteByID(ctx, productsColl, id)
}

// DecrementStock uses a conditional $inc so the check and the write are one
// server-side operation.
func (s *Store) DecrementStock(ctx context.Context, productID string, qty int, allowNegative bool) (int, int, error) {
	filter := bson.D{{Key: "_id", Value: productID}}
	if !allowNegative {
		filter = append(filter, bson.E{Key: "stock", Value: bson.D{{Key: "$gte", Value: qty}}})
	}
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "stock", Value: -qty}}}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated domain.Product
	err := s.db.Collection(productsColl).FindOneAndUpdate(ctx, filter, update, opts).Decode(&updated)
	if err == nil {
		return updated.Stock + qty, updated.Stock, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, 0, err
	}

	var current domain.Product
	err = s.db.Collection(productsColl).FindOne(ctx, bson.D{{Key: "_id", Value: productID}}).Decode(&current)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, 0, store.ErrNotFound
	}
	if err != nil {
		return 0, 0, err
	}
	return current.Stock, current.Stock, store.ErrInsufficientStock
}

func (s *Store) SetStock(ctx context.Context, productID string, qty int) error {
	res, err := s.db.Collection(productsColl).UpdateByID(ctx, productID, bson.D{{Key: "$set", Value: bson.D{{Key: "stock", Value: qty}}}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListTransactions(ctx context.Context) ([]domain.SaleTransaction, error) {
	var txs []domain.SaleTransaction
	err := s.findAll(ctx, transactionsColl, bson.D{{Key: "date", Value: 1}, {Key: "_id", Value: 1}}, &txs)
	return txs, err
}

func (s *Store) UpsertTransaction(ctx context.Context, tx domain.SaleTransaction) error {
	return s.replace(ctx, transactionsColl, tx.ID, tx)
}

func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	return s.deleteByID(ctx, transactionsColl, id)
}

func (s *Store) ListCashSessions(ctx context.Context) ([]domain.CashSession, error) {
	var sessions []domain.CashSession
	err := s.findAll(ctx, sessionsColl, bson.D{{Key: "opening_time", Value: 1}, {Key: "_id", Value: 1}}, &sessions)
	return sessions, err
}

func (s *Store) UpsertCashSession(ctx context.Context, session domain.CashSession) error {
	err := s.replace(ctx, sessionsColl, session.ID, session)
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrSessionAlreadyOpen
	}
	return err
}

func (s *Store) DeleteCashSession(ctx context.Context, id string) error {
	return s.deleteByID(ctx, sessionsColl, id)
}

func (s *Store) ListCashEntries(ctx context.Context) ([]domain.CashEntry, error) {
	var entries []domain.CashEntry
	err := s.findAll(ctx, entriesColl, bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}, &entries)
	return entries, err
}

func (s *Store) UpsertCashEntry(ctx context.Context, entry domain.CashEntry) error {
	return s.replace(ctx, entriesColl, entry.ID, entry)
}

func (s *Store) DeleteCashEntry(ctx context.Context, id string) error {
	return s.deleteByID(ctx, entriesColl, id)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	var users []domain.UserAccount
	err := s.findAll(ctx, usersColl, bson.D{{Key: "_id", Value: 1}}, &users)
	return users, err
}

func (s *Store) findAll(ctx context.Context, coll string, sort bson.D, out any) error {
	cursor, err := s.db.Collection(coll).Find(ctx, bson.D{}, options.Find().SetSort(sort))
	if err != nil {
		return err
	}
	return cursor.All(ctx, out)
}

func (s *Store) replace(ctx context.Context, coll string, id string, doc any) error {
	if id == "" {
		return errors.New("record id is required")
	}
	_, err := s.db.Collection(coll).ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) deleteByID(ctx context.Context, coll string, id string) error {
	res, err := s.db.Collection(coll).DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
