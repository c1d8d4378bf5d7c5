// Package countstore keeps the in-progress physical stock count on the
// terminal's disk so a long count survives restarts until it is finalized or
// reset. The layout is versioned through the schema_version table.
package countstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"pdvledger/backend/internal/domain"
)

const SchemaVersion = 1

var ErrNewerSchema = errors.New("count store was written by a newer version")

type schemaVersionModel struct {
	ID        int `gorm:"primaryKey"`
	Version   int `gorm:"not null"`
	AppliedAt time.Time
}

func (schemaVersionModel) TableName() string { return "schema_version" }

type countSessionModel struct {
	Owner             string `gorm:"primaryKey"`
	Label             string
	Active            bool `gorm:"not null"`
	CurrentBatchLabel string
	UpdatedAt         time.Time
}

func (countSessionModel) TableName() string { return "count_sessions" }

type countBatchModel struct {
	ID        string `gorm:"primaryKey"`
	Owner     string `gorm:"index;not null"`
	Position  int    `gorm:"not null"`
	Label     string
	Timestamp time.Time
}

func (countBatchModel) TableName() string { return "count_batches" }

type countBatchItemModel struct {
	BatchID   string `gorm:"primaryKey"`
	ProductID string `gorm:"primaryKey"`
	Quantity  int    `gorm:"not null"`
}

func (countBatchItemModel) TableName() string { return "count_batch_items" }

type countCurrentItemModel struct {
	Owner     string `gorm:"primaryKey"`
	ProductID string `gorm:"primaryKey"`
	Quantity  int    `gorm:"not null"`
}

func (countCurrentItemModel) TableName() string { return "count_current_items" }

type Store struct {
	db *gorm.DB
}

// Open creates the sqlite file (and its directory) when missing and brings
// the schema to SchemaVersion. Use ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create count store dir: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open count store: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serialises
	// writers on the sqlite file.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&schemaVersionModel{}); err != nil {
		return fmt.Errorf("migrate schema_version: %w", err)
	}

	var current schemaVersionModel
	err := s.db.First(&current, 1).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		current = schemaVersionModel{ID: 1}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	}
	if current.Version > SchemaVersion {
		return fmt.Errorf("%w: found %d, supported %d", ErrNewerSchema, current.Version, SchemaVersion)
	}
	if current.Version == SchemaVersion {
		return nil
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&countSessionModel{},
			&countBatchModel{},
			&countBatchItemModel{},
			&countCurrentItemModel{},
		); err != nil {
			return fmt.Errorf("migrate count tables: %w", err)
		}
		current.Version = SchemaVersion
		current.AppliedAt = time.Now().UTC()
		return tx.Save(&current).Error
	})
}

// Version reports the schema version recorded in the file.
func (s *Store) Version(ctx context.Context) (int, error) {
	var current schemaVersionModel
	if err := s.db.WithContext(ctx).First(&current, 1).Error; err != nil {
		return 0, err
	}
	return current.Version, nil
}

// Load returns the owner's count session. The boolean is false when nothing
// is stored for owner.
func (s *Store) Load(ctx context.Context, owner string) (domain.StockCountSession, bool, error) {
	db := s.db.WithContext(ctx)

	var sess countSessionModel
	err := db.Where("owner = ?", owner).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.StockCountSession{}, false, nil
	}
	if err != nil {
		return domain.StockCountSession{}, false, fmt.Errorf("load count session: %w", err)
	}

	var batches []countBatchModel
	if err := db.Where("owner = ?", owner).Order("position").Find(&batches).Error; err != nil {
		return domain.StockCountSession{}, false, fmt.Errorf("load count batches: %w", err)
	}

	batchIDs := make([]string, 0, len(batches))
	for _, b := range batches {
		batchIDs = append(batchIDs, b.ID)
	}
	itemsByBatch := map[string]map[string]int{}
	if len(batchIDs) > 0 {
		var items []countBatchItemModel
		if err := db.Where("batch_id IN ?", batchIDs).Find(&items).Error; err != nil {
			return domain.StockCountSession{}, false, fmt.Errorf("load batch items: %w", err)
		}
		for _, item := range items {
			if itemsByBatch[item.BatchID] == nil {
				itemsByBatch[item.BatchID] = map[string]int{}
			}
			itemsByBatch[item.BatchID][item.ProductID] = item.Quantity
		}
	}

	var current []countCurrentItemModel
	if err := db.Where("owner = ?", owner).Find(&current).Error; err != nil {
		return domain.StockCountSession{}, false, fmt.Errorf("load current batch: %w", err)
	}

	out := domain.StockCountSession{
		Owner:             sess.Owner,
		Label:             sess.Label,
		Active:            sess.Active,
		CurrentBatchLabel: sess.CurrentBatchLabel,
		Batches:           make([]domain.StockBatch, 0, len(batches)),
		CurrentBatchItems: make(map[string]int, len(current)),
	}
	for _, b := range batches {
		items := itemsByBatch[b.ID]
		if items == nil {
			items = map[string]int{}
		}
		out.Batches = append(out.Batches, domain.StockBatch{
			ID:        b.ID,
			Label:     b.Label,
			Items:     items,
			Timestamp: b.Timestamp,
		})
	}
	for _, item := range current {
		out.CurrentBatchItems[item.ProductID] = item.Quantity
	}
	return out, true, nil
}

// Save replaces everything stored for session.Owner in one transaction.
func (s *Store) Save(ctx context.Context, session domain.StockCountSession) error {
	if session.Owner == "" {
		return errors.New("count session owner is required")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteOwner(tx, session.Owner); err != nil {
			return err
		}

		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&countSessionModel{
			Owner:             session.Owner,
			Label:             session.Label,
			Active:            session.Active,
			CurrentBatchLabel: session.CurrentBatchLabel,
			UpdatedAt:         time.Now().UTC(),
		}).Error; err != nil {
			return fmt.Errorf("save count session: %w", err)
		}

		for i, b := range session.Batches {
			if err := tx.Create(&countBatchModel{
				ID:        b.ID,
				Owner:     session.Owner,
				Position:  i,
				Label:     b.Label,
				Timestamp: b.Timestamp,
			}).Error; err != nil {
				return fmt.Errorf("save batch %s: %w", b.ID, err)
			}
			if rows := batchItemRows(b); len(rows) > 0 {
				if err := tx.Create(&rows).Error; err != nil {
					return fmt.Errorf("save batch %s items: %w", b.ID, err)
				}
			}
		}

		if rows := currentItemRows(session.Owner, session.CurrentBatchItems); len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("save current batch: %w", err)
			}
		}
		return nil
	})
}

// Delete discards the owner's count session. Missing sessions are not an error.
func (s *Store) Delete(ctx context.Context, owner string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteOwner(tx, owner)
	})
}

func deleteOwner(tx *gorm.DB, owner string) error {
	batchIDs := tx.Model(&countBatchModel{}).Select("id").Where("owner = ?", owner)
	if err := tx.Where("batch_id IN (?)", batchIDs).Delete(&countBatchItemModel{}).Error; err != nil {
		return fmt.Errorf("delete batch items: %w", err)
	}
	if err := tx.Where("owner = ?", owner).Delete(&countBatchModel{}).Error; err != nil {
		return fmt.Errorf("delete batches: %w", err)
	}
	if err := tx.Where("owner = ?", owner).Delete(&countCurrentItemModel{}).Error; err != nil {
		return fmt.Errorf("delete current batch: %w", err)
	}
	if err := tx.Where("owner = ?", owner).Delete(&countSessionModel{}).Error; err != nil {
		return fmt.Errorf("delete count session: %w", err)
	}
	return nil
}

func batchItemRows(b domain.StockBatch) []countBatchItemModel {
	rows := make([]countBatchItemModel, 0, len(b.Items))
	for _, productID := range sortedKeys(b.Items) {
		rows = append(rows, countBatchItemModel{BatchID: b.ID, ProductID: productID, Quantity: b.Items[productID]})
	}
	return rows
}

func currentItemRows(owner string, items map[string]int) []countCurrentItemModel {
	rows := make([]countCurrentItemModel, 0, len(items))
	for _, productID := range sortedKeys(items) {
		rows = append(rows, countCurrentItemModel{Owner: owner, ProductID: productID, Quantity: items[productID]})
	}
	return rows
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
