package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	mpg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"pdvledger/backend/internal/domain"
	"pdvledger/backend/internal/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type Store struct {
	db *sql.DB
}

var (
	_ store.Repository       = (*Store)(nil)
	_ store.StockDecrementer = (*Store)(nil)
	_ store.StockSetter      = (*Store)(nil)
	_ store.UserStore        = (*Store)(nil)
)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema applies the embedded migrations. It runs on a dedicated
// connection so the shared pool stays open afterwards.
func (s *Store) EnsureSchema(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}

	driver, err := mpg.WithConnection(ctx, conn, &mpg.Config{})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("migration driver: %w", err)
	}
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("migration instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, barcode, name, cost_price, sale_price, stock, min_stock, is_service
		FROM products
		ORDER BY name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Barcode, &p.Name, &p.CostPrice, &p.SalePrice, &p.Stock, &p.MinStock, &p.IsService); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) UpsertProduct(ctx context.Context, p domain.Product) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, barcode, name, cost_price, sale_price, stock, min_stock, is_service, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		ON CONFLICT (id) DO UPDATE SET
			sku = EXCLUDED.sku,
			barcode = EXCLUDED.barcode,
			name = EXCLUDED.name,
			cost_price = EXCLUDED.cost_price,
			sale_price = EXCLUDED.sale_price,
			stock = EXCLUDED.stock,
			min_stock = EXCLUDED.min_stock,
			is_service = EXCLUDED.is_service,
			updated_at = now()
	`, p.ID, p.SKU, p.Barcode, p.Name, p.CostPrice, p.SalePrice, p.Stock, p.MinStock, p.IsService)
	return err
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	return s.deleteByID(ctx, `DELETE FROM products WHERE id = $1`, id)
}

// DecrementStock subtracts in a single UPDATE so concurrent settlements never
// read-modify-write the same row.
func (s *Store) DecrementStock(ctx context.Context, productID string, qty int, allowNegative bool) (int, int, error) {
	var next int
	err := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND ($3 OR stock >= $2)
		RETURNING stock
	`, productID, qty, allowNegative).Scan(&next)
	if err == nil {
		return next + qty, next, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, err
	}

	var current int
	err = s.db.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, store.ErrNotFound
	}
	if err != nil {
		return 0, 0, err
	}
	return current, current, store.ErrInsufficientStock
}

func (s *Store) SetStock(ctx context.Context, productID string, qty int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE products SET stock = $2, updated_at = now() WHERE id = $1`, productID, qty)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) ListTransactions(ctx context.Context) ([]domain.SaleTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, date, value, shipping_value, discount_value, status, type, method, change_value,
			client_id, vendor_id, cashier_id, description, items, tenders,
			installments, auth_number, card_operator_id, card_brand_id
		FROM sale_transactions
		ORDER BY date, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.SaleTransaction, 0, 256)
	for rows.Next() {
		var (
			tx         domain.SaleTransaction
			rawItems   []byte
			rawTenders []byte
		)
		if err := rows.Scan(
			&tx.ID, &tx.StoreID, &tx.Date, &tx.Value, &tx.ShippingValue, &tx.DiscountValue, &tx.Status, &tx.Type, &tx.Method, &tx.Change,
			&tx.ClientID, &tx.VendorID, &tx.CashierID, &tx.Description, &rawItems, &rawTenders,
			&tx.Installments, &tx.AuthNumber, &tx.CardOperatorID, &tx.CardBrandID,
		); err != nil {
			return nil, err
		}
		if err := decodeJSONColumn(rawItems, &tx.Items); err != nil {
			return nil, fmt.Errorf("transaction %s items: %w", tx.ID, err)
		}
		if err := decodeJSONColumn(rawTenders, &tx.Tenders); err != nil {
			return nil, fmt.Errorf("transaction %s tenders: %w", tx.ID, err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (s *Store) UpsertTransaction(ctx context.Context, tx domain.SaleTransaction) error {
	items, err := encodeJSONColumn(tx.Items)
	if err != nil {
		return err
	}
	tenders, err := encodeJSONColumn(tx.Tenders)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sale_transactions (
			id, store_id, date, value, shipping_value, discount_value, status, type, method, change_value,
			client_id, vendor_id, cashier_id, description, items, tenders,
			installments, auth_number, card_operator_id, card_brand_id
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (id) DO UPDATE SET
			store_id = EXCLUDED.store_id,
			date = EXCLUDED.date,
			value = EXCLUDED.value,
			shipping_value = EXCLUDED.shipping_value,
			discount_value = EXCLUDED.discount_value,
			status = EXCLUDED.status,
			type = EXCLUDED.type,
			method = EXCLUDED.method,
			change_value = EXCLUDED.change_value,
			client_id = EXCLUDED.client_id,
			vendor_id = EXCLUDED.vendor_id,
			cashier_id = EXCLUDED.cashier_id,
			description = EXCLUDED.description,
			items = EXCLUDED.items,
			tenders = EXCLUDED.tenders,
			installments = EXCLUDED.installments,
			auth_number = EXCLUDED.auth_number,
			card_operator_id = EXCLUDED.card_operator_id,
			card_brand_id = EXCLUDED.card_brand_id
	`,
		tx.ID, tx.StoreID, tx.Date.UTC(), tx.Value, tx.ShippingValue, tx.DiscountValue, string(tx.Status), string(tx.Type), tx.Method, tx.Change,
		tx.ClientID, tx.VendorID, tx.CashierID, tx.Description, items, tenders,
		tx.Installments, tx.AuthNumber, tx.CardOperatorID, tx.CardBrandID,
	)
	return err
}

func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	return s.deleteByID(ctx, `DELETE FROM sale_transactions WHERE id = $1`, id)
}

func (s *Store) ListCashSessions(ctx context.Context) ([]domain.CashSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, register_name, opening_time, opening_operator_id, opening_value,
			closing_time, closing_operator_id, closing_value, status
		FROM cash_sessions
		ORDER BY opening_time, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.CashSession, 0, 32)
	for rows.Next() {
		var (
			cs           domain.CashSession
			closingTime  sql.NullTime
			closingValue decimal.NullDecimal
		)
		if err := rows.Scan(
			&cs.ID, &cs.StoreID, &cs.RegisterName, &cs.OpeningTime, &cs.OpeningOperatorID, &cs.OpeningValue,
			&closingTime, &cs.ClosingOperatorID, &closingValue, &cs.Status,
		); err != nil {
			return nil, err
		}
		if closingTime.Valid {
			at := closingTime.Time
			cs.ClosingTime = &at
		}
		if closingValue.Valid {
			value := closingValue.Decimal
			cs.ClosingValue = &value
		}
		sessions = append(sessions, cs)
	}
	return sessions, rows.Err()
}

// UpsertCashSession maps a violation of the one-open-session-per-store index to
// domain.ErrSessionAlreadyOpen.
func (s *Store) UpsertCashSession(ctx context.Context, cs domain.CashSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_sessions (
			id, store_id, register_name, opening_time, opening_operator_id, opening_value,
			closing_time, closing_operator_id, closing_value, status
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			store_id = EXCLUDED.store_id,
			register_name = EXCLUDED.register_name,
			opening_time = EXCLUDED.opening_time,
			opening_operator_id = EXCLUDED.opening_operator_id,
			opening_value = EXCLUDED.opening_value,
			closing_time = EXCLUDED.closing_time,
			closing_operator_id = EXCLUDED.closing_operator_id,
			closing_value = EXCLUDED.closing_value,
			status = EXCLUDED.status
	`,
		cs.ID, cs.StoreID, cs.RegisterName, cs.OpeningTime.UTC(), cs.OpeningOperatorID, cs.OpeningValue,
		nullTime(cs.ClosingTime), cs.ClosingOperatorID, nullDecimal(cs.ClosingValue), string(cs.Status),
	)
	if isUniqueViolation(err) {
		return domain.ErrSessionAlreadyOpen
	}
	return err
}

func (s *Store) DeleteCashSession(ctx context.Context, id string) error {
	return s.deleteByID(ctx, `DELETE FROM cash_sessions WHERE id = $1`, id)
}

func (s *Store) ListCashEntries(ctx context.Context) ([]domain.CashEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, category, description, value, timestamp, method
		FROM cash_entries
		ORDER BY timestamp, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.CashEntry, 0, 64)
	for rows.Next() {
		var e domain.CashEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Category, &e.Description, &e.Value, &e.Timestamp, &e.Method); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) UpsertCashEntry(ctx context.Context, e domain.CashEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_entries (id, session_id, kind, category, description, value, timestamp, method)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			kind = EXCLUDED.kind,
			category = EXCLUDED.category,
			description = EXCLUDED.description,
			value = EXCLUDED.value,
			timestamp = EXCLUDED.timestamp,
			method = EXCLUDED.method
	`, e.ID, e.SessionID, string(e.Kind), e.Category, e.Description, e.Value, e.Timestamp.UTC(), e.Method)
	return err
}

func (s *Store) DeleteCashEntry(ctx context.Context, id string) error {
	return s.deleteByID(ctx, `DELETE FROM cash_entries WHERE id = $1`, id)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, password, role, active, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) deleteByID(ctx context.Context, query string, id string) error {
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func encodeJSONColumn(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return "[]", nil
	}
	return string(raw), nil
}

func decodeJSONColumn(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
