// Package remote implements the record store against a REST back office that
// exposes one collection per entity (list, put by id, delete by id).
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"pdvledger/backend/internal/domain"
	"pdvledger/backend/internal/store"
)

const (
	productsPath     = "products"
	transactionsPath = "transactions"
	sessionsPath     = "cash-sessions"
	entriesPath      = "cash-entries"
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Store has no atomic stock primitive; callers serialise stock writes.
type Store struct {
	http *resty.Client
}

var _ store.Repository = (*Store)(nil)

type apiError struct {
	Error string `json:"error"`
}

func New(cfg Config) *Store {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &Store{http: client}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	resp, err := s.http.R().SetContext(ctx).SetError(&apiError{}).Post("schema")
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return statusError(resp)
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return list[domain.Product](ctx, s.http, productsPath)
}

func (s *Store) UpsertProduct(ctx context.Context, p domain.Product) error {
	return put(ctx, s.http, productsPath, p.ID, p)
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	return del(ctx, s.http, productsPath, id)
}

func (s *Store) ListTransactions(ctx context.Context) ([]domain.SaleTransaction, error) {
	return list[domain.SaleTransaction](ctx, s.http, transactionsPath)
}

func (s *Store) UpsertTransaction(ctx context.Context, tx domain.SaleTransaction) error {
	return put(ctx, s.http, transactionsPath, tx.ID, tx)
}

func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	return del(ctx, s.http, transactionsPath, id)
}

func (s *Store) ListCashSessions(ctx context.Context) ([]domain.CashSession, error) {
	return list[domain.CashSession](ctx, s.http, sessionsPath)
}

// UpsertCashSession maps a 409 from the back office to domain.ErrSessionAlreadyOpen.
func (s *Store) UpsertCashSession(ctx context.Context, cs domain.CashSession) error {
	err := put(ctx, s.http, sessionsPath, cs.ID, cs)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		return domain.ErrSessionAlreadyOpen
	}
	return err
}

func (s *Store) DeleteCashSession(ctx context.Context, id string) error {
	return del(ctx, s.http, sessionsPath, id)
}

func (s *Store) ListCashEntries(ctx context.Context) ([]domain.CashEntry, error) {
	return list[domain.CashEntry](ctx, s.http, entriesPath)
}

func (s *Store) UpsertCashEntry(ctx context.Context, e domain.CashEntry) error {
	return put(ctx, s.http, entriesPath, e.ID, e)
}

func (s *Store) DeleteCashEntry(ctx context.Context, id string) error {
	return del(ctx, s.http, entriesPath, id)
}

// StatusError is a non-2xx answer from the back office.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote store: status=%d message=%s", e.Code, e.Message)
}

func list[T any](ctx context.Context, c *resty.Client, path string) ([]T, error) {
	var out []T
	resp, err := c.R().SetContext(ctx).SetResult(&out).SetError(&apiError{}).Get(path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	if err := statusError(resp); err != nil {
		return nil, err
	}
	return out, nil
}

func put(ctx context.Context, c *resty.Client, path string, id string, body any) error {
	if id == "" {
		return errors.New("record id is required")
	}
	resp, err := c.R().SetContext(ctx).SetBody(body).SetError(&apiError{}).Put(path + "/" + url.PathEscape(id))
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", path, id, err)
	}
	return statusError(resp)
}

func del(ctx context.Context, c *resty.Client, path string, id string) error {
	resp, err := c.R().SetContext(ctx).SetError(&apiError{}).Delete(path + "/" + url.PathEscape(id))
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", path, id, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return store.ErrNotFound
	}
	return statusError(resp)
}

func statusError(resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}
	message := strings.TrimSpace(resp.Status())
	if apiErr, ok := resp.Error().(*apiError); ok && apiErr.Error != "" {
		message = apiErr.Error
	}
	return &StatusError{Code: resp.StatusCode(), Message: message}
}
