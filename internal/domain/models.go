package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string          `json:"id" bson:"_id"`
	SKU       string          `json:"sku" bson:"sku"`
	Barcode   string          `json:"barcode" bson:"barcode"`
	Name      string          `json:"name" bson:"name"`
	CostPrice decimal.Decimal `json:"cost_price" bson:"cost_price"`
	SalePrice decimal.Decimal `json:"sale_price" bson:"sale_price"`
	Stock     int             `json:"stock" bson:"stock"`
	MinStock  int             `json:"min_stock" bson:"min_stock"`
	IsService bool            `json:"is_service" bson:"is_service"`
}

type Actor struct {
	Username string
	Role     string
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

type SaleLine struct {
	ProductID             string          `json:"product_id" bson:"product_id"`
	Quantity              int             `json:"quantity" bson:"quantity"`
	UnitSalePrice         decimal.Decimal `json:"unit_sale_price" bson:"unit_sale_price"`
	UnitCostPriceSnapshot decimal.Decimal `json:"unit_cost_price_snapshot" bson:"unit_cost_price_snapshot"`
}

// Tender is one instrument of payment within a sale. Card fields are only
// meaningful for card methods.
type Tender struct {
	Method         string          `json:"method" bson:"method"`
	Value          decimal.Decimal `json:"value" bson:"value"`
	Installments   int             `json:"installments,omitempty" bson:"installments,omitempty"`
	AuthNumber     string          `json:"auth_number,omitempty" bson:"auth_number,omitempty"`
	CardOperatorID string          `json:"card_operator_id,omitempty" bson:"card_operator_id,omitempty"`
	CardBrandID    string          `json:"card_brand_id,omitempty" bson:"card_brand_id,omitempty"`
}

func (t Tender) HasCardData() bool {
	return t.Installments > 0 || t.AuthNumber != "" || t.CardOperatorID != "" || t.CardBrandID != ""
}

type SaleTransaction struct {
	ID             string          `json:"id" bson:"_id"`
	StoreID        string          `json:"store_id" bson:"store_id"`
	Date           time.Time       `json:"date" bson:"date"`
	Value          decimal.Decimal `json:"value" bson:"value"`
	ShippingValue  decimal.Decimal `json:"shipping_value" bson:"shipping_value"`
	DiscountValue  decimal.Decimal `json:"discount_value" bson:"discount_value"`
	Status         TxStatus        `json:"status" bson:"status"`
	Type           TxType          `json:"type" bson:"type"`
	Method         string          `json:"method" bson:"method"`
	Tenders        []Tender        `json:"tenders,omitempty" bson:"tenders,omitempty"`
	Change         decimal.Decimal `json:"change" bson:"change"`
	ClientID       string          `json:"client_id,omitempty" bson:"client_id,omitempty"`
	VendorID       string          `json:"vendor_id,omitempty" bson:"vendor_id,omitempty"`
	CashierID      string          `json:"cashier_id,omitempty" bson:"cashier_id,omitempty"`
	Description    string          `json:"description,omitempty" bson:"description,omitempty"`
	Items          []SaleLine      `json:"items" bson:"items"`
	Installments   int             `json:"installments,omitempty" bson:"installments,omitempty"`
	AuthNumber     string          `json:"auth_number,omitempty" bson:"auth_number,omitempty"`
	CardOperatorID string          `json:"card_operator_id,omitempty" bson:"card_operator_id,omitempty"`
	CardBrandID    string          `json:"card_brand_id,omitempty" bson:"card_brand_id,omitempty"`
}

type CashSession struct {
	ID                string           `json:"id" bson:"_id"`
	StoreID           string           `json:"store_id" bson:"store_id"`
	RegisterName      string           `json:"register_name" bson:"register_name"`
	OpeningTime       time.Time        `json:"opening_time" bson:"opening_time"`
	OpeningOperatorID string           `json:"opening_operator_id" bson:"opening_operator_id"`
	OpeningValue      decimal.Decimal  `json:"opening_value" bson:"opening_value"`
	ClosingTime       *time.Time       `json:"closing_time,omitempty" bson:"closing_time,omitempty"`
	ClosingOperatorID string           `json:"closing_operator_id,omitempty" bson:"closing_operator_id,omitempty"`
	ClosingValue      *decimal.Decimal `json:"closing_value,omitempty" bson:"closing_value,omitempty"`
	Status            SessionStatus    `json:"status" bson:"status"`
}

// CashEntry is a manual drawer movement not tied to a sale. Immutable once created.
type CashEntry struct {
	ID          string          `json:"id" bson:"_id"`
	SessionID   string          `json:"session_id" bson:"session_id"`
	Kind        EntryKind       `json:"kind" bson:"kind"`
	Category    string          `json:"category" bson:"category"`
	Description string          `json:"description" bson:"description"`
	Value       decimal.Decimal `json:"value" bson:"value"`
	Timestamp   time.Time       `json:"timestamp" bson:"timestamp"`
	Method      string          `json:"method,omitempty" bson:"method,omitempty"`
}

type StockBatch struct {
	ID        string         `json:"id"`
	Label     string         `json:"label"`
	Items     map[string]int `json:"items"`
	Timestamp time.Time      `json:"timestamp"`
}

// StockCountSession is the local, single-operator state of a physical count.
type StockCountSession struct {
	Owner             string         `json:"owner"`
	Label             string         `json:"label"`
	Active            bool           `json:"active"`
	Batches           []StockBatch   `json:"batches"`
	CurrentBatchLabel string         `json:"current_batch_label"`
	CurrentBatchItems map[string]int `json:"current_batch_items"`
}

type StockInstruction struct {
	ProductID  string `json:"product_id"`
	PriorStock int    `json:"prior_stock"`
	Quantity   int    `json:"quantity"`
	NewStock   int    `json:"new_stock"`
}

type StockDiff struct {
	ProductID string     `json:"product_id"`
	SKU       string     `json:"sku"`
	Name      string     `json:"name"`
	Counted   int        `json:"counted"`
	Recorded  int        `json:"recorded"`
	Diff      int        `json:"diff"`
	Status    DiffStatus `json:"status"`
}

type CartLine struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	IsService bool            `json:"is_service"`
}

type Discount struct {
	IsPercent bool            `json:"is_percent"`
	Value     decimal.Decimal `json:"value"`
}

type Totals struct {
	Subtotal  decimal.Decimal `json:"subtotal"`
	Discount  decimal.Decimal `json:"discount"`
	Shipping  decimal.Decimal `json:"shipping"`
	Total     decimal.Decimal `json:"total"`
	TotalPaid decimal.Decimal `json:"total_paid"`
	Remaining decimal.Decimal `json:"remaining"`
	Change    decimal.Decimal `json:"change"`
}

type QuoteRequest struct {
	Cart     []CartLine      `json:"cart"`
	Tenders  []Tender        `json:"tenders"`
	Discount Discount        `json:"discount"`
	Shipping decimal.Decimal `json:"shipping"`
}

type SettleRequest struct {
	StoreID   string          `json:"store_id"`
	Cart      []CartLine      `json:"cart"`
	Tenders   []Tender        `json:"tenders"`
	Discount  Discount        `json:"discount"`
	Shipping  decimal.Decimal `json:"shipping"`
	ClientID  string          `json:"client_id,omitempty"`
	VendorID  string          `json:"vendor_id"`
	CashierID string          `json:"cashier_id,omitempty"`
}

// SettleResponse carries the stock of the touched products as reloaded after
// the writes, not as computed before them.
type SettleResponse struct {
	Transaction  SaleTransaction    `json:"transaction"`
	Totals       Totals             `json:"totals"`
	Instructions []StockInstruction `json:"stock_instructions"`
	Products     []Product          `json:"products"`
}

type ReassignSaleRequest struct {
	VendorID string `json:"vendor_id"`
	ClientID string `json:"client_id"`
}

type OpenSessionRequest struct {
	StoreID      string           `json:"store_id"`
	RegisterName string           `json:"register_name"`
	OperatorID   string           `json:"operator_id"`
	OpeningValue *decimal.Decimal `json:"opening_value,omitempty"`
	AllowSameDay bool             `json:"allow_same_day"`
	ManagerPIN   string           `json:"manager_pin,omitempty"`
}

type CloseSessionRequest struct {
	SessionID  string `json:"session_id"`
	OperatorID string `json:"operator_id"`
}

type ClosePreview struct {
	Session        CashSession     `json:"session"`
	CashSales      decimal.Decimal `json:"cash_sales"`
	ManualIncomes  decimal.Decimal `json:"manual_incomes"`
	ManualExpenses decimal.Decimal `json:"manual_expenses"`
	CashExpenseTxs decimal.Decimal `json:"cash_expense_transactions"`
	ClosingValue   decimal.Decimal `json:"closing_value"`
}

type CashEntryRequest struct {
	SessionID   string          `json:"session_id"`
	Kind        EntryKind       `json:"kind"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	Value       decimal.Decimal `json:"value"`
	Method      string          `json:"method,omitempty"`
}

type ExpenseRequest struct {
	StoreID     string          `json:"store_id"`
	Value       decimal.Decimal `json:"value"`
	Method      string          `json:"method"`
	Status      TxStatus        `json:"status"`
	Description string          `json:"description"`
	VendorID    string          `json:"vendor_id,omitempty"`
}

type BalanceResponse struct {
	StoreID string          `json:"store_id"`
	Balance decimal.Decimal `json:"balance"`
}

type ReportGroup struct {
	Key     string          `json:"key"`
	Count   int             `json:"count"`
	Revenue decimal.Decimal `json:"revenue"`
	Cost    decimal.Decimal `json:"cost"`
	Margin  decimal.Decimal `json:"margin"`
}

type SalesReport struct {
	StoreID string          `json:"store_id,omitempty"`
	From    time.Time       `json:"from"`
	To      time.Time       `json:"to"`
	GroupBy string          `json:"group_by"`
	Revenue decimal.Decimal `json:"revenue"`
	Cost    decimal.Decimal `json:"cost"`
	Margin  decimal.Decimal `json:"margin"`
	Groups  []ReportGroup   `json:"groups"`
}

type UserAccount struct {
	Username  string    `json:"username" bson:"_id"`
	Password  string    `json:"-" bson:"password"`
	Role      string    `json:"role" bson:"role"`
	Active    bool      `json:"active" bson:"active"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type TxStatus string

// OVERDUE is the only overdue/approved value; APPROVED shared its textual
// constant upstream and is not modelled.
const (
	TxStatusPaid      TxStatus = "PAID"
	TxStatusPending   TxStatus = "PENDING"
	TxStatusOverdue   TxStatus = "OVERDUE"
	TxStatusCancelled TxStatus = "CANCELLED"
)

type TxType string

const (
	TxTypeIncome  TxType = "INCOME"
	TxTypeExpense TxType = "EXPENSE"
)

type SessionStatus string

const (
	SessionPendingOpen SessionStatus = "PENDING_OPEN"
	SessionOpen        SessionStatus = "OPEN"
	SessionClosed      SessionStatus = "CLOSED"
)

// CanTransitionTo reports whether the drawer lifecycle allows moving to target.
func (s SessionStatus) CanTransitionTo(target SessionStatus) bool {
	switch s {
	case SessionPendingOpen:
		return target == SessionOpen
	case SessionOpen:
		return target == SessionClosed
	}
	return false
}

type EntryKind string

const (
	EntryIncome   EntryKind = "INCOME"
	EntryExpense  EntryKind = "EXPENSE"
	EntryTransfer EntryKind = "TRANSFER"
)

func (k EntryKind) IsValid() bool {
	switch k {
	case EntryIncome, EntryExpense, EntryTransfer:
		return true
	}
	return false
}

type DiffStatus string

const (
	DiffOK       DiffStatus = "OK"
	DiffOverage  DiffStatus = "SOBRA"
	DiffShortage DiffStatus = "FALTA"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

const (
	DefaultCashMethod = "Dinheiro"
	MultiMethodPrefix = "Múltiplo"
)
