package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const WalkInCustomerName = "Walk-in Customer"

type Product struct {
	ID        string          `json:"id"`
	CompanyID string          `json:"company_id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Stock     int             `json:"stock"`
	Active    bool            `json:"active"`
}

type Customer struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// WalkInCustomer is the anonymous identity used when a cart has no customer.
func WalkInCustomer() Customer {
	return Customer{Name: WalkInCustomerName}
}

type PaymentMethodType string

const (
	PaymentMethodCash         PaymentMethodType = "cash"
	PaymentMethodCard         PaymentMethodType = "card"
	PaymentMethodDigital      PaymentMethodType = "digital"
	PaymentMethodBankTransfer PaymentMethodType = "bank_transfer"
	PaymentMethodOther        PaymentMethodType = "other"
)

func (t PaymentMethodType) Valid() bool {
	switch t {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodDigital, PaymentMethodBankTransfer, PaymentMethodOther:
		return true
	}
	return false
}

type PaymentMethod struct {
	ID                string            `json:"id"`
	CompanyID         string            `json:"company_id"`
	Name              string            `json:"name"`
	Code              string            `json:"code"`
	Type              PaymentMethodType `json:"type"`
	RequiresReference bool              `json:"requires_reference"`
	Active            bool              `json:"is_active"`
}

// Tender is one payment instrument offered toward a sale.
type Tender struct {
	PaymentMethodID string
	Amount          decimal.Decimal
	Reference       string
}

// LineItem is an open cart line. It is mutable until settlement.
type LineItem struct {
	ID        string
	ProductID string
	SKU       string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	Discount  decimal.Decimal
}

func (l LineItem) Gross() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

func (l LineItem) LineTotal() decimal.Decimal {
	return l.Gross().Sub(l.Discount)
}

// SoldItem is the immutable snapshot of a line taken at settlement time.
type SoldItem struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	ProductID     string          `json:"product_id"`
	ProductName   string          `json:"product_name"`
	SKU           string          `json:"sku"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Discount      decimal.Decimal `json:"discount"`
	LineTotal     decimal.Decimal `json:"line_total"`
}

func (s SoldItem) Gross() decimal.Decimal {
	return s.UnitPrice.Mul(decimal.NewFromInt(int64(s.Quantity)))
}

type Payment struct {
	ID              string              `json:"id"`
	TransactionID   string              `json:"transaction_id"`
	PaymentMethodID string              `json:"payment_method_id"`
	MethodCode      string              `json:"method_code"`
	Amount          decimal.Decimal     `json:"amount"`
	Reference       string              `json:"reference,omitempty"`
	Status          PaymentRecordStatus `json:"status"`
	CreatedAt       time.Time           `json:"created_at"`
}

type Transaction struct {
	ID             string
	Number         string
	CompanyID      string
	CashierID      string
	CustomerID     *string
	CustomerName   string
	CustomerPhone  string
	CustomerEmail  string
	Notes          string
	IdempotencyKey string
	Subtotal       decimal.Decimal
	TaxRate        decimal.Decimal
	TaxAmount      decimal.Decimal
	DiscountAmount decimal.Decimal
	TotalAmount    decimal.Decimal
	AmountTendered decimal.Decimal
	ChangeAmount   decimal.Decimal
	Status         TransactionStatus
	PaymentStatus  PaymentStatus
	CancelReason   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CancelledAt    *time.Time
	Items          []SoldItem
	Payments       []Payment
}

// CompletedPaymentsTotal sums payments whose status is completed.
func (t Transaction) CompletedPaymentsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, p := range t.Payments {
		if p.Status == PaymentRecordCompleted {
			sum = sum.Add(p.Amount)
		}
	}
	return sum
}

// StockRequest asks the stock guard to take Quantity units of a product.
type StockRequest struct {
	ProductID string
	Quantity  int
}

type Actor struct {
	Username  string
	Role      string
	CompanyID string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	CompanyID string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	CompanyID     string    `json:"company_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)
