package store

import (
	"context"
	"errors"
	"fmt"

	"kasirinaja/settlement/internal/domain"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidTransaction      = errors.New("invalid transaction")
	ErrDuplicateNumber         = errors.New("duplicate transaction number")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrLockTimeout             = errors.New("lock wait timeout")
)

// InsufficientStockError reports the first product whose locked stock could not
// cover the requested quantity.
type InsufficientStockError struct {
	ProductID string
	SKU       string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available %d, requested %d", e.ProductID, e.Available, e.Requested)
}

type Catalog interface {
	LoadProduct(ctx context.Context, companyID string, productID string) (*domain.Product, error)
}

type PaymentMethodCatalog interface {
	ListPaymentMethods(ctx context.Context, companyID string) ([]domain.PaymentMethod, error)
}

type CustomerDirectory interface {
	ResolveCustomer(ctx context.Context, companyID string, customerID string) (*domain.Customer, error)
}

type TransactionReader interface {
	FindTransactionByNumber(ctx context.Context, companyID string, number string) (*domain.Transaction, error)
	FindTransactionByIdempotencyKey(ctx context.Context, companyID string, key string) (*domain.Transaction, error)
}

// Tx is a unit of work. Row locks taken through it are held until the
// surrounding RunInTx returns.
type Tx interface {
	// LockAndDecrementStock locks every requested product in ascending id order,
	// checks all of them and only then decrements. It returns
	// *InsufficientStockError or ErrLockTimeout and leaves stock untouched on failure.
	LockAndDecrementStock(ctx context.Context, companyID string, requests []domain.StockRequest) error
	// InsertTransaction writes the header. A number clash returns
	// ErrDuplicateNumber without poisoning the unit of work.
	InsertTransaction(ctx context.Context, tx *domain.Transaction) error
	InsertSoldItems(ctx context.Context, transactionID string, items []domain.SoldItem) error
	InsertPayments(ctx context.Context, transactionID string, payments []domain.Payment) error
	// LockTransaction loads a transaction with items and payments and locks its header row.
	LockTransaction(ctx context.Context, companyID string, number string) (*domain.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, tx *domain.Transaction) error
	UpdatePaymentStatuses(ctx context.Context, transactionID string, from domain.PaymentRecordStatus, to domain.PaymentRecordStatus) error
	RestockItems(ctx context.Context, companyID string, requests []domain.StockRequest) error
}

// TxRunner commits when fn returns nil and rolls back otherwise.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}

type AuditLogWriter interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, companyID string, limit int) ([]domain.AuditLog, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	Catalog
	PaymentMethodCatalog
	CustomerDirectory
	TransactionReader
	TxRunner
	AuditLogWriter
	UserStore
}
