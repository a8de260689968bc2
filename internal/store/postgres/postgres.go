package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/numbering"
	"kasirinaja/settlement/internal/store"
)

//go:embed schema.sql
var schema string

const DefaultLockTimeout = 3 * time.Second

// querier is satisfied by both the pool and an open pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

var _ store.Repository = (*Store)(nil)

// NewPool opens a pgx pool with NUMERIC mapped to shopspring decimals on every connection.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolConfig.MaxConns = 30
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 10 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.AfterConnect = func(_ context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping DB: %w", err)
	}
	return pool, nil
}

func New(pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Store{pool: pool, lockTimeout: lockTimeout}
}

// Open connects and applies the schema.
func Open(ctx context.Context, databaseURL string, lockTimeout time.Duration) (*Store, error) {
	pool, err := NewPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	s := New(pool, lockTimeout)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) LoadProduct(ctx context.Context, companyID string, productID string) (*domain.Product, error) {
	var p domain.Product
	err := s.pool.QueryRow(ctx, `
		SELECT id, company_id, sku, name, unit_price, stock, active
		FROM products
		WHERE company_id = $1 AND id = $2
	`, companyID, productID).Scan(&p.ID, &p.CompanyID, &p.SKU, &p.Name, &p.UnitPrice, &p.Stock, &p.Active)
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *Store) ListPaymentMethods(ctx context.Context, companyID string) ([]domain.PaymentMethod, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, company_id, name, code, type, requires_reference, is_active
		FROM payment_methods
		WHERE company_id = $1
		ORDER BY code
	`, companyID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	methods := make([]domain.PaymentMethod, 0, 8)
	for rows.Next() {
		var m domain.PaymentMethod
		if err := rows.Scan(&m.ID, &m.CompanyID, &m.Name, &m.Code, &m.Type, &m.RequiresReference, &m.Active); err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return methods, nil
}

func (s *Store) ResolveCustomer(ctx context.Context, companyID string, customerID string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, phone, email
		FROM customers
		WHERE company_id = $1 AND id = $2
	`, companyID, customerID).Scan(&c.ID, &c.Name, &c.Phone, &c.Email)
	if err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *Store) FindTransactionByNumber(ctx context.Context, companyID string, number string) (*domain.Transaction, error) {
	return loadTransaction(ctx, s.pool, `WHERE company_id = $1 AND number = $2`, companyID, number)
}

func (s *Store) FindTransactionByIdempotencyKey(ctx context.Context, companyID string, key string) (*domain.Transaction, error) {
	return loadTransaction(ctx, s.pool, `WHERE company_id = $1 AND idempotency_key = $2`, companyID, key)
}

const transactionColumns = `
	id, number, company_id, cashier_id, customer_id, customer_name, customer_phone, customer_email,
	notes, idempotency_key, subtotal, tax_rate, tax_amount, discount_amount, total_amount,
	amount_tendered, change_amount, status, payment_status, cancel_reason, created_at, updated_at, cancelled_at`

func loadTransaction(ctx context.Context, q querier, where string, args ...any) (*domain.Transaction, error) {
	return scanTransaction(ctx, q, `SELECT `+transactionColumns+` FROM transactions `+where, args...)
}

func scanTransaction(ctx context.Context, q querier, query string, args ...any) (*domain.Transaction, error) {
	var tx domain.Transaction
	var idemKey *string
	err := q.QueryRow(ctx, query, args...).Scan(
		&tx.ID, &tx.Number, &tx.CompanyID, &tx.CashierID, &tx.CustomerID, &tx.CustomerName, &tx.CustomerPhone, &tx.CustomerEmail,
		&tx.Notes, &idemKey, &tx.Subtotal, &tx.TaxRate, &tx.TaxAmount, &tx.DiscountAmount, &tx.TotalAmount,
		&tx.AmountTendered, &tx.ChangeAmount, &tx.Status, &tx.PaymentStatus, &tx.CancelReason, &tx.CreatedAt, &tx.UpdatedAt, &tx.CancelledAt,
	)
	if err != nil {
		return nil, translate(err)
	}
	if idemKey != nil {
		tx.IdempotencyKey = *idemKey
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()

	if tx.Items, err = loadSoldItems(ctx, q, tx.ID); err != nil {
		return nil, err
	}
	if tx.Payments, err = loadPayments(ctx, q, tx.ID); err != nil {
		return nil, err
	}
	return &tx, nil
}

func loadSoldItems(ctx context.Context, q querier, transactionID string) ([]domain.SoldItem, error) {
	rows, err := q.Query(ctx, `
		SELECT id, transaction_id, product_id, product_name, sku, quantity, unit_price, discount, line_total
		FROM transaction_items
		WHERE transaction_id = $1
		ORDER BY position
	`, transactionID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	items := make([]domain.SoldItem, 0, 8)
	for rows.Next() {
		var item domain.SoldItem
		if err := rows.Scan(&item.ID, &item.TransactionID, &item.ProductID, &item.ProductName, &item.SKU,
			&item.Quantity, &item.UnitPrice, &item.Discount, &item.LineTotal); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, translate(rows.Err())
}

func loadPayments(ctx context.Context, q querier, transactionID string) ([]domain.Payment, error) {
	rows, err := q.Query(ctx, `
		SELECT id, transaction_id, payment_method_id, method_code, amount, reference, status, created_at
		FROM payments
		WHERE transaction_id = $1
		ORDER BY position
	`, transactionID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, 4)
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.TransactionID, &p.PaymentMethodID, &p.MethodCode, &p.Amount, &p.Reference, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		payments = append(payments, p)
	}
	return payments, translate(rows.Err())
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = numbering.NewID("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, company_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.CompanyID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return translate(err)
}

func (s *Store) ListAuditLogs(ctx context.Context, companyID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, company_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE company_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, companyID, limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.CompanyID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	return logs, translate(rows.Err())
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" || user.Role == "" {
		return store.ErrInvalidTransaction
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (username, password, role, company_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, user.Username, user.Password, user.Role, user.CompanyID, user.Active, user.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrInvalidTransaction
	}
	return translate(err)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT username, password, role, company_id, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.CompanyID, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, translate(rows.Err())
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET password = $2 WHERE username = $1`, username, password)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// translate maps driver errors onto the store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return fmt.Errorf("%w: %s", store.ErrLockTimeout, pgErr.Message)
		case "23505":
			switch pgErr.ConstraintName {
			case "transactions_number_key":
				return store.ErrDuplicateNumber
			case "transactions_idempotency_key":
				return store.ErrDuplicateIdempotencyKey
			}
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
