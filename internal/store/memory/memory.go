package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/numbering"
	"kasirinaja/settlement/internal/store"
)

const (
	DemoCompanyID      = "company-demo"
	DefaultLockTimeout = 3 * time.Second
)

// Failure injection points, checked in this order during a settlement.
const (
	StageInsertTransaction = "insert_transaction"
	StageInsertSoldItems   = "insert_sold_items"
	StageInsertPayments    = "insert_payments"
	StageCommit            = "commit"
)

type FailureHook func(stage string) error

type Option func(*Store)

func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

type customerRecord struct {
	companyID string
	customer  domain.Customer
}

type Store struct {
	mu                   sync.RWMutex
	products             map[string]domain.Product
	paymentMethods       map[string]domain.PaymentMethod
	customers            map[string]customerRecord
	transactionsByNumber map[string]*domain.Transaction
	transactionsByIdem   map[string]string
	reservedNumbers      map[string]struct{}
	reservedIdem         map[string]struct{}
	auditLogs            []domain.AuditLog
	usersByUsername      map[string]domain.UserAccount
	failureHook          FailureHook

	lockMu      sync.Mutex
	rowLocks    map[string]chan struct{}
	lockTimeout time.Duration
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn().Str("component", "memory-store").Msg("using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("hash seed password")
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			CompanyID: DemoCompanyID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func NewSeeded(opts ...Option) *Store {
	products := []domain.Product{
		{ID: "prod-mie", SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", UnitPrice: price("3.50"), Stock: 120, Active: true},
		{ID: "prod-telur", SKU: "SKU-TELUR-01", Name: "Telur 10 Butir", UnitPrice: price("26.50"), Stock: 60, Active: true},
		{ID: "prod-susu", SKU: "SKU-SUSU-01", Name: "Susu UHT 1L", UnitPrice: price("18.90"), Stock: 80, Active: true},
		{ID: "prod-roti", SKU: "SKU-ROTI-01", Name: "Roti Tawar", UnitPrice: price("17.80"), Stock: 40, Active: true},
		{ID: "prod-kopi", SKU: "SKU-KOPI-01", Name: "Kopi Sachet", UnitPrice: price("2.60"), Stock: 200, Active: true},
		{ID: "prod-gula", SKU: "SKU-GULA-01", Name: "Gula 1kg", UnitPrice: price("17.40"), Stock: 50, Active: true},
		{ID: "prod-teh", SKU: "SKU-TEH-01", Name: "Teh Celup", UnitPrice: price("9.80"), Stock: 5, Active: true},
		{ID: "prod-lama", SKU: "SKU-LAMA-01", Name: "Biskuit Lama", UnitPrice: price("4.00"), Stock: 10, Active: false},
	}
	methods := []domain.PaymentMethod{
		{ID: "pm-cash", Name: "Cash", Code: "CASH", Type: domain.PaymentMethodCash, Active: true},
		{ID: "pm-card", Name: "Debit/Credit Card", Code: "CARD", Type: domain.PaymentMethodCard, RequiresReference: true, Active: true},
		{ID: "pm-ewallet", Name: "E-Wallet", Code: "EWALLET", Type: domain.PaymentMethodDigital, RequiresReference: true, Active: true},
		{ID: "pm-transfer", Name: "Bank Transfer", Code: "TRANSFER", Type: domain.PaymentMethodBankTransfer, RequiresReference: true, Active: true},
		{ID: "pm-voucher", Name: "Paper Voucher", Code: "VOUCHER", Type: domain.PaymentMethodOther, Active: false},
	}
	customers := []domain.Customer{
		{ID: "cust-001", Name: "Budi Santoso", Phone: "+62811000001", Email: "budi@example.com"},
		{ID: "cust-002", Name: "Siti Rahma", Phone: "+62811000002"},
	}

	s := &Store{
		products:             make(map[string]domain.Product, len(products)),
		paymentMethods:       make(map[string]domain.PaymentMethod, len(methods)),
		customers:            make(map[string]customerRecord, len(customers)),
		transactionsByNumber: make(map[string]*domain.Transaction),
		transactionsByIdem:   make(map[string]string),
		reservedNumbers:      make(map[string]struct{}),
		reservedIdem:         make(map[string]struct{}),
		auditLogs:            make([]domain.AuditLog, 0, 128),
		usersByUsername:      seedUsers(),
		rowLocks:             make(map[string]chan struct{}),
		lockTimeout:          DefaultLockTimeout,
	}
	for _, p := range products {
		p.CompanyID = DemoCompanyID
		s.products[p.ID] = p
	}
	for _, m := range methods {
		m.CompanyID = DemoCompanyID
		s.paymentMethods[m.ID] = m
	}
	for _, c := range customers {
		s.customers[c.ID] = customerRecord{companyID: DemoCompanyID, customer: c}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFailureHook installs fn to be consulted at each Stage*. A non-nil return
// aborts the unit of work at that point.
func (s *Store) SetFailureHook(fn FailureHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureHook = fn
}

func (s *Store) checkFailure(stage string) error {
	s.mu.RLock()
	hook := s.failureHook
	s.mu.RUnlock()
	if hook == nil {
		return nil
	}
	return hook(stage)
}

func (s *Store) UpsertProduct(_ context.Context, product domain.Product) error {
	if product.ID == "" || product.CompanyID == "" || product.Stock < 0 || product.UnitPrice.IsNegative() {
		return store.ErrInvalidTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
	return nil
}

func (s *Store) SetStock(_ context.Context, companyID string, productID string, qty int) error {
	if qty < 0 {
		return store.ErrInvalidTransaction
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok || p.CompanyID != companyID {
		return store.ErrNotFound
	}
	p.Stock = qty
	s.products[productID] = p
	return nil
}

// HoldStockLock takes the row lock of a product outside any unit of work, as a
// long-running stock count would. The returned func releases it.
func (s *Store) HoldStockLock(ctx context.Context, productID string) (func(), error) {
	key := productLockKey(productID)
	if err := s.acquire(ctx, key); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { s.release(key) }) }, nil
}

func (s *Store) LoadProduct(_ context.Context, companyID string, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[productID]
	if !ok || p.CompanyID != companyID {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListPaymentMethods(_ context.Context, companyID string) ([]domain.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	methods := make([]domain.PaymentMethod, 0, len(s.paymentMethods))
	for _, m := range s.paymentMethods {
		if m.CompanyID == companyID {
			methods = append(methods, m)
		}
	}
	slices.SortFunc(methods, func(a, b domain.PaymentMethod) int {
		return strings.Compare(a.Code, b.Code)
	})
	return methods, nil
}

func (s *Store) ResolveCustomer(_ context.Context, companyID string, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.customers[customerID]
	if !ok || rec.companyID != companyID {
		return nil, store.ErrNotFound
	}
	c := rec.customer
	return &c, nil
}

func (s *Store) FindTransactionByNumber(_ context.Context, companyID string, number string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByNumber[number]
	if !ok || tx.CompanyID != companyID {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) FindTransactionByIdempotencyKey(_ context.Context, companyID string, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	number, ok := s.transactionsByIdem[idemMapKey(companyID, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(s.transactionsByNumber[number]), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = numbering.NewID("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

// ListAuditLogs returns the newest entries first.
func (s *Store) ListAuditLogs(_ context.Context, companyID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		if companyID != "" && s.auditLogs[i].CompanyID != companyID {
			continue
		}
		result = append(result, s.auditLogs[i])
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CompanyID == "" {
		user.CompanyID = DemoCompanyID
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) acquire(ctx context.Context, key string) error {
	s.lockMu.Lock()
	lock, ok := s.rowLocks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		s.rowLocks[key] = lock
	}
	s.lockMu.Unlock()

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case lock <- struct{}{}:
		return nil
	case <-timer.C:
		return store.ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) release(key string) {
	s.lockMu.Lock()
	lock := s.rowLocks[key]
	s.lockMu.Unlock()
	<-lock
}

func productLockKey(productID string) string {
	return "product:" + productID
}

func transactionLockKey(number string) string {
	return "txn:" + number
}

func idemMapKey(companyID string, key string) string {
	return companyID + "|" + key
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = slices.Clone(src.Items)
	dup.Payments = slices.Clone(src.Payments)
	if src.CustomerID != nil {
		id := *src.CustomerID
		dup.CustomerID = &id
	}
	if src.CancelledAt != nil {
		at := *src.CancelledAt
		dup.CancelledAt = &at
	}
	return &dup
}
