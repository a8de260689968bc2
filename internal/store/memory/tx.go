package memory

import (
	"context"
	"slices"
	"sort"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
)

// unitOfWork stages every write and applies them together on commit. Row locks
// it takes are released only after the staged writes are visible.
type unitOfWork struct {
	s          *Store
	held       []string
	heldSet    map[string]struct{}
	stockDelta map[string]int
	created    []*domain.Transaction
	locked     map[string]*domain.Transaction
	numbers    []string
	idemKeys   []string
}

func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	uow := &unitOfWork{
		s:          s,
		heldSet:    make(map[string]struct{}),
		stockDelta: make(map[string]int),
		locked:     make(map[string]*domain.Transaction),
	}
	defer uow.releaseLocks()

	if err := fn(uow); err != nil {
		uow.discard()
		return err
	}
	if err := s.checkFailure(StageCommit); err != nil {
		uow.discard()
		return err
	}
	uow.commit()
	return nil
}

func (u *unitOfWork) lock(ctx context.Context, key string) error {
	if _, ok := u.heldSet[key]; ok {
		return nil
	}
	if err := u.s.acquire(ctx, key); err != nil {
		return err
	}
	u.held = append(u.held, key)
	u.heldSet[key] = struct{}{}
	return nil
}

func (u *unitOfWork) releaseLocks() {
	for i := len(u.held) - 1; i >= 0; i-- {
		u.s.release(u.held[i])
	}
	u.held = nil
}

func (u *unitOfWork) discard() {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	for _, n := range u.numbers {
		delete(u.s.reservedNumbers, n)
	}
	for _, k := range u.idemKeys {
		delete(u.s.reservedIdem, k)
	}
}

func (u *unitOfWork) commit() {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for productID, delta := range u.stockDelta {
		p := s.products[productID]
		p.Stock += delta
		s.products[productID] = p
	}
	for _, tx := range u.created {
		s.transactionsByNumber[tx.Number] = tx
		if tx.IdempotencyKey != "" {
			s.transactionsByIdem[idemMapKey(tx.CompanyID, tx.IdempotencyKey)] = tx.Number
		}
	}
	for number, tx := range u.locked {
		s.transactionsByNumber[number] = tx
	}
	for _, n := range u.numbers {
		delete(s.reservedNumbers, n)
	}
	for _, k := range u.idemKeys {
		delete(s.reservedIdem, k)
	}
}

func normalizeRequests(requests []domain.StockRequest) []domain.StockRequest {
	merged := make(map[string]int, len(requests))
	for _, r := range requests {
		merged[r.ProductID] += r.Quantity
	}
	out := make([]domain.StockRequest, 0, len(merged))
	for id, qty := range merged {
		out = append(out, domain.StockRequest{ProductID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

func (u *unitOfWork) LockAndDecrementStock(ctx context.Context, companyID string, requests []domain.StockRequest) error {
	requests = normalizeRequests(requests)
	for _, r := range requests {
		if r.Quantity <= 0 {
			return store.ErrInvalidTransaction
		}
		if err := u.lock(ctx, productLockKey(r.ProductID)); err != nil {
			return err
		}
	}

	u.s.mu.RLock()
	for _, r := range requests {
		p, ok := u.s.products[r.ProductID]
		if !ok || p.CompanyID != companyID {
			u.s.mu.RUnlock()
			return store.ErrNotFound
		}
		available := p.Stock + u.stockDelta[r.ProductID]
		if available < r.Quantity {
			u.s.mu.RUnlock()
			return &store.InsufficientStockError{ProductID: p.ID, SKU: p.SKU, Available: available, Requested: r.Quantity}
		}
	}
	u.s.mu.RUnlock()

	for _, r := range requests {
		u.stockDelta[r.ProductID] -= r.Quantity
	}
	return nil
}

func (u *unitOfWork) RestockItems(ctx context.Context, companyID string, requests []domain.StockRequest) error {
	requests = normalizeRequests(requests)
	for _, r := range requests {
		if err := u.lock(ctx, productLockKey(r.ProductID)); err != nil {
			return err
		}
	}

	u.s.mu.RLock()
	for _, r := range requests {
		p, ok := u.s.products[r.ProductID]
		if !ok || p.CompanyID != companyID {
			u.s.mu.RUnlock()
			return store.ErrNotFound
		}
	}
	u.s.mu.RUnlock()

	for _, r := range requests {
		u.stockDelta[r.ProductID] += r.Quantity
	}
	return nil
}

func (u *unitOfWork) InsertTransaction(_ context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.Number == "" || tx.ID == "" {
		return store.ErrInvalidTransaction
	}
	if err := u.s.checkFailure(StageInsertTransaction); err != nil {
		return err
	}

	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactionsByNumber[tx.Number]; exists {
		return store.ErrDuplicateNumber
	}
	if _, reserved := s.reservedNumbers[tx.Number]; reserved {
		return store.ErrDuplicateNumber
	}
	if tx.IdempotencyKey != "" {
		key := idemMapKey(tx.CompanyID, tx.IdempotencyKey)
		_, exists := s.transactionsByIdem[key]
		_, reserved := s.reservedIdem[key]
		if exists || reserved {
			return store.ErrDuplicateIdempotencyKey
		}
		s.reservedIdem[key] = struct{}{}
		u.idemKeys = append(u.idemKeys, key)
	}
	s.reservedNumbers[tx.Number] = struct{}{}
	u.numbers = append(u.numbers, tx.Number)

	staged := cloneTransaction(tx)
	staged.Items = nil
	staged.Payments = nil
	u.created = append(u.created, staged)
	return nil
}

func (u *unitOfWork) stagedByID(transactionID string) *domain.Transaction {
	for _, tx := range u.created {
		if tx.ID == transactionID {
			return tx
		}
	}
	for _, tx := range u.locked {
		if tx.ID == transactionID {
			return tx
		}
	}
	return nil
}

func (u *unitOfWork) InsertSoldItems(_ context.Context, transactionID string, items []domain.SoldItem) error {
	if err := u.s.checkFailure(StageInsertSoldItems); err != nil {
		return err
	}
	tx := u.stagedByID(transactionID)
	if tx == nil {
		return store.ErrNotFound
	}
	for _, item := range items {
		item.TransactionID = transactionID
		tx.Items = append(tx.Items, item)
	}
	return nil
}

func (u *unitOfWork) InsertPayments(_ context.Context, transactionID string, payments []domain.Payment) error {
	if err := u.s.checkFailure(StageInsertPayments); err != nil {
		return err
	}
	tx := u.stagedByID(transactionID)
	if tx == nil {
		return store.ErrNotFound
	}
	for _, p := range payments {
		p.TransactionID = transactionID
		tx.Payments = append(tx.Payments, p)
	}
	return nil
}

func (u *unitOfWork) LockTransaction(ctx context.Context, companyID string, number string) (*domain.Transaction, error) {
	if tx, ok := u.locked[number]; ok {
		return cloneTransaction(tx), nil
	}

	u.s.mu.RLock()
	current, ok := u.s.transactionsByNumber[number]
	u.s.mu.RUnlock()
	if !ok || current.CompanyID != companyID {
		return nil, store.ErrNotFound
	}

	if err := u.lock(ctx, transactionLockKey(number)); err != nil {
		return nil, err
	}

	// re-read under the row lock; another unit of work may have committed meanwhile
	u.s.mu.RLock()
	current = u.s.transactionsByNumber[number]
	u.s.mu.RUnlock()

	staged := cloneTransaction(current)
	u.locked[number] = staged
	return cloneTransaction(staged), nil
}

func (u *unitOfWork) UpdateTransactionStatus(_ context.Context, tx *domain.Transaction) error {
	staged, ok := u.locked[tx.Number]
	if !ok {
		return store.ErrInvalidTransaction
	}
	staged.Status = tx.Status
	staged.PaymentStatus = tx.PaymentStatus
	staged.CancelReason = tx.CancelReason
	staged.UpdatedAt = tx.UpdatedAt
	if tx.CancelledAt != nil {
		at := *tx.CancelledAt
		staged.CancelledAt = &at
	}
	return nil
}

func (u *unitOfWork) UpdatePaymentStatuses(_ context.Context, transactionID string, from domain.PaymentRecordStatus, to domain.PaymentRecordStatus) error {
	tx := u.stagedByID(transactionID)
	if tx == nil {
		return store.ErrNotFound
	}
	tx.Payments = slices.Clone(tx.Payments)
	for i := range tx.Payments {
		if tx.Payments[i].Status == from {
			tx.Payments[i].Status = to
		}
	}
	return nil
}
