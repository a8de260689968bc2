package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
)

func stockOf(t *testing.T, s *Store, productID string) int {
	t.Helper()
	p, err := s.LoadProduct(context.Background(), DemoCompanyID, productID)
	require.NoError(t, err)
	return p.Stock
}

func TestRunInTxCommitsStagedStock(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.LockAndDecrementStock(ctx, DemoCompanyID, []domain.StockRequest{
			{ProductID: "prod-teh", Quantity: 2},
			{ProductID: "prod-mie", Quantity: 1},
			{ProductID: "prod-teh", Quantity: 1},
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stockOf(t, s, "prod-teh"))
	assert.Equal(t, 119, stockOf(t, s, "prod-mie"))
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.LockAndDecrementStock(ctx, DemoCompanyID, []domain.StockRequest{{ProductID: "prod-teh", Quantity: 5}}))
		require.NoError(t, tx.InsertTransaction(ctx, &domain.Transaction{ID: "tx-1", Number: "N-1", CompanyID: DemoCompanyID}))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 5, stockOf(t, s, "prod-teh"))

	_, err = s.FindTransactionByNumber(ctx, DemoCompanyID, "N-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	// the number reservation is released as well
	err = s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.InsertTransaction(ctx, &domain.Transaction{ID: "tx-2", Number: "N-1", CompanyID: DemoCompanyID})
	})
	require.NoError(t, err)
}

func TestLockAndDecrementIsAllOrNothing(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.LockAndDecrementStock(ctx, DemoCompanyID, []domain.StockRequest{
			{ProductID: "prod-mie", Quantity: 3},
			{ProductID: "prod-teh", Quantity: 6},
		})
	})
	var stockErr *store.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "prod-teh", stockErr.ProductID)
	assert.Equal(t, 5, stockErr.Available)
	assert.Equal(t, 6, stockErr.Requested)
	assert.Equal(t, 120, stockOf(t, s, "prod-mie"))
	assert.Equal(t, 5, stockOf(t, s, "prod-teh"))
}

func TestInsertTransactionRejectsDuplicates(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.InsertTransaction(ctx, &domain.Transaction{ID: "tx-1", Number: "N-1", CompanyID: DemoCompanyID, IdempotencyKey: "idem-1"})
	}))

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.InsertTransaction(ctx, &domain.Transaction{ID: "tx-2", Number: "N-1", CompanyID: DemoCompanyID})
	})
	require.ErrorIs(t, err, store.ErrDuplicateNumber)

	err = s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.InsertTransaction(ctx, &domain.Transaction{ID: "tx-3", Number: "N-3", CompanyID: DemoCompanyID, IdempotencyKey: "idem-1"})
	})
	require.ErrorIs(t, err, store.ErrDuplicateIdempotencyKey)

	// idempotency keys are scoped per company
	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.InsertTransaction(ctx, &domain.Transaction{ID: "tx-4", Number: "N-4", CompanyID: "other-company", IdempotencyKey: "idem-1"})
	}))
}

func TestDuplicateNumberDoesNotPoisonUnitOfWork(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.InsertTransaction(ctx, &domain.Transaction{ID: "tx-1", Number: "N-1", CompanyID: DemoCompanyID})
	}))

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		err := tx.InsertTransaction(ctx, &domain.Transaction{ID: "tx-2", Number: "N-1", CompanyID: DemoCompanyID})
		require.ErrorIs(t, err, store.ErrDuplicateNumber)
		return tx.InsertTransaction(ctx, &domain.Transaction{ID: "tx-2", Number: "N-2", CompanyID: DemoCompanyID})
	})
	require.NoError(t, err)

	found, err := s.FindTransactionByNumber(ctx, DemoCompanyID, "N-2")
	require.NoError(t, err)
	assert.Equal(t, "tx-2", found.ID)
}

func TestHeldStockLockTimesOut(t *testing.T) {
	s := NewSeeded(WithLockTimeout(30 * time.Millisecond))
	ctx := context.Background()

	release, err := s.HoldStockLock(ctx, "prod-mie")
	require.NoError(t, err)

	err = s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.LockAndDecrementStock(ctx, DemoCompanyID, []domain.StockRequest{{ProductID: "prod-mie", Quantity: 1}})
	})
	require.ErrorIs(t, err, store.ErrLockTimeout)
	assert.Equal(t, 120, stockOf(t, s, "prod-mie"))

	release()
	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.LockAndDecrementStock(ctx, DemoCompanyID, []domain.StockRequest{{ProductID: "prod-mie", Quantity: 1}})
	}))
	assert.Equal(t, 119, stockOf(t, s, "prod-mie"))
}

func TestFailureHookAbortsCommit(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	s.SetFailureHook(func(stage string) error {
		if stage == StageCommit {
			return errors.New("disk full")
		}
		return nil
	})

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.LockAndDecrementStock(ctx, DemoCompanyID, []domain.StockRequest{{ProductID: "prod-teh", Quantity: 1}})
	})
	require.Error(t, err)
	assert.Equal(t, 5, stockOf(t, s, "prod-teh"))
}

func TestLookupsAreTenantScoped(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	_, err := s.LoadProduct(ctx, "other-company", "prod-mie")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.ResolveCustomer(ctx, "other-company", "cust-001")
	require.ErrorIs(t, err, store.ErrNotFound)

	methods, err := s.ListPaymentMethods(ctx, DemoCompanyID)
	require.NoError(t, err)
	assert.Len(t, methods, 5)
	methods, err = s.ListPaymentMethods(ctx, "other-company")
	require.NoError(t, err)
	assert.Empty(t, methods)
}
