package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/settlement/internal/cart"
	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/numbering"
	"kasirinaja/settlement/internal/store"
	"kasirinaja/settlement/internal/store/memory"
)

const company = memory.DemoCompanyID

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// scriptedNumbers hands out the given numbers in order, then unique fallbacks.
type scriptedNumbers struct {
	mu      sync.Mutex
	numbers []string
	calls   int
}

func (g *scriptedNumbers) Next(_ context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if len(g.numbers) > 0 {
		n := g.numbers[0]
		g.numbers = g.numbers[1:]
		return n, nil
	}
	return fmt.Sprintf("AUTO-%d", g.calls), nil
}

type repeatingNumber string

func (r repeatingNumber) Next(_ context.Context) (string, error) {
	return string(r), nil
}

type line struct {
	productID string
	qty       int
	discount  string
}

func buildCart(t *testing.T, s *memory.Store, lines ...line) *cart.Cart {
	t.Helper()
	c := cart.New(nil, "")
	for _, l := range lines {
		p, err := s.LoadProduct(context.Background(), company, l.productID)
		require.NoError(t, err)
		discount := decimal.Zero
		if l.discount != "" {
			discount = dec(l.discount)
		}
		_, err = c.AddLine(cart.ProductRef{ID: p.ID, SKU: p.SKU, Name: p.Name, UnitPrice: p.UnitPrice}, l.qty, nil, discount)
		require.NoError(t, err)
	}
	return c
}

func cash(amount string) domain.Tender {
	return domain.Tender{PaymentMethodID: "pm-cash", Amount: dec(amount)}
}

func card(amount string, ref string) domain.Tender {
	return domain.Tender{PaymentMethodID: "pm-card", Amount: dec(amount), Reference: ref}
}

func stockOf(t *testing.T, s *memory.Store, productID string) int {
	t.Helper()
	p, err := s.LoadProduct(context.Background(), company, productID)
	require.NoError(t, err)
	return p.Stock
}

func newEngine(s *memory.Store, gen numbering.Generator, opts Options) *Engine {
	return NewEngine(s, gen, opts, zerolog.Nop())
}

func request(c *cart.Cart, tenders ...domain.Tender) Request {
	return Request{Cart: c, Tenders: tenders, CashierID: "cashier", CompanyID: company, TaxRate: dec("0.11")}
}

func TestSettleReconcilesAndPersists(t *testing.T) {
	s := memory.NewSeeded()
	engine := newEngine(s, &scriptedNumbers{numbers: []string{"TRX-1"}}, DefaultOptions())

	c := buildCart(t, s, line{"prod-telur", 2, "3.00"}, line{"prod-kopi", 5, ""})
	receipt, err := engine.Settle(context.Background(), request(c, cash("50.00"), card("30.00", " AUTH-77 ")))
	require.NoError(t, err)

	// subtotal 53.00 + 13.00 = 66.00, discount 3.00, tax round(63.00 * 0.11) = 6.93
	assert.Equal(t, "TRX-1", receipt.TransactionNumber)
	assert.Equal(t, "10.07", receipt.Change.StringFixed(2))

	saved, err := s.FindTransactionByNumber(context.Background(), company, "TRX-1")
	require.NoError(t, err)
	assert.Equal(t, "66.00", saved.Subtotal.StringFixed(2))
	assert.Equal(t, "3.00", saved.DiscountAmount.StringFixed(2))
	assert.Equal(t, "6.93", saved.TaxAmount.StringFixed(2))
	assert.Equal(t, "69.93", saved.TotalAmount.StringFixed(2))
	assert.Equal(t, "80.00", saved.AmountTendered.StringFixed(2))
	assert.Equal(t, domain.TxStatusCompleted, saved.Status)
	assert.Equal(t, domain.PaymentStatusPaid, saved.PaymentStatus)
	assert.Equal(t, domain.WalkInCustomerName, saved.CustomerName)
	assert.Nil(t, saved.CustomerID)

	require.Len(t, saved.Items, 2)
	require.Len(t, saved.Payments, 2)
	assert.Equal(t, "50.00", saved.Payments[0].Amount.StringFixed(2))
	assert.Equal(t, "19.93", saved.Payments[1].Amount.StringFixed(2))
	assert.Equal(t, "AUTH-77", saved.Payments[1].Reference)
	assert.True(t, saved.CompletedPaymentsTotal().Equal(saved.TotalAmount))
	require.NoError(t, validateInvariants(saved))

	assert.Equal(t, 58, stockOf(t, s, "prod-telur"))
	assert.Equal(t, 195, stockOf(t, s, "prod-kopi"))
}

func TestSettleSnapshotsPricesAtSaleTime(t *testing.T) {
	s := memory.NewSeeded()
	engine := newEngine(s, &scriptedNumbers{numbers: []string{"TRX-1"}}, DefaultOptions())
	c := buildCart(t, s, line{"prod-roti", 1, ""})

	_, err := engine.Settle(context.Background(), Request{Cart: c, Tenders: []domain.Tender{cash("17.80")}, CashierID: "cashier", CompanyID: company})
	require.NoError(t, err)

	p, _ := s.LoadProduct(context.Background(), company, "prod-roti")
	p.UnitPrice = dec("99.00")
	require.NoError(t, s.UpsertProduct(context.Background(), *p))

	saved, err := s.FindTransactionByNumber(context.Background(), company, "TRX-1")
	require.NoError(t, err)
	assert.Equal(t, "17.80", saved.Items[0].UnitPrice.StringFixed(2))
	assert.Equal(t, "Roti Tawar", saved.Items[0].ProductName)
}

func TestSettleInsufficientStockLeavesNoTrace(t *testing.T) {
	s := memory.NewSeeded()
	engine := newEngine(s, &scriptedNumbers{numbers: []string{"TRX-1"}}, DefaultOptions())

	c := buildCart(t, s, line{"prod-mie", 1, ""}, line{"prod-teh", 6, ""})
	_, err := engine.Settle(context.Background(), request(c, cash("100.00")))
	require.True(t, errors.Is(err, domain.ErrInsufficientStock))

	var domainErr *domain.Error
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "prod-teh", domainErr.ProductID)
	assert.Equal(t, "SKU-TEH-01", domainErr.SKU)
	assert.Equal(t, 5, domainErr.Available)
	assert.Equal(t, 6, domainErr.Requested)
	assert.True(t, domainErr.Retryable())

	assert.Equal(t, 120, stockOf(t, s, "prod-mie"))
	assert.Equal(t, 5, stockOf(t, s, "prod-teh"))
	_, err = s.FindTransactionByNumber(context.Background(), company, "TRX-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSettlePaymentIncomplete(t *testing.T) {
	s := memory.NewSeeded()
	engine := newEngine(s, numbering.NewRandomGenerator("TRX"), DefaultOptions())

	c := buildCart(t, s, line{"prod-telur", 2, ""})
	_, err := engine.Settle(context.Background(), Request{Cart: c, Tenders: []domain.Tender{cash("40.00")}, CashierID: "cashier", CompanyID: company})
	require.True(t, errors.Is(err, domain.ErrPaymentIncomplete))

	var domainErr *domain.Error
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "13.00", domainErr.Remaining.StringFixed(2))
	assert.Equal(t, 60, stockOf(t, s, "prod-telur"))
}

func TestSettleRejectsBadTendersBeforeTouchingStock(t *testing.T) {
	s := memory.NewSeeded()
	engine := newEngine(s, numbering.NewRandomGenerator("TRX"), DefaultOptions())
	c := buildCart(t, s, line{"prod-mie", 1, ""})

	_, err := engine.Settle(context.Background(), request(c, card("10.00", "")))
	require.True(t, errors.Is(err, domain.ErrMissingReference))

	_, err = engine.Settle(context.Background(), request(c, domain.Tender{PaymentMethodID: "pm-voucher", Amount: dec("10.00")}))
	require.True(t, errors.Is(err, domain.ErrUnknownPaymentMethod))

	_, err = engine.Settle(context.Background(), request(cart.New(nil, ""), cash("10.00")))
	require.True(t, errors.Is(err, domain.ErrInvalidRequest))

	assert.Equal(t, 120, stockOf(t, s, "prod-mie"))
}

func TestSettleRollsBackWhenAWriteFails(t *testing.T) {
	for _, stage := range []string{memory.StageInsertTransaction, memory.StageInsertSoldItems, memory.StageInsertPayments, memory.StageCommit} {
		t.Run(stage, func(t *testing.T) {
			s := memory.NewSeeded()
			s.SetFailureHook(func(at string) error {
				if at == stage {
					return errors.New("connection reset")
				}
				return nil
			})
			engine := newEngine(s, &scriptedNumbers{numbers: []string{"TRX-1"}}, DefaultOptions())
			c := buildCart(t, s, line{"prod-susu", 3, ""})

			_, err := engine.Settle(context.Background(), request(c, cash("100.00")))
			require.True(t, errors.Is(err, domain.ErrSettlementFailed))
			assert.Equal(t, 80, stockOf(t, s, "prod-susu"))

			_, err = s.FindTransactionByNumber(context.Background(), company, "TRX-1")
			require.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestSettleRegeneratesCollidingNumber(t *testing.T) {
	s := memory.NewSeeded()
	gen := &scriptedNumbers{numbers: []string{"TRX-1", "TRX-1", "TRX-2"}}
	engine := newEngine(s, gen, DefaultOptions())

	_, err := engine.Settle(context.Background(), request(buildCart(t, s, line{"prod-mie", 1, ""}), cash("10.00")))
	require.NoError(t, err)

	receipt, err := engine.Settle(context.Background(), request(buildCart(t, s, line{"prod-mie", 1, ""}), cash("10.00")))
	require.NoError(t, err)
	assert.Equal(t, "TRX-2", receipt.TransactionNumber)
	assert.Equal(t, 118, stockOf(t, s, "prod-mie"))
}

func TestSettleGivesUpAfterMaxNumberAttempts(t *testing.T) {
	s := memory.NewSeeded()
	first := newEngine(s, repeatingNumber("TRX-SAME"), DefaultOptions())
	_, err := first.Settle(context.Background(), request(buildCart(t, s, line{"prod-mie", 1, ""}), cash("10.00")))
	require.NoError(t, err)

	engine := newEngine(s, repeatingNumber("TRX-SAME"), Options{MaxNumberAttempts: 3})
	_, err = engine.Settle(context.Background(), request(buildCart(t, s, line{"prod-mie", 2, ""}), cash("10.00")))
	require.True(t, errors.Is(err, domain.ErrSettlementFailed))
	assert.Equal(t, 119, stockOf(t, s, "prod-mie"))
}

func TestConcurrentSettlementsNeverOversell(t *testing.T) {
	s := memory.NewSeeded()
	require.NoError(t, s.SetStock(context.Background(), company, "prod-gula", 10))
	engine := newEngine(s, numbering.NewRandomGenerator("TRX"), DefaultOptions())

	const workers = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
		shortages int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := cart.New(nil, "")
			_, err := c.AddLine(cart.ProductRef{ID: "prod-gula", SKU: "SKU-GULA-01", Name: "Gula 1kg", UnitPrice: dec("17.40")}, 1, nil, decimal.Zero)
			if err != nil {
				return
			}
			_, err = engine.Settle(context.Background(), request(c, cash("20.00")))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				committed++
			case errors.Is(err, domain.ErrInsufficientStock):
				shortages++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, committed)
	assert.Equal(t, workers-10, shortages)
	assert.Equal(t, 0, stockOf(t, s, "prod-gula"))
}

func TestDisjointProductsSettleInParallel(t *testing.T) {
	s := memory.NewSeeded(memory.WithLockTimeout(200 * time.Millisecond))
	engine := newEngine(s, numbering.NewRandomGenerator("TRX"), DefaultOptions())

	release, err := s.HoldStockLock(context.Background(), "prod-mie")
	require.NoError(t, err)
	defer release()

	// prod-kopi is not blocked by the held prod-mie row
	_, err = engine.Settle(context.Background(), request(buildCart(t, s, line{"prod-kopi", 1, ""}), cash("5.00")))
	require.NoError(t, err)
	assert.Equal(t, 199, stockOf(t, s, "prod-kopi"))
}

func TestSettleLockTimeoutIsRetryable(t *testing.T) {
	s := memory.NewSeeded(memory.WithLockTimeout(50 * time.Millisecond))
	engine := newEngine(s, numbering.NewRandomGenerator("TRX"), DefaultOptions())

	release, err := s.HoldStockLock(context.Background(), "prod-mie")
	require.NoError(t, err)

	c := buildCart(t, s, line{"prod-kopi", 1, ""}, line{"prod-mie", 1, ""})
	_, err = engine.Settle(context.Background(), request(c, cash("10.00")))
	require.True(t, errors.Is(err, domain.ErrLockTimeout))
	var domainErr *domain.Error
	require.ErrorAs(t, err, &domainErr)
	assert.True(t, domainErr.Retryable())
	assert.Equal(t, 200, stockOf(t, s, "prod-kopi"))

	release()
	_, err = engine.Settle(context.Background(), request(c, cash("10.00")))
	require.NoError(t, err)
	assert.Equal(t, 119, stockOf(t, s, "prod-mie"))
}

func TestCoordinatorIsSingleUse(t *testing.T) {
	s := memory.NewSeeded()
	engine := newEngine(s, numbering.NewRandomGenerator("TRX"), DefaultOptions())
	coord := engine.NewCoordinator()
	assert.Equal(t, StateDraft, coord.State())

	c := buildCart(t, s, line{"prod-mie", 1, ""})
	_, err := coord.Settle(context.Background(), request(c, cash("10.00")))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, coord.State())

	_, err = coord.Settle(context.Background(), request(c, cash("10.00")))
	require.True(t, errors.Is(err, domain.ErrSettlementFailed))
	assert.Equal(t, 119, stockOf(t, s, "prod-mie"))

	rejected := engine.NewCoordinator()
	_, err = rejected.Settle(context.Background(), request(c))
	require.Error(t, err)
	assert.Equal(t, StateRejected, rejected.State())
}

func TestSettleRequireConfirmationPersistsPending(t *testing.T) {
	s := memory.NewSeeded()
	engine := newEngine(s, &scriptedNumbers{numbers: []string{"TRX-P"}}, Options{RequireConfirmation: true})

	_, err := engine.Settle(context.Background(), request(buildCart(t, s, line{"prod-roti", 1, ""}), domain.Tender{PaymentMethodID: "pm-transfer", Amount: dec("19.76"), Reference: "BCA-1"}))
	require.NoError(t, err)

	saved, err := s.FindTransactionByNumber(context.Background(), company, "TRX-P")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusPending, saved.Status)
	assert.Equal(t, domain.PaymentStatusUnpaid, saved.PaymentStatus)
	require.Len(t, saved.Payments, 1)
	assert.Equal(t, domain.PaymentRecordPending, saved.Payments[0].Status)
	assert.Equal(t, 39, stockOf(t, s, "prod-roti"))
}

func TestSettleCustomerResolution(t *testing.T) {
	s := memory.NewSeeded()
	engine := newEngine(s, numbering.NewRandomGenerator("TRX"), DefaultOptions())

	registered := "cust-001"
	c := buildCart(t, s, line{"prod-mie", 1, ""})
	c.SetCustomer(&registered)
	receipt, err := engine.Settle(context.Background(), request(c, cash("10.00")))
	require.NoError(t, err)
	assert.Equal(t, "Budi Santoso", receipt.Transaction.CustomerName)
	require.NotNil(t, receipt.Transaction.CustomerID)
	assert.Equal(t, "cust-001", *receipt.Transaction.CustomerID)

	missing := "cust-404"
	c.SetCustomer(&missing)
	_, err = engine.Settle(context.Background(), request(c, cash("10.00")))
	require.True(t, errors.Is(err, domain.ErrNotFound))

	c.SetCustomer(nil)
	req := request(c, cash("10.00"))
	req.AdHocCustomer = &domain.Customer{ID: "spoofed", Name: " Ayu ", Phone: "0812"}
	receipt, err = engine.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Ayu", receipt.Transaction.CustomerName)
	assert.Equal(t, "0812", receipt.Transaction.CustomerPhone)
	assert.Nil(t, receipt.Transaction.CustomerID)
}

func TestSettleDuplicateIdempotencyKey(t *testing.T) {
	s := memory.NewSeeded()
	engine := newEngine(s, numbering.NewRandomGenerator("TRX"), DefaultOptions())

	req := request(buildCart(t, s, line{"prod-mie", 1, ""}), cash("10.00"))
	req.IdempotencyKey = "till-3-0001"
	_, err := engine.Settle(context.Background(), req)
	require.NoError(t, err)

	req.Cart = buildCart(t, s, line{"prod-mie", 1, ""})
	_, err = engine.Settle(context.Background(), req)
	require.True(t, errors.Is(err, domain.ErrDuplicateRequest))
	assert.Equal(t, 119, stockOf(t, s, "prod-mie"))
}

func TestValidateInvariantsCatchesDrift(t *testing.T) {
	tx := &domain.Transaction{
		Subtotal:       dec("10.00"),
		DiscountAmount: dec("1.00"),
		TaxAmount:      dec("0.90"),
		TotalAmount:    dec("9.90"),
		AmountTendered: dec("10.00"),
		ChangeAmount:   dec("0.10"),
		PaymentStatus:  domain.PaymentStatusPaid,
		Items: []domain.SoldItem{
			{ProductID: "p", Quantity: 2, UnitPrice: dec("5.00"), Discount: dec("1.00"), LineTotal: dec("9.00")},
		},
		Payments: []domain.Payment{{Amount: dec("9.90"), Status: domain.PaymentRecordCompleted}},
	}
	require.NoError(t, validateInvariants(tx))

	drifted := *tx
	drifted.TotalAmount = dec("9.91")
	require.True(t, errors.Is(validateInvariants(&drifted), domain.ErrSettlementFailed))

	drifted = *tx
	drifted.Payments = []domain.Payment{{Amount: dec("9.00"), Status: domain.PaymentRecordCompleted}}
	require.Error(t, validateInvariants(&drifted))

	drifted = *tx
	drifted.TaxAmount = dec("0.905")
	drifted.TotalAmount = dec("9.905")
	require.Error(t, validateInvariants(&drifted))
}

func TestMergeRequestsSortsAndFolds(t *testing.T) {
	requests := MergeRequests([]domain.SoldItem{
		{ProductID: "b", Quantity: 1},
		{ProductID: "a", Quantity: 2},
		{ProductID: "b", Quantity: 3},
	})
	assert.Equal(t, []domain.StockRequest{{ProductID: "a", Quantity: 2}, {ProductID: "b", Quantity: 4}}, requests)
}
