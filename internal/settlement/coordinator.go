package settlement

import (
	"context"
	"errors"
	"strings"
	"sync"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/numbering"
	"kasirinaja/settlement/internal/payment"
	"kasirinaja/settlement/internal/store"
)

type State int

const (
	StateDraft State = iota
	StateValidating
	StateCommitting
	StateCompleted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateDraft:
		return "draft"
	case StateValidating:
		return "validating"
	case StateCommitting:
		return "committing"
	case StateCompleted:
		return "completed"
	case StateRejected:
		return "rejected"
	}
	return "unknown"
}

var stateTransitions = map[State][]State{
	StateDraft:      {StateValidating},
	StateValidating: {StateCommitting, StateRejected},
	StateCommitting: {StateCompleted, StateRejected},
}

func (s State) canTransitionTo(next State) bool {
	for _, allowed := range stateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Coordinator drives one settlement attempt. It is not reusable: once it has
// left Draft every further Settle call fails.
type Coordinator struct {
	engine *Engine
	mu     sync.Mutex
	state  State
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) transition(next State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.canTransitionTo(next) {
		panic("settlement: illegal coordinator transition " + c.state.String() + " -> " + next.String())
	}
	c.state = next
}

func (c *Coordinator) Settle(ctx context.Context, req Request) (*Receipt, error) {
	c.mu.Lock()
	if c.state != StateDraft {
		c.mu.Unlock()
		return nil, domain.NewError(domain.KindSettlementFailed, "coordinator already used, state %s", c.state)
	}
	c.state = StateValidating
	c.mu.Unlock()

	e := c.engine
	logger := e.log.With().Str("company_id", req.CompanyID).Str("cashier_id", req.CashierID).Logger()

	draft, err := c.validate(ctx, req)
	if err != nil {
		c.transition(StateRejected)
		logger.Warn().Err(err).Str("kind", kindOf(err)).Msg("settlement rejected during validation")
		return nil, err
	}

	c.transition(StateCommitting)
	receipt, err := c.commit(ctx, req, draft)
	if err != nil {
		c.transition(StateRejected)
		event := logger.Warn()
		if kindOf(err) == domain.KindSettlementFailed.String() {
			event = logger.Error()
		}
		event.Err(err).Str("kind", kindOf(err)).Msg("settlement rolled back")
		return nil, err
	}

	c.transition(StateCompleted)
	logger.Info().
		Str("transaction_number", receipt.TransactionNumber).
		Str("total", receipt.Transaction.TotalAmount.StringFixed(2)).
		Str("change", receipt.Change.StringFixed(2)).
		Str("status", string(receipt.Transaction.Status)).
		Int("items", len(receipt.Transaction.Items)).
		Int("payments", len(receipt.Transaction.Payments)).
		Msg("settlement committed")
	return receipt, nil
}

// validate computes totals, allocates tenders and assembles the transaction to
// be written. It has no side effects.
func (c *Coordinator) validate(ctx context.Context, req Request) (*domain.Transaction, error) {
	e := c.engine
	if req.Cart == nil || req.Cart.IsEmpty() {
		return nil, domain.NewError(domain.KindInvalidRequest, "cart is empty")
	}
	if strings.TrimSpace(req.CompanyID) == "" || strings.TrimSpace(req.CashierID) == "" {
		return nil, domain.NewError(domain.KindInvalidRequest, "cashier and company are required")
	}

	totals, err := req.Cart.ComputeTotals(req.TaxRate)
	if err != nil {
		return nil, err
	}

	methods, err := e.deps.ListPaymentMethods(ctx, req.CompanyID)
	if err != nil {
		return nil, TranslateError(err)
	}
	alloc, err := payment.Allocate(req.Tenders, payment.NewMethods(methods), totals.GrandTotal)
	if err != nil {
		return nil, err
	}
	if !alloc.Ready() {
		return nil, domain.PaymentIncomplete(alloc.Remaining)
	}

	customer, err := c.resolveCustomer(ctx, req)
	if err != nil {
		return nil, err
	}

	now := e.opts.Clock().UTC()
	status := domain.TxStatusCompleted
	paymentStatus := domain.PaymentStatusPaid
	recordStatus := domain.PaymentRecordCompleted
	if e.opts.RequireConfirmation {
		status = domain.TxStatusPending
		paymentStatus = domain.PaymentStatusUnpaid
		recordStatus = domain.PaymentRecordPending
	}

	tx := &domain.Transaction{
		ID:             numbering.NewID("trx"),
		CompanyID:      req.CompanyID,
		CashierID:      req.CashierID,
		CustomerName:   customer.Name,
		CustomerPhone:  customer.Phone,
		CustomerEmail:  customer.Email,
		Notes:          req.Cart.Notes(),
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		Subtotal:       totals.Subtotal,
		TaxRate:        req.TaxRate,
		TaxAmount:      totals.TaxAmount,
		DiscountAmount: totals.DiscountTotal,
		TotalAmount:    totals.GrandTotal,
		AmountTendered: alloc.TotalTendered,
		ChangeAmount:   alloc.Change,
		Status:         status,
		PaymentStatus:  paymentStatus,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if customer.ID != "" {
		id := customer.ID
		tx.CustomerID = &id
	}

	for _, line := range req.Cart.Lines() {
		tx.Items = append(tx.Items, domain.SoldItem{
			ID:            numbering.NewID("item"),
			TransactionID: tx.ID,
			ProductID:     line.ProductID,
			ProductName:   line.Name,
			SKU:           line.SKU,
			Quantity:      line.Quantity,
			UnitPrice:     line.UnitPrice,
			Discount:      line.Discount,
			LineTotal:     line.LineTotal(),
		})
	}
	for _, applied := range alloc.Applied {
		tx.Payments = append(tx.Payments, domain.Payment{
			ID:              numbering.NewID("pay"),
			TransactionID:   tx.ID,
			PaymentMethodID: applied.Method.ID,
			MethodCode:      applied.Method.Code,
			Amount:          applied.Applied,
			Reference:       applied.Tender.Reference,
			Status:          recordStatus,
			CreatedAt:       now,
		})
	}

	if err := validateInvariants(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func (c *Coordinator) resolveCustomer(ctx context.Context, req Request) (domain.Customer, error) {
	if id := req.Cart.CustomerID(); id != nil && strings.TrimSpace(*id) != "" {
		customer, err := c.engine.deps.ResolveCustomer(ctx, req.CompanyID, *id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Customer{}, domain.NewError(domain.KindNotFound, "customer %s not found", *id)
			}
			return domain.Customer{}, TranslateError(err)
		}
		return *customer, nil
	}
	if req.AdHocCustomer != nil && strings.TrimSpace(req.AdHocCustomer.Name) != "" {
		contact := *req.AdHocCustomer
		contact.ID = ""
		contact.Name = strings.TrimSpace(contact.Name)
		return contact, nil
	}
	return domain.WalkInCustomer(), nil
}

func (c *Coordinator) commit(ctx context.Context, req Request, draft *domain.Transaction) (*Receipt, error) {
	e := c.engine

	err := e.deps.RunInTx(ctx, func(tx store.Tx) error {
		number, err := e.numbers.Next(ctx)
		if err != nil {
			return domain.WrapError(domain.KindSettlementFailed, err, "could not generate a transaction number")
		}

		if err := e.guard.ReserveAndDecrement(ctx, tx, req.CompanyID, draft.Items); err != nil {
			return err
		}

		for attempt := 1; ; attempt++ {
			draft.Number = number
			err = tx.InsertTransaction(ctx, draft)
			if err == nil {
				break
			}
			if !errors.Is(err, store.ErrDuplicateNumber) {
				return err
			}
			if attempt >= e.opts.MaxNumberAttempts {
				return domain.WrapError(domain.KindSettlementFailed, err, "could not allocate a unique transaction number")
			}
			e.log.Debug().Str("transaction_number", number).Int("attempt", attempt).Msg("transaction number collision, regenerating")
			if number, err = e.numbers.Next(ctx); err != nil {
				return domain.WrapError(domain.KindSettlementFailed, err, "could not generate a transaction number")
			}
		}

		if err := tx.InsertSoldItems(ctx, draft.ID, draft.Items); err != nil {
			return err
		}
		if len(draft.Payments) > 0 {
			if err := tx.InsertPayments(ctx, draft.ID, draft.Payments); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		draft.Number = ""
		return nil, TranslateError(err)
	}

	return &Receipt{
		TransactionNumber: draft.Number,
		Change:            draft.ChangeAmount,
		Transaction:       draft,
	}, nil
}

func kindOf(err error) string {
	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind.String()
	}
	return "unknown"
}
