package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kasirinaja/settlement/internal/cache"
	"kasirinaja/settlement/internal/cart"
	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/numbering"
	"kasirinaja/settlement/internal/settlement"
	"kasirinaja/settlement/internal/store"
)

const maxIdempotencyKeyLength = 128

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Config struct {
	DefaultCompanyID string
	DefaultTaxRate   decimal.Decimal
	IdempotencyTTL   time.Duration
}

type Service struct {
	repo             store.Repository
	engine           *settlement.Engine
	cache            cache.SettlementCache
	log              zerolog.Logger
	defaultCompanyID string
	defaultTaxRate   decimal.Decimal
	idempotencyTTL   time.Duration
	now              func() time.Time
}

func New(repo store.Repository, engine *settlement.Engine, settlementCache cache.SettlementCache, cfg Config, logger zerolog.Logger) *Service {
	if settlementCache == nil {
		settlementCache = cache.NoopSettlementCache{}
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &Service{
		repo:             repo,
		engine:           engine,
		cache:            settlementCache,
		log:              logger.With().Str("component", "service").Logger(),
		defaultCompanyID: cfg.DefaultCompanyID,
		defaultTaxRate:   cfg.DefaultTaxRate,
		idempotencyTTL:   cfg.IdempotencyTTL,
		now:              time.Now,
	}
}

func (s *Service) ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	methods, err := s.repo.ListPaymentMethods(ctx, s.companyID(ctx))
	if err != nil {
		return nil, settlement.TranslateError(err)
	}
	return methods, nil
}

// Quote prices a prospective cart without reserving or persisting anything.
func (s *Service) Quote(ctx context.Context, req domain.QuoteRequest) (domain.TotalsResponse, error) {
	taxRate, err := s.taxRate(req.TaxRate)
	if err != nil {
		return domain.TotalsResponse{}, err
	}
	c, err := s.buildCart(ctx, s.companyID(ctx), req.Items)
	if err != nil {
		return domain.TotalsResponse{}, err
	}
	totals, err := c.ComputeTotals(taxRate)
	if err != nil {
		return domain.TotalsResponse{}, err
	}
	return domain.TotalsResponse{
		Subtotal:      money(totals.Subtotal),
		DiscountTotal: money(totals.DiscountTotal),
		TaxAmount:     money(totals.TaxAmount),
		GrandTotal:    money(totals.GrandTotal),
	}, nil
}

func (s *Service) Settle(ctx context.Context, req domain.SettleRequest) (domain.SettleResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.SettleResponse{}, domain.NewError(domain.KindForbidden, "an authenticated cashier is required")
	}
	companyID := s.companyID(ctx)

	key := strings.TrimSpace(req.IdempotencyKey)
	if len(key) > maxIdempotencyKeyLength {
		return domain.SettleResponse{}, domain.NewError(domain.KindInvalidRequest, "idempotency key must be at most %d characters", maxIdempotencyKeyLength)
	}
	if key != "" {
		if replay, found, err := s.lookupIdempotent(ctx, companyID, key); err != nil {
			return domain.SettleResponse{}, err
		} else if found {
			return replay, nil
		}
	}

	taxRate, err := s.taxRate(req.TaxRate)
	if err != nil {
		return domain.SettleResponse{}, err
	}
	c, err := s.buildCart(ctx, companyID, req.Items)
	if err != nil {
		return domain.SettleResponse{}, err
	}
	c.SetNotes(strings.TrimSpace(req.Notes))

	var adHoc *domain.Customer
	if req.Customer != nil {
		if id := strings.TrimSpace(req.Customer.ID); id != "" {
			c.SetCustomer(&id)
		} else if strings.TrimSpace(req.Customer.Name) != "" {
			adHoc = &domain.Customer{
				Name:  req.Customer.Name,
				Phone: strings.TrimSpace(req.Customer.Phone),
				Email: strings.TrimSpace(req.Customer.Email),
			}
		}
	}

	tenders := make([]domain.Tender, 0, len(req.Tenders))
	for _, t := range req.Tenders {
		tenders = append(tenders, domain.Tender{
			PaymentMethodID: strings.TrimSpace(t.PaymentMethodID),
			Amount:          t.Amount,
			Reference:       t.Reference,
		})
	}

	receipt, err := s.engine.Settle(ctx, settlement.Request{
		Cart:           c,
		Tenders:        tenders,
		CashierID:      actor.Username,
		CompanyID:      companyID,
		TaxRate:        taxRate,
		IdempotencyKey: key,
		AdHocCustomer:  adHoc,
	})
	if err != nil {
		// a concurrent retry with the same key won the race; answer with its result
		if key != "" && errors.Is(err, domain.ErrDuplicateRequest) {
			if existing, findErr := s.repo.FindTransactionByIdempotencyKey(ctx, companyID, key); findErr == nil {
				return toSettleResponse(existing, true), nil
			}
		}
		return domain.SettleResponse{}, err
	}

	resp := toSettleResponse(receipt.Transaction, false)
	s.remember(ctx, receipt.Transaction, resp)
	s.logAudit(ctx, companyID, "settle", receipt.TransactionNumber, fmt.Sprintf(
		"total=%s,tendered=%s,change=%s,items=%d,payments=%d,status=%s",
		money(receipt.Transaction.TotalAmount),
		money(receipt.Transaction.AmountTendered),
		money(receipt.Change),
		len(receipt.Transaction.Items),
		len(receipt.Transaction.Payments),
		receipt.Transaction.Status,
	))
	return resp, nil
}

func (s *Service) lookupIdempotent(ctx context.Context, companyID string, key string) (domain.SettleResponse, bool, error) {
	cached, found, err := s.cache.Get(ctx, cache.IdempotencyKey(companyID, key))
	if err != nil {
		s.log.Warn().Err(err).Str("idempotency_key", key).Msg("settlement cache read failed, falling back to store")
	} else if found && cached != nil {
		replay := *cached
		replay.Duplicate = true
		return replay, true, nil
	}

	existing, err := s.repo.FindTransactionByIdempotencyKey(ctx, companyID, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SettleResponse{}, false, nil
		}
		return domain.SettleResponse{}, false, settlement.TranslateError(err)
	}
	return toSettleResponse(existing, true), true, nil
}

func (s *Service) remember(ctx context.Context, tx *domain.Transaction, resp domain.SettleResponse) {
	if tx.IdempotencyKey == "" {
		return
	}
	if err := s.cache.Set(ctx, cache.IdempotencyKey(tx.CompanyID, tx.IdempotencyKey), &resp, s.idempotencyTTL); err != nil {
		s.log.Warn().Err(err).Str("transaction_number", tx.Number).Msg("settlement cache write failed")
	}
}

func (s *Service) GetTransaction(ctx context.Context, number string) (domain.TransactionResponse, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return domain.TransactionResponse{}, domain.NewError(domain.KindInvalidRequest, "transaction number is required")
	}
	tx, err := s.repo.FindTransactionByNumber(ctx, s.companyID(ctx), number)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.TransactionResponse{}, domain.NewError(domain.KindNotFound, "transaction %s not found", number)
		}
		return domain.TransactionResponse{}, settlement.TranslateError(err)
	}
	return toTransactionResponse(tx), nil
}

// CancelTransaction voids a pending or completed sale and puts its items back on the shelf.
func (s *Service) CancelTransaction(ctx context.Context, number string, reason string) (domain.TransactionResponse, error) {
	reason = defaultString(strings.TrimSpace(reason), "unspecified")
	updated, err := s.transition(ctx, number, domain.TxStatusCancelled, func(tx *domain.Transaction) (paymentRecordChanges, error) {
		if tx.PaymentStatus == domain.PaymentStatusPaid {
			tx.PaymentStatus = domain.PaymentStatusRefunded
		}
		at := s.now().UTC()
		tx.CancelReason = reason
		tx.CancelledAt = &at
		return paymentRecordChanges{
			{from: domain.PaymentRecordPending, to: domain.PaymentRecordCancelled},
			{from: domain.PaymentRecordCompleted, to: domain.PaymentRecordCancelled},
		}, nil
	}, true)
	if err != nil {
		return domain.TransactionResponse{}, err
	}
	s.logAudit(ctx, updated.CompanyID, "cancel_transaction", updated.Number, "reason="+reason)
	return toTransactionResponse(updated), nil
}

// RefundTransaction reverses a completed and paid sale in full, restocking every item.
func (s *Service) RefundTransaction(ctx context.Context, number string, reason string) (domain.TransactionResponse, error) {
	reason = defaultString(strings.TrimSpace(reason), "unspecified")
	updated, err := s.transition(ctx, number, domain.TxStatusRefunded, func(tx *domain.Transaction) (paymentRecordChanges, error) {
		if !tx.PaymentStatus.CanTransitionTo(domain.PaymentStatusRefunded) {
			return nil, domain.NewError(domain.KindInvalidTransition, "payment status %s cannot be refunded", tx.PaymentStatus)
		}
		tx.PaymentStatus = domain.PaymentStatusRefunded
		tx.CancelReason = reason
		return paymentRecordChanges{{from: domain.PaymentRecordCompleted, to: domain.PaymentRecordCancelled}}, nil
	}, true)
	if err != nil {
		return domain.TransactionResponse{}, err
	}
	s.logAudit(ctx, updated.CompanyID, "refund_transaction", updated.Number, fmt.Sprintf("amount=%s,reason=%s", money(updated.TotalAmount), reason))
	return toTransactionResponse(updated), nil
}

// ConfirmTransaction completes a sale that was persisted as pending.
func (s *Service) ConfirmTransaction(ctx context.Context, number string) (domain.TransactionResponse, error) {
	updated, err := s.transition(ctx, number, domain.TxStatusCompleted, func(tx *domain.Transaction) (paymentRecordChanges, error) {
		if !tx.PaymentStatus.CanTransitionTo(domain.PaymentStatusPaid) {
			return nil, domain.NewError(domain.KindInvalidTransition, "payment status %s cannot become paid", tx.PaymentStatus)
		}
		tx.PaymentStatus = domain.PaymentStatusPaid
		return paymentRecordChanges{{from: domain.PaymentRecordPending, to: domain.PaymentRecordCompleted}}, nil
	}, false)
	if err != nil {
		return domain.TransactionResponse{}, err
	}
	s.logAudit(ctx, updated.CompanyID, "confirm_transaction", updated.Number, "total="+money(updated.TotalAmount))
	return toTransactionResponse(updated), nil
}

type paymentRecordChanges []struct {
	from domain.PaymentRecordStatus
	to   domain.PaymentRecordStatus
}

// transition locks the transaction, applies mutate and persists the result,
// restocking its items when restock is set. It runs in one unit of work.
func (s *Service) transition(
	ctx context.Context,
	number string,
	next domain.TransactionStatus,
	mutate func(tx *domain.Transaction) (paymentRecordChanges, error),
	restock bool,
) (*domain.Transaction, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, domain.NewError(domain.KindInvalidRequest, "transaction number is required")
	}
	companyID := s.companyID(ctx)

	var updated *domain.Transaction
	err := s.repo.RunInTx(ctx, func(tx store.Tx) error {
		current, err := tx.LockTransaction(ctx, companyID, number)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.NewError(domain.KindNotFound, "transaction %s not found", number)
			}
			return err
		}
		if !current.Status.CanTransitionTo(next) {
			return domain.NewError(domain.KindInvalidTransition, "transaction %s cannot move from %s to %s", number, current.Status, next)
		}

		changes, err := mutate(current)
		if err != nil {
			return err
		}
		current.Status = next
		current.UpdatedAt = s.now().UTC()

		if restock {
			if err := s.engine.StockGuard().Restock(ctx, tx, companyID, current.Items); err != nil {
				return err
			}
		}
		for _, change := range changes {
			if err := tx.UpdatePaymentStatuses(ctx, current.ID, change.from, change.to); err != nil {
				return err
			}
			for i := range current.Payments {
				if current.Payments[i].Status == change.from {
					current.Payments[i].Status = change.to
				}
			}
		}
		if err := tx.UpdateTransactionStatus(ctx, current); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, settlement.TranslateError(err)
	}

	if updated.IdempotencyKey != "" {
		s.remember(ctx, updated, toSettleResponse(updated, false))
	}
	return updated, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, s.companyID(ctx), limit)
}

// buildCart loads each requested product from the catalog and folds the lines
// into a cart, merging repeated products.
func (s *Service) buildCart(ctx context.Context, companyID string, items []domain.CartItemRequest) (*cart.Cart, error) {
	if len(items) == 0 {
		return nil, domain.NewError(domain.KindInvalidRequest, "at least one item is required")
	}

	c := cart.New(nil, "")
	for i, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return nil, domain.NewError(domain.KindInvalidRequest, "item %d: product_id is required", i+1)
		}
		if !domain.IsMoney(item.Discount) {
			return nil, domain.NewError(domain.KindInvalidDiscount, "item %d: discount has more than two decimal places", i+1)
		}
		if item.UnitPrice != nil {
			if err := requireAdmin(ctx); err != nil {
				return nil, domain.NewError(domain.KindForbidden, "item %d: unit price override requires admin role", i+1)
			}
			if !domain.IsMoney(*item.UnitPrice) {
				return nil, domain.NewError(domain.KindInvalidRequest, "item %d: unit price has more than two decimal places", i+1)
			}
		}

		product, err := s.repo.LoadProduct(ctx, companyID, productID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, domain.NewError(domain.KindNotFound, "product %s not found", productID)
			}
			return nil, settlement.TranslateError(err)
		}
		if !product.Active {
			return nil, domain.NewError(domain.KindInvalidRequest, "product %s is not available for sale", product.SKU)
		}

		ref := cart.ProductRef{ID: product.ID, SKU: product.SKU, Name: product.Name, UnitPrice: product.UnitPrice}
		if _, err := c.AddLine(ref, item.Quantity, item.UnitPrice, item.Discount); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (s *Service) taxRate(requested *decimal.Decimal) (decimal.Decimal, error) {
	rate := s.defaultTaxRate
	if requested != nil {
		rate = *requested
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, domain.NewError(domain.KindInvalidRequest, "tax_rate must be between 0 and 1")
	}
	return rate, nil
}

func (s *Service) companyID(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.CompanyID != "" {
		return actor.CompanyID
	}
	return s.defaultCompanyID
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.NewError(domain.KindForbidden, "admin role required")
	}
	return nil
}

func (s *Service) logAudit(ctx context.Context, companyID string, action string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            numbering.NewID("audit"),
		CompanyID:     companyID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    "transaction",
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now().UTC(),
	}); err != nil {
		s.log.Warn().Err(err).Str("action", action).Str("entity_id", entityID).Msg("failed to write audit log")
	}
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
