// Package settlement turns a cart and its tenders into one persisted
// transaction. Every persisted effect of a sale happens inside a single unit of
// work or not at all.
package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kasirinaja/settlement/internal/cart"
	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/numbering"
	"kasirinaja/settlement/internal/store"
)

const DefaultMaxNumberAttempts = 5

type Options struct {
	// MaxNumberAttempts bounds header inserts when generated numbers collide.
	MaxNumberAttempts int
	// RequireConfirmation persists sales as pending until ConfirmTransaction.
	RequireConfirmation bool
	Clock               func() time.Time
}

func DefaultOptions() Options {
	return Options{MaxNumberAttempts: DefaultMaxNumberAttempts}
}

func (o Options) withDefaults() Options {
	if o.MaxNumberAttempts < 1 {
		o.MaxNumberAttempts = DefaultMaxNumberAttempts
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Dependencies is the slice of the repository the engine needs.
type Dependencies interface {
	store.TxRunner
	store.CustomerDirectory
	store.PaymentMethodCatalog
}

type Request struct {
	Cart           *cart.Cart
	Tenders        []domain.Tender
	CashierID      string
	CompanyID      string
	TaxRate        decimal.Decimal
	IdempotencyKey string
	// AdHocCustomer is used when the cart names no registered customer.
	AdHocCustomer *domain.Customer
}

type Receipt struct {
	TransactionNumber string
	Change            decimal.Decimal
	Transaction       *domain.Transaction
}

type Engine struct {
	deps    Dependencies
	numbers numbering.Generator
	guard   StockGuard
	opts    Options
	log     zerolog.Logger
}

func NewEngine(deps Dependencies, numbers numbering.Generator, opts Options, logger zerolog.Logger) *Engine {
	return &Engine{
		deps:    deps,
		numbers: numbers,
		opts:    opts.withDefaults(),
		log:     logger.With().Str("component", "settlement").Logger(),
	}
}

func (e *Engine) Options() Options {
	return e.opts
}

func (e *Engine) StockGuard() StockGuard {
	return e.guard
}

// NewCoordinator returns a fresh single-use coordinator.
func (e *Engine) NewCoordinator() *Coordinator {
	return &Coordinator{engine: e, state: StateDraft}
}

// Settle runs one settlement attempt on a new coordinator.
func (e *Engine) Settle(ctx context.Context, req Request) (*Receipt, error) {
	return e.NewCoordinator().Settle(ctx, req)
}
