package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type ErrorKind int

const (
	KindInvalidRequest ErrorKind = iota + 1
	KindInvalidQuantity
	KindInvalidDiscount
	KindLineNotFound
	KindInvalidTenderAmount
	KindMissingReference
	KindUnknownPaymentMethod
	KindPaymentIncomplete
	KindInsufficientStock
	KindLockTimeout
	KindSettlementFailed
	KindDuplicateRequest
	KindNotFound
	KindInvalidTransition
	KindForbidden
)

var kindNames = map[ErrorKind]string{
	KindInvalidRequest:       "invalid_request",
	KindInvalidQuantity:      "invalid_quantity",
	KindInvalidDiscount:      "invalid_discount",
	KindLineNotFound:         "line_not_found",
	KindInvalidTenderAmount:  "invalid_tender_amount",
	KindMissingReference:     "missing_reference",
	KindUnknownPaymentMethod: "unknown_payment_method",
	KindPaymentIncomplete:    "payment_incomplete",
	KindInsufficientStock:    "insufficient_stock",
	KindLockTimeout:          "lock_timeout",
	KindSettlementFailed:     "settlement_failed",
	KindDuplicateRequest:     "duplicate_request",
	KindNotFound:             "not_found",
	KindInvalidTransition:    "invalid_transition",
	KindForbidden:            "forbidden",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("error_kind(%d)", int(k))
}

// Error is the single error type crossing the settlement boundary.
// Optional fields are populated depending on Kind.
type Error struct {
	Kind      ErrorKind
	Message   string
	ProductID string
	SKU       string
	Available int
	Requested int
	Remaining decimal.Decimal
	Err       error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrInsufficientStock) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the caller may retry the same request unchanged.
func (e *Error) Retryable() bool {
	return e.Kind == KindLockTimeout || e.Kind == KindInsufficientStock
}

var (
	ErrInvalidRequest       = &Error{Kind: KindInvalidRequest}
	ErrInvalidQuantity      = &Error{Kind: KindInvalidQuantity}
	ErrInvalidDiscount      = &Error{Kind: KindInvalidDiscount}
	ErrLineNotFound         = &Error{Kind: KindLineNotFound}
	ErrInvalidTenderAmount  = &Error{Kind: KindInvalidTenderAmount}
	ErrMissingReference     = &Error{Kind: KindMissingReference}
	ErrUnknownPaymentMethod = &Error{Kind: KindUnknownPaymentMethod}
	ErrPaymentIncomplete    = &Error{Kind: KindPaymentIncomplete}
	ErrInsufficientStock    = &Error{Kind: KindInsufficientStock}
	ErrLockTimeout          = &Error{Kind: KindLockTimeout}
	ErrSettlementFailed     = &Error{Kind: KindSettlementFailed}
	ErrDuplicateRequest     = &Error{Kind: KindDuplicateRequest}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrInvalidTransition    = &Error{Kind: KindInvalidTransition}
	ErrForbidden            = &Error{Kind: KindForbidden}
)

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func InsufficientStock(productID string, sku string, available int, requested int) *Error {
	label := sku
	if label == "" {
		label = productID
	}
	return &Error{
		Kind:      KindInsufficientStock,
		Message:   fmt.Sprintf("insufficient stock for SKU %s: available %d, requested %d", label, available, requested),
		ProductID: productID,
		SKU:       sku,
		Available: available,
		Requested: requested,
	}
}

func PaymentIncomplete(remaining decimal.Decimal) *Error {
	return &Error{
		Kind:      KindPaymentIncomplete,
		Message:   fmt.Sprintf("payment incomplete, %s remaining", remaining.StringFixed(MoneyPlaces)),
		Remaining: remaining,
	}
}
