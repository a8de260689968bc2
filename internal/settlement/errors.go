package settlement

import (
	"errors"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
)

// TranslateError converts store errors into the domain taxonomy. Errors that
// are already *domain.Error pass through untouched.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		return domainErr
	}
	var stockErr *store.InsufficientStockError
	if errors.As(err, &stockErr) {
		return domain.InsufficientStock(stockErr.ProductID, stockErr.SKU, stockErr.Available, stockErr.Requested)
	}

	switch {
	case errors.Is(err, store.ErrLockTimeout):
		return domain.WrapError(domain.KindLockTimeout, err, "timed out waiting for a row lock, retry the request")
	case errors.Is(err, store.ErrDuplicateIdempotencyKey):
		return domain.WrapError(domain.KindDuplicateRequest, err, "a transaction with this idempotency key already exists")
	case errors.Is(err, store.ErrNotFound):
		return domain.WrapError(domain.KindNotFound, err, "referenced record not found")
	default:
		return domain.WrapError(domain.KindSettlementFailed, err, "settlement failed")
	}
}
