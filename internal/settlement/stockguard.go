package settlement

import (
	"context"
	"errors"
	"sort"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
)

// StockGuard takes and gives back inventory inside a unit of work. Product
// rows are always locked in ascending id order.
type StockGuard struct{}

// MergeRequests folds sold items into one request per product, sorted by id.
func MergeRequests(items []domain.SoldItem) []domain.StockRequest {
	totals := make(map[string]int, len(items))
	for _, item := range items {
		totals[item.ProductID] += item.Quantity
	}
	requests := make([]domain.StockRequest, 0, len(totals))
	for productID, qty := range totals {
		requests = append(requests, domain.StockRequest{ProductID: productID, Quantity: qty})
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].ProductID < requests[j].ProductID
	})
	return requests
}

// ReserveAndDecrement checks every line against locked stock and decrements
// only when all of them fit.
func (StockGuard) ReserveAndDecrement(ctx context.Context, tx store.Tx, companyID string, items []domain.SoldItem) error {
	if len(items) == 0 {
		return domain.NewError(domain.KindInvalidRequest, "nothing to reserve")
	}
	err := tx.LockAndDecrementStock(ctx, companyID, MergeRequests(items))
	if err == nil {
		return nil
	}

	var stockErr *store.InsufficientStockError
	if errors.As(err, &stockErr) {
		sku := stockErr.SKU
		if sku == "" {
			sku = skuOf(items, stockErr.ProductID)
		}
		return domain.InsufficientStock(stockErr.ProductID, sku, stockErr.Available, stockErr.Requested)
	}
	return TranslateError(err)
}

// Restock returns the quantities of items to stock, for voids and refunds.
func (StockGuard) Restock(ctx context.Context, tx store.Tx, companyID string, items []domain.SoldItem) error {
	if len(items) == 0 {
		return nil
	}
	if err := tx.RestockItems(ctx, companyID, MergeRequests(items)); err != nil {
		return TranslateError(err)
	}
	return nil
}

func skuOf(items []domain.SoldItem, productID string) string {
	for _, item := range items {
		if item.ProductID == productID {
			return item.SKU
		}
	}
	return ""
}
