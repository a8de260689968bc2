package settlement

import (
	"github.com/shopspring/decimal"

	"kasirinaja/settlement/internal/domain"
)

// validateInvariants checks the reconciliation rules every persisted
// transaction must satisfy, exactly at two decimal places.
func validateInvariants(tx *domain.Transaction) error {
	for name, amount := range map[string]decimal.Decimal{
		"subtotal":        tx.Subtotal,
		"discount_amount": tx.DiscountAmount,
		"tax_amount":      tx.TaxAmount,
		"total_amount":    tx.TotalAmount,
		"amount_tendered": tx.AmountTendered,
		"change_amount":   tx.ChangeAmount,
	} {
		if amount.IsNegative() || !domain.IsMoney(amount) {
			return violation("%s %s is not a non-negative two-place amount", name, amount.String())
		}
	}
	if len(tx.Items) == 0 {
		return violation("transaction has no sold items")
	}

	gross := decimal.Zero
	net := decimal.Zero
	for _, item := range tx.Items {
		if item.Quantity <= 0 {
			return violation("sold item %s has quantity %d", item.ProductID, item.Quantity)
		}
		if !item.LineTotal.Equal(item.Gross().Sub(item.Discount)) {
			return violation("sold item %s line total does not match quantity, price and discount", item.ProductID)
		}
		gross = gross.Add(item.Gross())
		net = net.Add(item.LineTotal)
	}
	if !gross.Equal(tx.Subtotal) {
		return violation("items sum to %s but subtotal is %s", gross.StringFixed(2), tx.Subtotal.StringFixed(2))
	}
	if !net.Equal(tx.Subtotal.Sub(tx.DiscountAmount)) {
		return violation("line totals sum to %s but subtotal less discount is %s", net.StringFixed(2), tx.Subtotal.Sub(tx.DiscountAmount).StringFixed(2))
	}

	if !tx.TotalAmount.Equal(tx.Subtotal.Sub(tx.DiscountAmount).Add(tx.TaxAmount)) {
		return violation("total %s does not equal subtotal - discount + tax", tx.TotalAmount.StringFixed(2))
	}

	settled := decimal.Zero
	for _, p := range tx.Payments {
		if !p.Amount.IsPositive() || !domain.IsMoney(p.Amount) {
			return violation("payment amount %s is invalid", p.Amount.String())
		}
		if p.Status == domain.PaymentRecordCompleted || p.Status == domain.PaymentRecordPending {
			settled = settled.Add(p.Amount)
		}
	}
	if tx.PaymentStatus == domain.PaymentStatusPaid && !tx.CompletedPaymentsTotal().Equal(tx.TotalAmount) {
		return violation("paid transaction has completed payments of %s against total %s", tx.CompletedPaymentsTotal().StringFixed(2), tx.TotalAmount.StringFixed(2))
	}
	if !settled.Equal(tx.TotalAmount) {
		return violation("payments sum to %s against total %s", settled.StringFixed(2), tx.TotalAmount.StringFixed(2))
	}
	if !tx.ChangeAmount.Equal(tx.AmountTendered.Sub(tx.TotalAmount)) {
		return violation("change %s does not equal tendered - total", tx.ChangeAmount.StringFixed(2))
	}
	return nil
}

func violation(format string, args ...any) error {
	err := domain.NewError(domain.KindSettlementFailed, format, args...)
	err.Message = "reconciliation check failed: " + err.Message
	return err
}
