package service

import (
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/settlement/internal/domain"
)

func money(d decimal.Decimal) string {
	return d.StringFixed(domain.MoneyPlaces)
}

func toSettleResponse(tx *domain.Transaction, duplicate bool) domain.SettleResponse {
	return domain.SettleResponse{
		TransactionNumber: tx.Number,
		Change:            money(tx.ChangeAmount),
		Duplicate:         duplicate,
		Transaction:       toTransactionResponse(tx),
	}
}

func toTransactionResponse(tx *domain.Transaction) domain.TransactionResponse {
	customer := domain.Customer{Name: tx.CustomerName, Phone: tx.CustomerPhone, Email: tx.CustomerEmail}
	if tx.CustomerID != nil {
		customer.ID = *tx.CustomerID
	}

	items := make([]domain.SoldItemResponse, 0, len(tx.Items))
	for _, item := range tx.Items {
		items = append(items, domain.SoldItemResponse{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			SKU:         item.SKU,
			Quantity:    item.Quantity,
			UnitPrice:   money(item.UnitPrice),
			Discount:    money(item.Discount),
			LineTotal:   money(item.LineTotal),
		})
	}
	payments := make([]domain.PaymentResponse, 0, len(tx.Payments))
	for _, p := range tx.Payments {
		payments = append(payments, domain.PaymentResponse{
			PaymentMethodID: p.PaymentMethodID,
			MethodCode:      p.MethodCode,
			Amount:          money(p.Amount),
			Reference:       p.Reference,
			Status:          string(p.Status),
		})
	}

	return domain.TransactionResponse{
		TransactionNumber: tx.Number,
		Status:            string(tx.Status),
		PaymentStatus:     string(tx.PaymentStatus),
		CashierID:         tx.CashierID,
		Customer:          customer,
		Notes:             tx.Notes,
		Subtotal:          money(tx.Subtotal),
		DiscountAmount:    money(tx.DiscountAmount),
		TaxRate:           tx.TaxRate.String(),
		TaxAmount:         money(tx.TaxAmount),
		TotalAmount:       money(tx.TotalAmount),
		AmountTendered:    money(tx.AmountTendered),
		ChangeAmount:      money(tx.ChangeAmount),
		Items:             items,
		Payments:          payments,
		CancelReason:      tx.CancelReason,
		CreatedAt:         tx.CreatedAt.Format(time.RFC3339),
	}
}
