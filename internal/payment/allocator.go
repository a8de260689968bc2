// Package payment validates tendered payments against a grand total and
// works out change. It is a pure function over its inputs.
package payment

import (
	"strings"

	"github.com/shopspring/decimal"

	"kasirinaja/settlement/internal/domain"
)

type Status int

const (
	StatusIncomplete Status = iota + 1
	StatusReady
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusIncomplete:
		return "incomplete"
	}
	return "unknown"
}

// MethodLookup resolves a payment method id. Missing ids report ok=false.
type MethodLookup interface {
	Lookup(id string) (domain.PaymentMethod, bool)
}

// Methods is a MethodLookup over a fixed set of methods.
type Methods map[string]domain.PaymentMethod

func NewMethods(methods []domain.PaymentMethod) Methods {
	out := make(Methods, len(methods))
	for _, m := range methods {
		out[m.ID] = m
	}
	return out
}

func (m Methods) Lookup(id string) (domain.PaymentMethod, bool) {
	method, ok := m[id]
	return method, ok
}

// AppliedTender is the portion of a tender that counts toward the total.
type AppliedTender struct {
	Tender  domain.Tender
	Method  domain.PaymentMethod
	Applied decimal.Decimal
}

type Allocation struct {
	Status        Status
	GrandTotal    decimal.Decimal
	TotalTendered decimal.Decimal
	Remaining     decimal.Decimal
	Change        decimal.Decimal
	Applied       []AppliedTender
}

func (a Allocation) Ready() bool {
	return a.Status == StatusReady
}

// Allocate validates tenders and allocates them, in submission order, against grandTotal.
// An insufficient aggregate is an Incomplete allocation, not an error.
func Allocate(tenders []domain.Tender, methods MethodLookup, grandTotal decimal.Decimal) (Allocation, error) {
	if grandTotal.IsNegative() {
		return Allocation{}, domain.NewError(domain.KindInvalidRequest, "grand total must not be negative")
	}

	for i, tender := range tenders {
		if !tender.Amount.IsPositive() {
			return Allocation{}, domain.NewError(domain.KindInvalidTenderAmount, "tender %d amount must be greater than zero", i+1)
		}
		if !domain.IsMoney(tender.Amount) {
			return Allocation{}, domain.NewError(domain.KindInvalidTenderAmount, "tender %d amount has more than two decimal places", i+1)
		}
	}

	for i, tender := range tenders {
		method, ok := methods.Lookup(tender.PaymentMethodID)
		if !ok || !method.RequiresReference {
			continue
		}
		if strings.TrimSpace(tender.Reference) == "" {
			return Allocation{}, domain.NewError(domain.KindMissingReference, "tender %d (%s) requires a reference number", i+1, method.Code)
		}
	}

	resolved := make([]domain.PaymentMethod, len(tenders))
	for i, tender := range tenders {
		method, ok := methods.Lookup(tender.PaymentMethodID)
		if !ok || !method.Active {
			return Allocation{}, domain.NewError(domain.KindUnknownPaymentMethod, "payment method %q is unknown or inactive", tender.PaymentMethodID)
		}
		resolved[i] = method
	}

	totalTendered := decimal.Zero
	for _, tender := range tenders {
		totalTendered = totalTendered.Add(tender.Amount)
	}

	alloc := Allocation{
		GrandTotal:    grandTotal,
		TotalTendered: totalTendered,
		Remaining:     decimal.Zero,
		Change:        decimal.Zero,
	}
	if totalTendered.LessThan(grandTotal) {
		alloc.Status = StatusIncomplete
		alloc.Remaining = grandTotal.Sub(totalTendered)
	} else {
		alloc.Status = StatusReady
		alloc.Change = totalTendered.Sub(grandTotal)
	}

	outstanding := grandTotal
	alloc.Applied = make([]AppliedTender, 0, len(tenders))
	for i, tender := range tenders {
		applied := domain.MinDecimal(tender.Amount, outstanding)
		if !applied.IsPositive() {
			continue
		}
		outstanding = outstanding.Sub(applied)
		alloc.Applied = append(alloc.Applied, AppliedTender{
			Tender:  domain.Tender{PaymentMethodID: tender.PaymentMethodID, Amount: tender.Amount, Reference: strings.TrimSpace(tender.Reference)},
			Method:  resolved[i],
			Applied: applied,
		})
	}

	return alloc, nil
}
