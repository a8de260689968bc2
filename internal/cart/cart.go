// Package cart accumulates POS line items and derives the sale totals.
// Nothing here is persisted.
package cart

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"kasirinaja/settlement/internal/domain"
)

// ProductRef is the catalog snapshot a line is built from.
type ProductRef struct {
	ID        string
	SKU       string
	Name      string
	UnitPrice decimal.Decimal
}

type Totals struct {
	Subtotal      decimal.Decimal
	DiscountTotal decimal.Decimal
	TaxAmount     decimal.Decimal
	GrandTotal    decimal.Decimal
}

type Cart struct {
	customerID *string
	notes      string
	lines      []domain.LineItem
}

func New(customerID *string, notes string) *Cart {
	return &Cart{customerID: customerID, notes: notes}
}

func (c *Cart) CustomerID() *string {
	return c.customerID
}

func (c *Cart) SetCustomer(customerID *string) {
	c.customerID = customerID
}

func (c *Cart) Notes() string {
	return c.notes
}

func (c *Cart) SetNotes(notes string) {
	c.notes = notes
}

func (c *Cart) IsEmpty() bool {
	return len(c.lines) == 0
}

// Lines returns a copy of the open lines in insertion order.
func (c *Cart) Lines() []domain.LineItem {
	out := make([]domain.LineItem, len(c.lines))
	copy(out, c.lines)
	return out
}

// AddLine adds a product line, merging into an existing line for the same product.
func (c *Cart) AddLine(product ProductRef, quantity int, unitPriceOverride *decimal.Decimal, discount decimal.Decimal) (string, error) {
	if product.ID == "" {
		return "", domain.NewError(domain.KindInvalidRequest, "product id is required")
	}
	if quantity <= 0 {
		return "", domain.NewError(domain.KindInvalidQuantity, "quantity must be positive, got %d", quantity)
	}
	unitPrice := product.UnitPrice
	if unitPriceOverride != nil {
		unitPrice = *unitPriceOverride
	}
	if unitPrice.IsNegative() {
		return "", domain.NewError(domain.KindInvalidRequest, "unit price must not be negative")
	}

	if idx := c.indexByProduct(product.ID); idx >= 0 {
		merged := c.lines[idx]
		merged.Quantity += quantity
		merged.Discount = merged.Discount.Add(discount)
		if err := validateDiscount(merged, discount); err != nil {
			return "", err
		}
		c.lines[idx] = merged
		return merged.ID, nil
	}

	line := domain.LineItem{
		ID:        uuid.NewString(),
		ProductID: product.ID,
		SKU:       product.SKU,
		Name:      product.Name,
		Quantity:  quantity,
		UnitPrice: unitPrice,
		Discount:  discount,
	}
	if err := validateDiscount(line, discount); err != nil {
		return "", err
	}
	c.lines = append(c.lines, line)
	return line.ID, nil
}

// UpdateLine sets the quantity of a line. Zero removes the line.
func (c *Cart) UpdateLine(lineID string, quantity int) error {
	if quantity < 0 {
		return domain.NewError(domain.KindInvalidQuantity, "quantity must not be negative, got %d", quantity)
	}
	idx := c.indexByID(lineID)
	if idx < 0 {
		return domain.NewError(domain.KindLineNotFound, "cart line %s not found", lineID)
	}
	if quantity == 0 {
		c.removeAt(idx)
		return nil
	}
	updated := c.lines[idx]
	updated.Quantity = quantity
	if err := validateDiscount(updated, updated.Discount); err != nil {
		return err
	}
	c.lines[idx] = updated
	return nil
}

func (c *Cart) SetLineDiscount(lineID string, discount decimal.Decimal) error {
	idx := c.indexByID(lineID)
	if idx < 0 {
		return domain.NewError(domain.KindLineNotFound, "cart line %s not found", lineID)
	}
	updated := c.lines[idx]
	updated.Discount = discount
	if err := validateDiscount(updated, discount); err != nil {
		return err
	}
	c.lines[idx] = updated
	return nil
}

func (c *Cart) RemoveLine(lineID string) error {
	idx := c.indexByID(lineID)
	if idx < 0 {
		return domain.NewError(domain.KindLineNotFound, "cart line %s not found", lineID)
	}
	c.removeAt(idx)
	return nil
}

// ComputeTotals sums the lines unrounded and rounds only the tax, once, on the
// discounted aggregate.
func (c *Cart) ComputeTotals(taxRate decimal.Decimal) (Totals, error) {
	if taxRate.IsNegative() || taxRate.GreaterThan(decimal.NewFromInt(1)) {
		return Totals{}, domain.NewError(domain.KindInvalidRequest, "tax rate must be between 0 and 1, got %s", taxRate.String())
	}

	subtotal := decimal.Zero
	discountTotal := decimal.Zero
	for _, line := range c.lines {
		subtotal = subtotal.Add(line.Gross())
		discountTotal = discountTotal.Add(line.Discount)
	}
	taxAmount := domain.RoundMoney(subtotal.Sub(discountTotal).Mul(taxRate))

	return Totals{
		Subtotal:      subtotal,
		DiscountTotal: discountTotal,
		TaxAmount:     taxAmount,
		GrandTotal:    subtotal.Sub(discountTotal).Add(taxAmount),
	}, nil
}

func validateDiscount(line domain.LineItem, added decimal.Decimal) error {
	if added.IsNegative() || line.Discount.IsNegative() {
		return domain.NewError(domain.KindInvalidDiscount, "discount must not be negative")
	}
	if line.Discount.GreaterThan(line.Gross()) {
		return domain.NewError(domain.KindInvalidDiscount, "discount %s exceeds line amount %s for %s",
			line.Discount.StringFixed(domain.MoneyPlaces), line.Gross().StringFixed(domain.MoneyPlaces), line.ProductID)
	}
	return nil
}

func (c *Cart) indexByProduct(productID string) int {
	for i, line := range c.lines {
		if line.ProductID == productID {
			return i
		}
	}
	return -1
}

func (c *Cart) indexByID(lineID string) int {
	for i, line := range c.lines {
		if line.ID == lineID {
			return i
		}
	}
	return -1
}

func (c *Cart) removeAt(idx int) {
	c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
}
