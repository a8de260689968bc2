package domain

import "github.com/shopspring/decimal"

type CartItemRequest struct {
	ProductID string           `json:"product_id"`
	Quantity  int              `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
	Discount  decimal.Decimal  `json:"discount"`
}

type TenderRequest struct {
	PaymentMethodID string          `json:"payment_method_id"`
	Amount          decimal.Decimal `json:"amount"`
	Reference       string          `json:"reference_number,omitempty"`
}

type CustomerRequest struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type QuoteRequest struct {
	Items   []CartItemRequest `json:"items"`
	TaxRate *decimal.Decimal  `json:"tax_rate,omitempty"`
}

type TotalsResponse struct {
	Subtotal      string `json:"subtotal"`
	DiscountTotal string `json:"discount_total"`
	TaxAmount     string `json:"tax_amount"`
	GrandTotal    string `json:"grand_total"`
}

type SettleRequest struct {
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Customer       *CustomerRequest  `json:"customer,omitempty"`
	Notes          string            `json:"notes,omitempty"`
	TaxRate        *decimal.Decimal  `json:"tax_rate,omitempty"`
	Items          []CartItemRequest `json:"items"`
	Tenders        []TenderRequest   `json:"tenders"`
}

type SoldItemResponse struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	SKU         string `json:"sku"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Discount    string `json:"discount"`
	LineTotal   string `json:"line_total"`
}

type PaymentResponse struct {
	PaymentMethodID string `json:"payment_method_id"`
	MethodCode      string `json:"method_code"`
	Amount          string `json:"amount"`
	Reference       string `json:"reference_number,omitempty"`
	Status          string `json:"status"`
}

type TransactionResponse struct {
	TransactionNumber string             `json:"transaction_number"`
	Status            string             `json:"status"`
	PaymentStatus     string             `json:"payment_status"`
	CashierID         string             `json:"cashier_id"`
	Customer          Customer           `json:"customer"`
	Notes             string             `json:"notes,omitempty"`
	Subtotal          string             `json:"subtotal"`
	DiscountAmount    string             `json:"discount_amount"`
	TaxRate           string             `json:"tax_rate"`
	TaxAmount         string             `json:"tax_amount"`
	TotalAmount       string             `json:"total_amount"`
	AmountTendered    string             `json:"amount_tendered"`
	ChangeAmount      string             `json:"change_amount"`
	Items             []SoldItemResponse `json:"items"`
	Payments          []PaymentResponse  `json:"payments"`
	CancelReason      string             `json:"cancel_reason,omitempty"`
	CreatedAt         string             `json:"created_at"`
}

type SettleResponse struct {
	TransactionNumber string              `json:"transaction_number"`
	Change            string              `json:"change"`
	Duplicate         bool                `json:"duplicate"`
	Transaction       TransactionResponse `json:"transaction"`
}

type TransactionActionRequest struct {
	Reason string `json:"reason"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}
