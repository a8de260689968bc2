package postgres

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/store"
)

// pgTx binds the store operations to one database transaction. Row locks are
// bounded by SET LOCAL lock_timeout and released on commit or rollback.
type pgTx struct {
	tx pgx.Tx
}

func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", translate(err))
	}
	return nil
}

func mergeRequests(requests []domain.StockRequest) ([]string, map[string]int) {
	qty := make(map[string]int, len(requests))
	for _, r := range requests {
		qty[r.ProductID] += r.Quantity
	}
	ids := make([]string, 0, len(qty))
	for id := range qty {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, qty
}

type lockedProduct struct {
	sku   string
	stock int
}

// lockProducts takes FOR UPDATE locks in ascending id order.
func (t *pgTx) lockProducts(ctx context.Context, companyID string, ids []string) (map[string]lockedProduct, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, sku, stock
		FROM products
		WHERE company_id = $1 AND id = ANY($2)
		ORDER BY id
		FOR UPDATE
	`, companyID, ids)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	locked := make(map[string]lockedProduct, len(ids))
	for rows.Next() {
		var id string
		var p lockedProduct
		if err := rows.Scan(&id, &p.sku, &p.stock); err != nil {
			return nil, translate(err)
		}
		locked[id] = p
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	if len(locked) != len(ids) {
		return nil, store.ErrNotFound
	}
	return locked, nil
}

func (t *pgTx) LockAndDecrementStock(ctx context.Context, companyID string, requests []domain.StockRequest) error {
	ids, qty := mergeRequests(requests)
	for _, id := range ids {
		if qty[id] <= 0 {
			return store.ErrInvalidTransaction
		}
	}

	locked, err := t.lockProducts(ctx, companyID, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if p := locked[id]; p.stock < qty[id] {
			return &store.InsufficientStockError{ProductID: id, SKU: p.sku, Available: p.stock, Requested: qty[id]}
		}
	}

	batch := &pgx.Batch{}
	for _, id := range ids {
		batch.Queue(`UPDATE products SET stock = stock - $1, updated_at = now() WHERE id = $2`, qty[id], id)
	}
	return translate(t.tx.SendBatch(ctx, batch).Close())
}

func (t *pgTx) RestockItems(ctx context.Context, companyID string, requests []domain.StockRequest) error {
	ids, qty := mergeRequests(requests)
	if _, err := t.lockProducts(ctx, companyID, ids); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, id := range ids {
		batch.Queue(`UPDATE products SET stock = stock + $1, updated_at = now() WHERE id = $2`, qty[id], id)
	}
	return translate(t.tx.SendBatch(ctx, batch).Close())
}

// InsertTransaction writes the header under a savepoint so a unique violation
// on the number leaves the outer transaction usable for a retry.
func (t *pgTx) InsertTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.Number == "" || tx.ID == "" {
		return store.ErrInvalidTransaction
	}

	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return translate(err)
	}
	_, err = sp.Exec(ctx, `
		INSERT INTO transactions (
			id, number, company_id, cashier_id, customer_id, customer_name, customer_phone, customer_email,
			notes, idempotency_key, subtotal, tax_rate, tax_amount, discount_amount, total_amount,
			amount_tendered, change_amount, status, payment_status, cancel_reason, created_at, updated_at, cancelled_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	`, tx.ID, tx.Number, tx.CompanyID, tx.CashierID, tx.CustomerID, tx.CustomerName, tx.CustomerPhone, tx.CustomerEmail,
		tx.Notes, nullIfEmpty(tx.IdempotencyKey), tx.Subtotal, tx.TaxRate, tx.TaxAmount, tx.DiscountAmount, tx.TotalAmount,
		tx.AmountTendered, tx.ChangeAmount, tx.Status, tx.PaymentStatus, tx.CancelReason, tx.CreatedAt, tx.UpdatedAt, tx.CancelledAt)
	if err != nil {
		_ = sp.Rollback(ctx)
		return translate(err)
	}
	return translate(sp.Commit(ctx))
}

func (t *pgTx) InsertSoldItems(ctx context.Context, transactionID string, items []domain.SoldItem) error {
	batch := &pgx.Batch{}
	for i, item := range items {
		batch.Queue(`
			INSERT INTO transaction_items (id, transaction_id, product_id, product_name, sku, quantity, unit_price, discount, line_total, position)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, item.ID, transactionID, item.ProductID, item.ProductName, item.SKU, item.Quantity, item.UnitPrice, item.Discount, item.LineTotal, i)
	}
	return translate(t.tx.SendBatch(ctx, batch).Close())
}

func (t *pgTx) InsertPayments(ctx context.Context, transactionID string, payments []domain.Payment) error {
	batch := &pgx.Batch{}
	for i, p := range payments {
		batch.Queue(`
			INSERT INTO payments (id, transaction_id, payment_method_id, method_code, amount, reference, status, position, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, p.ID, transactionID, p.PaymentMethodID, p.MethodCode, p.Amount, p.Reference, p.Status, i, p.CreatedAt)
	}
	return translate(t.tx.SendBatch(ctx, batch).Close())
}

func (t *pgTx) LockTransaction(ctx context.Context, companyID string, number string) (*domain.Transaction, error) {
	return scanTransaction(ctx, t.tx, `SELECT `+transactionColumns+`
		FROM transactions
		WHERE company_id = $1 AND number = $2
		FOR UPDATE`, companyID, number)
}

func (t *pgTx) UpdateTransactionStatus(ctx context.Context, tx *domain.Transaction) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE transactions
		SET status = $2, payment_status = $3, cancel_reason = $4, updated_at = $5, cancelled_at = COALESCE($6, cancelled_at)
		WHERE id = $1
	`, tx.ID, tx.Status, tx.PaymentStatus, tx.CancelReason, tx.UpdatedAt, tx.CancelledAt)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) UpdatePaymentStatuses(ctx context.Context, transactionID string, from domain.PaymentRecordStatus, to domain.PaymentRecordStatus) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE payments SET status = $3
		WHERE transaction_id = $1 AND status = $2
	`, transactionID, from, to)
	return translate(err)
}
