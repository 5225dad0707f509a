package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/store"
)

type pgTx struct {
	tx pgx.Tx
}

// lockIDs dedups and sorts ids so concurrent units always request row locks in
// the same order.
func lockIDs(ids []string) []string {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	sorted := make([]string, 0, len(set))
	for id := range set {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	return sorted
}

func (t *pgTx) LockAccounts(ctx context.Context, ids ...string) (map[string]domain.Account, error) {
	wanted := lockIDs(ids)
	result := make(map[string]domain.Account, len(wanted))
	if len(wanted) == 0 {
		return result, nil
	}
	accounts, err := queryAccounts(ctx, t.tx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, wanted)
	if err != nil {
		return nil, err
	}
	for _, acc := range accounts {
		result[acc.ID] = acc
	}
	for _, id := range wanted {
		if _, ok := result[id]; !ok {
			return nil, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
		}
	}
	return result, nil
}

func (t *pgTx) AdjustAccountBalance(ctx context.Context, id string, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := t.tx.QueryRow(ctx, `
		UPDATE accounts SET balance = balance + $2 WHERE id = $1 RETURNING balance
	`, id, delta).Scan(&balance)
	if err != nil {
		return decimal.Zero, notFound(err, "account", id)
	}
	return balance, nil
}

func (t *pgTx) InsertAccount(ctx context.Context, account domain.Account) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO accounts (id, name, type, balance, is_nominal, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, account.ID, account.Name, string(account.Type), account.Balance, account.IsNominal, account.IsActive, account.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: account %s already exists", store.ErrInvalidTransaction, account.ID)
	}
	return err
}

func (t *pgTx) LockProducts(ctx context.Context, ids ...string) (map[string]domain.Product, error) {
	wanted := lockIDs(ids)
	result := make(map[string]domain.Product, len(wanted))
	if len(wanted) == 0 {
		return result, nil
	}
	products, err := queryProducts(ctx, t.tx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, wanted)
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		result[p.ID] = p
	}
	for _, id := range wanted {
		if _, ok := result[id]; !ok {
			return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
		}
	}
	return result, nil
}

func (t *pgTx) LockNegativeStockProducts(ctx context.Context) ([]domain.Product, error) {
	return queryProducts(ctx, t.tx, `
		SELECT `+productColumns+`
		FROM products
		WHERE current_stock < 0
		ORDER BY id
		FOR UPDATE
	`)
}

func (t *pgTx) InsertProduct(ctx context.Context, product domain.Product) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO products (id, sku, name, cost_price, selling_price, current_stock, target_margin, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,0,$6,$7,$8)
	`, product.ID, product.SKU, product.Name, product.CostPrice, product.SellingPrice, product.TargetMargin, product.CreatedAt, product.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: product %s already exists", store.ErrInvalidTransaction, product.SKU)
	}
	return err
}

func (t *pgTx) UpdateProductPricing(ctx context.Context, id string, costPrice decimal.Decimal, sellingPrice decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE products SET cost_price = $2, selling_price = $3, updated_at = now() WHERE id = $1
	`, id, costPrice, sellingPrice)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("product %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) ApplyMovement(ctx context.Context, movement domain.InventoryMovement) (int, error) {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO inventory_movements (
			id, product_id, type, quantity_change, unit_price, total_value,
			transaction_id, sale_id, reversal_of, reason, notes, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, movement.ID, movement.ProductID, string(movement.Type), movement.QuantityChange, movement.UnitPrice, movement.TotalValue,
		nullIfEmpty(movement.TransactionID), movement.SaleID, nullIfEmpty(movement.ReversalOf), string(movement.Reason), movement.Notes, movement.CreatedAt)
	if err != nil {
		return 0, err
	}

	var stock int
	err = t.tx.QueryRow(ctx, `
		UPDATE products
		SET current_stock = current_stock + $2, updated_at = $3
		WHERE id = $1
		RETURNING current_stock
	`, movement.ProductID, movement.QuantityChange, movement.CreatedAt).Scan(&stock)
	if err != nil {
		return 0, notFound(err, "product", movement.ProductID)
	}
	return stock, nil
}

func (t *pgTx) MovementsForTransaction(ctx context.Context, transactionID string) ([]domain.InventoryMovement, error) {
	return queryMovements(ctx, t.tx, `
		SELECT `+movementColumns+` FROM inventory_movements WHERE transaction_id = $1 ORDER BY seq ASC
	`, transactionID)
}

func (t *pgTx) MovementsForSale(ctx context.Context, saleID string) ([]domain.InventoryMovement, error) {
	return queryMovements(ctx, t.tx, `
		SELECT `+movementColumns+` FROM inventory_movements WHERE sale_id = $1 ORDER BY seq ASC
	`, saleID)
}

func (t *pgTx) InsertTransaction(ctx context.Context, trx domain.Transaction) (*domain.Transaction, error) {
	details, err := json.Marshal(trx.Details)
	if err != nil {
		return nil, fmt.Errorf("encode details: %w", err)
	}

	err = t.tx.QueryRow(ctx, `
		INSERT INTO transactions (
			id, type, amount, account_id, account_in_id, account_out_id, category_account_id,
			reference_number, group_id, sale_id, reversal_of, is_reversed, description, notes,
			details, created_by, created_by_name, transaction_date, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,false,$12,$13,$14,$15,$16,$17,$18)
		RETURNING seq
	`, trx.ID, string(trx.Type), trx.Amount,
		nullIfEmpty(trx.AccountID), nullIfEmpty(trx.AccountInID), nullIfEmpty(trx.AccountOutID), nullIfEmpty(trx.CategoryAccountID),
		trx.ReferenceNumber, trx.GroupID, trx.SaleID, nullIfEmpty(trx.ReversalOf), trx.Description, trx.Notes,
		details, trx.CreatedBy, trx.CreatedByName, trx.TransactionDate, trx.CreatedAt,
	).Scan(&trx.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			if violatedConstraint(err) == "idx_transactions_single_reversal" {
				return nil, fmt.Errorf("transaction %s: %w", trx.ReversalOf, store.ErrAlreadyReversed)
			}
			return nil, fmt.Errorf("%w: transaction %s already exists", store.ErrInvalidTransaction, trx.ID)
		}
		return nil, err
	}
	return &trx, nil
}

func (t *pgTx) LockTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	trx, err := scanTransaction(t.tx.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE
	`, id))
	if err != nil {
		return nil, notFound(err, "transaction", id)
	}
	return trx, nil
}

func (t *pgTx) LockTransactionGroup(ctx context.Context, groupID string) ([]domain.Transaction, error) {
	return queryTransactions(ctx, t.tx, `
		SELECT `+transactionColumns+` FROM transactions WHERE group_id = $1 ORDER BY seq ASC FOR UPDATE
	`, groupID)
}

func (t *pgTx) MarkTransactionReversed(ctx context.Context, id string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE transactions SET is_reversed = true, reversed_at = $2 WHERE id = $1 AND is_reversed = false
	`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
		}
		return fmt.Errorf("transaction %s: %w", id, store.ErrAlreadyReversed)
	}
	return nil
}

func (t *pgTx) LockSale(ctx context.Context, id string) (*domain.Sale, error) {
	return loadSale(ctx, t.tx, `SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) LockSaleByNumber(ctx context.Context, saleNumber string) (*domain.Sale, error) {
	return loadSale(ctx, t.tx, `SELECT `+saleColumns+` FROM sales WHERE sale_number = $1 FOR UPDATE`, saleNumber)
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	customer, err := json.Marshal(sale.Customer)
	if err != nil {
		return fmt.Errorf("encode customer: %w", err)
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO sales (
			id, sale_number, customer, subtotal, tax, discount, shipping_cost, total,
			payment_status, payment_method, account_id, shipping_account_id, transaction_id, group_id,
			payload_hash, notes, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, sale.ID, sale.SaleNumber, customer, sale.Subtotal, sale.Tax, sale.Discount, sale.ShippingCost, sale.Total,
		string(sale.PaymentStatus), sale.PaymentMethod, sale.AccountID, sale.ShippingAccountID, sale.TransactionID, sale.GroupID,
		sale.PayloadHash, sale.Notes, sale.CreatedBy, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sale number %s: %w", sale.SaleNumber, store.ErrDuplicateSale)
		}
		return err
	}

	for i, item := range sale.Items {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO sale_items (
				id, sale_id, position, product_id, quantity, unit_price, discount, provider_cost, unit_cost, subtotal, returned_quantity
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, item.ID, sale.ID, i, item.ProductID, item.Quantity, item.UnitPrice, item.Discount, item.ProviderCost, item.UnitCost, item.Subtotal, item.ReturnedQuantity); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) UpdateSaleStatus(ctx context.Context, id string, status domain.PaymentStatus, reversedAt *time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE sales SET payment_status = $2, reversed_at = COALESCE($3, reversed_at) WHERE id = $1
	`, id, string(status), nullTime(reversedAt))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sale %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) AddReturnedQuantity(ctx context.Context, saleItemID string, qty int) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE sale_items SET returned_quantity = returned_quantity + $2 WHERE id = $1
	`, saleItemID, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sale item %s: %w", saleItemID, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) LockReservations(ctx context.Context, ids ...string) (map[string]domain.Reservation, error) {
	wanted := lockIDs(ids)
	result := make(map[string]domain.Reservation, len(wanted))
	if len(wanted) == 0 {
		return result, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+reservationColumns+`
		FROM stock_reservations
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, wanted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result[r.ID] = *r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range wanted {
		if _, ok := result[id]; !ok {
			return nil, fmt.Errorf("reservation %s: %w", id, store.ErrNotFound)
		}
	}
	return result, nil
}

func (t *pgTx) ReservedQuantity(ctx context.Context, productID string, now time.Time) (int, error) {
	var total int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM stock_reservations
		WHERE product_id = $1 AND status = 'ACTIVE' AND expires_at > $2
	`, productID, now).Scan(&total)
	return int(total), err
}

func (t *pgTx) InsertReservation(ctx context.Context, r domain.Reservation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_reservations (id, product_id, quantity, session_id, status, sale_id, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, r.ID, r.ProductID, r.Quantity, r.SessionID, string(r.Status), r.SaleID, r.ExpiresAt, r.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: reservation %s already exists", store.ErrInvalidTransaction, r.ID)
	}
	return err
}

func (t *pgTx) UpdateReservation(ctx context.Context, id string, status domain.ReservationStatus, saleID string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE stock_reservations
		SET status = $2, sale_id = CASE WHEN $3 = '' THEN sale_id ELSE $3 END, resolved_at = $4
		WHERE id = $1
	`, id, string(status), saleID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reservation %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) ExpireReservations(ctx context.Context, now time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE stock_reservations
		SET status = 'EXPIRED', resolved_at = $1
		WHERE status = 'ACTIVE' AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) InsertPriceProposal(ctx context.Context, p domain.PriceProposal) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO price_proposals (
			id, product_id, current_cost, proposed_cost, current_price, proposed_price, status, transaction_id, note, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, p.ID, p.ProductID, p.CurrentCost, p.ProposedCost, p.CurrentPrice, p.ProposedPrice, string(p.Status), p.TransactionID, p.Note, p.CreatedAt)
	return err
}

func (t *pgTx) LockPriceProposal(ctx context.Context, id string) (*domain.PriceProposal, error) {
	p, err := scanProposal(t.tx.QueryRow(ctx, `
		SELECT `+proposalColumns+` FROM price_proposals WHERE id = $1 FOR UPDATE
	`, id))
	if err != nil {
		return nil, notFound(err, "price proposal", id)
	}
	return p, nil
}

func (t *pgTx) PendingProposalsForProduct(ctx context.Context, productID string) ([]domain.PriceProposal, error) {
	return queryProposals(ctx, t.tx, `
		SELECT `+proposalColumns+`
		FROM price_proposals
		WHERE product_id = $1 AND status = 'pending'
		ORDER BY created_at ASC
		FOR UPDATE
	`, productID)
}

func (t *pgTx) DecidePriceProposal(ctx context.Context, id string, status domain.ProposalStatus, decidedBy string, note string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE price_proposals SET status = $2, decided_by = $3, note = $4, decided_at = $5 WHERE id = $1
	`, id, string(status), decidedBy, note, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("price proposal %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) LockSetting(ctx context.Context, key string) (*domain.Setting, error) {
	setting, err := scanSetting(t.tx.QueryRow(ctx, `SELECT `+settingColumns+` FROM settings WHERE key = $1 FOR UPDATE`, key))
	if err != nil {
		return nil, notFound(err, "setting", key)
	}
	return setting, nil
}

// SaveSetting writes version N only over version N-1 (or over nothing when N
// is 1). Two writers racing to create the same key cannot both win.
func (t *pgTx) SaveSetting(ctx context.Context, setting domain.Setting) error {
	if setting.Version == 1 {
		tag, err := t.tx.Exec(ctx, `
			INSERT INTO settings (key, value, version, updated_by, updated_at)
			VALUES ($1,$2,1,$3,$4)
			ON CONFLICT (key) DO NOTHING
		`, setting.Key, []byte(setting.Value), setting.UpdatedBy, setting.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("setting %s: %w", setting.Key, store.ErrStaleVersion)
		}
		return nil
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE settings
		SET value = $2, version = $3, updated_by = $4, updated_at = $5
		WHERE key = $1 AND version = $3 - 1
	`, setting.Key, []byte(setting.Value), setting.Version, setting.UpdatedBy, setting.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("setting %s: %w", setting.Key, store.ErrStaleVersion)
	}
	return nil
}
