package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/store"
	"pagina-vendedor/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	pool *pgxpool.Pool
}

// querier is satisfied by both the pool and an open pgx.Tx so row readers can
// be shared between committed reads and locked reads.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	cfg.MaxConns = 30
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres: apply schema: %w", err)
	}
	return nil
}

// WithinTx runs fn in a READ COMMITTED transaction. Contended rows are taken
// with SELECT ... FOR UPDATE inside fn, which is what serializes writers.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	acc, err := scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "account", id)
	}
	return acc, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	return queryAccounts(ctx, s.pool, `SELECT `+accountColumns+` FROM accounts ORDER BY name ASC`)
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "product", id)
	}
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return queryProducts(ctx, s.pool, `SELECT `+productColumns+` FROM products ORDER BY name ASC`)
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "transaction", id)
	}
	return t, nil
}

func (s *Store) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]domain.Transaction, error) {
	return queryTransactions(ctx, s.pool, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE ($1 = '' OR account_id = $1 OR account_in_id = $1 OR account_out_id = $1 OR category_account_id = $1)
			AND ($2 = '' OR group_id = $2)
		ORDER BY seq DESC
		LIMIT $3
	`, filter.AccountID, filter.GroupID, limitArg(filter.Limit))
}

func (s *Store) ListMovements(ctx context.Context, filter store.MovementFilter) ([]domain.InventoryMovement, error) {
	return queryMovements(ctx, s.pool, `
		SELECT `+movementColumns+`
		FROM inventory_movements
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY seq DESC
		LIMIT $2
	`, filter.ProductID, limitArg(filter.Limit))
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return loadSale(ctx, s.pool, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id)
}

func (s *Store) GetSaleByNumber(ctx context.Context, saleNumber string) (*domain.Sale, error) {
	return loadSale(ctx, s.pool, `SELECT `+saleColumns+` FROM sales WHERE sale_number = $1`, saleNumber)
}

func (s *Store) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	r, err := scanReservation(s.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM stock_reservations WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "reservation", id)
	}
	return r, nil
}

func (s *Store) ReservedQuantities(ctx context.Context, now time.Time) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT product_id, SUM(quantity)
		FROM stock_reservations
		WHERE status = 'ACTIVE' AND expires_at > $1
		GROUP BY product_id
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reserved := make(map[string]int)
	for rows.Next() {
		var productID string
		var qty int64
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, err
		}
		reserved[productID] = int(qty)
	}
	return reserved, rows.Err()
}

func (s *Store) GetPriceProposal(ctx context.Context, id string) (*domain.PriceProposal, error) {
	proposal, err := scanProposal(s.pool.QueryRow(ctx, `SELECT `+proposalColumns+` FROM price_proposals WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "price proposal", id)
	}
	return proposal, nil
}

func (s *Store) ListPriceProposals(ctx context.Context, status domain.ProposalStatus, limit int) ([]domain.PriceProposal, error) {
	return queryProposals(ctx, s.pool, `
		SELECT `+proposalColumns+`
		FROM price_proposals
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limitArg(limit))
}

func (s *Store) GetSetting(ctx context.Context, key string) (*domain.Setting, error) {
	setting, err := scanSetting(s.pool.QueryRow(ctx, `SELECT `+settingColumns+` FROM settings WHERE key = $1`, key))
	if err != nil {
		return nil, notFound(err, "setting", key)
	}
	return setting, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleSeller
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username already exists", store.ErrInvalidTransaction)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	tag, err := s.pool.Exec(ctx, `UPDATE users SET password = $2 WHERE username = $1`, username, password)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const accountColumns = `id, name, type, balance, is_nominal, is_active, created_at`

func scanAccount(row rowScanner) (*domain.Account, error) {
	var acc domain.Account
	var accType string
	if err := row.Scan(&acc.ID, &acc.Name, &accType, &acc.Balance, &acc.IsNominal, &acc.IsActive, &acc.CreatedAt); err != nil {
		return nil, err
	}
	acc.Type = domain.AccountType(accType)
	acc.CreatedAt = acc.CreatedAt.UTC()
	return &acc, nil
}

func queryAccounts(ctx context.Context, q querier, sql string, args ...any) ([]domain.Account, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]domain.Account, 0, 16)
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

const productColumns = `id, sku, name, cost_price, selling_price, current_stock, target_margin, created_at, updated_at`

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	if err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.CostPrice, &p.SellingPrice, &p.CurrentStock, &p.TargetMargin, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func queryProducts(ctx context.Context, q querier, sql string, args ...any) ([]domain.Product, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

const transactionColumns = `id, seq, type, amount,
	COALESCE(account_id, ''), COALESCE(account_in_id, ''), COALESCE(account_out_id, ''), COALESCE(category_account_id, ''),
	reference_number, group_id, sale_id, COALESCE(reversal_of, ''), is_reversed, reversed_at,
	description, notes, details, created_by, created_by_name, transaction_date, created_at`

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var t domain.Transaction
	var txType string
	var details []byte
	if err := row.Scan(
		&t.ID, &t.Seq, &txType, &t.Amount,
		&t.AccountID, &t.AccountInID, &t.AccountOutID, &t.CategoryAccountID,
		&t.ReferenceNumber, &t.GroupID, &t.SaleID, &t.ReversalOf, &t.IsReversed, &t.ReversedAt,
		&t.Description, &t.Notes, &details, &t.CreatedBy, &t.CreatedByName, &t.TransactionDate, &t.CreatedAt,
	); err != nil {
		return nil, err
	}
	t.Type = domain.TransactionType(txType)
	if err := json.Unmarshal(details, &t.Details); err != nil {
		return nil, fmt.Errorf("transaction %s details: %w", t.ID, err)
	}
	t.TransactionDate = t.TransactionDate.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func queryTransactions(ctx context.Context, q querier, sql string, args ...any) ([]domain.Transaction, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Transaction, 0, 32)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

const movementColumns = `id, seq, product_id, type, quantity_change, unit_price, total_value,
	COALESCE(transaction_id, ''), sale_id, COALESCE(reversal_of, ''), reason, notes, created_at`

func scanMovement(row rowScanner) (*domain.InventoryMovement, error) {
	var m domain.InventoryMovement
	var mType, reason string
	if err := row.Scan(&m.ID, &m.Seq, &m.ProductID, &mType, &m.QuantityChange, &m.UnitPrice, &m.TotalValue,
		&m.TransactionID, &m.SaleID, &m.ReversalOf, &reason, &m.Notes, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Type = domain.MovementType(mType)
	m.Reason = domain.MovementReason(reason)
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func queryMovements(ctx context.Context, q querier, sql string, args ...any) ([]domain.InventoryMovement, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.InventoryMovement, 0, 32)
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

const saleColumns = `id, sale_number, customer, subtotal, tax, discount, shipping_cost, total,
	payment_status, payment_method, account_id, shipping_account_id, transaction_id, group_id,
	payload_hash, notes, created_by, created_at, reversed_at`

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	var customer []byte
	var status string
	if err := row.Scan(&sale.ID, &sale.SaleNumber, &customer, &sale.Subtotal, &sale.Tax, &sale.Discount, &sale.ShippingCost, &sale.Total,
		&status, &sale.PaymentMethod, &sale.AccountID, &sale.ShippingAccountID, &sale.TransactionID, &sale.GroupID,
		&sale.PayloadHash, &sale.Notes, &sale.CreatedBy, &sale.CreatedAt, &sale.ReversedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(customer, &sale.Customer); err != nil {
		return nil, fmt.Errorf("sale %s customer: %w", sale.ID, err)
	}
	sale.PaymentStatus = domain.PaymentStatus(status)
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

// loadSale reads one sale row (the query may carry FOR UPDATE) and then its
// items in line order.
func loadSale(ctx context.Context, q querier, sql string, arg string) (*domain.Sale, error) {
	sale, err := scanSale(q.QueryRow(ctx, sql, arg))
	if err != nil {
		return nil, notFound(err, "sale", arg)
	}

	rows, err := q.Query(ctx, `
		SELECT id, sale_id, product_id, quantity, unit_price, discount, provider_cost, unit_cost, subtotal, returned_quantity
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY position ASC
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sale.Items = make([]domain.SaleItem, 0, 4)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.Discount,
			&item.ProviderCost, &item.UnitCost, &item.Subtotal, &item.ReturnedQuantity); err != nil {
			return nil, err
		}
		sale.Items = append(sale.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sale, nil
}

const reservationColumns = `id, product_id, quantity, session_id, status, sale_id, expires_at, created_at, resolved_at`

func scanReservation(row rowScanner) (*domain.Reservation, error) {
	var r domain.Reservation
	var status string
	if err := row.Scan(&r.ID, &r.ProductID, &r.Quantity, &r.SessionID, &status, &r.SaleID, &r.ExpiresAt, &r.CreatedAt, &r.ResolvedAt); err != nil {
		return nil, err
	}
	r.Status = domain.ReservationStatus(status)
	r.ExpiresAt = r.ExpiresAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

const proposalColumns = `id, product_id, current_cost, proposed_cost, current_price, proposed_price, status,
	transaction_id, decided_by, decided_at, note, created_at`

func scanProposal(row rowScanner) (*domain.PriceProposal, error) {
	var p domain.PriceProposal
	var status string
	if err := row.Scan(&p.ID, &p.ProductID, &p.CurrentCost, &p.ProposedCost, &p.CurrentPrice, &p.ProposedPrice, &status,
		&p.TransactionID, &p.DecidedBy, &p.DecidedAt, &p.Note, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Status = domain.ProposalStatus(status)
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func queryProposals(ctx context.Context, q querier, sql string, args ...any) ([]domain.PriceProposal, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.PriceProposal, 0, 16)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

const settingColumns = `key, value, version, updated_by, updated_at`

func scanSetting(row rowScanner) (*domain.Setting, error) {
	var setting domain.Setting
	var value []byte
	if err := row.Scan(&setting.Key, &value, &setting.Version, &setting.UpdatedBy, &setting.UpdatedAt); err != nil {
		return nil, err
	}
	setting.Value = json.RawMessage(value)
	setting.UpdatedAt = setting.UpdatedAt.UTC()
	return &setting, nil
}

func notFound(err error, entity string, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", entity, id, store.ErrNotFound)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func violatedConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

// limitArg turns a non-positive limit into SQL NULL, which Postgres treats as
// LIMIT ALL.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
