package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/store"
)

// memTx operates directly on the live state; the owning Store holds the
// write lock for its whole lifetime.
type memTx struct {
	st *state
}

func (t *memTx) nextSeq() int64 {
	t.st.seq++
	return t.st.seq
}

func (t *memTx) LockAccounts(_ context.Context, ids ...string) (map[string]domain.Account, error) {
	result := make(map[string]domain.Account, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		acc, ok := t.st.accounts[id]
		if !ok {
			return nil, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
		}
		result[id] = acc
	}
	return result, nil
}

func (t *memTx) AdjustAccountBalance(_ context.Context, id string, delta decimal.Decimal) (decimal.Decimal, error) {
	acc, ok := t.st.accounts[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	acc.Balance = acc.Balance.Add(delta)
	t.st.accounts[id] = acc
	return acc.Balance, nil
}

func (t *memTx) InsertAccount(_ context.Context, account domain.Account) error {
	if _, exists := t.st.accounts[account.ID]; exists {
		return fmt.Errorf("%w: account %s already exists", store.ErrInvalidTransaction, account.ID)
	}
	t.st.accounts[account.ID] = account
	return nil
}

func (t *memTx) LockProducts(_ context.Context, ids ...string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		p, ok := t.st.products[id]
		if !ok {
			return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
		}
		result[id] = p
	}
	return result, nil
}

func (t *memTx) LockNegativeStockProducts(_ context.Context) ([]domain.Product, error) {
	result := make([]domain.Product, 0, 8)
	for _, p := range t.st.products {
		if p.CurrentStock < 0 {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (t *memTx) InsertProduct(_ context.Context, product domain.Product) error {
	for _, existing := range t.st.products {
		if existing.ID == product.ID || existing.SKU == product.SKU {
			return fmt.Errorf("%w: product %s already exists", store.ErrInvalidTransaction, product.SKU)
		}
	}
	// Stock only ever arrives through ApplyMovement.
	product.CurrentStock = 0
	t.st.products[product.ID] = product
	return nil
}

func (t *memTx) UpdateProductPricing(_ context.Context, id string, costPrice decimal.Decimal, sellingPrice decimal.Decimal) error {
	p, ok := t.st.products[id]
	if !ok {
		return fmt.Errorf("product %s: %w", id, store.ErrNotFound)
	}
	p.CostPrice = costPrice
	p.SellingPrice = sellingPrice
	p.UpdatedAt = time.Now().UTC()
	t.st.products[id] = p
	return nil
}

func (t *memTx) ApplyMovement(_ context.Context, movement domain.InventoryMovement) (int, error) {
	p, ok := t.st.products[movement.ProductID]
	if !ok {
		return 0, fmt.Errorf("product %s: %w", movement.ProductID, store.ErrNotFound)
	}
	movement.Seq = t.nextSeq()
	t.st.movements = append(t.st.movements, movement)
	p.CurrentStock += movement.QuantityChange
	p.UpdatedAt = movement.CreatedAt
	t.st.products[p.ID] = p
	return p.CurrentStock, nil
}

func (t *memTx) MovementsForTransaction(_ context.Context, transactionID string) ([]domain.InventoryMovement, error) {
	result := make([]domain.InventoryMovement, 0, 4)
	for _, m := range t.st.movements {
		if m.TransactionID == transactionID {
			result = append(result, m)
		}
	}
	return result, nil
}

func (t *memTx) MovementsForSale(_ context.Context, saleID string) ([]domain.InventoryMovement, error) {
	result := make([]domain.InventoryMovement, 0, 4)
	for _, m := range t.st.movements {
		if m.SaleID == saleID {
			result = append(result, m)
		}
	}
	return result, nil
}

func (t *memTx) InsertTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if _, exists := t.st.transactions[tx.ID]; exists {
		return nil, fmt.Errorf("%w: transaction %s already exists", store.ErrInvalidTransaction, tx.ID)
	}
	tx.Seq = t.nextSeq()
	t.st.transactions[tx.ID] = tx
	return &tx, nil
}

func (t *memTx) LockTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	tx, ok := t.st.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
	}
	return &tx, nil
}

func (t *memTx) LockTransactionGroup(_ context.Context, groupID string) ([]domain.Transaction, error) {
	result := make([]domain.Transaction, 0, 4)
	for _, tx := range t.st.transactions {
		if tx.GroupID == groupID {
			result = append(result, tx)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result, nil
}

func (t *memTx) MarkTransactionReversed(_ context.Context, id string, at time.Time) error {
	tx, ok := t.st.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
	}
	if tx.IsReversed {
		return fmt.Errorf("transaction %s: %w", id, store.ErrAlreadyReversed)
	}
	tx.IsReversed = true
	reversedAt := at
	tx.ReversedAt = &reversedAt
	t.st.transactions[id] = tx
	return nil
}

func (t *memTx) LockSale(_ context.Context, id string) (*domain.Sale, error) {
	sale, ok := t.st.sales[id]
	if !ok {
		return nil, fmt.Errorf("sale %s: %w", id, store.ErrNotFound)
	}
	dup := cloneSale(sale)
	return &dup, nil
}

func (t *memTx) LockSaleByNumber(_ context.Context, saleNumber string) (*domain.Sale, error) {
	id, ok := t.st.saleByNumber[saleNumber]
	if !ok {
		return nil, fmt.Errorf("sale number %s: %w", saleNumber, store.ErrNotFound)
	}
	dup := cloneSale(t.st.sales[id])
	return &dup, nil
}

func (t *memTx) InsertSale(_ context.Context, sale domain.Sale) error {
	if _, exists := t.st.saleByNumber[sale.SaleNumber]; exists {
		return fmt.Errorf("sale number %s: %w", sale.SaleNumber, store.ErrDuplicateSale)
	}
	t.st.sales[sale.ID] = cloneSale(sale)
	t.st.saleByNumber[sale.SaleNumber] = sale.ID
	return nil
}

func (t *memTx) UpdateSaleStatus(_ context.Context, id string, status domain.PaymentStatus, reversedAt *time.Time) error {
	sale, ok := t.st.sales[id]
	if !ok {
		return fmt.Errorf("sale %s: %w", id, store.ErrNotFound)
	}
	sale.PaymentStatus = status
	if reversedAt != nil {
		at := *reversedAt
		sale.ReversedAt = &at
	}
	t.st.sales[id] = sale
	return nil
}

func (t *memTx) AddReturnedQuantity(_ context.Context, saleItemID string, qty int) error {
	for saleID, sale := range t.st.sales {
		for i, item := range sale.Items {
			if item.ID != saleItemID {
				continue
			}
			updated := cloneSale(sale)
			updated.Items[i].ReturnedQuantity += qty
			t.st.sales[saleID] = updated
			return nil
		}
	}
	return fmt.Errorf("sale item %s: %w", saleItemID, store.ErrNotFound)
}

func (t *memTx) LockReservations(_ context.Context, ids ...string) (map[string]domain.Reservation, error) {
	result := make(map[string]domain.Reservation, len(ids))
	for _, id := range ids {
		r, ok := t.st.reservations[id]
		if !ok {
			return nil, fmt.Errorf("reservation %s: %w", id, store.ErrNotFound)
		}
		result[id] = r
	}
	return result, nil
}

func (t *memTx) ReservedQuantity(_ context.Context, productID string, now time.Time) (int, error) {
	total := 0
	for _, r := range t.st.reservations {
		if r.ProductID == productID && r.Holding(now) {
			total += r.Quantity
		}
	}
	return total, nil
}

func (t *memTx) InsertReservation(_ context.Context, reservation domain.Reservation) error {
	if _, exists := t.st.reservations[reservation.ID]; exists {
		return fmt.Errorf("%w: reservation %s already exists", store.ErrInvalidTransaction, reservation.ID)
	}
	t.st.reservations[reservation.ID] = reservation
	return nil
}

func (t *memTx) UpdateReservation(_ context.Context, id string, status domain.ReservationStatus, saleID string, at time.Time) error {
	r, ok := t.st.reservations[id]
	if !ok {
		return fmt.Errorf("reservation %s: %w", id, store.ErrNotFound)
	}
	r.Status = status
	if saleID != "" {
		r.SaleID = saleID
	}
	resolved := at
	r.ResolvedAt = &resolved
	t.st.reservations[id] = r
	return nil
}

func (t *memTx) ExpireReservations(_ context.Context, now time.Time) (int, error) {
	expired := 0
	for id, r := range t.st.reservations {
		if r.Status != domain.ReservationActive || now.Before(r.ExpiresAt) {
			continue
		}
		r.Status = domain.ReservationExpired
		resolved := now
		r.ResolvedAt = &resolved
		t.st.reservations[id] = r
		expired++
	}
	return expired, nil
}

func (t *memTx) InsertPriceProposal(_ context.Context, proposal domain.PriceProposal) error {
	t.st.proposals[proposal.ID] = proposal
	return nil
}

func (t *memTx) LockPriceProposal(_ context.Context, id string) (*domain.PriceProposal, error) {
	p, ok := t.st.proposals[id]
	if !ok {
		return nil, fmt.Errorf("price proposal %s: %w", id, store.ErrNotFound)
	}
	return &p, nil
}

func (t *memTx) PendingProposalsForProduct(_ context.Context, productID string) ([]domain.PriceProposal, error) {
	result := make([]domain.PriceProposal, 0, 2)
	for _, p := range t.st.proposals {
		if p.ProductID == productID && p.Status == domain.ProposalPending {
			result = append(result, p)
		}
	}
	return result, nil
}

func (t *memTx) DecidePriceProposal(_ context.Context, id string, status domain.ProposalStatus, decidedBy string, note string, at time.Time) error {
	p, ok := t.st.proposals[id]
	if !ok {
		return fmt.Errorf("price proposal %s: %w", id, store.ErrNotFound)
	}
	p.Status = status
	p.DecidedBy = decidedBy
	p.Note = note
	decided := at
	p.DecidedAt = &decided
	t.st.proposals[id] = p
	return nil
}

func (t *memTx) LockSetting(_ context.Context, key string) (*domain.Setting, error) {
	setting, ok := t.st.settings[key]
	if !ok {
		return nil, fmt.Errorf("setting %s: %w", key, store.ErrNotFound)
	}
	return &setting, nil
}

func (t *memTx) SaveSetting(_ context.Context, setting domain.Setting) error {
	current, exists := t.st.settings[setting.Key]
	if (!exists && setting.Version != 1) || (exists && current.Version != setting.Version-1) {
		return fmt.Errorf("setting %s: %w", setting.Key, store.ErrStaleVersion)
	}
	t.st.settings[setting.Key] = setting
	return nil
}
