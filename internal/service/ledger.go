package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/store"
	"pagina-vendedor/backend/internal/xid"
)

// lockAccounts locks every referenced account and rejects inactive ones.
func lockAccounts(ctx context.Context, tx store.Tx, ids ...string) (map[string]domain.Account, error) {
	accounts, err := tx.LockAccounts(ctx, ids...)
	if err != nil {
		return nil, err
	}
	for id, acc := range accounts {
		if !acc.IsActive {
			return nil, fmt.Errorf("%w: account %s is inactive", store.ErrInvalidState, id)
		}
	}
	return accounts, nil
}

func newTransaction(txType domain.TransactionType, amount decimal.Decimal, actor domain.Actor, at time.Time) domain.Transaction {
	return domain.Transaction{
		ID:              xid.New("trx"),
		Type:            txType,
		Amount:          amount,
		CreatedBy:       actor.Username,
		CreatedByName:   actor.Username,
		TransactionDate: at,
		CreatedAt:       at,
	}
}

// post records trx and applies its effect to every account it touches. The
// accounts must already be locked by the caller; their balances in the map are
// kept current so later legs in the same unit see the running figures.
func post(ctx context.Context, tx store.Tx, trx domain.Transaction, accounts map[string]domain.Account) (*domain.Transaction, error) {
	if !trx.Amount.GreaterThan(decimal.Zero) {
		return nil, fmt.Errorf("%w: transaction amount must be greater than zero", store.ErrInvalidTransaction)
	}
	if err := trx.Details.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
	}
	switch trx.Type {
	case domain.TxIncome, domain.TxExpense:
		if trx.AccountID == "" {
			return nil, fmt.Errorf("%w: account is required", store.ErrInvalidTransaction)
		}
	case domain.TxTransfer:
		if trx.AccountInID == "" || trx.AccountOutID == "" || trx.AccountInID == trx.AccountOutID {
			return nil, fmt.Errorf("%w: transfer needs two distinct accounts", store.ErrInvalidTransaction)
		}
	default:
		return nil, fmt.Errorf("%w: unknown transaction type %q", store.ErrInvalidTransaction, trx.Type)
	}

	effects := trx.Effects()
	for _, effect := range effects {
		if _, ok := accounts[effect.AccountID]; !ok {
			return nil, fmt.Errorf("%w: account %s was not locked for posting", store.ErrIntegrity, effect.AccountID)
		}
	}

	saved, err := tx.InsertTransaction(ctx, trx)
	if err != nil {
		return nil, err
	}
	for _, effect := range effects {
		balance, err := tx.AdjustAccountBalance(ctx, effect.AccountID, effect.Delta)
		if err != nil {
			return nil, err
		}
		acc := accounts[effect.AccountID]
		acc.Balance = balance
		accounts[effect.AccountID] = acc
	}
	return saved, nil
}

// compensate posts the mirror of original and flags original as reversed.
func compensate(ctx context.Context, tx store.Tx, original domain.Transaction, accounts map[string]domain.Account, reason string, actor domain.Actor, at time.Time) (*domain.Transaction, error) {
	if original.ReversalOf != "" {
		return nil, fmt.Errorf("%w: transaction %s is itself a reversal", store.ErrInvalidState, original.ID)
	}
	if original.IsReversed {
		return nil, fmt.Errorf("transaction %s: %w", original.ID, store.ErrAlreadyReversed)
	}
	mirror := original.Compensation(xid.New("trx"), at, reason, actor)
	saved, err := post(ctx, tx, mirror, accounts)
	if err != nil {
		return nil, err
	}
	if err := tx.MarkTransactionReversed(ctx, original.ID, at); err != nil {
		return nil, err
	}
	return saved, nil
}

// compensateMovements restores the stock changed by movements that have not
// been compensated yet, oldest first. transactionIDs maps each original
// transaction id to the id of its compensation.
func compensateMovements(ctx context.Context, tx store.Tx, movements []domain.InventoryMovement, transactionIDs map[string]string, at time.Time) ([]domain.InventoryMovement, error) {
	compensated := make(map[string]bool, len(movements))
	for _, m := range movements {
		if m.ReversalOf != "" {
			compensated[m.ReversalOf] = true
		}
	}

	ordered := make([]domain.InventoryMovement, len(movements))
	copy(ordered, movements)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	created := make([]domain.InventoryMovement, 0, len(ordered))
	for _, m := range ordered {
		if m.ReversalOf != "" || compensated[m.ID] || m.QuantityChange == 0 {
			continue
		}
		mirror := m.Compensation(xid.New("mv"), at, transactionIDs[m.TransactionID])
		if _, err := tx.ApplyMovement(ctx, mirror); err != nil {
			return nil, err
		}
		created = append(created, mirror)
	}
	return created, nil
}

func productIDsOf(movements []domain.InventoryMovement) []string {
	ids := make([]string, 0, len(movements))
	for _, m := range movements {
		ids = append(ids, m.ProductID)
	}
	return ids
}

func accountIDsOf(transactions []domain.Transaction) []string {
	ids := make([]string, 0, len(transactions)*2)
	for _, t := range transactions {
		ids = append(ids, t.AccountIDs()...)
	}
	return ids
}
