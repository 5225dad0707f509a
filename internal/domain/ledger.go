package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountEffect struct {
	AccountID string
	Delta     decimal.Decimal
}

// Effects lists the signed balance change the transaction applies to each
// account it references. INCOME adds to the account (and its category),
// EXPENSE subtracts from both, TRANSFER moves the amount from out to in.
func (t Transaction) Effects() []AccountEffect {
	switch t.Type {
	case TxTransfer:
		return []AccountEffect{
			{AccountID: t.AccountOutID, Delta: t.Amount.Neg()},
			{AccountID: t.AccountInID, Delta: t.Amount},
		}
	case TxIncome, TxExpense:
		delta := t.Amount
		if t.Type == TxExpense {
			delta = delta.Neg()
		}
		effects := []AccountEffect{{AccountID: t.AccountID, Delta: delta}}
		if t.CategoryAccountID != "" {
			effects = append(effects, AccountEffect{AccountID: t.CategoryAccountID, Delta: delta})
		}
		return effects
	}
	return nil
}

func (t Transaction) DeltaFor(accountID string) decimal.Decimal {
	total := decimal.Zero
	for _, effect := range t.Effects() {
		if effect.AccountID == accountID {
			total = total.Add(effect.Delta)
		}
	}
	return total
}

func (t Transaction) AccountIDs() []string {
	effects := t.Effects()
	ids := make([]string, 0, len(effects))
	for _, effect := range effects {
		ids = append(ids, effect.AccountID)
	}
	return ids
}

// Compensation builds the transaction that cancels t: same amount, group and
// reference, opposite effect on every account t touched.
func (t Transaction) Compensation(id string, at time.Time, reason string, actor Actor) Transaction {
	mirror := Transaction{
		ID:                id,
		Amount:            t.Amount,
		AccountID:         t.AccountID,
		CategoryAccountID: t.CategoryAccountID,
		ReferenceNumber:   t.ReferenceNumber,
		GroupID:           t.GroupID,
		SaleID:            t.SaleID,
		ReversalOf:        t.ID,
		Description:       "reversal of " + t.ID,
		Notes:             reason,
		Details: ReversalDetail(ReversalDetails{
			OriginalTransactionID: t.ID,
			OriginalKind:          t.Details.Kind,
			Reason:                reason,
		}),
		CreatedBy:       actor.Username,
		CreatedByName:   actor.Username,
		TransactionDate: at,
		CreatedAt:       at,
	}
	switch t.Type {
	case TxIncome:
		mirror.Type = TxExpense
	case TxExpense:
		mirror.Type = TxIncome
	case TxTransfer:
		mirror.Type = TxTransfer
		mirror.AccountInID = t.AccountOutID
		mirror.AccountOutID = t.AccountInID
	}
	return mirror
}

// Compensation builds the movement that restores the stock m changed.
func (m InventoryMovement) Compensation(id string, at time.Time, transactionID string) InventoryMovement {
	mirror := InventoryMovement{
		ID:             id,
		ProductID:      m.ProductID,
		QuantityChange: -m.QuantityChange,
		UnitPrice:      m.UnitPrice,
		TotalValue:     m.TotalValue,
		TransactionID:  transactionID,
		SaleID:         m.SaleID,
		ReversalOf:     m.ID,
		Reason:         ReasonReversal,
		Notes:          "reversal of " + m.ID,
		CreatedAt:      at,
	}
	switch {
	case mirror.QuantityChange > 0:
		mirror.Type = MovementIn
	case mirror.QuantityChange < 0:
		mirror.Type = MovementOut
	default:
		mirror.Type = MovementAdjustment
	}
	return mirror
}
