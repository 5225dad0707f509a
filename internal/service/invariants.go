package service

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/store"
)

type invariantSnapshot struct {
	accounts     []domain.Account
	products     []domain.Product
	transactions []domain.Transaction
	movements    []domain.InventoryMovement
}

// CheckInvariants audits the ledger and the stock books:
//   - every account balance equals the signed sum of the transactions touching it
//   - every product's stock equals the sum of its movements
//   - every reversed transaction has exactly one compensation
//
// Mismatches are logged at error level and counted; they are never repaired.
func (s *Service) CheckInvariants(ctx context.Context) (domain.InvariantReport, error) {
	snap, err := s.readInvariantSnapshot(ctx)
	if err != nil {
		return domain.InvariantReport{}, err
	}

	report := domain.InvariantReport{
		CheckedAt:            s.now(),
		Accounts:             []domain.AccountMismatch{},
		Products:             []domain.StockMismatch{},
		UncompensatedReverse: []string{},
	}

	expected := make(map[string]decimal.Decimal, len(snap.accounts))
	compensations := make(map[string]int)
	for _, trx := range snap.transactions {
		for _, effect := range trx.Effects() {
			expected[effect.AccountID] = expected[effect.AccountID].Add(effect.Delta)
		}
		if trx.ReversalOf != "" {
			compensations[trx.ReversalOf]++
		}
	}
	for _, acc := range snap.accounts {
		if !acc.Balance.Equal(expected[acc.ID]) {
			report.Accounts = append(report.Accounts, domain.AccountMismatch{AccountID: acc.ID, Balance: acc.Balance, Expected: expected[acc.ID]})
		}
	}
	for _, trx := range snap.transactions {
		if trx.IsReversed && compensations[trx.ID] != 1 {
			report.UncompensatedReverse = append(report.UncompensatedReverse, trx.ID)
		}
	}

	movementSums := make(map[string]int, len(snap.products))
	for _, m := range snap.movements {
		movementSums[m.ProductID] += m.QuantityChange
	}
	for _, p := range snap.products {
		if p.CurrentStock != movementSums[p.ID] {
			report.Products = append(report.Products, domain.StockMismatch{ProductID: p.ID, CurrentStock: p.CurrentStock, MovementSum: movementSums[p.ID]})
		}
	}

	report.OK = len(report.Accounts) == 0 && len(report.Products) == 0 && len(report.UncompensatedReverse) == 0
	if !report.OK {
		s.log.WithFields(logrus.Fields{
			"action":                  "invariant_audit",
			"account_mismatches":      len(report.Accounts),
			"product_mismatches":      len(report.Products),
			"uncompensated_reversals": len(report.UncompensatedReverse),
		}).WithError(store.ErrIntegrity).Error("ledger invariants violated")
	}
	s.metrics.IntegrityFailure("account", len(report.Accounts))
	s.metrics.IntegrityFailure("product", len(report.Products))
	s.metrics.IntegrityFailure("reversal", len(report.UncompensatedReverse))
	return report, nil
}

// readInvariantSnapshot reads balances and stock on both sides of the history
// reads and retries while they move, so a posting committed mid-read is not
// mistaken for drift.
func (s *Service) readInvariantSnapshot(ctx context.Context) (invariantSnapshot, error) {
	var snap invariantSnapshot
	for attempt := 0; attempt < 3; attempt++ {
		var err error
		if snap.accounts, err = s.repo.ListAccounts(ctx); err != nil {
			return snap, err
		}
		if snap.products, err = s.repo.ListProducts(ctx); err != nil {
			return snap, err
		}
		if snap.transactions, err = s.repo.ListTransactions(ctx, store.TransactionFilter{}); err != nil {
			return snap, err
		}
		if snap.movements, err = s.repo.ListMovements(ctx, store.MovementFilter{}); err != nil {
			return snap, err
		}
		accountsAfter, err := s.repo.ListAccounts(ctx)
		if err != nil {
			return snap, err
		}
		productsAfter, err := s.repo.ListProducts(ctx)
		if err != nil {
			return snap, err
		}
		if sameBalances(snap.accounts, accountsAfter) && sameStock(snap.products, productsAfter) {
			return snap, nil
		}
	}
	return snap, nil
}

func sameBalances(a, b []domain.Account) bool {
	if len(a) != len(b) {
		return false
	}
	balances := make(map[string]decimal.Decimal, len(a))
	for _, acc := range a {
		balances[acc.ID] = acc.Balance
	}
	for _, acc := range b {
		before, ok := balances[acc.ID]
		if !ok || !before.Equal(acc.Balance) {
			return false
		}
	}
	return true
}

func sameStock(a, b []domain.Product) bool {
	if len(a) != len(b) {
		return false
	}
	stock := make(map[string]int, len(a))
	for _, p := range a {
		stock[p.ID] = p.CurrentStock
	}
	for _, p := range b {
		before, ok := stock[p.ID]
		if !ok || before != p.CurrentStock {
			return false
		}
	}
	return true
}
