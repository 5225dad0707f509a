package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/store"
)

func TestWithinTxRollsBackOnError(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.AdjustAccountBalance(ctx, "acc-cash", decimal.NewFromInt(50)); err != nil {
			return err
		}
		if _, err := tx.ApplyMovement(ctx, domain.InventoryMovement{
			ID:             "mv-1",
			ProductID:      "prod-funda",
			Type:           domain.MovementOut,
			QuantityChange: -5,
			Reason:         domain.ReasonSale,
			CreatedAt:      time.Now().UTC(),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	acc, err := s.GetAccount(ctx, "acc-cash")
	require.NoError(t, err)
	require.True(t, acc.Balance.IsZero())

	p, err := s.GetProduct(ctx, "prod-funda")
	require.NoError(t, err)
	require.Equal(t, 25, p.CurrentStock)

	movements, err := s.ListMovements(ctx, store.MovementFilter{ProductID: "prod-funda"})
	require.NoError(t, err)
	require.Len(t, movements, 1)
}

func TestApplyMovementKeepsStockEqualToMovementSum(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		for i, change := range []int{-3, 7, -1} {
			if _, err := tx.ApplyMovement(ctx, domain.InventoryMovement{
				ID:             "mv-" + string(rune('a'+i)),
				ProductID:      "prod-cable",
				QuantityChange: change,
				Reason:         domain.ReasonAdjustment,
				CreatedAt:      time.Now().UTC(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	p, err := s.GetProduct(ctx, "prod-cable")
	require.NoError(t, err)
	movements, err := s.ListMovements(ctx, store.MovementFilter{ProductID: "prod-cable"})
	require.NoError(t, err)

	sum := 0
	for _, m := range movements {
		sum += m.QuantityChange
	}
	require.Equal(t, 43, p.CurrentStock)
	require.Equal(t, p.CurrentStock, sum)
	require.Greater(t, movements[0].Seq, movements[1].Seq, "movements should list newest first")
}

func TestInsertSaleRejectsDuplicateNumber(t *testing.T) {
	s := New()
	ctx := context.Background()

	insert := func(id string) error {
		return s.WithinTx(ctx, func(tx store.Tx) error {
			return tx.InsertSale(ctx, domain.Sale{ID: id, SaleNumber: "V-0001"})
		})
	}
	require.NoError(t, insert("sale-1"))
	require.ErrorIs(t, insert("sale-2"), store.ErrDuplicateSale)

	sale, err := s.GetSaleByNumber(ctx, "V-0001")
	require.NoError(t, err)
	require.Equal(t, "sale-1", sale.ID)
}

func TestAddReturnedQuantityDoesNotLeakIntoSnapshot(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertSale(ctx, domain.Sale{
			ID:         "sale-1",
			SaleNumber: "V-0002",
			Items:      []domain.SaleItem{{ID: "item-1", SaleID: "sale-1", Quantity: 4}},
		})
	}))

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.AddReturnedQuantity(ctx, "item-1", 2); err != nil {
			return err
		}
		return store.ErrInvalidState
	})
	require.ErrorIs(t, err, store.ErrInvalidState)

	sale, err := s.GetSale(ctx, "sale-1")
	require.NoError(t, err)
	require.Equal(t, 0, sale.Items[0].ReturnedQuantity)
}

func TestExpireReservationsOnlyTouchesLapsedActive(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		for _, r := range []domain.Reservation{
			{ID: "res-old", ProductID: "prod-funda", Quantity: 2, Status: domain.ReservationActive, ExpiresAt: now.Add(-time.Minute)},
			{ID: "res-live", ProductID: "prod-funda", Quantity: 3, Status: domain.ReservationActive, ExpiresAt: now.Add(time.Minute)},
			{ID: "res-done", ProductID: "prod-funda", Quantity: 1, Status: domain.ReservationConsumed, ExpiresAt: now.Add(-time.Hour)},
		} {
			if err := tx.InsertReservation(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}))

	var expired int
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		expired, err = tx.ExpireReservations(ctx, now)
		return err
	}))
	require.Equal(t, 1, expired)

	old, err := s.GetReservation(ctx, "res-old")
	require.NoError(t, err)
	require.Equal(t, domain.ReservationExpired, old.Status)

	reserved, err := s.ReservedQuantities(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 3, reserved["prod-funda"])
}

func TestLockMissingRowsReportNotFound(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockProducts(ctx, "prod-funda", "prod-missing")
		return err
	})
	require.ErrorIs(t, err, store.ErrNotFound)

	err = s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockAccounts(ctx, "acc-missing")
		return err
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListTransactionsFiltersByAccount(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		for _, trx := range []domain.Transaction{
			{ID: "tx-1", Type: domain.TxIncome, Amount: decimal.NewFromInt(10), AccountID: "acc-cash", CreatedAt: now},
			{ID: "tx-2", Type: domain.TxTransfer, Amount: decimal.NewFromInt(4), AccountOutID: "acc-cash", AccountInID: "acc-bank", CreatedAt: now},
			{ID: "tx-3", Type: domain.TxExpense, Amount: decimal.NewFromInt(1), AccountID: "acc-wallet", CreatedAt: now},
		} {
			if _, err := tx.InsertTransaction(ctx, trx); err != nil {
				return err
			}
		}
		return nil
	}))

	cash, err := s.ListTransactions(ctx, store.TransactionFilter{AccountID: "acc-cash"})
	require.NoError(t, err)
	require.Len(t, cash, 2)
	require.Equal(t, "tx-2", cash[0].ID)

	bank, err := s.ListTransactions(ctx, store.TransactionFilter{AccountID: "acc-bank", Limit: 1})
	require.NoError(t, err)
	require.Len(t, bank, 1)
}
