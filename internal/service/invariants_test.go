package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/store"
)

func TestInvariantsDetectBypassedWrites(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	requireInvariants(t, svc)

	err := repo.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.AdjustAccountBalance(ctx, "acc-bank", dec("12.34")); err != nil {
			return err
		}
		_, err := tx.InsertTransaction(ctx, domain.Transaction{
			ID:              "trx-orphan",
			Type:            domain.TxIncome,
			Amount:          dec("1"),
			AccountID:       "acc-wallet",
			IsReversed:      true,
			Details:         domain.ManualDetail(),
			TransactionDate: time.Now(),
			CreatedAt:       time.Now(),
		})
		return err
	})
	require.NoError(t, err)

	report, err := svc.CheckInvariants(ctx)
	require.NoError(t, err)
	require.False(t, report.OK)
	require.Equal(t, []string{"trx-orphan"}, report.UncompensatedReverse)

	mismatched := map[string]bool{}
	for _, m := range report.Accounts {
		mismatched[m.AccountID] = true
	}
	require.True(t, mismatched["acc-bank"])
	require.True(t, mismatched["acc-wallet"])
	require.Empty(t, report.Products)
}

func TestInvariantsHoldAcrossMixedActivity(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := adminCtx()

	_, err := svc.RecordPurchase(ctx, domain.PurchaseRequest{
		AccountID: "acc-bank",
		Items: []domain.PurchaseItemRequest{
			{ProductID: "prod-cable", Quantity: 10, UnitCost: dec("2.50")},
			{ProductID: "prod-cable", Quantity: 5, UnitCost: dec("1.90")},
		},
	})
	require.NoError(t, err)
	sale, err := svc.CreateSale(ctx, saleOf("V-MIX", "prod-cable", 7, "6.50"))
	require.NoError(t, err)
	_, err = svc.ReturnSaleItems(ctx, sale.Sale.ID, domain.ReturnRequest{Items: []domain.ReturnItemRequest{{SaleItemID: sale.Sale.Items[0].ID, Quantity: 2}}})
	require.NoError(t, err)
	_, err = svc.Transfer(ctx, domain.TransferRequest{FromAccountID: "acc-cash", ToAccountID: "acc-wallet", Amount: dec("10")})
	require.NoError(t, err)
	_, err = svc.AdjustStock(ctx, domain.AdjustmentRequest{ProductID: "prod-cable", CountedStock: 40, LossAccountID: "acc-cash"})
	require.NoError(t, err)

	requireStock(t, svc, "prod-cable", 40)
	requireInvariants(t, svc)
}
