package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/store"
)

func TestCommissionPostsAllLegs(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := adminCtx()

	resp, err := svc.RecordCommission(ctx, domain.CommissionRequest{
		AccountID:      "acc-cash",
		Amount:         dec("50.00"),
		CostAmount:     dec("10.00"),
		CostAccountID:  "acc-bank",
		ShippingAmount: dec("5.00"),
	})
	require.NoError(t, err)
	require.Len(t, resp.Transactions, 3)
	require.True(t, strings.HasPrefix(resp.ReferenceNumber, "COMM-"))
	for _, trx := range resp.Transactions {
		require.Equal(t, resp.GroupID, trx.GroupID)
		require.Equal(t, resp.ReferenceNumber, trx.ReferenceNumber)
		require.Equal(t, domain.DetailCommission, trx.Details.Kind)
	}
	requireBalance(t, svc, "acc-cash", "45.00")
	requireBalance(t, svc, "acc-bank", "-10.00")
	requireInvariants(t, svc)
}

func TestCommissionCompensatesWhenALegFails(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := adminCtx()

	_, err := svc.RecordCommission(ctx, domain.CommissionRequest{
		AccountID:         "acc-cash",
		Amount:            dec("50.00"),
		CostAmount:        dec("10.00"),
		ShippingAmount:    dec("5.00"),
		ShippingAccountID: "acc-missing",
	})
	require.ErrorIs(t, err, store.ErrNotFound)
	requireBalance(t, svc, "acc-cash", "0")

	transactions, err := repo.ListTransactions(context.Background(), store.TransactionFilter{AccountID: "acc-cash"})
	require.NoError(t, err)
	require.Len(t, transactions, 4)

	reversed, compensations := 0, 0
	for _, trx := range transactions {
		if trx.IsReversed {
			reversed++
		}
		if trx.ReversalOf != "" {
			compensations++
		}
	}
	require.Equal(t, 2, reversed)
	require.Equal(t, 2, compensations)
	// Legs unwind newest first, so the income leg is compensated last.
	require.Equal(t, domain.TxIncome, transactions[3].Type)
	require.Equal(t, transactions[3].ID, transactions[0].ReversalOf)
	requireInvariants(t, svc)
}

func TestCommissionValidatesBeforePosting(t *testing.T) {
	svc, repo := newTestService(t)

	_, err := svc.RecordCommission(adminCtx(), domain.CommissionRequest{AccountID: "acc-cash", Amount: dec("0")})
	requireKind(t, err, store.KindValidation)
	_, err = svc.RecordCommission(adminCtx(), domain.CommissionRequest{AccountID: "acc-cash", Amount: dec("5"), CostAmount: dec("-1")})
	requireKind(t, err, store.KindValidation)

	transactions, err := repo.ListTransactions(context.Background(), store.TransactionFilter{})
	require.NoError(t, err)
	require.Empty(t, transactions)
}
