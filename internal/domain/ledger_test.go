package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestEffectsSignByType(t *testing.T) {
	amount := decimal.RequireFromString("25.50")

	income := Transaction{Type: TxIncome, Amount: amount, AccountID: "cash", CategoryAccountID: "sales"}
	require.True(t, income.DeltaFor("cash").Equal(amount))
	require.True(t, income.DeltaFor("sales").Equal(amount))

	expense := Transaction{Type: TxExpense, Amount: amount, AccountID: "cash"}
	require.True(t, expense.DeltaFor("cash").Equal(amount.Neg()))
	require.Len(t, expense.Effects(), 1)

	transfer := Transaction{Type: TxTransfer, Amount: amount, AccountOutID: "cash", AccountInID: "bank"}
	require.True(t, transfer.DeltaFor("cash").Equal(amount.Neg()))
	require.True(t, transfer.DeltaFor("bank").Equal(amount))
	require.ElementsMatch(t, []string{"cash", "bank"}, transfer.AccountIDs())
}

func TestCompensationCancelsEveryEffect(t *testing.T) {
	at := time.Now().UTC()
	originals := []Transaction{
		{ID: "t1", Type: TxIncome, Amount: decimal.NewFromInt(10), AccountID: "cash", CategoryAccountID: "sales", Details: ManualDetail()},
		{ID: "t2", Type: TxExpense, Amount: decimal.NewFromInt(4), AccountID: "bank", Details: ManualDetail()},
		{ID: "t3", Type: TxTransfer, Amount: decimal.NewFromInt(7), AccountOutID: "cash", AccountInID: "bank", Details: TransactionDetails{Kind: DetailTransfer}},
	}
	for _, original := range originals {
		mirror := original.Compensation("m-"+original.ID, at, "oops", Actor{Username: "admin"})
		require.Equal(t, original.ID, mirror.ReversalOf)
		require.NoError(t, mirror.Details.Validate())
		for _, id := range []string{"cash", "bank", "sales"} {
			net := original.DeltaFor(id).Add(mirror.DeltaFor(id))
			require.True(t, net.IsZero(), "account %s net %s for %s", id, net, original.ID)
		}
	}
}

func TestMovementCompensation(t *testing.T) {
	out := InventoryMovement{ID: "mv1", ProductID: "p1", Type: MovementOut, QuantityChange: -4, Reason: ReasonSale}
	back := out.Compensation("mv2", time.Now(), "tx9")
	require.Equal(t, 4, back.QuantityChange)
	require.Equal(t, MovementIn, back.Type)
	require.Equal(t, ReasonReversal, back.Reason)
	require.Equal(t, "mv1", back.ReversalOf)
	require.Equal(t, "tx9", back.TransactionID)
}

func TestDetailsValidate(t *testing.T) {
	require.NoError(t, ManualDetail().Validate())
	require.NoError(t, SaleDetail(SaleDetails{SaleID: "s1", Leg: LegIncome}).Validate())
	require.Error(t, TransactionDetails{Kind: DetailSale}.Validate())
	require.Error(t, TransactionDetails{Kind: DetailManual, Refund: &RefundDetails{}}.Validate())
	require.Error(t, TransactionDetails{Kind: "BOGUS"}.Validate())
}

func TestReservationHolding(t *testing.T) {
	now := time.Now()
	r := Reservation{Status: ReservationActive, ExpiresAt: now.Add(time.Minute)}
	require.True(t, r.Holding(now))
	require.False(t, r.Holding(now.Add(2*time.Minute)))
	r.Status = ReservationReleased
	require.False(t, r.Holding(now))
}
