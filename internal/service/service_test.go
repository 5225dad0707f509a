package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/logging"
	"pagina-vendedor/backend/internal/store"
	"pagina-vendedor/backend/internal/store/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	return New(repo, Options{Logger: logging.Discard()}), repo
}

func newClockedService(t *testing.T) (*Service, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	svc := New(memory.NewSeeded(), Options{
		Logger:         logging.Discard(),
		ReservationTTL: 15 * time.Minute,
		Now:            clock.Now,
	})
	return svc, clock
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func requireBalance(t *testing.T, svc *Service, accountID string, want string) {
	t.Helper()
	acc, err := svc.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	require.True(t, acc.Balance.Equal(dec(want)), "account %s balance %s, want %s", accountID, acc.Balance, want)
}

func requireStock(t *testing.T, svc *Service, productID string, want int) {
	t.Helper()
	p, err := svc.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	require.Equal(t, want, p.CurrentStock, "stock of %s", productID)
}

func requireInvariants(t *testing.T, svc *Service) {
	t.Helper()
	report, err := svc.CheckInvariants(context.Background())
	require.NoError(t, err)
	require.True(t, report.OK, "invariant report: %+v", report)
}

func requireKind(t *testing.T, err error, kind store.Kind) {
	t.Helper()
	require.Error(t, err)
	got, code := store.Classify(err)
	require.Equal(t, kind, got, "error %v classified as %s/%s", err, got, code)
}

func TestCreateAccountBooksOpeningBalance(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := adminCtx()

	acc, err := svc.CreateAccount(ctx, domain.AccountCreateRequest{
		Name:           "Caja chica",
		Type:           domain.AccountCash,
		OpeningBalance: dec("250.00"),
	})
	require.NoError(t, err)
	require.True(t, acc.Balance.Equal(dec("250")))

	history, err := svc.AccountHistory(ctx, acc.ID, 10)
	require.NoError(t, err)
	require.Len(t, history.Entries, 1)
	require.Equal(t, domain.DetailOpening, history.Entries[0].Transaction.Details.Kind)
	require.True(t, history.Entries[0].BalanceBefore.IsZero())
	requireInvariants(t, svc)
}

func TestCreateAccountRejectsSubCentOpening(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateAccount(adminCtx(), domain.AccountCreateRequest{
		Name:           "Fraccion",
		Type:           domain.AccountBank,
		OpeningBalance: dec("10.005"),
	})
	requireKind(t, err, store.KindValidation)
}

func TestPostTransactionMirrorsNominalCategory(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := adminCtx()

	_, err := svc.PostTransaction(ctx, domain.PostingRequest{
		Type:              domain.TxIncome,
		AccountID:         "acc-cash",
		CategoryAccountID: "acc-sales",
		Amount:            dec("100.00"),
		Description:       "venta mostrador",
	})
	require.NoError(t, err)
	requireBalance(t, svc, "acc-cash", "100")
	requireBalance(t, svc, "acc-sales", "100")

	_, err = svc.PostTransaction(ctx, domain.PostingRequest{
		Type:              domain.TxExpense,
		AccountID:         "acc-cash",
		CategoryAccountID: "acc-bank",
		Amount:            dec("10.00"),
	})
	requireKind(t, err, store.KindValidation)

	for _, amount := range []string{"0", "-5", "1.999"} {
		_, err = svc.PostTransaction(ctx, domain.PostingRequest{
			Type:      domain.TxExpense,
			AccountID: "acc-cash",
			Amount:    dec(amount),
		})
		requireKind(t, err, store.KindValidation)
	}
	requireBalance(t, svc, "acc-cash", "100")
	requireInvariants(t, svc)
}

func TestTransferAndReverse(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := adminCtx()

	_, err := svc.PostTransaction(ctx, domain.PostingRequest{Type: domain.TxIncome, AccountID: "acc-cash", Amount: dec("100")})
	require.NoError(t, err)

	resp, err := svc.Transfer(ctx, domain.TransferRequest{FromAccountID: "acc-cash", ToAccountID: "acc-bank", Amount: dec("40")})
	require.NoError(t, err)
	require.True(t, resp.FromBalance.Equal(dec("60")))
	require.True(t, resp.ToBalance.Equal(dec("40")))

	_, err = svc.Transfer(ctx, domain.TransferRequest{FromAccountID: "acc-cash", ToAccountID: "acc-sales", Amount: dec("1")})
	requireKind(t, err, store.KindValidation)
	_, err = svc.Transfer(ctx, domain.TransferRequest{FromAccountID: "acc-cash", ToAccountID: "acc-cash", Amount: dec("1")})
	requireKind(t, err, store.KindValidation)
	_, err = svc.Transfer(ctx, domain.TransferRequest{FromAccountID: "acc-cash", ToAccountID: "acc-nope", Amount: dec("1")})
	requireKind(t, err, store.KindNotFound)

	reversal, err := svc.ReverseTransaction(ctx, resp.Transaction.ID, domain.ReverseRequest{Reason: "wrong account"})
	require.NoError(t, err)
	require.Len(t, reversal.CompensatingTransactionIDs, 1)
	requireBalance(t, svc, "acc-cash", "100")
	requireBalance(t, svc, "acc-bank", "0")

	_, err = svc.ReverseTransaction(ctx, resp.Transaction.ID, domain.ReverseRequest{})
	require.ErrorIs(t, err, store.ErrAlreadyReversed)
	_, err = svc.ReverseTransaction(ctx, reversal.CompensatingTransactionIDs[0], domain.ReverseRequest{})
	require.ErrorIs(t, err, store.ErrInvalidState)
	requireBalance(t, svc, "acc-cash", "100")
	requireInvariants(t, svc)
}

func TestAccountHistoryReplaysBalances(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := adminCtx()

	_, err := svc.PostTransaction(ctx, domain.PostingRequest{Type: domain.TxIncome, AccountID: "acc-cash", Amount: dec("100")})
	require.NoError(t, err)
	transfer, err := svc.Transfer(ctx, domain.TransferRequest{FromAccountID: "acc-cash", ToAccountID: "acc-bank", Amount: dec("40")})
	require.NoError(t, err)
	_, err = svc.ReverseTransaction(ctx, transfer.Transaction.ID, domain.ReverseRequest{})
	require.NoError(t, err)

	history, err := svc.AccountHistory(ctx, "acc-cash", 0)
	require.NoError(t, err)
	require.Len(t, history.Entries, 3)

	want := []struct{ before, after string }{
		{"60", "100"},
		{"100", "60"},
		{"0", "100"},
	}
	for i, entry := range history.Entries {
		require.True(t, entry.BalanceBefore.Equal(dec(want[i].before)), "entry %d before %s", i, entry.BalanceBefore)
		require.True(t, entry.BalanceAfter.Equal(dec(want[i].after)), "entry %d after %s", i, entry.BalanceAfter)
	}
	require.Equal(t, transfer.Transaction.ID, history.Entries[0].Transaction.ReversalOf)
}

func TestSettingsCompareAndSwap(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := adminCtx()

	current, err := svc.GetSetting(ctx, domain.SettingInventory)
	require.NoError(t, err)
	require.EqualValues(t, 1, current.Version)

	updated, err := svc.UpdateSetting(ctx, domain.SettingInventory, domain.SettingUpdateRequest{
		ExpectedVersion: 1,
		Value:           []byte(`{"allow_negative_stock":true,"low_stock_threshold":5}`),
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, updated.Version)
	require.Equal(t, "admin", updated.UpdatedBy)

	_, err = svc.UpdateSetting(ctx, domain.SettingInventory, domain.SettingUpdateRequest{
		ExpectedVersion: 1,
		Value:           []byte(`{"allow_negative_stock":false,"low_stock_threshold":5}`),
	})
	require.ErrorIs(t, err, store.ErrStaleVersion)

	created, err := svc.UpdateSetting(ctx, "business", domain.SettingUpdateRequest{Value: []byte(`{"name":"Tienda"}`)})
	require.NoError(t, err)
	require.EqualValues(t, 1, created.Version)

	_, err = svc.UpdateSetting(ctx, "tax", domain.SettingUpdateRequest{ExpectedVersion: 3, Value: []byte(`{}`)})
	require.ErrorIs(t, err, store.ErrStaleVersion)

	for _, raw := range []string{`{"allow_negative_stock":"yes"}`, `{"unknown":1}`, `{"low_stock_threshold":-1}`, `not json`} {
		_, err = svc.UpdateSetting(ctx, domain.SettingInventory, domain.SettingUpdateRequest{ExpectedVersion: 2, Value: []byte(raw)})
		requireKind(t, err, store.KindValidation)
	}

	settings, err := svc.inventorySettings(ctx)
	require.NoError(t, err)
	require.True(t, settings.AllowNegativeStock)
	require.Equal(t, 5, settings.LowStockThreshold)
}

func TestConcurrentSettingsUpdatesHaveOneWinner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := adminCtx()

	var wg sync.WaitGroup
	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.UpdateSetting(ctx, domain.SettingInventory, domain.SettingUpdateRequest{
				ExpectedVersion: 1,
				Value:           []byte(`{"allow_negative_stock":false,"low_stock_threshold":1}`),
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, store.ErrStaleVersion) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, wins)
}

func TestAuditLogRecordsActor(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := WithActor(context.Background(), domain.Actor{Username: "seller", Role: domain.RoleSeller})

	_, err := svc.PostTransaction(ctx, domain.PostingRequest{Type: domain.TxIncome, AccountID: "acc-cash", Amount: dec("5")})
	require.NoError(t, err)

	logs, err := svc.ListAuditLogs(ctx, "", 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	require.Equal(t, "seller", logs[0].ActorUsername)
	require.Equal(t, "transaction_post", logs[0].Action)

	_, err = svc.ListAuditLogs(ctx, "01-02-2026", 10)
	requireKind(t, err, store.KindValidation)
}
