package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("PAGINA_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set PAGINA_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestApplyMovementAndRollback(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prod-it-%d", stamp)
	now := time.Now().UTC()

	t.Cleanup(func() {
		_, _ = s.pool.Exec(ctx, `DELETE FROM inventory_movements WHERE product_id = $1`, productID)
		_, _ = s.pool.Exec(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertProduct(ctx, domain.Product{
			ID: productID, SKU: productID, Name: "Producto IT",
			CostPrice: decimal.RequireFromString("5.00"), SellingPrice: decimal.RequireFromString("12.00"),
			CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		_, err := tx.ApplyMovement(ctx, domain.InventoryMovement{
			ID: productID + "-in", ProductID: productID, Type: domain.MovementIn, QuantityChange: 10,
			Reason: domain.ReasonPurchase, CreatedAt: now,
		})
		return err
	}))

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.ApplyMovement(ctx, domain.InventoryMovement{
			ID: productID + "-out", ProductID: productID, Type: domain.MovementOut, QuantityChange: -4,
			Reason: domain.ReasonSale, CreatedAt: now,
		}); err != nil {
			return err
		}
		return store.ErrInvalidState
	})
	require.ErrorIs(t, err, store.ErrInvalidState)

	p, err := s.GetProduct(ctx, productID)
	require.NoError(t, err)
	require.Equal(t, 10, p.CurrentStock)

	movements, err := s.ListMovements(ctx, store.MovementFilter{ProductID: productID})
	require.NoError(t, err)
	require.Len(t, movements, 1)
}

func TestSaveSettingRejectsStaleVersion(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	key := fmt.Sprintf("it-setting-%d", time.Now().UnixNano())
	t.Cleanup(func() { _, _ = s.pool.Exec(ctx, `DELETE FROM settings WHERE key = $1`, key) })

	save := func(version int64) error {
		return s.WithinTx(ctx, func(tx store.Tx) error {
			return tx.SaveSetting(ctx, domain.Setting{Key: key, Value: []byte(`{"a":1}`), Version: version, UpdatedAt: time.Now().UTC()})
		})
	}
	require.NoError(t, save(1))
	require.ErrorIs(t, save(1), store.ErrStaleVersion)
	require.NoError(t, save(2))
	require.ErrorIs(t, save(2), store.ErrStaleVersion)

	setting, err := s.GetSetting(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(2), setting.Version)
}
