package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/money"
	"pagina-vendedor/backend/internal/store"
	"pagina-vendedor/backend/internal/xid"
)

func (s *Service) ListProducts(ctx context.Context) ([]domain.ProductView, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	reserved, err := s.repo.ReservedQuantities(ctx, s.now())
	if err != nil {
		return nil, err
	}

	views := make([]domain.ProductView, 0, len(products))
	for _, p := range products {
		views = append(views, productView(p, reserved[p.ID]))
	}
	return views, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.ProductView, error) {
	p, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.ProductView{}, err
	}
	reserved, err := s.repo.ReservedQuantities(ctx, s.now())
	if err != nil {
		return domain.ProductView{}, err
	}
	return productView(*p, reserved[p.ID]), nil
}

func productView(p domain.Product, reserved int) domain.ProductView {
	available := p.CurrentStock - reserved
	if available < 0 {
		available = 0
	}
	return domain.ProductView{Product: p, ReservedStock: reserved, AvailableStock: available}
}

func (s *Service) ListMovements(ctx context.Context, productID string, limit int) ([]domain.InventoryMovement, error) {
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListMovements(ctx, store.MovementFilter{ProductID: productID, Limit: limit})
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	if err := s.check(req); err != nil {
		return domain.Product{}, err
	}
	cost, err := nonNegativeAmount("cost_price", req.CostPrice)
	if err != nil {
		return domain.Product{}, err
	}
	price, err := nonNegativeAmount("selling_price", req.SellingPrice)
	if err != nil {
		return domain.Product{}, err
	}
	if req.TargetMargin.IsNegative() {
		return domain.Product{}, invalid("target_margin must not be negative")
	}

	now := s.now()
	product := domain.Product{
		ID:           xid.New("prod"),
		SKU:          req.SKU,
		Name:         req.Name,
		CostPrice:    cost,
		SellingPrice: price,
		TargetMargin: req.TargetMargin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertProduct(ctx, product); err != nil {
			return err
		}
		if req.InitialStock == 0 {
			return nil
		}
		qty := decimal.NewFromInt(int64(req.InitialStock))
		stock, err := tx.ApplyMovement(ctx, domain.InventoryMovement{
			ID:             xid.New("mv"),
			ProductID:      product.ID,
			Type:           domain.MovementIn,
			QuantityChange: req.InitialStock,
			UnitPrice:      cost,
			TotalValue:     money.Round(cost.Mul(qty)),
			Reason:         domain.ReasonInitial,
			Notes:          "initial stock",
			CreatedAt:      now,
		})
		product.CurrentStock = stock
		return err
	})
	if err := s.finish("product_create", err); err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", product.ID, fmt.Sprintf("sku=%s,initial_stock=%d", product.SKU, req.InitialStock))
	return product, nil
}

// AdjustStock brings current_stock to a counted figure through an ADJUSTMENT
// movement. Shrinkage can be booked as an expense on a loss account.
func (s *Service) AdjustStock(ctx context.Context, req domain.AdjustmentRequest) (domain.AdjustmentResponse, error) {
	if err := s.check(req); err != nil {
		return domain.AdjustmentResponse{}, err
	}
	if req.CountedStock < 0 {
		return domain.AdjustmentResponse{}, invalid("counted_stock must not be negative")
	}

	actor := actorOrSystem(ctx)
	now := s.now()
	var resp domain.AdjustmentResponse
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		products, err := tx.LockProducts(ctx, req.ProductID)
		if err != nil {
			return err
		}
		product := products[req.ProductID]
		delta := req.CountedStock - product.CurrentStock
		if delta == 0 {
			return invalid("product %s already has %d units", product.ID, product.CurrentStock)
		}

		lossValue := money.Round(product.CostPrice.Mul(decimal.NewFromInt(int64(-delta))))
		if delta < 0 && req.LossAccountID != "" && lossValue.IsPositive() {
			accounts, err := lockAccounts(ctx, tx, req.LossAccountID)
			if err != nil {
				return err
			}
			trx := newTransaction(domain.TxExpense, lossValue, actor, now)
			trx.AccountID = req.LossAccountID
			trx.Description = "stock shrinkage " + product.SKU
			trx.Notes = req.Notes
			trx.Details = domain.AdjustmentDetail(domain.AdjustmentDetails{
				ProductID:      product.ID,
				QuantityChange: delta,
				Reason:         domain.ReasonAdjustment,
			})
			saved, err := post(ctx, tx, trx, accounts)
			if err != nil {
				return err
			}
			resp.TransactionID = saved.ID
		}

		movement := domain.InventoryMovement{
			ID:             xid.New("mv"),
			ProductID:      product.ID,
			Type:           domain.MovementAdjustment,
			QuantityChange: delta,
			UnitPrice:      product.CostPrice,
			TotalValue:     money.Round(product.CostPrice.Mul(decimal.NewFromInt(int64(absInt(delta))))),
			TransactionID:  resp.TransactionID,
			Reason:         domain.ReasonAdjustment,
			Notes:          req.Notes,
			CreatedAt:      now,
		}
		stock, err := tx.ApplyMovement(ctx, movement)
		if err != nil {
			return err
		}
		product.CurrentStock = stock
		product.UpdatedAt = now
		resp.Product = product
		resp.Movement = movement
		return nil
	})
	if err := s.finish("stock_adjustment", err); err != nil {
		return domain.AdjustmentResponse{}, err
	}

	s.logAudit(ctx, "stock_adjustment", "product", req.ProductID, fmt.Sprintf("counted=%d,delta=%d", req.CountedStock, resp.Movement.QuantityChange))
	return resp, nil
}

// ResetNegativeStock zeroes every product with negative stock. Each gets a
// NEGATIVE_RESET movement and, when the deficit has a cost, a loss expense.
func (s *Service) ResetNegativeStock(ctx context.Context, req domain.NegativeResetRequest) (domain.NegativeResetResponse, error) {
	if err := s.check(req); err != nil {
		return domain.NegativeResetResponse{}, err
	}

	actor := actorOrSystem(ctx)
	now := s.now()
	resp := domain.NegativeResetResponse{Adjusted: []domain.NegativeResetEntry{}}
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		products, err := tx.LockNegativeStockProducts(ctx)
		if err != nil {
			return err
		}
		accounts, err := lockAccounts(ctx, tx, req.LossAccountID)
		if err != nil {
			return err
		}

		for _, product := range products {
			deficit := -product.CurrentStock
			entry := domain.NegativeResetEntry{
				ProductID:     product.ID,
				PreviousStock: product.CurrentStock,
				LossAmount:    money.Round(product.CostPrice.Mul(decimal.NewFromInt(int64(deficit)))),
			}
			if entry.LossAmount.IsPositive() {
				trx := newTransaction(domain.TxExpense, entry.LossAmount, actor, now)
				trx.AccountID = req.LossAccountID
				trx.Description = "negative stock reset " + product.SKU
				trx.Notes = req.Notes
				trx.Details = domain.AdjustmentDetail(domain.AdjustmentDetails{
					ProductID:      product.ID,
					QuantityChange: deficit,
					Reason:         domain.ReasonNegativeReset,
				})
				saved, err := post(ctx, tx, trx, accounts)
				if err != nil {
					return err
				}
				entry.TransactionID = saved.ID
			}

			movement := domain.InventoryMovement{
				ID:             xid.New("mv"),
				ProductID:      product.ID,
				Type:           domain.MovementAdjustment,
				QuantityChange: deficit,
				UnitPrice:      product.CostPrice,
				TotalValue:     entry.LossAmount,
				TransactionID:  entry.TransactionID,
				Reason:         domain.ReasonNegativeReset,
				Notes:          req.Notes,
				CreatedAt:      now,
			}
			if _, err := tx.ApplyMovement(ctx, movement); err != nil {
				return err
			}
			entry.MovementID = movement.ID
			resp.Adjusted = append(resp.Adjusted, entry)
		}
		return nil
	})
	if err := s.finish("negative_reset", err); err != nil {
		return domain.NegativeResetResponse{}, err
	}

	s.logAudit(ctx, "negative_reset", "inventory", "", fmt.Sprintf("products=%d,loss_account=%s", len(resp.Adjusted), req.LossAccountID))
	return resp, nil
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
