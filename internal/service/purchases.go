package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/money"
	"pagina-vendedor/backend/internal/store"
	"pagina-vendedor/backend/internal/xid"
)

// RecordPurchase books a restock: stock comes in through PURCHASE movements,
// each product's cost moves to the weighted average, and any cost change raises
// a price proposal instead of touching the selling price. Without an account
// the entry is free and posts nothing to the ledger.
func (s *Service) RecordPurchase(ctx context.Context, req domain.PurchaseRequest) (domain.PurchaseResponse, error) {
	if err := s.check(req); err != nil {
		return domain.PurchaseResponse{}, err
	}
	taxPercent, err := nonNegativeAmount("tax_percent", req.TaxPercent)
	if err != nil {
		return domain.PurchaseResponse{}, err
	}
	if req.MarginPercent.IsNegative() {
		return domain.PurchaseResponse{}, invalid("margin_percent must not be negative")
	}

	type purchaseLine struct {
		productID string
		qty       int
		unitCost  decimal.Decimal
	}
	lines := make([]purchaseLine, 0, len(req.Items))
	total := decimal.Zero
	productIDs := make([]string, 0, len(req.Items))
	for i, item := range req.Items {
		if item.Quantity <= 0 {
			return domain.PurchaseResponse{}, invalid("items[%d].quantity must be greater than zero", i)
		}
		if item.UnitCost.IsNegative() {
			return domain.PurchaseResponse{}, invalid("items[%d].unit_cost must not be negative", i)
		}
		unitCost := money.CostWithTax(item.UnitCost, taxPercent)
		lines = append(lines, purchaseLine{productID: item.ProductID, qty: item.Quantity, unitCost: unitCost})
		total = total.Add(unitCost.Mul(decimal.NewFromInt(int64(item.Quantity))))
		productIDs = append(productIDs, item.ProductID)
	}
	total = money.Round(total)

	actor := actorOrSystem(ctx)
	now := s.now()
	resp := domain.PurchaseResponse{Total: total, Lines: []domain.PurchaseLine{}, Proposals: []domain.PriceProposal{}}
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		products, err := tx.LockProducts(ctx, productIDs...)
		if err != nil {
			return err
		}
		accounts, err := lockAccounts(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}

		if req.AccountID != "" && total.IsPositive() {
			detailLines := make([]domain.DetailLine, 0, len(lines))
			for _, line := range lines {
				detailLines = append(detailLines, domain.DetailLine{ProductID: line.productID, Quantity: line.qty, UnitPrice: line.unitCost})
			}
			trx := newTransaction(domain.TxExpense, total, actor, now)
			trx.AccountID = req.AccountID
			trx.GroupID = xid.New("grp")
			trx.ReferenceNumber = strings.TrimSpace(req.ReferenceNumber)
			trx.Description = "purchase"
			if name := strings.TrimSpace(req.ProviderName); name != "" {
				trx.Description = "purchase from " + name
			}
			trx.Notes = req.Notes
			trx.Details = domain.PurchaseDetail(domain.PurchaseDetails{
				ProviderName:  strings.TrimSpace(req.ProviderName),
				TaxPercent:    taxPercent,
				MarginPercent: req.MarginPercent,
				Lines:         detailLines,
			})
			saved, err := post(ctx, tx, trx, accounts)
			if err != nil {
				return err
			}
			resp.TransactionID = saved.ID
		}

		for _, line := range lines {
			product := products[line.productID]
			newCost := money.WeightedAverageCost(product.CostPrice, product.CurrentStock, line.unitCost, line.qty)

			movement := domain.InventoryMovement{
				ID:             xid.New("mv"),
				ProductID:      product.ID,
				Type:           domain.MovementIn,
				QuantityChange: line.qty,
				UnitPrice:      line.unitCost,
				TotalValue:     money.Round(line.unitCost.Mul(decimal.NewFromInt(int64(line.qty)))),
				TransactionID:  resp.TransactionID,
				Reason:         domain.ReasonPurchase,
				Notes:          req.Notes,
				CreatedAt:      now,
			}
			stock, err := tx.ApplyMovement(ctx, movement)
			if err != nil {
				return err
			}
			resp.Lines = append(resp.Lines, domain.PurchaseLine{
				ProductID:    product.ID,
				Quantity:     line.qty,
				UnitCost:     line.unitCost,
				PreviousCost: product.CostPrice,
				NewCost:      newCost,
				NewStock:     stock,
				MovementID:   movement.ID,
			})

			if !newCost.Equal(product.CostPrice) {
				proposal, err := s.proposePrice(ctx, tx, product, newCost, req.MarginPercent, resp.TransactionID, actor, now)
				if err != nil {
					return err
				}
				resp.Proposals = append(resp.Proposals, proposal)
				product.CostPrice = newCost
			}
			// Later lines for the same product blend against the updated figures.
			product.CurrentStock = stock
			products[product.ID] = product
		}
		return nil
	})
	if err := s.finish("purchase", err); err != nil {
		return domain.PurchaseResponse{}, err
	}

	s.logAudit(ctx, "purchase", "purchase", resp.TransactionID, fmt.Sprintf("lines=%d,total=%s,proposals=%d", len(resp.Lines), total.StringFixed(2), len(resp.Proposals)))
	return resp, nil
}

// proposePrice stores the new cost and stages a selling price for approval.
// Older pending proposals for the product are superseded.
func (s *Service) proposePrice(ctx context.Context, tx store.Tx, product domain.Product, newCost decimal.Decimal, margin decimal.Decimal, transactionID string, actor domain.Actor, at time.Time) (domain.PriceProposal, error) {
	if err := tx.UpdateProductPricing(ctx, product.ID, newCost, product.SellingPrice); err != nil {
		return domain.PriceProposal{}, err
	}

	pending, err := tx.PendingProposalsForProduct(ctx, product.ID)
	if err != nil {
		return domain.PriceProposal{}, err
	}
	for _, old := range pending {
		if err := tx.DecidePriceProposal(ctx, old.ID, domain.ProposalRejected, actor.Username, "superseded", at); err != nil {
			return domain.PriceProposal{}, err
		}
	}

	if !margin.IsPositive() {
		margin = product.TargetMargin
	}
	proposal := domain.PriceProposal{
		ID:            xid.New("pp"),
		ProductID:     product.ID,
		CurrentCost:   product.CostPrice,
		ProposedCost:  newCost,
		CurrentPrice:  product.SellingPrice,
		ProposedPrice: money.WithPercent(newCost, margin),
		Status:        domain.ProposalPending,
		TransactionID: transactionID,
		CreatedAt:     at,
	}
	if err := tx.InsertPriceProposal(ctx, proposal); err != nil {
		return domain.PriceProposal{}, err
	}
	return proposal, nil
}

func (s *Service) ListPriceProposals(ctx context.Context, status string, limit int) ([]domain.PriceProposal, error) {
	st := domain.ProposalStatus(strings.ToLower(strings.TrimSpace(status)))
	switch st {
	case "", domain.ProposalPending, domain.ProposalApproved, domain.ProposalRejected:
	default:
		return nil, invalid("unknown proposal status %q", status)
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListPriceProposals(ctx, st, limit)
}

func (s *Service) ApprovePriceProposal(ctx context.Context, id string, req domain.ProposalDecisionRequest) (domain.PriceProposal, error) {
	return s.decideProposal(ctx, id, domain.ProposalApproved, req)
}

func (s *Service) RejectPriceProposal(ctx context.Context, id string, req domain.ProposalDecisionRequest) (domain.PriceProposal, error) {
	return s.decideProposal(ctx, id, domain.ProposalRejected, req)
}

func (s *Service) decideProposal(ctx context.Context, id string, status domain.ProposalStatus, req domain.ProposalDecisionRequest) (domain.PriceProposal, error) {
	if err := s.check(req); err != nil {
		return domain.PriceProposal{}, err
	}

	// The product is locked before the proposal, the same order a purchase
	// takes them in.
	snapshot, err := s.repo.GetPriceProposal(ctx, id)
	if err != nil {
		return domain.PriceProposal{}, err
	}

	actor := actorOrSystem(ctx)
	now := s.now()
	var decided domain.PriceProposal
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		products, err := tx.LockProducts(ctx, snapshot.ProductID)
		if err != nil {
			return err
		}
		proposal, err := tx.LockPriceProposal(ctx, id)
		if err != nil {
			return err
		}
		if proposal.Status != domain.ProposalPending {
			return fmt.Errorf("%w: price proposal %s is already %s", store.ErrInvalidState, id, proposal.Status)
		}

		if status == domain.ProposalApproved {
			product := products[proposal.ProductID]
			if err := tx.UpdateProductPricing(ctx, product.ID, product.CostPrice, proposal.ProposedPrice); err != nil {
				return err
			}
		}
		if err := tx.DecidePriceProposal(ctx, id, status, actor.Username, req.Note, now); err != nil {
			return err
		}

		decided = *proposal
		decided.Status = status
		decided.DecidedBy = actor.Username
		decided.DecidedAt = &now
		decided.Note = req.Note
		return nil
	})
	if err := s.finish("price_proposal_"+string(status), err); err != nil {
		return domain.PriceProposal{}, err
	}

	s.logAudit(ctx, "price_proposal_"+string(status), "price_proposal", id, fmt.Sprintf("product=%s,price=%s", decided.ProductID, decided.ProposedPrice.StringFixed(2)))
	return decided, nil
}
