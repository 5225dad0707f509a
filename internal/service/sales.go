package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/money"
	"pagina-vendedor/backend/internal/store"
	"pagina-vendedor/backend/internal/xid"
)

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

type saleTotals struct {
	items        []domain.SaleItem
	subtotal     decimal.Decimal
	discount     decimal.Decimal
	tax          decimal.Decimal
	shipping     decimal.Decimal
	total        decimal.Decimal
	providerCost decimal.Decimal
}

func priceSale(req domain.SaleRequest) (saleTotals, error) {
	var totals saleTotals
	var err error
	if totals.discount, err = nonNegativeAmount("discount", req.Discount); err != nil {
		return saleTotals{}, err
	}
	if totals.tax, err = nonNegativeAmount("tax", req.Tax); err != nil {
		return saleTotals{}, err
	}
	if totals.shipping, err = nonNegativeAmount("shipping_cost", req.ShippingCost); err != nil {
		return saleTotals{}, err
	}

	totals.subtotal = decimal.Zero
	totals.providerCost = decimal.Zero
	for i, line := range req.Items {
		if line.Quantity <= 0 {
			return saleTotals{}, invalid("items[%d].quantity must be greater than zero", i)
		}
		price, err := nonNegativeAmount(fmt.Sprintf("items[%d].unit_price", i), line.UnitPrice)
		if err != nil {
			return saleTotals{}, err
		}
		discount, err := nonNegativeAmount(fmt.Sprintf("items[%d].discount", i), line.Discount)
		if err != nil {
			return saleTotals{}, err
		}
		providerCost, err := nonNegativeAmount(fmt.Sprintf("items[%d].provider_cost", i), line.ProviderCost)
		if err != nil {
			return saleTotals{}, err
		}

		qty := decimal.NewFromInt(int64(line.Quantity))
		lineSubtotal := money.Round(price.Mul(qty).Sub(discount))
		if lineSubtotal.IsNegative() {
			return saleTotals{}, invalid("items[%d] discount exceeds the line amount", i)
		}
		totals.items = append(totals.items, domain.SaleItem{
			ID:           xid.New("si"),
			ProductID:    line.ProductID,
			Quantity:     line.Quantity,
			UnitPrice:    price,
			Discount:     discount,
			ProviderCost: providerCost,
			Subtotal:     lineSubtotal,
		})
		totals.subtotal = totals.subtotal.Add(lineSubtotal)
		totals.providerCost = totals.providerCost.Add(providerCost.Mul(qty))
	}

	totals.total = money.Round(totals.subtotal.Sub(totals.discount).Add(totals.tax))
	if !totals.total.IsPositive() {
		return saleTotals{}, invalid("sale total must be greater than zero")
	}
	totals.providerCost = money.Round(totals.providerCost)
	return totals, nil
}

// payloadHash fingerprints the parts of a sale request that decide its
// effect, so a retried submission can be told apart from a conflicting one.
func payloadHash(req domain.SaleRequest) string {
	type line struct {
		ProductID    string `json:"p"`
		Quantity     int    `json:"q"`
		UnitPrice    string `json:"u"`
		Discount     string `json:"d"`
		ProviderCost string `json:"c"`
	}
	normalized := struct {
		SaleNumber   string   `json:"n"`
		AccountID    string   `json:"a"`
		ShippingAcc  string   `json:"sa"`
		Discount     string   `json:"d"`
		Tax          string   `json:"t"`
		Shipping     string   `json:"s"`
		Lines        []line   `json:"l"`
		Reservations []string `json:"r"`
	}{
		SaleNumber:  req.SaleNumber,
		AccountID:   req.AccountID,
		ShippingAcc: req.ShippingAccountID,
		Discount:    req.Discount.StringFixed(money.Places),
		Tax:         req.Tax.StringFixed(money.Places),
		Shipping:    req.ShippingCost.StringFixed(money.Places),
	}
	for _, item := range req.Items {
		normalized.Lines = append(normalized.Lines, line{
			ProductID:    item.ProductID,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice.StringFixed(money.Places),
			Discount:     item.Discount.StringFixed(money.Places),
			ProviderCost: item.ProviderCost.StringFixed(money.Places),
		})
	}
	normalized.Reservations = append(normalized.Reservations, req.ReservationIDs...)
	sort.Strings(normalized.Reservations)

	raw, _ := json.Marshal(normalized)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// CreateSale confirms a sale as one unit: the sale and its items, one OUT
// movement per stocked line, the income posting and any shipping or provider
// cost expenses. A repeated sale number with the same payload returns the
// stored sale; with a different payload it is rejected.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	req.SaleNumber = strings.TrimSpace(req.SaleNumber)
	if err := s.check(req); err != nil {
		return domain.SaleResponse{}, err
	}
	totals, err := priceSale(req)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	hash := payloadHash(req)

	settings, err := s.inventorySettings(ctx)
	if err != nil {
		return domain.SaleResponse{}, s.finish("sale", err)
	}

	actor := actorOrSystem(ctx)
	now := s.now()
	var resp domain.SaleResponse
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		existing, err := tx.LockSaleByNumber(ctx, req.SaleNumber)
		switch {
		case err == nil:
			if existing.PayloadHash != hash {
				return fmt.Errorf("sale number %s was used with a different payload: %w", req.SaleNumber, store.ErrDuplicateSale)
			}
			accounts, err := tx.LockAccounts(ctx, existing.AccountID)
			if err != nil {
				return err
			}
			resp = domain.SaleResponse{Sale: *existing, AccountBalance: accounts[existing.AccountID].Balance, Duplicate: true}
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		held, err := s.lockSaleReservations(ctx, tx, req.ReservationIDs, now)
		if err != nil {
			return err
		}

		productIDs := make([]string, 0, len(totals.items))
		for _, item := range totals.items {
			productIDs = append(productIDs, item.ProductID)
		}
		products, err := tx.LockProducts(ctx, productIDs...)
		if err != nil {
			return err
		}

		shippingAccountID := req.ShippingAccountID
		if shippingAccountID == "" {
			shippingAccountID = req.AccountID
		}
		accounts, err := lockAccounts(ctx, tx, req.AccountID, shippingAccountID)
		if err != nil {
			return err
		}
		if accounts[req.AccountID].IsNominal {
			return invalid("account %s is nominal and cannot receive payments", req.AccountID)
		}

		sale := domain.Sale{
			ID:                xid.New("sale"),
			SaleNumber:        req.SaleNumber,
			Customer:          req.Customer,
			Subtotal:          totals.subtotal,
			Tax:               totals.tax,
			Discount:          totals.discount,
			ShippingCost:      totals.shipping,
			Total:             totals.total,
			PaymentStatus:     domain.PaymentPaid,
			PaymentMethod:     strings.TrimSpace(req.PaymentMethod),
			AccountID:         req.AccountID,
			ShippingAccountID: req.ShippingAccountID,
			TransactionID:     xid.New("trx"),
			GroupID:           xid.New("grp"),
			PayloadHash:       hash,
			Notes:             req.Notes,
			CreatedBy:         actor.Username,
			CreatedAt:         now,
		}
		demand := make(map[string]int, len(totals.items))
		lines := make([]domain.DetailLine, 0, len(totals.items))
		for _, item := range totals.items {
			item.SaleID = sale.ID
			if item.Dropship() {
				item.UnitCost = item.ProviderCost
			} else {
				item.UnitCost = products[item.ProductID].CostPrice
				demand[item.ProductID] += item.Quantity
			}
			sale.Items = append(sale.Items, item)
			lines = append(lines, domain.DetailLine{ProductID: item.ProductID, Quantity: item.Quantity, UnitPrice: item.UnitPrice})
		}

		if err := consumeReservations(ctx, tx, held, demand, sale.ID, now); err != nil {
			return err
		}
		if !settings.AllowNegativeStock {
			for _, productID := range sortedKeys(demand) {
				// Holds consumed above no longer count, so this is the free stock
				// plus whatever this sale had reserved.
				othersReserved, err := tx.ReservedQuantity(ctx, productID, now)
				if err != nil {
					return err
				}
				available := products[productID].CurrentStock - othersReserved
				if available < demand[productID] {
					return &store.StockError{ProductID: productID, Requested: demand[productID], Available: available}
				}
			}
		}

		if err := tx.InsertSale(ctx, sale); err != nil {
			return err
		}

		income := newTransaction(domain.TxIncome, sale.Total, actor, now)
		income.ID = sale.TransactionID
		income.AccountID = sale.AccountID
		income.GroupID = sale.GroupID
		income.SaleID = sale.ID
		income.ReferenceNumber = sale.SaleNumber
		income.Description = "sale " + sale.SaleNumber
		income.Details = domain.SaleDetail(domain.SaleDetails{
			SaleID:        sale.ID,
			SaleNumber:    sale.SaleNumber,
			PaymentMethod: sale.PaymentMethod,
			Leg:           domain.LegIncome,
			Lines:         lines,
		})
		if _, err := post(ctx, tx, income, accounts); err != nil {
			return err
		}

		for _, item := range sale.Items {
			if item.Dropship() {
				continue
			}
			if _, err := tx.ApplyMovement(ctx, domain.InventoryMovement{
				ID:             xid.New("mv"),
				ProductID:      item.ProductID,
				Type:           domain.MovementOut,
				QuantityChange: -item.Quantity,
				UnitPrice:      item.UnitCost,
				TotalValue:     money.Round(item.UnitCost.Mul(decimal.NewFromInt(int64(item.Quantity)))),
				TransactionID:  income.ID,
				SaleID:         sale.ID,
				Reason:         domain.ReasonSale,
				CreatedAt:      now,
			}); err != nil {
				return err
			}
		}

		legs := []struct {
			leg       string
			amount    decimal.Decimal
			accountID string
		}{
			{domain.LegShipping, totals.shipping, shippingAccountID},
			{domain.LegProviderCost, totals.providerCost, sale.AccountID},
		}
		for _, leg := range legs {
			if !leg.amount.IsPositive() {
				continue
			}
			expense := newTransaction(domain.TxExpense, leg.amount, actor, now)
			expense.AccountID = leg.accountID
			expense.GroupID = sale.GroupID
			expense.SaleID = sale.ID
			expense.ReferenceNumber = sale.SaleNumber
			expense.Description = leg.leg + " for sale " + sale.SaleNumber
			expense.Details = domain.SaleDetail(domain.SaleDetails{
				SaleID:     sale.ID,
				SaleNumber: sale.SaleNumber,
				Leg:        leg.leg,
			})
			if _, err := post(ctx, tx, expense, accounts); err != nil {
				return err
			}
		}

		resp = domain.SaleResponse{Sale: sale, AccountBalance: accounts[sale.AccountID].Balance}
		return nil
	})

	// Two submissions of the same number can both miss the lookup. The loser
	// either hits the unique constraint or, when the winner took the last
	// units, fails the stock check; both are answered from the winner's sale.
	if errors.Is(err, store.ErrDuplicateSale) || errors.Is(err, store.ErrInsufficientStock) {
		if replay, ok := s.replaySale(ctx, req.SaleNumber, hash); ok {
			err = nil
			resp = replay
		}
	}
	if err := s.finish("sale", err); err != nil {
		return domain.SaleResponse{}, err
	}

	if !resp.Duplicate {
		s.logAudit(ctx, "sale_create", "sale", resp.Sale.ID, fmt.Sprintf("number=%s,total=%s,items=%d", resp.Sale.SaleNumber, resp.Sale.Total.StringFixed(2), len(resp.Sale.Items)))
	}
	return resp, nil
}

// replaySale returns the stored sale for number when it was created from the
// same payload.
func (s *Service) replaySale(ctx context.Context, number string, hash string) (domain.SaleResponse, bool) {
	existing, err := s.repo.GetSaleByNumber(ctx, number)
	if err != nil || existing.PayloadHash != hash {
		return domain.SaleResponse{}, false
	}
	acc, err := s.repo.GetAccount(ctx, existing.AccountID)
	if err != nil {
		return domain.SaleResponse{}, false
	}
	return domain.SaleResponse{Sale: *existing, AccountBalance: acc.Balance, Duplicate: true}, true
}

// lockSaleReservations locks the reservations a sale wants to consume and
// checks each one still holds stock.
func (s *Service) lockSaleReservations(ctx context.Context, tx store.Tx, ids []string, now time.Time) (map[string][]domain.Reservation, error) {
	held := make(map[string][]domain.Reservation)
	if len(ids) == 0 {
		return held, nil
	}
	unique := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	sort.Strings(unique)

	reservations, err := tx.LockReservations(ctx, unique...)
	if err != nil {
		return nil, err
	}
	for _, id := range unique {
		r := reservations[id]
		switch {
		case r.Status == domain.ReservationExpired,
			r.Status == domain.ReservationActive && !r.Holding(now):
			return nil, fmt.Errorf("reservation %s lapsed at %s: %w", id, r.ExpiresAt.Format(time.RFC3339), store.ErrReservationExpired)
		case r.Status != domain.ReservationActive:
			return nil, fmt.Errorf("%w: reservation %s is %s", store.ErrInvalidState, id, r.Status)
		}
		held[r.ProductID] = append(held[r.ProductID], r)
	}
	return held, nil
}

// consumeReservations marks every held reservation CONSUMED by the sale. Each
// product's holds must be covered by the stocked quantity the sale takes.
func consumeReservations(ctx context.Context, tx store.Tx, held map[string][]domain.Reservation, demand map[string]int, saleID string, now time.Time) error {
	for _, productID := range sortedKeys(held) {
		reserved := 0
		for _, r := range held[productID] {
			reserved += r.Quantity
		}
		if reserved > demand[productID] {
			return fmt.Errorf("reservations for %s hold %d units but the sale takes %d: %w", productID, reserved, demand[productID], store.ErrInsufficientReservation)
		}
		for _, r := range held[productID] {
			if err := tx.UpdateReservation(ctx, r.ID, domain.ReservationConsumed, saleID, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ReverseSale compensates every posting and stock movement of a sale and
// marks it CANCELLED. Returns already refunded are compensated as well, so the
// net effect on stock and balances is exactly zero.
func (s *Service) ReverseSale(ctx context.Context, saleID string, req domain.ReverseRequest) (domain.ReverseResponse, error) {
	if err := s.check(req); err != nil {
		return domain.ReverseResponse{}, err
	}

	actor := actorOrSystem(ctx)
	now := s.now()
	reason := strings.TrimSpace(req.Reason)
	var resp domain.ReverseResponse
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		sale, err := tx.LockSale(ctx, saleID)
		if err != nil {
			return err
		}
		switch sale.PaymentStatus {
		case domain.PaymentCancelled:
			return fmt.Errorf("sale %s: %w", sale.SaleNumber, store.ErrAlreadyReversed)
		case domain.PaymentPaid:
		default:
			return fmt.Errorf("%w: sale %s is %s", store.ErrInvalidState, sale.SaleNumber, sale.PaymentStatus)
		}

		group, err := tx.LockTransactionGroup(ctx, sale.GroupID)
		if err != nil {
			return err
		}
		movements, err := tx.MovementsForSale(ctx, sale.ID)
		if err != nil {
			return err
		}
		if _, err := tx.LockProducts(ctx, productIDsOf(movements)...); err != nil {
			return err
		}
		accounts, err := lockAccounts(ctx, tx, accountIDsOf(group)...)
		if err != nil {
			return err
		}

		resp, err = compensateGroup(ctx, tx, group, movements, accounts, reason, actor, now)
		if err != nil {
			return err
		}
		resp.TransactionID = sale.TransactionID
		resp.SaleID = sale.ID
		return tx.UpdateSaleStatus(ctx, sale.ID, domain.PaymentCancelled, &now)
	})
	if err := s.finish("sale_reverse", err); err != nil {
		return domain.ReverseResponse{}, err
	}

	s.logAudit(ctx, "sale_reverse", "sale", saleID, fmt.Sprintf("compensations=%d,movements=%d,reason=%s", len(resp.CompensatingTransactionIDs), len(resp.MovementIDs), reason))
	return resp, nil
}

// ReverseTransaction undoes a posting. Sale postings reverse the whole sale;
// any other posting reverses its group together with the stock movements
// linked to it.
func (s *Service) ReverseTransaction(ctx context.Context, id string, req domain.ReverseRequest) (domain.ReverseResponse, error) {
	if err := s.check(req); err != nil {
		return domain.ReverseResponse{}, err
	}
	trx, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return domain.ReverseResponse{}, err
	}
	if trx.SaleID != "" && trx.ReversalOf == "" {
		resp, err := s.ReverseSale(ctx, trx.SaleID, req)
		if err != nil {
			return domain.ReverseResponse{}, err
		}
		resp.TransactionID = id
		return resp, nil
	}

	settings, err := s.inventorySettings(ctx)
	if err != nil {
		return domain.ReverseResponse{}, s.finish("transaction_reverse", err)
	}

	actor := actorOrSystem(ctx)
	now := s.now()
	reason := strings.TrimSpace(req.Reason)
	var resp domain.ReverseResponse
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		original, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		if original.ReversalOf != "" {
			return fmt.Errorf("%w: transaction %s is itself a reversal", store.ErrInvalidState, original.ID)
		}
		if original.IsReversed {
			return fmt.Errorf("transaction %s: %w", original.ID, store.ErrAlreadyReversed)
		}

		group := []domain.Transaction{*original}
		if original.GroupID != "" {
			if group, err = tx.LockTransactionGroup(ctx, original.GroupID); err != nil {
				return err
			}
		}
		var movements []domain.InventoryMovement
		for _, member := range group {
			if member.ReversalOf != "" || member.IsReversed {
				continue
			}
			linked, err := tx.MovementsForTransaction(ctx, member.ID)
			if err != nil {
				return err
			}
			movements = append(movements, linked...)
		}

		products, err := tx.LockProducts(ctx, productIDsOf(movements)...)
		if err != nil {
			return err
		}
		if !settings.AllowNegativeStock {
			net := make(map[string]int, len(products))
			for _, m := range movements {
				net[m.ProductID] -= m.QuantityChange
			}
			for _, productID := range sortedKeys(net) {
				stock := products[productID].CurrentStock
				if stock+net[productID] < 0 {
					return &store.StockError{ProductID: productID, Requested: -net[productID], Available: stock}
				}
			}
		}
		accounts, err := lockAccounts(ctx, tx, accountIDsOf(group)...)
		if err != nil {
			return err
		}

		resp, err = compensateGroup(ctx, tx, group, movements, accounts, reason, actor, now)
		resp.TransactionID = original.ID
		return err
	})
	if err := s.finish("transaction_reverse", err); err != nil {
		return domain.ReverseResponse{}, err
	}

	s.logAudit(ctx, "transaction_reverse", "transaction", id, fmt.Sprintf("compensations=%d,movements=%d,reason=%s", len(resp.CompensatingTransactionIDs), len(resp.MovementIDs), reason))
	return resp, nil
}

func compensateGroup(ctx context.Context, tx store.Tx, group []domain.Transaction, movements []domain.InventoryMovement, accounts map[string]domain.Account, reason string, actor domain.Actor, at time.Time) (domain.ReverseResponse, error) {
	resp := domain.ReverseResponse{
		CompensatingTransactionIDs: []string{},
		MovementIDs:                []string{},
		ReversedAt:                 at,
	}
	mirrors := make(map[string]string, len(group))
	for _, original := range group {
		if original.ReversalOf != "" || original.IsReversed {
			continue
		}
		mirror, err := compensate(ctx, tx, original, accounts, reason, actor, at)
		if err != nil {
			return resp, err
		}
		mirrors[original.ID] = mirror.ID
		resp.CompensatingTransactionIDs = append(resp.CompensatingTransactionIDs, mirror.ID)
	}

	created, err := compensateMovements(ctx, tx, movements, mirrors, at)
	if err != nil {
		return resp, err
	}
	for _, m := range created {
		resp.MovementIDs = append(resp.MovementIDs, m.ID)
	}
	return resp, nil
}

// ReturnSaleItems takes back part of a PAID sale: a refund expense for the
// share of the charged total those units carried and an IN movement for each
// stocked line.
func (s *Service) ReturnSaleItems(ctx context.Context, saleID string, req domain.ReturnRequest) (domain.ReturnResponse, error) {
	if err := s.check(req); err != nil {
		return domain.ReturnResponse{}, err
	}

	actor := actorOrSystem(ctx)
	now := s.now()
	var resp domain.ReturnResponse
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		sale, err := tx.LockSale(ctx, saleID)
		if err != nil {
			return err
		}
		if sale.PaymentStatus != domain.PaymentPaid {
			return fmt.Errorf("%w: sale %s is %s, only PAID sales accept returns", store.ErrInvalidState, sale.SaleNumber, sale.PaymentStatus)
		}

		requested := make(map[string]int, len(req.Items))
		for _, line := range req.Items {
			requested[line.SaleItemID] += line.Quantity
		}

		items := make(map[string]domain.SaleItem, len(sale.Items))
		for _, item := range sale.Items {
			items[item.ID] = item
		}
		before := make(map[string]int, len(sale.Items))
		after := make(map[string]int, len(sale.Items))
		for _, item := range sale.Items {
			before[item.ID] = item.ReturnedQuantity
			after[item.ID] = item.ReturnedQuantity + requested[item.ID]
		}
		var productIDs []string
		var lines []domain.DetailLine
		for _, itemID := range sortedKeys(requested) {
			item, ok := items[itemID]
			if !ok {
				return fmt.Errorf("sale item %s on sale %s: %w", itemID, sale.SaleNumber, store.ErrNotFound)
			}
			qty := requested[itemID]
			if remaining := item.Quantity - item.ReturnedQuantity; qty > remaining {
				return invalid("sale item %s has %d returnable units, %d requested", itemID, remaining, qty)
			}
			lines = append(lines, domain.DetailLine{ProductID: item.ProductID, Quantity: qty, UnitPrice: item.UnitPrice})
			if !item.Dropship() {
				productIDs = append(productIDs, item.ProductID)
			}
		}

		amount := chargedShare(*sale, after).Sub(chargedShare(*sale, before))

		if _, err := tx.LockProducts(ctx, productIDs...); err != nil {
			return err
		}
		accountID := req.AccountID
		if accountID == "" {
			accountID = sale.AccountID
		}
		accounts, err := lockAccounts(ctx, tx, accountID)
		if err != nil {
			return err
		}

		resp = domain.ReturnResponse{SaleID: sale.ID, Amount: amount, Items: []domain.SaleItem{}}
		if amount.IsPositive() {
			refund := newTransaction(domain.TxExpense, amount, actor, now)
			refund.AccountID = accountID
			refund.GroupID = sale.GroupID
			refund.SaleID = sale.ID
			refund.ReferenceNumber = sale.SaleNumber
			refund.Description = "refund for sale " + sale.SaleNumber
			refund.Notes = req.Reason
			refund.Details = domain.RefundDetail(domain.RefundDetails{
				SaleID:     sale.ID,
				SaleNumber: sale.SaleNumber,
				Reason:     req.Reason,
				Lines:      lines,
			})
			saved, err := post(ctx, tx, refund, accounts)
			if err != nil {
				return err
			}
			resp.RefundTransactionID = saved.ID
		}

		for _, itemID := range sortedKeys(requested) {
			item := items[itemID]
			qty := requested[itemID]
			if !item.Dropship() {
				if _, err := tx.ApplyMovement(ctx, domain.InventoryMovement{
					ID:             xid.New("mv"),
					ProductID:      item.ProductID,
					Type:           domain.MovementIn,
					QuantityChange: qty,
					UnitPrice:      item.UnitCost,
					TotalValue:     money.Round(item.UnitCost.Mul(decimal.NewFromInt(int64(qty)))),
					TransactionID:  resp.RefundTransactionID,
					SaleID:         sale.ID,
					Reason:         domain.ReasonReturn,
					Notes:          req.Reason,
					CreatedAt:      now,
				}); err != nil {
					return err
				}
			}
			if err := tx.AddReturnedQuantity(ctx, itemID, qty); err != nil {
				return err
			}
			item.ReturnedQuantity += qty
			resp.Items = append(resp.Items, item)
		}
		return nil
	})
	if err := s.finish("sale_return", err); err != nil {
		return domain.ReturnResponse{}, err
	}

	s.logAudit(ctx, "sale_return", "sale", saleID, fmt.Sprintf("items=%d,amount=%s", len(resp.Items), resp.Amount.StringFixed(2)))
	return resp, nil
}

// chargedShare is the part of the sale total carried by the returned
// quantities, weighted by line subtotal so sale-level discount and tax are
// spread over every unit. Refunds are the difference between two shares, so
// returning every unit refunds exactly the total.
func chargedShare(sale domain.Sale, returned map[string]int) decimal.Decimal {
	everything := true
	value := decimal.Zero
	units, sold := 0, 0
	for _, item := range sale.Items {
		qty := returned[item.ID]
		if qty < item.Quantity {
			everything = false
		}
		value = value.Add(money.Prorate(item.Subtotal, qty, item.Quantity))
		units += qty
		sold += item.Quantity
	}
	switch {
	case everything:
		return sale.Total
	case sale.Subtotal.IsPositive():
		return money.Round(sale.Total.Mul(value).Div(sale.Subtotal))
	default:
		return money.Prorate(sale.Total, units, sold)
	}
}
