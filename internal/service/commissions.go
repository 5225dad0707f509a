package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/store"
	"pagina-vendedor/backend/internal/xid"
)

type commissionLeg struct {
	name      string
	txType    domain.TransactionType
	amount    decimal.Decimal
	accountID string
}

// RecordCommission posts a commission income and its optional cost and
// shipping expenses as a saga. Each leg commits on its own; when one fails the
// legs already committed are compensated, newest first, and the failure is
// returned.
func (s *Service) RecordCommission(ctx context.Context, req domain.CommissionRequest) (domain.CommissionResponse, error) {
	if err := s.check(req); err != nil {
		return domain.CommissionResponse{}, err
	}
	amount, err := positiveAmount("amount", req.Amount)
	if err != nil {
		return domain.CommissionResponse{}, err
	}
	costAmount, err := nonNegativeAmount("cost_amount", req.CostAmount)
	if err != nil {
		return domain.CommissionResponse{}, err
	}
	shippingAmount, err := nonNegativeAmount("shipping_amount", req.ShippingAmount)
	if err != nil {
		return domain.CommissionResponse{}, err
	}

	legs := []commissionLeg{{name: domain.LegIncome, txType: domain.TxIncome, amount: amount, accountID: req.AccountID}}
	if costAmount.IsPositive() {
		legs = append(legs, commissionLeg{name: domain.LegCost, txType: domain.TxExpense, amount: costAmount, accountID: firstNonEmpty(req.CostAccountID, req.AccountID)})
	}
	if shippingAmount.IsPositive() {
		legs = append(legs, commissionLeg{name: domain.LegShipping, txType: domain.TxExpense, amount: shippingAmount, accountID: firstNonEmpty(req.ShippingAccountID, req.AccountID)})
	}

	actor := actorOrSystem(ctx)
	now := s.now()
	resp := domain.CommissionResponse{
		GroupID:         xid.New("grp"),
		ReferenceNumber: fmt.Sprintf("COMM-%d", now.UnixNano()),
		Transactions:    make([]domain.Transaction, 0, len(legs)),
	}
	log := s.log.WithFields(logrus.Fields{"action": "commission", "reference": resp.ReferenceNumber})

	for _, leg := range legs {
		var saved *domain.Transaction
		legErr := s.repo.WithinTx(ctx, func(tx store.Tx) error {
			accounts, err := lockAccounts(ctx, tx, leg.accountID)
			if err != nil {
				return err
			}
			trx := newTransaction(leg.txType, leg.amount, actor, now)
			trx.AccountID = leg.accountID
			trx.GroupID = resp.GroupID
			trx.ReferenceNumber = resp.ReferenceNumber
			trx.Description = strings.TrimSpace(req.Description)
			if trx.Description == "" {
				trx.Description = "commission " + leg.name
			}
			trx.Details = domain.CommissionDetail(leg.name)
			saved, err = post(ctx, tx, trx, accounts)
			return err
		})
		if legErr != nil {
			log.WithField("leg", leg.name).WithError(legErr).Warn("commission leg failed, compensating")
			s.unwindCommission(ctx, resp.Transactions, legErr)
			return domain.CommissionResponse{}, s.finish("commission", legErr)
		}
		resp.Transactions = append(resp.Transactions, *saved)
	}
	s.finish("commission", nil)

	s.logAudit(ctx, "commission", "transaction", resp.GroupID, fmt.Sprintf("reference=%s,legs=%d,amount=%s", resp.ReferenceNumber, len(resp.Transactions), amount.StringFixed(2)))
	return resp, nil
}

// unwindCommission compensates committed legs newest first. A leg that cannot
// be compensated leaves the ledger inconsistent and is logged as an integrity
// failure.
func (s *Service) unwindCommission(ctx context.Context, posted []domain.Transaction, cause error) {
	actor := actorOrSystem(ctx)
	reason := fmt.Sprintf("commission saga aborted: %v", cause)
	for i := len(posted) - 1; i >= 0; i-- {
		leg := posted[i]
		err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
			original, err := tx.LockTransaction(ctx, leg.ID)
			if err != nil {
				return err
			}
			accounts, err := lockAccounts(ctx, tx, original.AccountIDs()...)
			if err != nil {
				return err
			}
			_, err = compensate(ctx, tx, *original, accounts, reason, actor, s.now())
			return err
		})
		if err != nil {
			s.finish("commission_compensate", fmt.Errorf("%w: leg %s could not be compensated: %v", store.ErrIntegrity, leg.ID, err))
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
