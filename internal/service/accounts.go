package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/store"
	"pagina-vendedor/backend/internal/xid"
)

func (s *Service) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	return s.repo.ListAccounts(ctx)
}

func (s *Service) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	acc, err := s.repo.GetAccount(ctx, id)
	if err != nil {
		return domain.Account{}, err
	}
	return *acc, nil
}

// CreateAccount opens an account. A non-zero opening balance is booked as an
// OPENING_BALANCE income so the balance is still the sum of its transactions.
func (s *Service) CreateAccount(ctx context.Context, req domain.AccountCreateRequest) (domain.Account, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := s.check(req); err != nil {
		return domain.Account{}, err
	}
	if !req.Type.Valid() {
		return domain.Account{}, invalid("unknown account type %q", req.Type)
	}
	opening, err := nonNegativeAmount("opening_balance", req.OpeningBalance)
	if err != nil {
		return domain.Account{}, err
	}

	actor := actorOrSystem(ctx)
	now := s.now()
	account := domain.Account{
		ID:        xid.New("acc"),
		Name:      req.Name,
		Type:      req.Type,
		Balance:   decimal.Zero,
		IsNominal: req.IsNominal,
		IsActive:  true,
		CreatedAt: now,
	}

	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertAccount(ctx, account); err != nil {
			return err
		}
		if opening.IsZero() {
			return nil
		}
		accounts, err := lockAccounts(ctx, tx, account.ID)
		if err != nil {
			return err
		}
		trx := newTransaction(domain.TxIncome, opening, actor, now)
		trx.AccountID = account.ID
		trx.Description = "opening balance"
		trx.Details = domain.TransactionDetails{Kind: domain.DetailOpening}
		if _, err := post(ctx, tx, trx, accounts); err != nil {
			return err
		}
		account = accounts[account.ID]
		return nil
	})
	if err := s.finish("account_create", err); err != nil {
		return domain.Account{}, err
	}

	s.logAudit(ctx, "account_create", "account", account.ID, fmt.Sprintf("name=%s,type=%s,opening=%s", account.Name, account.Type, opening.StringFixed(2)))
	return account, nil
}

// PostTransaction books a manual INCOME or EXPENSE, optionally mirrored on a
// nominal category account.
func (s *Service) PostTransaction(ctx context.Context, req domain.PostingRequest) (domain.Transaction, error) {
	if err := s.check(req); err != nil {
		return domain.Transaction{}, err
	}
	amount, err := positiveAmount("amount", req.Amount)
	if err != nil {
		return domain.Transaction{}, err
	}
	if req.CategoryAccountID == req.AccountID {
		return domain.Transaction{}, invalid("category account must differ from account")
	}

	actor := actorOrSystem(ctx)
	now := s.now()
	var saved *domain.Transaction
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		accounts, err := lockAccounts(ctx, tx, req.AccountID, req.CategoryAccountID)
		if err != nil {
			return err
		}
		if req.CategoryAccountID != "" && !accounts[req.CategoryAccountID].IsNominal {
			return invalid("category account %s is not nominal", req.CategoryAccountID)
		}

		trx := newTransaction(req.Type, amount, actor, now)
		trx.AccountID = req.AccountID
		trx.CategoryAccountID = req.CategoryAccountID
		trx.ReferenceNumber = strings.TrimSpace(req.ReferenceNumber)
		trx.Description = strings.TrimSpace(req.Description)
		trx.Notes = req.Notes
		trx.Details = domain.ManualDetail()
		saved, err = post(ctx, tx, trx, accounts)
		return err
	})
	if err := s.finish("posting", err); err != nil {
		return domain.Transaction{}, err
	}

	s.logAudit(ctx, "transaction_post", "transaction", saved.ID, fmt.Sprintf("type=%s,amount=%s,account=%s", saved.Type, saved.Amount.StringFixed(2), saved.AccountID))
	return *saved, nil
}

// Transfer moves money between two real accounts in one unit.
func (s *Service) Transfer(ctx context.Context, req domain.TransferRequest) (domain.TransferResponse, error) {
	if err := s.check(req); err != nil {
		return domain.TransferResponse{}, err
	}
	amount, err := positiveAmount("amount", req.Amount)
	if err != nil {
		return domain.TransferResponse{}, err
	}

	actor := actorOrSystem(ctx)
	now := s.now()
	var resp domain.TransferResponse
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		accounts, err := lockAccounts(ctx, tx, req.FromAccountID, req.ToAccountID)
		if err != nil {
			return err
		}
		for _, id := range []string{req.FromAccountID, req.ToAccountID} {
			if accounts[id].IsNominal {
				return invalid("account %s is nominal and cannot hold transferred funds", id)
			}
		}

		trx := newTransaction(domain.TxTransfer, amount, actor, now)
		trx.AccountOutID = req.FromAccountID
		trx.AccountInID = req.ToAccountID
		trx.Description = strings.TrimSpace(req.Description)
		trx.Details = domain.TransactionDetails{Kind: domain.DetailTransfer}
		saved, err := post(ctx, tx, trx, accounts)
		if err != nil {
			return err
		}
		resp = domain.TransferResponse{
			Transaction: *saved,
			FromBalance: accounts[req.FromAccountID].Balance,
			ToBalance:   accounts[req.ToAccountID].Balance,
		}
		return nil
	})
	if err := s.finish("transfer", err); err != nil {
		return domain.TransferResponse{}, err
	}

	s.logAudit(ctx, "transfer", "transaction", resp.Transaction.ID, fmt.Sprintf("from=%s,to=%s,amount=%s", req.FromAccountID, req.ToAccountID, amount.StringFixed(2)))
	return resp, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	trx, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	return *trx, nil
}

// AccountHistory lists the account's transactions newest first with the
// balance before and after each one, replayed backwards from the current
// balance.
func (s *Service) AccountHistory(ctx context.Context, accountID string, limit int) (domain.AccountHistoryResponse, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}

	// The balance and the list are separate committed reads; retry when a
	// posting lands between them.
	for attempt := 0; attempt < 3; attempt++ {
		acc, err := s.repo.GetAccount(ctx, accountID)
		if err != nil {
			return domain.AccountHistoryResponse{}, err
		}
		transactions, err := s.repo.ListTransactions(ctx, store.TransactionFilter{AccountID: accountID, Limit: limit})
		if err != nil {
			return domain.AccountHistoryResponse{}, err
		}
		after, err := s.repo.GetAccount(ctx, accountID)
		if err != nil {
			return domain.AccountHistoryResponse{}, err
		}
		if !after.Balance.Equal(acc.Balance) {
			continue
		}
		return domain.AccountHistoryResponse{
			Account: *acc,
			Entries: RunningBalance(acc.ID, acc.Balance, transactions),
		}, nil
	}
	return domain.AccountHistoryResponse{}, fmt.Errorf("%w: account %s kept changing while reading history", store.ErrInvalidState, accountID)
}

// RunningBalance walks newest-first transactions back from current, yielding
// the balance each transaction left behind.
func RunningBalance(accountID string, current decimal.Decimal, newestFirst []domain.Transaction) []domain.AccountHistoryEntry {
	entries := make([]domain.AccountHistoryEntry, 0, len(newestFirst))
	balance := current
	for _, trx := range newestFirst {
		delta := trx.DeltaFor(accountID)
		before := balance.Sub(delta)
		entries = append(entries, domain.AccountHistoryEntry{
			Transaction:   trx,
			Delta:         delta,
			BalanceBefore: before,
			BalanceAfter:  balance,
		})
		balance = before
	}
	return entries
}
