package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"pagina-vendedor/backend/internal/domain"
	"pagina-vendedor/backend/internal/store"
)

// Store keeps everything in process memory. WithinTx runs under the write
// lock against the live state and restores a snapshot when fn fails, so every
// unit of work is serialized and all-or-nothing.
type Store struct {
	mu    sync.RWMutex
	state state
}

type state struct {
	seq          int64
	accounts     map[string]domain.Account
	products     map[string]domain.Product
	transactions map[string]domain.Transaction
	movements    []domain.InventoryMovement
	sales        map[string]domain.Sale
	saleByNumber map[string]string
	reservations map[string]domain.Reservation
	proposals    map[string]domain.PriceProposal
	settings     map[string]domain.Setting
	auditLogs    []domain.AuditLog
	users        map[string]domain.UserAccount
}

func newState() state {
	return state{
		accounts:     make(map[string]domain.Account),
		products:     make(map[string]domain.Product),
		transactions: make(map[string]domain.Transaction),
		sales:        make(map[string]domain.Sale),
		saleByNumber: make(map[string]string),
		reservations: make(map[string]domain.Reservation),
		proposals:    make(map[string]domain.PriceProposal),
		settings:     make(map[string]domain.Setting),
		users:        make(map[string]domain.UserAccount),
	}
}

func New() *Store {
	return &Store{state: newState()}
}

// seedUsers builds the dev/demo logins. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD with dev fallbacks; the
// postgres store is used whenever DATABASE_URL is set.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	sellerPwd := envOr("SEED_SELLER_PASSWORD", "seller123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_SELLER_PASSWORD") == "" {
		logrus.WithField("component", "memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"seller", sellerPwd, domain.RoleSeller},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithField("component", "memory-store").Fatalf("failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo accounts, a small catalog whose opening
// stock is recorded as INITIAL movements, default inventory settings and the
// seed users.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	for _, acc := range []domain.Account{
		{ID: "acc-cash", Name: "Caja", Type: domain.AccountCash},
		{ID: "acc-bank", Name: "Banco", Type: domain.AccountBank},
		{ID: "acc-wallet", Name: "Billetera digital", Type: domain.AccountDigitalWallet},
		{ID: "acc-sales", Name: "Ventas", Type: domain.AccountIncome, IsNominal: true},
		{ID: "acc-expenses", Name: "Gastos", Type: domain.AccountExpense, IsNominal: true},
	} {
		acc.Balance = decimal.Zero
		acc.IsActive = true
		acc.CreatedAt = now
		s.state.accounts[acc.ID] = acc
	}

	for _, seed := range []struct {
		product domain.Product
		stock   int
	}{
		{domain.Product{ID: "prod-funda", SKU: "FUN-001", Name: "Funda silicona", CostPrice: dec("3.50"), SellingPrice: dec("9.90"), TargetMargin: dec("40")}, 25},
		{domain.Product{ID: "prod-cable", SKU: "CAB-USB-C", Name: "Cable USB-C 1m", CostPrice: dec("2.10"), SellingPrice: dec("6.50"), TargetMargin: dec("45")}, 40},
		{domain.Product{ID: "prod-cargador", SKU: "CAR-20W", Name: "Cargador 20W", CostPrice: dec("8.75"), SellingPrice: dec("19.90"), TargetMargin: dec("35")}, 12},
		{domain.Product{ID: "prod-audifonos", SKU: "AUD-BT", Name: "Audifonos bluetooth", CostPrice: dec("14.00"), SellingPrice: dec("29.90"), TargetMargin: dec("30")}, 1},
	} {
		p := seed.product
		p.CreatedAt = now
		p.UpdatedAt = now
		s.state.products[p.ID] = p
		if seed.stock > 0 {
			s.state.seq++
			s.state.movements = append(s.state.movements, domain.InventoryMovement{
				ID:             "mv-seed-" + p.ID,
				Seq:            s.state.seq,
				ProductID:      p.ID,
				Type:           domain.MovementIn,
				QuantityChange: seed.stock,
				UnitPrice:      p.CostPrice,
				TotalValue:     p.CostPrice.Mul(decimal.NewFromInt(int64(seed.stock))),
				Reason:         domain.ReasonInitial,
				Notes:          "seed stock",
				CreatedAt:      now,
			})
			p.CurrentStock = seed.stock
			s.state.products[p.ID] = p
		}
	}

	s.state.settings[domain.SettingInventory] = domain.Setting{
		Key:       domain.SettingInventory,
		Value:     []byte(`{"allow_negative_stock":false,"low_stock_threshold":3}`),
		Version:   1,
		UpdatedBy: "system",
		UpdatedAt: now,
	}
	s.state.users = seedUsers()
	return s
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func (s *Store) WithinTx(_ context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&memTx{st: &s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *Store) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.state.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	return &acc, nil
}

func (s *Store) ListAccounts(_ context.Context) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]domain.Account, 0, len(s.state.accounts))
	for _, acc := range s.state.accounts {
		accounts = append(accounts, acc)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Name < accounts[j].Name })
	return accounts, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.state.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
	}
	return &p, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.state.products))
	for _, p := range s.state.products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].Name < products[j].Name })
	return products, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.state.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
	}
	return &t, nil
}

// ListTransactions returns matching transactions newest first.
func (s *Store) ListTransactions(_ context.Context, filter store.TransactionFilter) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0, 32)
	for _, t := range s.state.transactions {
		if filter.GroupID != "" && t.GroupID != filter.GroupID {
			continue
		}
		if filter.AccountID != "" && !touches(t, filter.AccountID) {
			continue
		}
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq > result[j].Seq })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) ListMovements(_ context.Context, filter store.MovementFilter) ([]domain.InventoryMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InventoryMovement, 0, 32)
	for i := len(s.state.movements) - 1; i >= 0; i-- {
		m := s.state.movements[i]
		if filter.ProductID != "" && m.ProductID != filter.ProductID {
			continue
		}
		result = append(result, m)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.state.sales[id]
	if !ok {
		return nil, fmt.Errorf("sale %s: %w", id, store.ErrNotFound)
	}
	dup := cloneSale(sale)
	return &dup, nil
}

func (s *Store) GetSaleByNumber(_ context.Context, saleNumber string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.state.saleByNumber[saleNumber]
	if !ok {
		return nil, fmt.Errorf("sale number %s: %w", saleNumber, store.ErrNotFound)
	}
	dup := cloneSale(s.state.sales[id])
	return &dup, nil
}

func (s *Store) GetReservation(_ context.Context, id string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.state.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, store.ErrNotFound)
	}
	return &r, nil
}

func (s *Store) ReservedQuantities(_ context.Context, now time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reserved := make(map[string]int)
	for _, r := range s.state.reservations {
		if r.Holding(now) {
			reserved[r.ProductID] += r.Quantity
		}
	}
	return reserved, nil
}

func (s *Store) GetPriceProposal(_ context.Context, id string) (*domain.PriceProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.state.proposals[id]
	if !ok {
		return nil, fmt.Errorf("price proposal %s: %w", id, store.ErrNotFound)
	}
	return &p, nil
}

func (s *Store) ListPriceProposals(_ context.Context, status domain.ProposalStatus, limit int) ([]domain.PriceProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PriceProposal, 0, len(s.state.proposals))
	for _, p := range s.state.proposals {
		if status != "" && p.Status != status {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetSetting(_ context.Context, key string) (*domain.Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	setting, ok := s.state.settings[key]
	if !ok {
		return nil, fmt.Errorf("setting %s: %w", key, store.ErrNotFound)
	}
	return &setting, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.auditLogs = append(s.state.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for i := len(s.state.auditLogs) - 1; i >= 0; i-- {
		entry := s.state.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.users[user.Username]; exists {
		return fmt.Errorf("%w: username already exists", store.ErrInvalidTransaction)
	}
	s.state.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.state.users))
	for _, u := range s.state.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.state.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.state.users[username] = user
	return nil
}

func touches(t domain.Transaction, accountID string) bool {
	for _, id := range t.AccountIDs() {
		if id == accountID {
			return true
		}
	}
	return false
}

func (st state) clone() state {
	dup := state{
		seq:          st.seq,
		accounts:     make(map[string]domain.Account, len(st.accounts)),
		products:     make(map[string]domain.Product, len(st.products)),
		transactions: make(map[string]domain.Transaction, len(st.transactions)),
		movements:    make([]domain.InventoryMovement, len(st.movements)),
		sales:        make(map[string]domain.Sale, len(st.sales)),
		saleByNumber: make(map[string]string, len(st.saleByNumber)),
		reservations: make(map[string]domain.Reservation, len(st.reservations)),
		proposals:    make(map[string]domain.PriceProposal, len(st.proposals)),
		settings:     make(map[string]domain.Setting, len(st.settings)),
		auditLogs:    st.auditLogs,
		users:        st.users,
	}
	for k, v := range st.accounts {
		dup.accounts[k] = v
	}
	for k, v := range st.products {
		dup.products[k] = v
	}
	for k, v := range st.transactions {
		dup.transactions[k] = v
	}
	copy(dup.movements, st.movements)
	for k, v := range st.sales {
		dup.sales[k] = cloneSale(v)
	}
	for k, v := range st.saleByNumber {
		dup.saleByNumber[k] = v
	}
	for k, v := range st.reservations {
		dup.reservations[k] = v
	}
	for k, v := range st.proposals {
		dup.proposals[k] = v
	}
	for k, v := range st.settings {
		dup.settings[k] = v
	}
	return dup
}

func cloneSale(src domain.Sale) domain.Sale {
	dup := src
	items := make([]domain.SaleItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return dup
}
