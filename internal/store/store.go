package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"pagina-vendedor/backend/internal/domain"
)

// Repository is the persistence boundary. Reads outside WithinTx see committed
// state only; every mutation of balances, stock, sales or reservations goes
// through a Tx so that each business event commits or rolls back as a unit.
type Repository interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]domain.Transaction, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]domain.InventoryMovement, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	GetSaleByNumber(ctx context.Context, saleNumber string) (*domain.Sale, error)
	GetReservation(ctx context.Context, id string) (*domain.Reservation, error)
	ReservedQuantities(ctx context.Context, now time.Time) (map[string]int, error)
	GetPriceProposal(ctx context.Context, id string) (*domain.PriceProposal, error)
	ListPriceProposals(ctx context.Context, status domain.ProposalStatus, limit int) ([]domain.PriceProposal, error)
	GetSetting(ctx context.Context, key string) (*domain.Setting, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is one atomic unit of work. Lock* methods take row locks (or the store
// equivalent) that are held until the unit commits or rolls back; callers lock
// in a stable order: settings, sales, transactions, reservations, products,
// price proposals, accounts.
type Tx interface {
	LockAccounts(ctx context.Context, ids ...string) (map[string]domain.Account, error)
	AdjustAccountBalance(ctx context.Context, id string, delta decimal.Decimal) (decimal.Decimal, error)
	InsertAccount(ctx context.Context, account domain.Account) error

	LockProducts(ctx context.Context, ids ...string) (map[string]domain.Product, error)
	LockNegativeStockProducts(ctx context.Context) ([]domain.Product, error)
	InsertProduct(ctx context.Context, product domain.Product) error
	UpdateProductPricing(ctx context.Context, id string, costPrice decimal.Decimal, sellingPrice decimal.Decimal) error
	// ApplyMovement records the movement and shifts current_stock by its
	// quantity_change in the same step, returning the resulting stock.
	ApplyMovement(ctx context.Context, movement domain.InventoryMovement) (int, error)
	MovementsForTransaction(ctx context.Context, transactionID string) ([]domain.InventoryMovement, error)
	MovementsForSale(ctx context.Context, saleID string) ([]domain.InventoryMovement, error)

	InsertTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	LockTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	LockTransactionGroup(ctx context.Context, groupID string) ([]domain.Transaction, error)
	MarkTransactionReversed(ctx context.Context, id string, at time.Time) error

	LockSale(ctx context.Context, id string) (*domain.Sale, error)
	LockSaleByNumber(ctx context.Context, saleNumber string) (*domain.Sale, error)
	InsertSale(ctx context.Context, sale domain.Sale) error
	UpdateSaleStatus(ctx context.Context, id string, status domain.PaymentStatus, reversedAt *time.Time) error
	AddReturnedQuantity(ctx context.Context, saleItemID string, qty int) error

	LockReservations(ctx context.Context, ids ...string) (map[string]domain.Reservation, error)
	ReservedQuantity(ctx context.Context, productID string, now time.Time) (int, error)
	InsertReservation(ctx context.Context, reservation domain.Reservation) error
	UpdateReservation(ctx context.Context, id string, status domain.ReservationStatus, saleID string, at time.Time) error
	ExpireReservations(ctx context.Context, now time.Time) (int, error)

	InsertPriceProposal(ctx context.Context, proposal domain.PriceProposal) error
	LockPriceProposal(ctx context.Context, id string) (*domain.PriceProposal, error)
	PendingProposalsForProduct(ctx context.Context, productID string) ([]domain.PriceProposal, error)
	DecidePriceProposal(ctx context.Context, id string, status domain.ProposalStatus, decidedBy string, note string, at time.Time) error

	LockSetting(ctx context.Context, key string) (*domain.Setting, error)
	SaveSetting(ctx context.Context, setting domain.Setting) error
}

type TransactionFilter struct {
	AccountID string
	GroupID   string
	// Limit <= 0 returns everything.
	Limit int
}

type MovementFilter struct {
	ProductID string
	Limit     int
}
