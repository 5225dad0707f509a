package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type AccountType string

const (
	AccountCash          AccountType = "CASH"
	AccountBank          AccountType = "BANK"
	AccountDigitalWallet AccountType = "DIGITAL_WALLET"
	AccountAsset         AccountType = "ASSET"
	AccountIncome        AccountType = "INCOME"
	AccountExpense       AccountType = "EXPENSE"
)

func (t AccountType) Valid() bool {
	switch t {
	case AccountCash, AccountBank, AccountDigitalWallet, AccountAsset, AccountIncome, AccountExpense:
		return true
	}
	return false
}

type Account struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      AccountType     `json:"type"`
	Balance   decimal.Decimal `json:"balance"`
	IsNominal bool            `json:"is_nominal"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
}

type TransactionType string

const (
	TxIncome   TransactionType = "INCOME"
	TxExpense  TransactionType = "EXPENSE"
	TxTransfer TransactionType = "TRANSFER"
)

type Transaction struct {
	ID                string             `json:"id"`
	Seq               int64              `json:"seq"`
	Type              TransactionType    `json:"type"`
	Amount            decimal.Decimal    `json:"amount"`
	AccountID         string             `json:"account_id,omitempty"`
	AccountInID       string             `json:"account_in_id,omitempty"`
	AccountOutID      string             `json:"account_out_id,omitempty"`
	CategoryAccountID string             `json:"category_account_id,omitempty"`
	ReferenceNumber   string             `json:"reference_number,omitempty"`
	GroupID           string             `json:"group_id,omitempty"`
	SaleID            string             `json:"sale_id,omitempty"`
	ReversalOf        string             `json:"reversal_of,omitempty"`
	IsReversed        bool               `json:"is_reversed"`
	ReversedAt        *time.Time         `json:"reversed_at,omitempty"`
	Description       string             `json:"description,omitempty"`
	Notes             string             `json:"notes,omitempty"`
	Details           TransactionDetails `json:"details"`
	CreatedBy         string             `json:"created_by,omitempty"`
	CreatedByName     string             `json:"created_by_name,omitempty"`
	TransactionDate   time.Time          `json:"transaction_date"`
	CreatedAt         time.Time          `json:"created_at"`
}

type MovementType string

const (
	MovementIn         MovementType = "IN"
	MovementOut        MovementType = "OUT"
	MovementAdjustment MovementType = "ADJUSTMENT"
)

type MovementReason string

const (
	ReasonInitial       MovementReason = "INITIAL"
	ReasonPurchase      MovementReason = "PURCHASE"
	ReasonSale          MovementReason = "SALE"
	ReasonReturn        MovementReason = "RETURN"
	ReasonReversal      MovementReason = "REVERSAL"
	ReasonAdjustment    MovementReason = "ADJUSTMENT"
	ReasonNegativeReset MovementReason = "NEGATIVE_RESET"
)

type InventoryMovement struct {
	ID             string          `json:"id"`
	Seq            int64           `json:"seq"`
	ProductID      string          `json:"product_id"`
	Type           MovementType    `json:"type"`
	QuantityChange int             `json:"quantity_change"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TotalValue     decimal.Decimal `json:"total_value"`
	TransactionID  string          `json:"transaction_id,omitempty"`
	SaleID         string          `json:"sale_id,omitempty"`
	ReversalOf     string          `json:"reversal_of,omitempty"`
	Reason         MovementReason  `json:"reason"`
	Notes          string          `json:"notes,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Product struct {
	ID           string          `json:"id"`
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	CurrentStock int             `json:"current_stock"`
	TargetMargin decimal.Decimal `json:"target_margin"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type PaymentStatus string

const (
	PaymentPaid      PaymentStatus = "PAID"
	PaymentPending   PaymentStatus = "PENDING"
	PaymentPartial   PaymentStatus = "PARTIAL"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

type Customer struct {
	Name     string `json:"name,omitempty"`
	Document string `json:"document,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty" validate:"omitempty,email"`
	City     string `json:"city,omitempty"`
	Address  string `json:"address,omitempty"`
}

type Sale struct {
	ID                string          `json:"id"`
	SaleNumber        string          `json:"sale_number"`
	Customer          Customer        `json:"customer"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	Tax               decimal.Decimal `json:"tax"`
	Discount          decimal.Decimal `json:"discount"`
	ShippingCost      decimal.Decimal `json:"shipping_cost"`
	Total             decimal.Decimal `json:"total"`
	PaymentStatus     PaymentStatus   `json:"payment_status"`
	PaymentMethod     string          `json:"payment_method"`
	AccountID         string          `json:"account_id"`
	ShippingAccountID string          `json:"shipping_account_id,omitempty"`
	TransactionID     string          `json:"transaction_id"`
	GroupID           string          `json:"group_id"`
	PayloadHash       string          `json:"-"`
	Notes             string          `json:"notes,omitempty"`
	Items             []SaleItem      `json:"items"`
	CreatedBy         string          `json:"created_by,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ReversedAt        *time.Time      `json:"reversed_at,omitempty"`
}

type SaleItem struct {
	ID               string          `json:"id"`
	SaleID           string          `json:"sale_id"`
	ProductID        string          `json:"product_id"`
	Quantity         int             `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	Discount         decimal.Decimal `json:"discount"`
	ProviderCost     decimal.Decimal `json:"provider_cost"`
	UnitCost         decimal.Decimal `json:"unit_cost"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	ReturnedQuantity int             `json:"returned_quantity"`
}

// Dropship lines are fulfilled by the provider and never touch stock.
func (i SaleItem) Dropship() bool {
	return i.ProviderCost.GreaterThan(decimal.Zero)
}

type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "ACTIVE"
	ReservationReleased ReservationStatus = "RELEASED"
	ReservationConsumed ReservationStatus = "CONSUMED"
	ReservationExpired  ReservationStatus = "EXPIRED"
)

type Reservation struct {
	ID         string            `json:"reservation_id"`
	ProductID  string            `json:"product_id"`
	Quantity   int               `json:"quantity"`
	SessionID  string            `json:"session_id"`
	Status     ReservationStatus `json:"status"`
	SaleID     string            `json:"sale_id,omitempty"`
	ExpiresAt  time.Time         `json:"expires_at"`
	CreatedAt  time.Time         `json:"created_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

// Holding reports whether the reservation still counts against available stock.
func (r Reservation) Holding(now time.Time) bool {
	return r.Status == ReservationActive && now.Before(r.ExpiresAt)
}

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

type PriceProposal struct {
	ID            string          `json:"id"`
	ProductID     string          `json:"product_id"`
	CurrentCost   decimal.Decimal `json:"current_cost"`
	ProposedCost  decimal.Decimal `json:"proposed_cost"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	ProposedPrice decimal.Decimal `json:"proposed_price"`
	Status        ProposalStatus  `json:"status"`
	TransactionID string          `json:"transaction_id,omitempty"`
	DecidedBy     string          `json:"decided_by,omitempty"`
	DecidedAt     *time.Time      `json:"decided_at,omitempty"`
	Note          string          `json:"note,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type Setting struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Version   int64           `json:"version"`
	UpdatedBy string          `json:"updated_by,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

const SettingInventory = "inventory"

type InventorySettings struct {
	AllowNegativeStock bool `json:"allow_negative_stock"`
	LowStockThreshold  int  `json:"low_stock_threshold"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Actor struct {
	Username string
	Role     string
}

const (
	RoleAdmin  = "admin"
	RoleSeller = "seller"
)
