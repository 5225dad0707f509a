package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type AccountCreateRequest struct {
	Name           string          `json:"name" validate:"required,max=120"`
	Type           AccountType     `json:"type" validate:"required,oneof=CASH BANK DIGITAL_WALLET ASSET INCOME EXPENSE"`
	IsNominal      bool            `json:"is_nominal"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

type AccountHistoryEntry struct {
	Transaction   Transaction     `json:"transaction"`
	Delta         decimal.Decimal `json:"delta"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
}

type AccountHistoryResponse struct {
	Account Account               `json:"account"`
	Entries []AccountHistoryEntry `json:"entries"`
}

type ProductCreateRequest struct {
	SKU          string          `json:"sku" validate:"required,max=64"`
	Name         string          `json:"name" validate:"required,max=200"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	TargetMargin decimal.Decimal `json:"target_margin"`
	InitialStock int             `json:"initial_stock" validate:"gte=0"`
}

type ProductView struct {
	Product
	ReservedStock  int `json:"reserved_stock"`
	AvailableStock int `json:"available_stock"`
}

type PostingRequest struct {
	Type              TransactionType `json:"type" validate:"required,oneof=INCOME EXPENSE"`
	AccountID         string          `json:"account_id" validate:"required"`
	CategoryAccountID string          `json:"category_account_id,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Description       string          `json:"description,omitempty" validate:"max=500"`
	ReferenceNumber   string          `json:"reference_number,omitempty" validate:"max=100"`
	Notes             string          `json:"notes,omitempty"`
}

type SaleItemRequest struct {
	ProductID    string          `json:"product_id" validate:"required"`
	Quantity     int             `json:"quantity" validate:"gt=0"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Discount     decimal.Decimal `json:"discount"`
	ProviderCost decimal.Decimal `json:"provider_cost"`
}

type SaleRequest struct {
	SaleNumber        string            `json:"sale_number" validate:"required,max=64"`
	AccountID         string            `json:"account_id" validate:"required"`
	PaymentMethod     string            `json:"payment_method,omitempty" validate:"max=40"`
	Customer          Customer          `json:"customer"`
	Items             []SaleItemRequest `json:"items" validate:"required,min=1,dive"`
	Discount          decimal.Decimal   `json:"discount"`
	Tax               decimal.Decimal   `json:"tax"`
	ShippingCost      decimal.Decimal   `json:"shipping_cost"`
	ShippingAccountID string            `json:"shipping_account_id,omitempty"`
	ReservationIDs    []string          `json:"reservation_ids,omitempty"`
	Notes             string            `json:"notes,omitempty"`
}

type SaleResponse struct {
	Sale           Sale            `json:"sale"`
	AccountBalance decimal.Decimal `json:"account_balance"`
	Duplicate      bool            `json:"duplicate"`
}

type ReverseRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

type ReverseResponse struct {
	TransactionID              string    `json:"transaction_id"`
	CompensatingTransactionIDs []string  `json:"compensating_transaction_ids"`
	MovementIDs                []string  `json:"movement_ids"`
	SaleID                     string    `json:"sale_id,omitempty"`
	ReversedAt                 time.Time `json:"reversed_at"`
}

type ReturnItemRequest struct {
	SaleItemID string `json:"sale_item_id" validate:"required"`
	Quantity   int    `json:"quantity" validate:"gt=0"`
}

type ReturnRequest struct {
	Items     []ReturnItemRequest `json:"items" validate:"required,min=1,dive"`
	AccountID string              `json:"account_id,omitempty"`
	Reason    string              `json:"reason,omitempty" validate:"max=500"`
}

type ReturnResponse struct {
	SaleID              string          `json:"sale_id"`
	RefundTransactionID string          `json:"refund_transaction_id"`
	Amount              decimal.Decimal `json:"amount"`
	Items               []SaleItem      `json:"items"`
}

type PurchaseItemRequest struct {
	ProductID string          `json:"product_id" validate:"required"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

type PurchaseRequest struct {
	AccountID       string                `json:"account_id,omitempty"`
	ProviderName    string                `json:"provider_name,omitempty" validate:"max=200"`
	TaxPercent      decimal.Decimal       `json:"tax_percent"`
	MarginPercent   decimal.Decimal       `json:"margin_percent"`
	ReferenceNumber string                `json:"reference_number,omitempty" validate:"max=100"`
	Notes           string                `json:"notes,omitempty"`
	Items           []PurchaseItemRequest `json:"items" validate:"required,min=1,dive"`
}

type PurchaseLine struct {
	ProductID    string          `json:"product_id"`
	Quantity     int             `json:"quantity"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	PreviousCost decimal.Decimal `json:"previous_cost"`
	NewCost      decimal.Decimal `json:"new_cost"`
	NewStock     int             `json:"new_stock"`
	MovementID   string          `json:"movement_id"`
}

type PurchaseResponse struct {
	TransactionID string          `json:"transaction_id,omitempty"`
	Total         decimal.Decimal `json:"total"`
	Lines         []PurchaseLine  `json:"lines"`
	Proposals     []PriceProposal `json:"proposals"`
}

type ReservationRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
	SessionID string `json:"session_id" validate:"required,max=128"`
}

type TransferRequest struct {
	FromAccountID string          `json:"from_account_id" validate:"required"`
	ToAccountID   string          `json:"to_account_id" validate:"required,nefield=FromAccountID"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description,omitempty" validate:"max=500"`
}

type TransferResponse struct {
	Transaction Transaction     `json:"transaction"`
	FromBalance decimal.Decimal `json:"from_balance"`
	ToBalance   decimal.Decimal `json:"to_balance"`
}

type CommissionRequest struct {
	AccountID         string          `json:"account_id" validate:"required"`
	Amount            decimal.Decimal `json:"amount"`
	Description       string          `json:"description,omitempty" validate:"max=500"`
	CostAmount        decimal.Decimal `json:"cost_amount"`
	CostAccountID     string          `json:"cost_account_id,omitempty"`
	ShippingAmount    decimal.Decimal `json:"shipping_amount"`
	ShippingAccountID string          `json:"shipping_account_id,omitempty"`
}

type CommissionResponse struct {
	GroupID         string        `json:"group_id"`
	ReferenceNumber string        `json:"reference_number"`
	Transactions    []Transaction `json:"transactions"`
}

type SettingUpdateRequest struct {
	ExpectedVersion int64           `json:"expected_version" validate:"gte=0"`
	Value           json.RawMessage `json:"value" validate:"required"`
}

type AdjustmentRequest struct {
	ProductID     string `json:"product_id" validate:"required"`
	CountedStock  int    `json:"counted_stock"`
	Notes         string `json:"notes,omitempty"`
	LossAccountID string `json:"loss_account_id,omitempty"`
}

type AdjustmentResponse struct {
	Product       Product           `json:"product"`
	Movement      InventoryMovement `json:"movement"`
	TransactionID string            `json:"transaction_id,omitempty"`
}

type NegativeResetRequest struct {
	LossAccountID string `json:"loss_account_id" validate:"required"`
	Notes         string `json:"notes,omitempty"`
}

type NegativeResetEntry struct {
	ProductID     string          `json:"product_id"`
	PreviousStock int             `json:"previous_stock"`
	LossAmount    decimal.Decimal `json:"loss_amount"`
	MovementID    string          `json:"movement_id"`
	TransactionID string          `json:"transaction_id,omitempty"`
}

type NegativeResetResponse struct {
	Adjusted []NegativeResetEntry `json:"adjusted"`
}

type ProposalDecisionRequest struct {
	Note string `json:"note,omitempty" validate:"max=500"`
}

type AccountMismatch struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Expected  decimal.Decimal `json:"expected"`
}

type StockMismatch struct {
	ProductID    string `json:"product_id"`
	CurrentStock int    `json:"current_stock"`
	MovementSum  int    `json:"movement_sum"`
}

type InvariantReport struct {
	CheckedAt            time.Time         `json:"checked_at"`
	OK                   bool              `json:"ok"`
	Accounts             []AccountMismatch `json:"accounts"`
	Products             []StockMismatch   `json:"products"`
	UncompensatedReverse []string          `json:"uncompensated_reversals"`
}

type SweepResult struct {
	Expired int       `json:"expired"`
	At      time.Time `json:"at"`
}

type SellerCreateRequest struct {
	Username string `json:"username" validate:"required,min=4,max=64"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type SellerUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
