package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type DetailKind string

const (
	DetailManual     DetailKind = "MANUAL"
	DetailOpening    DetailKind = "OPENING_BALANCE"
	DetailTransfer   DetailKind = "TRANSFER"
	DetailSale       DetailKind = "SALE"
	DetailPurchase   DetailKind = "PURCHASE"
	DetailRefund     DetailKind = "REFUND"
	DetailCommission DetailKind = "COMMISSION"
	DetailAdjustment DetailKind = "ADJUSTMENT"
	DetailReversal   DetailKind = "REVERSAL"
)

// TransactionDetails is a tagged union: Kind selects which of the pointer
// fields is populated. Kinds without a payload leave every pointer nil.
type TransactionDetails struct {
	Kind       DetailKind         `json:"kind"`
	Sale       *SaleDetails       `json:"sale,omitempty"`
	Purchase   *PurchaseDetails   `json:"purchase,omitempty"`
	Refund     *RefundDetails     `json:"refund,omitempty"`
	Commission *CommissionDetails `json:"commission,omitempty"`
	Adjustment *AdjustmentDetails `json:"adjustment,omitempty"`
	Reversal   *ReversalDetails   `json:"reversal,omitempty"`
}

type DetailLine struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

const (
	LegIncome       = "income"
	LegShipping     = "shipping"
	LegProviderCost = "provider_cost"
	LegCost         = "cost"
)

type SaleDetails struct {
	SaleID        string       `json:"sale_id"`
	SaleNumber    string       `json:"sale_number"`
	PaymentMethod string       `json:"payment_method,omitempty"`
	Leg           string       `json:"leg"`
	Lines         []DetailLine `json:"lines,omitempty"`
}

type PurchaseDetails struct {
	ProviderName  string          `json:"provider_name,omitempty"`
	TaxPercent    decimal.Decimal `json:"tax_percent"`
	MarginPercent decimal.Decimal `json:"margin_percent"`
	Lines         []DetailLine    `json:"lines"`
}

type RefundDetails struct {
	SaleID     string       `json:"sale_id"`
	SaleNumber string       `json:"sale_number"`
	Reason     string       `json:"reason,omitempty"`
	Lines      []DetailLine `json:"lines"`
}

type CommissionDetails struct {
	Leg string `json:"leg"`
}

type AdjustmentDetails struct {
	ProductID      string         `json:"product_id"`
	QuantityChange int            `json:"quantity_change"`
	Reason         MovementReason `json:"reason"`
}

type ReversalDetails struct {
	OriginalTransactionID string     `json:"original_transaction_id"`
	OriginalKind          DetailKind `json:"original_kind"`
	Reason                string     `json:"reason,omitempty"`
}

func ManualDetail() TransactionDetails {
	return TransactionDetails{Kind: DetailManual}
}

func SaleDetail(d SaleDetails) TransactionDetails {
	return TransactionDetails{Kind: DetailSale, Sale: &d}
}

func PurchaseDetail(d PurchaseDetails) TransactionDetails {
	return TransactionDetails{Kind: DetailPurchase, Purchase: &d}
}

func RefundDetail(d RefundDetails) TransactionDetails {
	return TransactionDetails{Kind: DetailRefund, Refund: &d}
}

func CommissionDetail(leg string) TransactionDetails {
	return TransactionDetails{Kind: DetailCommission, Commission: &CommissionDetails{Leg: leg}}
}

func AdjustmentDetail(d AdjustmentDetails) TransactionDetails {
	return TransactionDetails{Kind: DetailAdjustment, Adjustment: &d}
}

func ReversalDetail(d ReversalDetails) TransactionDetails {
	return TransactionDetails{Kind: DetailReversal, Reversal: &d}
}

// Validate checks that exactly the payload matching Kind is present.
func (d TransactionDetails) Validate() error {
	set := map[DetailKind]bool{
		DetailSale:       d.Sale != nil,
		DetailPurchase:   d.Purchase != nil,
		DetailRefund:     d.Refund != nil,
		DetailCommission: d.Commission != nil,
		DetailAdjustment: d.Adjustment != nil,
		DetailReversal:   d.Reversal != nil,
	}
	switch d.Kind {
	case DetailManual, DetailOpening, DetailTransfer:
		for kind, present := range set {
			if present {
				return fmt.Errorf("details kind %s carries unexpected %s payload", d.Kind, kind)
			}
		}
		return nil
	case DetailSale, DetailPurchase, DetailRefund, DetailCommission, DetailAdjustment, DetailReversal:
		for kind, present := range set {
			if kind == d.Kind && !present {
				return fmt.Errorf("details kind %s is missing its payload", d.Kind)
			}
			if kind != d.Kind && present {
				return fmt.Errorf("details kind %s carries unexpected %s payload", d.Kind, kind)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown details kind %q", d.Kind)
	}
}
