package domain

import "time"

type Unit string

const (
	UnitPcs    Unit = "PCS"
	UnitCarton Unit = "CARTON"
)

type Product struct {
	ID               string `json:"id"`
	SKU              string `json:"sku"`
	Name             string `json:"name"`
	Brand            string `json:"brand"`
	Category         string `json:"category"`
	PriceCents       int64  `json:"price_cents"`
	CartonPriceCents int64  `json:"carton_price_cents"`
	PcsPerCarton     int    `json:"pcs_per_carton"`
	StockPcs         int    `json:"stock_pcs"`
	Archived         bool   `json:"archived"`
}

// UnitPrice resolves the per-unit price for the requested unit. Carton price
// falls back to pcs price times pack size when no carton price is set.
func (p Product) UnitPrice(unit Unit) int64 {
	if unit == UnitCarton {
		if p.CartonPriceCents > 0 {
			return p.CartonPriceCents
		}
		return p.PriceCents * int64(p.PcsPerCarton)
	}
	return p.PriceCents
}

// PcsFor converts a quantity in the given unit to pieces.
func (p Product) PcsFor(unit Unit, qty int) int {
	if unit == UnitCarton {
		return qty * p.PcsPerCarton
	}
	return qty
}

type TierLevel string

const (
	TierBronze   TierLevel = "BRONZE"
	TierSilver   TierLevel = "SILVER"
	TierGold     TierLevel = "GOLD"
	TierPlatinum TierLevel = "PLATINUM"
)

type CustomerType string

const (
	CustomerRegular   CustomerType = "regular"
	CustomerMember    CustomerType = "member"
	CustomerWholesale CustomerType = "wholesale"
)

type Customer struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	Phone              string       `json:"phone"`
	Type               CustomerType `json:"type"`
	TotalPoints        int64        `json:"total_points"`
	TotalSpendingCents int64        `json:"total_spending_cents"`
	TierLevel          TierLevel    `json:"tier_level"`
	CreatedAt          time.Time    `json:"created_at"`
}

type DiscountType string

const (
	DiscountPercentage DiscountType = "PERCENTAGE"
	DiscountFixed      DiscountType = "FIXED"
)

type DiscountTarget string

const (
	TargetProduct      DiscountTarget = "PRODUCT"
	TargetBrand        DiscountTarget = "BRAND"
	TargetCategory     DiscountTarget = "CATEGORY"
	TargetGlobal       DiscountTarget = "GLOBAL"
	TargetCustomerType DiscountTarget = "CUSTOMER_TYPE"
)

// Discount value semantics: basis points for PERCENTAGE (1000 = 10%),
// cents for FIXED.
type Discount struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Type                 DiscountType   `json:"type"`
	Value                int64          `json:"value"`
	TargetType           DiscountTarget `json:"target_type"`
	TargetValue          string         `json:"target_value,omitempty"`
	MinimumPurchaseCents int64          `json:"minimum_purchase_cents"`
	StartDate            *time.Time     `json:"start_date,omitempty"`
	EndDate              *time.Time     `json:"end_date,omitempty"`
	PriorityLevel        int            `json:"priority_level"`
	Stackable            bool           `json:"stackable"`
	Active               bool           `json:"active"`
	Status               string         `json:"status"`
	CreatedAt            time.Time      `json:"created_at"`
}

const DiscountStatusActive = "ACTIVE"

type DiscountCreateRequest struct {
	Name                 string         `json:"name"`
	Type                 DiscountType   `json:"type"`
	Value                int64          `json:"value"`
	TargetType           DiscountTarget `json:"target_type"`
	TargetValue          string         `json:"target_value,omitempty"`
	MinimumPurchaseCents int64          `json:"minimum_purchase_cents"`
	StartDate            string         `json:"start_date,omitempty"`
	EndDate              string         `json:"end_date,omitempty"`
	PriorityLevel        int            `json:"priority_level"`
	Stackable            bool           `json:"stackable"`
}

type DiscountToggleRequest struct {
	Active bool `json:"active"`
}

type ShiftStatus string

const (
	ShiftActive ShiftStatus = "ACTIVE"
	ShiftClosed ShiftStatus = "CLOSED"
)

type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = "NONE"
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// ShiftTotals are the per-shift financial counters. While a shift is ACTIVE
// they are maintained transactionally by every sale, void and return that
// touches the shift; at close they are frozen and never recomputed.
type ShiftTotals struct {
	SalesCents       int64            `json:"sales_cents"`
	RefundsCents     int64            `json:"refunds_cents"`
	CashRefundsCents int64            `json:"cash_refunds_cents"`
	DiscountsCents   int64            `json:"discounts_cents"`
	PointsEarned     int64            `json:"points_earned"`
	PointsRedeemed   int64            `json:"points_redeemed"`
	SaleCount        int              `json:"sale_count"`
	VoidCount        int              `json:"void_count"`
	ReturnCount      int              `json:"return_count"`
	ByPaymentMethod  map[string]int64 `json:"by_payment_method"`
}

func (t ShiftTotals) CashSalesCents() int64 {
	if t.ByPaymentMethod == nil {
		return 0
	}
	return t.ByPaymentMethod[PaymentCash]
}

type Shift struct {
	ID                  string         `json:"id"`
	UserID              string         `json:"user_id"`
	TerminalName        string         `json:"terminal_name"`
	OpenedAt            time.Time      `json:"opened_at"`
	ClosedAt            *time.Time     `json:"closed_at,omitempty"`
	OpeningCashCents    int64          `json:"opening_cash_cents"`
	ExpectedCashCents   int64          `json:"expected_cash_cents"`
	ActualCashCents     int64          `json:"actual_cash_cents"`
	CashDifferenceCents int64          `json:"cash_difference_cents"`
	Status              ShiftStatus    `json:"status"`
	ApprovalStatus      ApprovalStatus `json:"approval_status"`
	ApprovedBy          string         `json:"approved_by,omitempty"`
	ApprovalNote        string         `json:"approval_note,omitempty"`
	Totals              ShiftTotals    `json:"totals"`
}

type ShiftOpenRequest struct {
	OpeningCashCents int64  `json:"opening_cash_cents"`
	TerminalName     string `json:"terminal_name"`
}

type ShiftCloseRequest struct {
	ActualCashCents int64 `json:"actual_cash_cents"`
}

type ShiftCloseResponse struct {
	Shift   Shift        `json:"shift"`
	Summary ShiftSummary `json:"summary"`
}

type ShiftApprovalRequest struct {
	Note string `json:"note,omitempty"`
}

// ShiftSummary is the reconciliation view of a shift. For an ACTIVE shift it
// is computed live from sale/return rows; for a CLOSED shift it is the frozen
// snapshot taken at close time.
type ShiftSummary struct {
	ShiftID             string         `json:"shift_id"`
	Status              ShiftStatus    `json:"status"`
	ApprovalStatus      ApprovalStatus `json:"approval_status"`
	OpeningCashCents    int64          `json:"opening_cash_cents"`
	ExpectedCashCents   int64          `json:"expected_cash_cents"`
	ActualCashCents     int64          `json:"actual_cash_cents"`
	CashDifferenceCents int64          `json:"cash_difference_cents"`
	Totals              ShiftTotals    `json:"totals"`
	Frozen              bool           `json:"frozen"`
}

const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentQRIS     = "qris"
	PaymentTransfer = "transfer"
)

type SaleStatus string

const (
	SaleCompleted SaleStatus = "COMPLETED"
	SaleCancelled SaleStatus = "CANCELLED"
)

type SaleItem struct {
	ProductID      string `json:"product_id"`
	Qty            int    `json:"qty"`
	Unit           Unit   `json:"unit"`
	QtyPcs         int    `json:"qty_pcs"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	DiscountCents  int64  `json:"discount_cents"`
	DiscountID     string `json:"discount_id,omitempty"`
}

func (i SaleItem) GrossCents() int64 {
	return i.UnitPriceCents * int64(i.Qty)
}

func (i SaleItem) NetCents() int64 {
	return i.GrossCents() - i.DiscountCents
}

type Sale struct {
	ID                  string     `json:"id"`
	InvoiceNo           string     `json:"invoice_no"`
	ShiftID             string     `json:"shift_id"`
	CashierID           string     `json:"cashier_id"`
	CustomerID          string     `json:"customer_id,omitempty"`
	Items               []SaleItem `json:"items"`
	SubtotalCents       int64      `json:"subtotal_cents"`
	ItemDiscountCents   int64      `json:"item_discount_cents"`
	GlobalDiscountCents int64      `json:"global_discount_cents"`
	GlobalDiscountID    string     `json:"global_discount_id,omitempty"`
	RedeemedPoints      int64      `json:"redeemed_points"`
	RedeemedAmountCents int64      `json:"redeemed_amount_cents"`
	FinalAmountCents    int64      `json:"final_amount_cents"`
	PaymentMethod       string     `json:"payment_method"`
	Status              SaleStatus `json:"status"`
	PointsEarned        int64      `json:"points_earned"`
	CancelledUnderShift string     `json:"cancelled_under_shift,omitempty"`
	VoidReason          string     `json:"void_reason,omitempty"`
	VoidedAt            *time.Time `json:"voided_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

type CartLine struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
	Unit      Unit   `json:"unit,omitempty"`
}

type CheckoutRequest struct {
	CustomerID     string     `json:"customer_id,omitempty"`
	Items          []CartLine `json:"items"`
	PaymentMethod  string     `json:"payment_method"`
	RedeemedPoints int64      `json:"redeemed_points"`
}

type CheckoutResponse struct {
	Sale Sale `json:"sale"`
}

type VoidSaleRequest struct {
	Reason string `json:"reason"`
}

type ReturnStatus string

const (
	ReturnCompleted ReturnStatus = "COMPLETED"
	ReturnCancelled ReturnStatus = "CANCELLED"
)

type ReturnItem struct {
	ProductID   string `json:"product_id"`
	Qty         int    `json:"qty"`
	QtyPcs      int    `json:"qty_pcs"`
	RefundCents int64  `json:"refund_cents"`
}

type Return struct {
	ID               string       `json:"id"`
	ReturnNumber     string       `json:"return_number"`
	SaleID           string       `json:"sale_id"`
	ShiftID          string       `json:"shift_id"`
	Items            []ReturnItem `json:"items"`
	RefundMethod     string       `json:"refund_method"`
	TotalRefundCents int64        `json:"total_refund_cents"`
	PointsReversed   int64        `json:"points_reversed"`
	PointsRestored   int64        `json:"points_restored"`
	Status           ReturnStatus `json:"status"`
	Reason           string       `json:"reason,omitempty"`
	CancelledAt      *time.Time   `json:"cancelled_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

type ReturnLine struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type CreateReturnRequest struct {
	SaleID       string       `json:"sale_id"`
	Items        []ReturnLine `json:"items"`
	RefundMethod string       `json:"refund_method"`
	Reason       string       `json:"reason,omitempty"`
}

type ReturnResponse struct {
	Return Return `json:"return"`
}

type CancelReturnRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DailyReportRow struct {
	PaymentMethod string `json:"payment_method"`
	Sales         int64  `json:"sales"`
	TotalCents    int64  `json:"total_cents"`
}

type DailyReport struct {
	Date            string           `json:"date"`
	Sales           int64            `json:"sales"`
	GrossCents      int64            `json:"gross_cents"`
	DiscountCents   int64            `json:"discount_cents"`
	RefundCents     int64            `json:"refund_cents"`
	NetCents        int64            `json:"net_cents"`
	ByPaymentMethod []DailyReportRow `json:"by_payment_method"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	UserID      string `json:"user_id"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	UserID   string
	Username string
	Role     string
}

const (
	RoleCashier    = "cashier"
	RoleSupervisor = "supervisor"
	RoleAdmin      = "admin"
)

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID        string
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CashierUser is the credential-free view of an account returned by the
// user management endpoints.
type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	ActorRole  string    `json:"actor_role"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}
