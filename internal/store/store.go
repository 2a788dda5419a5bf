package store

import (
	"context"
	"time"

	"tokotempo/backend/internal/domain"
	"tokotempo/backend/internal/pricing"
)

// Params carries the pricing and reconciliation configuration both store
// implementations apply inside their transactions.
type Params struct {
	Loyalty            pricing.Loyalty
	CashToleranceCents int64
}

// SaleRequest is a validated checkout handed to the store. The store prices
// the cart against locked product rows; amounts in the request are never
// trusted from the caller.
type SaleRequest struct {
	ShiftID        string
	CashierID      string
	CustomerID     string
	Items          []domain.CartLine
	PaymentMethod  string
	RedeemedPoints int64
	Now            time.Time
}

// ReturnRequest is a validated return handed to the store. ShiftID is the
// processing cashier's active shift, which absorbs the refund counters.
type ReturnRequest struct {
	SaleID       string
	ShiftID      string
	Items        []domain.ReturnLine
	RefundMethod string
	Reason       string
	Now          time.Time
}

// Repository is the persistence boundary. Every mutating operation is atomic:
// one database transaction in postgres, one mutex hold in memory. Business
// rule violations surface as *domain.Error.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)

	ListDiscounts(ctx context.Context) ([]domain.Discount, error)
	ListActiveDiscounts(ctx context.Context) ([]domain.Discount, error)
	CreateDiscount(ctx context.Context, discount domain.Discount) (*domain.Discount, error)
	SetDiscountActive(ctx context.Context, discountID string, active bool) (*domain.Discount, error)

	OpenShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error)
	CloseShift(ctx context.Context, shiftID string, actualCashCents int64, closedAt time.Time) (*domain.Shift, error)
	GetShift(ctx context.Context, shiftID string) (*domain.Shift, error)
	GetActiveShiftForUser(ctx context.Context, userID string) (*domain.Shift, error)
	GetShiftSummary(ctx context.Context, shiftID string) (*domain.ShiftSummary, error)
	SetShiftApproval(ctx context.Context, shiftID string, status domain.ApprovalStatus, approvedBy string, note string) (*domain.Shift, error)

	CreateSale(ctx context.Context, req SaleRequest) (*domain.Sale, error)
	VoidSale(ctx context.Context, saleID string, voidingShiftID string, reason string, at time.Time) (*domain.Sale, error)
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	ListSalesForShift(ctx context.Context, shiftID string) ([]domain.Sale, error)

	CreateReturn(ctx context.Context, req ReturnRequest) (*domain.Return, error)
	CancelReturn(ctx context.Context, returnID string, at time.Time) (*domain.Return, error)
	GetReturn(ctx context.Context, returnID string) (*domain.Return, error)
	ListReturnsForSale(ctx context.Context, saleID string) ([]domain.Return, error)

	GetDailyReport(ctx context.Context, from time.Time, to time.Time) (domain.DailyReport, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
