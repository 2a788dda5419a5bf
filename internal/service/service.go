// Package service implements the application use cases on top of the
// storage layer: shift lifecycle, checkout, voids, returns, discounts and
// reporting. Handlers translate HTTP to these calls; all authorization and
// input normalization happens here.
package service

import (
	"context"
	"log"
	"strings"
	"time"

	"tokotempo/backend/internal/cache"
	"tokotempo/backend/internal/domain"
	"tokotempo/backend/internal/store"
)

type actorContextKey struct{}

// WithActor attaches the authenticated actor to the context.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the actor previously stored with WithActor.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const activeDiscountCacheKey = "discounts:active"

// Service wires the repository and the discount cache into the POS use
// cases. A zero DiscountTTL disables caching of the active pool.
type Service struct {
	repo          store.Repository
	discountCache cache.DiscountCache
	discountTTL   time.Duration
}

func New(repo store.Repository, discountCache cache.DiscountCache, discountTTL time.Duration) *Service {
	if discountCache == nil {
		discountCache = cache.NoopDiscountCache{}
	}
	return &Service{repo: repo, discountCache: discountCache, discountTTL: discountTTL}
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, domain.Forbidden("authentication required")
	}
	return actor, nil
}

func requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return actor, err
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return actor, domain.Forbidden("role %s may not perform this action", actor.Role)
}

func (s *Service) logAudit(ctx context.Context, action, entityType, entityID, detail string) {
	actor, _ := ActorFromContext(ctx)
	entry := domain.AuditLog{
		ActorID:    actor.UserID,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
	}
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		log.Printf("[audit] WARN: could not record %s on %s %s: %v", action, entityType, entityID, err)
	}
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentQRIS, domain.PaymentTransfer:
		return true
	}
	return false
}

// normalizeLines merges duplicate cart rows for the same product and unit
// while preserving the order the cashier scanned them in.
func normalizeLines(items []domain.CartLine) []domain.CartLine {
	type key struct {
		productID string
		unit      domain.Unit
	}
	index := make(map[key]int, len(items))
	out := make([]domain.CartLine, 0, len(items))
	for _, item := range items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		k := key{productID: item.ProductID, unit: item.Unit}
		if pos, ok := index[k]; ok {
			out[pos].Qty += item.Qty
			continue
		}
		index[k] = len(out)
		out = append(out, item)
	}
	return out
}

// --- Catalog and customers ---

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(id) == "" {
		return nil, domain.Validation("product id is required")
	}
	return s.repo.GetProduct(ctx, id)
}

func (s *Service) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(id) == "" {
		return nil, domain.Validation("customer id is required")
	}
	return s.repo.GetCustomer(ctx, id)
}

// --- Discounts ---

func (s *Service) ListDiscounts(ctx context.Context) ([]domain.Discount, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListDiscounts(ctx)
}

// ActiveDiscounts serves the read path through the cache. Checkout never
// uses this: pricing inside the sale transaction always reads the pool
// straight from the repository, so a stale cache can never misprice a
// basket.
func (s *Service) ActiveDiscounts(ctx context.Context) ([]domain.Discount, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	if s.discountTTL > 0 {
		pool, ok, err := s.discountCache.Get(ctx, activeDiscountCacheKey)
		if err != nil {
			log.Printf("[cache] WARN: active discount lookup failed: %v", err)
		} else if ok {
			return pool, nil
		}
	}
	pool, err := s.repo.ListActiveDiscounts(ctx)
	if err != nil {
		return nil, err
	}
	if s.discountTTL > 0 {
		if err := s.discountCache.Set(ctx, activeDiscountCacheKey, pool, s.discountTTL); err != nil {
			log.Printf("[cache] WARN: could not store active discounts: %v", err)
		}
	}
	return pool, nil
}

func (s *Service) invalidateDiscounts(ctx context.Context) {
	if err := s.discountCache.Invalidate(ctx, activeDiscountCacheKey); err != nil {
		log.Printf("[cache] WARN: could not invalidate active discounts: %v", err)
	}
}

func (s *Service) CreateDiscount(ctx context.Context, req domain.DiscountCreateRequest) (*domain.Discount, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, domain.Validation("discount name is required")
	}
	switch req.Type {
	case domain.DiscountPercentage:
		if req.Value <= 0 || req.Value > 10_000 {
			return nil, domain.Validation("percentage value must be 1..10000 basis points")
		}
	case domain.DiscountFixed:
		if req.Value <= 0 {
			return nil, domain.Validation("fixed value must be a positive amount in cents")
		}
	default:
		return nil, domain.Validation("unsupported discount type %q", req.Type)
	}
	switch req.TargetType {
	case domain.TargetGlobal:
		req.TargetValue = ""
	case domain.TargetProduct, domain.TargetBrand, domain.TargetCategory, domain.TargetCustomerType:
		if strings.TrimSpace(req.TargetValue) == "" {
			return nil, domain.Validation("target value is required for %s discounts", req.TargetType)
		}
	default:
		return nil, domain.Validation("unsupported target type %q", req.TargetType)
	}
	if req.MinimumPurchaseCents < 0 {
		return nil, domain.Validation("minimum purchase must not be negative")
	}
	var startDate, endDate *time.Time
	if req.StartDate != "" {
		day, err := time.Parse("2006-01-02", req.StartDate)
		if err != nil {
			return nil, domain.Validation("start_date must look like 2006-01-02")
		}
		startDate = &day
	}
	if req.EndDate != "" {
		day, err := time.Parse("2006-01-02", req.EndDate)
		if err != nil {
			return nil, domain.Validation("end_date must look like 2006-01-02")
		}
		// End dates are inclusive: a discount ending 2026-08-31 still
		// applies for the whole of that day.
		end := day.Add(24 * time.Hour)
		endDate = &end
	}
	if startDate != nil && endDate != nil && !endDate.After(*startDate) {
		return nil, domain.Validation("end_date must not be before start_date")
	}
	created, err := s.repo.CreateDiscount(ctx, domain.Discount{
		Name:                 req.Name,
		Type:                 req.Type,
		Value:                req.Value,
		TargetType:           req.TargetType,
		TargetValue:          req.TargetValue,
		MinimumPurchaseCents: req.MinimumPurchaseCents,
		StartDate:            startDate,
		EndDate:              endDate,
		PriorityLevel:        req.PriorityLevel,
		Stackable:            req.Stackable,
	})
	if err != nil {
		return nil, err
	}
	s.invalidateDiscounts(ctx)
	s.logAudit(ctx, "discount_create", "discount", created.ID, created.Name)
	return created, nil
}

func (s *Service) SetDiscountActive(ctx context.Context, id string, active bool) (*domain.Discount, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if strings.TrimSpace(id) == "" {
		return nil, domain.Validation("discount id is required")
	}
	disc, err := s.repo.SetDiscountActive(ctx, id, active)
	if err != nil {
		return nil, err
	}
	s.invalidateDiscounts(ctx)
	state := "disabled"
	if active {
		state = "enabled"
	}
	s.logAudit(ctx, "discount_toggle", "discount", disc.ID, state)
	return disc, nil
}

// --- Shifts ---

func (s *Service) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (*domain.Shift, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	shift, err := s.repo.OpenShift(ctx, domain.Shift{
		UserID:           actor.UserID,
		TerminalName:     strings.TrimSpace(req.TerminalName),
		OpeningCashCents: req.OpeningCashCents,
		OpenedAt:         time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "shift_open", "shift", shift.ID, shift.TerminalName)
	return shift, nil
}

func (s *Service) CloseShift(ctx context.Context, req domain.ShiftCloseRequest) (*domain.ShiftCloseResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if req.ActualCashCents < 0 {
		return nil, domain.Validation("actual cash must not be negative")
	}
	active, err := s.repo.GetActiveShiftForUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	shift, err := s.repo.CloseShift(ctx, active.ID, req.ActualCashCents, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	summary, err := s.repo.GetShiftSummary(ctx, shift.ID)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "shift_close", "shift", shift.ID, string(shift.ApprovalStatus))
	return &domain.ShiftCloseResponse{Shift: *shift, Summary: *summary}, nil
}

func (s *Service) GetActiveShift(ctx context.Context) (*domain.Shift, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.GetActiveShiftForUser(ctx, actor.UserID)
}

func (s *Service) GetShift(ctx context.Context, id string) (*domain.Shift, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(id) == "" {
		return nil, domain.Validation("shift id is required")
	}
	return s.repo.GetShift(ctx, id)
}

func (s *Service) GetShiftSummary(ctx context.Context, id string) (*domain.ShiftSummary, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(id) == "" {
		return nil, domain.Validation("shift id is required")
	}
	return s.repo.GetShiftSummary(ctx, id)
}

func (s *Service) ApproveShift(ctx context.Context, id string, req domain.ShiftApprovalRequest) (*domain.Shift, error) {
	return s.resolveShiftApproval(ctx, id, domain.ApprovalApproved, req.Note, "shift_approve")
}

func (s *Service) RejectShift(ctx context.Context, id string, req domain.ShiftApprovalRequest) (*domain.Shift, error) {
	return s.resolveShiftApproval(ctx, id, domain.ApprovalRejected, req.Note, "shift_reject")
}

func (s *Service) resolveShiftApproval(ctx context.Context, id string, status domain.ApprovalStatus, note, action string) (*domain.Shift, error) {
	actor, err := requireRole(ctx, domain.RoleSupervisor, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(id) == "" {
		return nil, domain.Validation("shift id is required")
	}
	shift, err := s.repo.SetShiftApproval(ctx, id, status, actor.UserID, note)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, action, "shift", shift.ID, note)
	return shift, nil
}

// --- Sales ---

func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	items := normalizeLines(req.Items)
	if len(items) == 0 {
		return nil, domain.Validation("checkout requires at least one item")
	}
	method := req.PaymentMethod
	if method == "" {
		method = domain.PaymentCash
	}
	if !isSupportedPaymentMethod(method) {
		return nil, domain.Validation("unsupported payment method %q", method)
	}
	if req.RedeemedPoints < 0 {
		return nil, domain.Validation("redeemed points must not be negative")
	}
	shift, err := s.repo.GetActiveShiftForUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	sale, err := s.repo.CreateSale(ctx, store.SaleRequest{
		ShiftID:        shift.ID,
		CashierID:      actor.UserID,
		CustomerID:     strings.TrimSpace(req.CustomerID),
		Items:          items,
		PaymentMethod:  method,
		RedeemedPoints: req.RedeemedPoints,
		Now:            time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "checkout", "sale", sale.ID, sale.InvoiceNo)
	return &domain.CheckoutResponse{Sale: *sale}, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(id) == "" {
		return nil, domain.Validation("sale id is required")
	}
	return s.repo.GetSale(ctx, id)
}

func (s *Service) ListSalesForShift(ctx context.Context, shiftID string) ([]domain.Sale, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(shiftID) == "" {
		return nil, domain.Validation("shift id is required")
	}
	return s.repo.ListSalesForShift(ctx, shiftID)
}

func (s *Service) VoidSale(ctx context.Context, saleID string, req domain.VoidSaleRequest) (*domain.Sale, error) {
	actor, err := requireRole(ctx, domain.RoleSupervisor, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(saleID) == "" {
		return nil, domain.Validation("sale id is required")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "unspecified"
	}
	shift, err := s.repo.GetActiveShiftForUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	sale, err := s.repo.VoidSale(ctx, saleID, shift.ID, reason, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "sale_void", "sale", sale.ID, reason)
	return sale, nil
}

// --- Returns ---

func (s *Service) CreateReturn(ctx context.Context, req domain.CreateReturnRequest) (*domain.ReturnResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.SaleID) == "" {
		return nil, domain.Validation("sale id is required")
	}
	if len(req.Items) == 0 {
		return nil, domain.Validation("a return needs at least one item")
	}
	method := req.RefundMethod
	if method == "" {
		method = domain.PaymentCash
	}
	if !isSupportedPaymentMethod(method) {
		return nil, domain.Validation("unsupported refund method %q", method)
	}
	shift, err := s.repo.GetActiveShiftForUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	ret, err := s.repo.CreateReturn(ctx, store.ReturnRequest{
		SaleID:       strings.TrimSpace(req.SaleID),
		ShiftID:      shift.ID,
		Items:        req.Items,
		RefundMethod: method,
		Reason:       strings.TrimSpace(req.Reason),
		Now:          time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "return_create", "return", ret.ID, ret.ReturnNumber)
	return &domain.ReturnResponse{Return: *ret}, nil
}

func (s *Service) GetReturn(ctx context.Context, id string) (*domain.Return, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(id) == "" {
		return nil, domain.Validation("return id is required")
	}
	return s.repo.GetReturn(ctx, id)
}

func (s *Service) ListReturnsForSale(ctx context.Context, saleID string) ([]domain.Return, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(saleID) == "" {
		return nil, domain.Validation("sale id is required")
	}
	return s.repo.ListReturnsForSale(ctx, saleID)
}

func (s *Service) CancelReturn(ctx context.Context, returnID string, req domain.CancelReturnRequest) (*domain.Return, error) {
	if _, err := requireRole(ctx, domain.RoleSupervisor, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if strings.TrimSpace(returnID) == "" {
		return nil, domain.Validation("return id is required")
	}
	ret, err := s.repo.CancelReturn(ctx, returnID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "return_cancel", "return", ret.ID, strings.TrimSpace(req.Reason))
	return ret, nil
}

// --- Reporting ---

func (s *Service) DailyReport(ctx context.Context, date string) (domain.DailyReport, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.DailyReport{}, err
	}
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return domain.DailyReport{}, domain.Validation("date must look like 2006-01-02")
	}
	return s.repo.GetDailyReport(ctx, day, day.Add(24*time.Hour))
}

// ListAuditLogs returns the newest entries first. Without a date the window
// is unbounded and only the limit applies.
func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	var from, to time.Time
	if date != "" {
		day, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, domain.Validation("date must look like 2006-01-02")
		}
		from, to = day, day.Add(24*time.Hour)
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}
