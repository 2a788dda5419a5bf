package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tokotempo/backend/internal/domain"
	"tokotempo/backend/internal/pricing"
	"tokotempo/backend/internal/store"
	"tokotempo/backend/internal/xid"
)

// Store is the in-memory Repository used for dev mode and tests. A single
// mutex hold plays the role of the database transaction: every mutating
// operation validates, then commits all of its effects, under one lock.
type Store struct {
	mu                    sync.RWMutex
	params                store.Params
	products              map[string]domain.Product
	customers             map[string]domain.Customer
	discounts             map[string]domain.Discount
	shiftsByID            map[string]domain.Shift
	activeShiftByUser     map[string]string
	activeShiftByTerminal map[string]string
	salesByID             map[string]*domain.Sale
	saleIDByInvoice       map[string]string
	returnsByID           map[string]*domain.Return
	auditLogs             []domain.AuditLog
	usersByUsername       map[string]domain.UserAccount
}

func New(params store.Params) *Store {
	return &Store{
		params:                params,
		products:              make(map[string]domain.Product),
		customers:             make(map[string]domain.Customer),
		discounts:             make(map[string]domain.Discount),
		shiftsByID:            make(map[string]domain.Shift),
		activeShiftByUser:     make(map[string]string),
		activeShiftByTerminal: make(map[string]string),
		salesByID:             make(map[string]*domain.Sale),
		saleIDByInvoice:       make(map[string]string),
		returnsByID:           make(map[string]*domain.Return),
		auditLogs:             make([]domain.AuditLog, 0, 128),
		usersByUsername:       make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_*_PASSWORD environment variables, with hardcoded
// dev defaults and a warning when unset. These accounts are never used in
// production (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	supervisorPwd := envOr("SEED_SUPERVISOR_PASSWORD", "supervisor123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD, SEED_SUPERVISOR_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"supervisor", supervisorPwd, domain.RoleSupervisor},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			ID:        xid.New("usr"),
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

func NewSeeded(params store.Params) *Store {
	s := New(params)
	s.usersByUsername = seedUsers()

	now := time.Now().UTC()
	products := []domain.Product{
		{ID: "prd_mie01", SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", Brand: "Sedaap", Category: "grocery", PriceCents: 3500, CartonPriceCents: 134400, PcsPerCarton: 40, StockPcs: 480},
		{ID: "prd_telur01", SKU: "SKU-TELUR-01", Name: "Telur 10 Butir", Brand: "Lokal", Category: "grocery", PriceCents: 26500, StockPcs: 120},
		{ID: "prd_susu01", SKU: "SKU-SUSU-01", Name: "Susu UHT 1L", Brand: "Ultra", Category: "dairy", PriceCents: 18900, CartonPriceCents: 215000, PcsPerCarton: 12, StockPcs: 144},
		{ID: "prd_roti01", SKU: "SKU-ROTI-01", Name: "Roti Tawar", Brand: "Sari Roti", Category: "bakery", PriceCents: 17800, StockPcs: 60},
		{ID: "prd_kopi01", SKU: "SKU-KOPI-01", Name: "Kopi Sachet", Brand: "Kapal Api", Category: "beverage", PriceCents: 2600, CartonPriceCents: 28000, PcsPerCarton: 12, StockPcs: 360},
		{ID: "prd_gula01", SKU: "SKU-GULA-01", Name: "Gula 1kg", Brand: "Gulaku", Category: "grocery", PriceCents: 17400, StockPcs: 90},
		{ID: "prd_air01", SKU: "SKU-AIR-01", Name: "Air Mineral 600ml", Brand: "Aqua", Category: "beverage", PriceCents: 3900, CartonPriceCents: 85000, PcsPerCarton: 24, StockPcs: 480},
		{ID: "prd_keripik01", SKU: "SKU-KERIPIK-01", Name: "Keripik Singkong", Brand: "Qtela", Category: "snack", PriceCents: 12800, StockPcs: 96},
		{ID: "prd_coklat01", SKU: "SKU-COKLAT-01", Name: "Coklat Batang", Brand: "SilverQueen", Category: "snack", PriceCents: 8600, StockPcs: 72},
		{ID: "prd_sabun01", SKU: "SKU-SABUN-01", Name: "Sabun Mandi", Brand: "Lifebuoy", Category: "household", PriceCents: 7400, StockPcs: 150},
	}
	for _, p := range products {
		s.products[p.ID] = p
	}

	customers := []domain.Customer{
		{ID: "cus_budi", Name: "Budi Santoso", Phone: "081234560001", Type: domain.CustomerMember, TotalPoints: 120, TotalSpendingCents: 420_000, TierLevel: domain.TierSilver, CreatedAt: now},
		{ID: "cus_sari", Name: "Sari Wulandari", Phone: "081234560002", Type: domain.CustomerMember, TotalPoints: 850, TotalSpendingCents: 1_650_000, TierLevel: domain.TierGold, CreatedAt: now},
		{ID: "cus_toko", Name: "Toko Makmur Jaya", Phone: "081234560003", Type: domain.CustomerWholesale, TotalPoints: 40, TotalSpendingCents: 80_000, TierLevel: domain.TierBronze, CreatedAt: now},
	}
	for _, c := range customers {
		s.customers[c.ID] = c
	}

	discounts := []domain.Discount{
		{ID: "dsc_snack10", Name: "Diskon Snack 10%", Type: domain.DiscountPercentage, Value: 1000, TargetType: domain.TargetCategory, TargetValue: "snack", PriorityLevel: 5, Stackable: true, Active: true, Status: domain.DiscountStatusActive, CreatedAt: now},
		{ID: "dsc_member5", Name: "Member 5%", Type: domain.DiscountPercentage, Value: 500, TargetType: domain.TargetCustomerType, TargetValue: "member", MinimumPurchaseCents: 50_000, PriorityLevel: 3, Stackable: false, Active: true, Status: domain.DiscountStatusActive, CreatedAt: now},
	}
	for _, d := range discounts {
		s.discounts[d.ID] = d
	}

	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Archived {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, domain.NotFound("product %s not found", id)
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customers[id]
	if !exists {
		return nil, domain.NotFound("customer %s not found", id)
	}
	copyCustomer := customer
	return &copyCustomer, nil
}

func (s *Store) ListDiscounts(_ context.Context) ([]domain.Discount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	discounts := make([]domain.Discount, 0, len(s.discounts))
	for _, d := range s.discounts {
		discounts = append(discounts, d)
	}
	sortDiscounts(discounts)
	return discounts, nil
}

func (s *Store) ListActiveDiscounts(_ context.Context) ([]domain.Discount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.activeDiscountsLocked(), nil
}

func (s *Store) activeDiscountsLocked() []domain.Discount {
	discounts := make([]domain.Discount, 0, len(s.discounts))
	for _, d := range s.discounts {
		if !d.Active || d.Status != domain.DiscountStatusActive {
			continue
		}
		discounts = append(discounts, d)
	}
	sortDiscounts(discounts)
	return discounts
}

func sortDiscounts(discounts []domain.Discount) {
	slices.SortFunc(discounts, func(a, b domain.Discount) int {
		if a.PriorityLevel != b.PriorityLevel {
			if a.PriorityLevel > b.PriorityLevel {
				return -1
			}
			return 1
		}
		return cmpString(a.ID, b.ID)
	})
}

func (s *Store) CreateDiscount(_ context.Context, discount domain.Discount) (*domain.Discount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if discount.ID == "" {
		discount.ID = xid.New("dsc")
	}
	if discount.CreatedAt.IsZero() {
		discount.CreatedAt = time.Now().UTC()
	}
	if discount.Status == "" {
		discount.Status = domain.DiscountStatusActive
	}
	discount.Active = true

	s.discounts[discount.ID] = discount
	created := discount
	return &created, nil
}

func (s *Store) SetDiscountActive(_ context.Context, discountID string, active bool) (*domain.Discount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	discount, exists := s.discounts[discountID]
	if !exists {
		return nil, domain.NotFound("discount %s not found", discountID)
	}
	discount.Active = active
	s.discounts[discountID] = discount
	updated := discount
	return &updated, nil
}

func (s *Store) OpenShift(_ context.Context, shift domain.Shift) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if shift.UserID == "" || shift.TerminalName == "" {
		return nil, domain.Validation("user and terminal are required to open a shift")
	}
	if shift.OpeningCashCents < 0 {
		return nil, domain.Validation("opening cash must not be negative")
	}
	if existingID, exists := s.activeShiftByUser[shift.UserID]; exists {
		return nil, domain.Conflict(domain.CodeShiftAlreadyActive, "user already has an active shift").WithDetail("shift_id", existingID)
	}
	if existingID, exists := s.activeShiftByTerminal[shift.TerminalName]; exists {
		return nil, domain.Conflict(domain.CodeShiftAlreadyActive, "terminal %s already has an active shift", shift.TerminalName).WithDetail("shift_id", existingID)
	}

	if shift.ID == "" {
		shift.ID = xid.New("shf")
	}
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	shift.Status = domain.ShiftActive
	shift.ApprovalStatus = domain.ApprovalNone
	shift.ClosedAt = nil
	shift.ExpectedCashCents = shift.OpeningCashCents
	shift.Totals = domain.ShiftTotals{ByPaymentMethod: map[string]int64{}}

	s.shiftsByID[shift.ID] = shift
	s.activeShiftByUser[shift.UserID] = shift.ID
	s.activeShiftByTerminal[shift.TerminalName] = shift.ID
	return cloneShift(shift), nil
}

func (s *Store) CloseShift(_ context.Context, shiftID string, actualCashCents int64, closedAt time.Time) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, exists := s.shiftsByID[shiftID]
	if !exists {
		return nil, domain.NotFound("shift %s not found", shiftID)
	}
	if shift.Status != domain.ShiftActive {
		return nil, domain.Conflict(domain.CodeNoActiveShift, "shift %s is already closed", shiftID)
	}
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	expected := shift.OpeningCashCents + shift.Totals.CashSalesCents() - shift.Totals.CashRefundsCents
	diff := actualCashCents - expected

	shift.Status = domain.ShiftClosed
	shift.ClosedAt = &closedAt
	shift.ExpectedCashCents = expected
	shift.ActualCashCents = actualCashCents
	shift.CashDifferenceCents = diff
	if abs64(diff) > s.params.CashToleranceCents {
		shift.ApprovalStatus = domain.ApprovalPending
	} else {
		shift.ApprovalStatus = domain.ApprovalNone
	}

	delete(s.activeShiftByUser, shift.UserID)
	delete(s.activeShiftByTerminal, shift.TerminalName)
	s.shiftsByID[shiftID] = shift
	return cloneShift(shift), nil
}

func (s *Store) GetShift(_ context.Context, shiftID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shift, exists := s.shiftsByID[shiftID]
	if !exists {
		return nil, domain.NotFound("shift %s not found", shiftID)
	}
	return cloneShift(shift), nil
}

func (s *Store) GetActiveShiftForUser(_ context.Context, userID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shiftID, exists := s.activeShiftByUser[userID]
	if !exists {
		return nil, domain.Conflict(domain.CodeNoActiveShift, "no active shift for user")
	}
	shift := s.shiftsByID[shiftID]
	return cloneShift(shift), nil
}

// GetShiftSummary returns the reconciliation view: recomputed from sale and
// return rows while the shift is ACTIVE, the frozen close-time snapshot once
// it is CLOSED.
func (s *Store) GetShiftSummary(_ context.Context, shiftID string) (*domain.ShiftSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shift, exists := s.shiftsByID[shiftID]
	if !exists {
		return nil, domain.NotFound("shift %s not found", shiftID)
	}

	if shift.Status == domain.ShiftClosed {
		return &domain.ShiftSummary{
			ShiftID:             shift.ID,
			Status:              shift.Status,
			ApprovalStatus:      shift.ApprovalStatus,
			OpeningCashCents:    shift.OpeningCashCents,
			ExpectedCashCents:   shift.ExpectedCashCents,
			ActualCashCents:     shift.ActualCashCents,
			CashDifferenceCents: shift.CashDifferenceCents,
			Totals:              cloneTotals(shift.Totals),
			Frozen:              true,
		}, nil
	}

	totals := s.recomputeTotalsLocked(shiftID)
	expected := shift.OpeningCashCents + totals.CashSalesCents() - totals.CashRefundsCents
	return &domain.ShiftSummary{
		ShiftID:           shift.ID,
		Status:            shift.Status,
		ApprovalStatus:    shift.ApprovalStatus,
		OpeningCashCents:  shift.OpeningCashCents,
		ExpectedCashCents: expected,
		Totals:            totals,
		Frozen:            false,
	}, nil
}

// recomputeTotalsLocked derives a shift's counters from rows. A voided sale
// owned by a shift that was already closed at void time shows up as a negative
// adjustment on the voiding shift instead, keeping closed snapshots untouched.
func (s *Store) recomputeTotalsLocked(shiftID string) domain.ShiftTotals {
	totals := domain.ShiftTotals{ByPaymentMethod: map[string]int64{}}

	for _, sale := range s.salesByID {
		if sale.ShiftID == shiftID && sale.Status == domain.SaleCompleted {
			totals.SalesCents += sale.FinalAmountCents
			totals.DiscountsCents += sale.ItemDiscountCents + sale.GlobalDiscountCents
			totals.PointsEarned += sale.PointsEarned
			totals.PointsRedeemed += sale.RedeemedPoints
			totals.SaleCount++
			totals.ByPaymentMethod[sale.PaymentMethod] += sale.FinalAmountCents
		}
		if sale.Status == domain.SaleCancelled && sale.CancelledUnderShift == shiftID {
			totals.VoidCount++
			if sale.ShiftID != shiftID && s.ownerClosedBeforeVoidLocked(sale) {
				totals.SalesCents -= sale.FinalAmountCents
				totals.ByPaymentMethod[sale.PaymentMethod] -= sale.FinalAmountCents
			}
		}
	}

	for _, ret := range s.returnsByID {
		if ret.ShiftID != shiftID || ret.Status != domain.ReturnCompleted {
			continue
		}
		totals.RefundsCents += ret.TotalRefundCents
		if ret.RefundMethod == domain.PaymentCash {
			totals.CashRefundsCents += ret.TotalRefundCents
		}
		totals.ReturnCount++
	}

	return totals
}

func (s *Store) ownerClosedBeforeVoidLocked(sale *domain.Sale) bool {
	owner, exists := s.shiftsByID[sale.ShiftID]
	if !exists || owner.Status != domain.ShiftClosed || owner.ClosedAt == nil || sale.VoidedAt == nil {
		return false
	}
	return owner.ClosedAt.Before(*sale.VoidedAt)
}

func (s *Store) SetShiftApproval(_ context.Context, shiftID string, status domain.ApprovalStatus, approvedBy string, note string) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, exists := s.shiftsByID[shiftID]
	if !exists {
		return nil, domain.NotFound("shift %s not found", shiftID)
	}
	if shift.ApprovalStatus != domain.ApprovalPending {
		return nil, domain.Conflict(domain.CodeApprovalNotPending, "shift %s is not pending approval", shiftID)
	}

	shift.ApprovalStatus = status
	shift.ApprovedBy = approvedBy
	shift.ApprovalNote = note
	s.shiftsByID[shiftID] = shift
	return cloneShift(shift), nil
}

func (s *Store) CreateSale(_ context.Context, req store.SaleRequest) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, exists := s.shiftsByID[req.ShiftID]
	if !exists || shift.Status != domain.ShiftActive {
		return nil, domain.Conflict(domain.CodeNoActiveShift, "checkout requires an active shift")
	}
	if len(req.Items) == 0 {
		return nil, domain.Validation("cart is empty")
	}
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}

	var customer *domain.Customer
	if req.CustomerID != "" {
		c, ok := s.customers[req.CustomerID]
		if !ok {
			return nil, domain.NotFound("customer %s not found", req.CustomerID)
		}
		cc := c
		customer = &cc
	}

	cart := make([]pricing.CartItem, 0, len(req.Items))
	neededPcs := make(map[string]int, len(req.Items))
	for _, line := range req.Items {
		if line.Qty < 1 {
			return nil, domain.Validation("item quantity must be positive").WithDetail("product_id", line.ProductID)
		}
		product, ok := s.products[line.ProductID]
		if !ok || product.Archived {
			return nil, domain.NotFound("product %s not found", line.ProductID)
		}
		unit := line.Unit
		if unit == "" {
			unit = domain.UnitPcs
		}
		if unit == domain.UnitCarton && product.PcsPerCarton < 1 {
			return nil, domain.Validation("product %s has no carton packaging", line.ProductID)
		}
		cart = append(cart, pricing.CartItem{Product: product, Qty: line.Qty, Unit: unit})
		neededPcs[product.ID] += product.PcsFor(unit, line.Qty)
	}

	result := pricing.ResolveDiscounts(req.Now, cart, customer, s.activeDiscountsLocked())
	payable := result.NetCents()

	var redeemedPoints, redeemedAmount int64
	if req.RedeemedPoints > 0 {
		if customer == nil {
			return nil, domain.Validation("point redemption requires a customer")
		}
		redeemedPoints, redeemedAmount = s.params.Loyalty.CapRedemption(req.RedeemedPoints, customer.TotalPoints, payable)
	}
	final := payable - redeemedAmount

	for productID, need := range neededPcs {
		if product := s.products[productID]; product.StockPcs < need {
			return nil, domain.Conflict(domain.CodeInsufficientStock, "insufficient stock for product %s", productID).
				WithDetail("product_id", productID).
				WithDetail("requested_pcs", need).
				WithDetail("available_pcs", product.StockPcs)
		}
	}

	var pointsEarned int64
	if customer != nil {
		pointsEarned = s.params.Loyalty.PointsEarned(final, customer.TierLevel)
	}

	for productID, need := range neededPcs {
		product := s.products[productID]
		product.StockPcs -= need
		s.products[productID] = product
	}

	if customer != nil {
		c := s.customers[customer.ID]
		c.TotalPoints += pointsEarned - redeemedPoints
		c.TotalSpendingCents += final
		c.TierLevel = s.params.Loyalty.TierFor(c.TotalSpendingCents)
		s.customers[customer.ID] = c
	}

	s.adjustShiftLocked(shift.ID, func(t *domain.ShiftTotals) {
		t.SalesCents += final
		t.DiscountsCents += result.ItemDiscountCents + result.GlobalDiscountCents
		t.PointsEarned += pointsEarned
		t.PointsRedeemed += redeemedPoints
		t.SaleCount++
		t.ByPaymentMethod[req.PaymentMethod] += final
	})

	invoiceNo := xid.InvoiceNo(req.Now)
	for {
		if _, taken := s.saleIDByInvoice[invoiceNo]; !taken {
			break
		}
		invoiceNo = xid.InvoiceNo(req.Now)
	}

	sale := &domain.Sale{
		ID:                  xid.New("sal"),
		InvoiceNo:           invoiceNo,
		ShiftID:             shift.ID,
		CashierID:           req.CashierID,
		CustomerID:          req.CustomerID,
		Items:               result.Lines,
		SubtotalCents:       result.SubtotalCents,
		ItemDiscountCents:   result.ItemDiscountCents,
		GlobalDiscountCents: result.GlobalDiscountCents,
		GlobalDiscountID:    result.GlobalDiscountID,
		RedeemedPoints:      redeemedPoints,
		RedeemedAmountCents: redeemedAmount,
		FinalAmountCents:    final,
		PaymentMethod:       req.PaymentMethod,
		Status:              domain.SaleCompleted,
		PointsEarned:        pointsEarned,
		CreatedAt:           req.Now,
	}
	s.salesByID[sale.ID] = sale
	s.saleIDByInvoice[sale.InvoiceNo] = sale.ID
	return cloneSale(sale), nil
}

func (s *Store) VoidSale(_ context.Context, saleID string, voidingShiftID string, reason string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.salesByID[saleID]
	if !exists {
		return nil, domain.NotFound("sale %s not found", saleID)
	}
	if sale.Status == domain.SaleCancelled {
		return nil, domain.Conflict(domain.CodeAlreadyCancelled, "sale %s is already cancelled", saleID)
	}
	for _, ret := range s.returnsByID {
		if ret.SaleID == saleID && ret.Status == domain.ReturnCompleted {
			return nil, domain.Validation("sale %s has completed returns; cancel them first", saleID)
		}
	}
	voidShift, exists := s.shiftsByID[voidingShiftID]
	if !exists || voidShift.Status != domain.ShiftActive {
		return nil, domain.Conflict(domain.CodeNoActiveShift, "voiding requires an active shift")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	for _, item := range sale.Items {
		if product, ok := s.products[item.ProductID]; ok {
			product.StockPcs += item.QtyPcs
			s.products[item.ProductID] = product
		}
	}

	if sale.CustomerID != "" {
		c := s.customers[sale.CustomerID]
		c.TotalPoints += sale.RedeemedPoints - sale.PointsEarned
		c.TotalSpendingCents -= sale.FinalAmountCents
		c.TierLevel = s.params.Loyalty.TierFor(c.TotalSpendingCents)
		s.customers[sale.CustomerID] = c
	}

	// Reverse the owning shift's counters only while it is still ACTIVE;
	// closed snapshots stay frozen and the adjustment lands on the voiding
	// shift instead.
	if owner := s.shiftsByID[sale.ShiftID]; owner.Status == domain.ShiftActive {
		s.adjustShiftLocked(sale.ShiftID, func(t *domain.ShiftTotals) {
			t.SalesCents -= sale.FinalAmountCents
			t.DiscountsCents -= sale.ItemDiscountCents + sale.GlobalDiscountCents
			t.PointsEarned -= sale.PointsEarned
			t.PointsRedeemed -= sale.RedeemedPoints
			t.SaleCount--
			t.ByPaymentMethod[sale.PaymentMethod] -= sale.FinalAmountCents
		})
	} else {
		s.adjustShiftLocked(voidingShiftID, func(t *domain.ShiftTotals) {
			t.SalesCents -= sale.FinalAmountCents
			t.ByPaymentMethod[sale.PaymentMethod] -= sale.FinalAmountCents
		})
	}
	s.adjustShiftLocked(voidingShiftID, func(t *domain.ShiftTotals) {
		t.VoidCount++
	})

	sale.Status = domain.SaleCancelled
	sale.CancelledUnderShift = voidingShiftID
	sale.VoidReason = reason
	sale.VoidedAt = &at
	return cloneSale(sale), nil
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, exists := s.salesByID[saleID]
	if !exists {
		return nil, domain.NotFound("sale %s not found", saleID)
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSalesForShift(_ context.Context, shiftID string) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, 16)
	for _, sale := range s.salesByID {
		if sale.ShiftID != shiftID {
			continue
		}
		sales = append(sales, *cloneSale(sale))
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return sales, nil
}

func (s *Store) CreateReturn(_ context.Context, req store.ReturnRequest) (*domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, exists := s.salesByID[req.SaleID]
	if !exists {
		return nil, domain.NotFound("sale %s not found", req.SaleID)
	}
	if sale.Status == domain.SaleCancelled {
		return nil, domain.Conflict(domain.CodeAlreadyCancelled, "sale %s is cancelled", req.SaleID)
	}
	shift, exists := s.shiftsByID[req.ShiftID]
	if !exists || shift.Status != domain.ShiftActive {
		return nil, domain.Conflict(domain.CodeNoActiveShift, "returns require an active shift")
	}
	if len(req.Items) == 0 {
		return nil, domain.Validation("return has no items")
	}
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}

	soldPcs := make(map[string]int)
	netByProduct := make(map[string]int64)
	for _, item := range sale.Items {
		soldPcs[item.ProductID] += item.QtyPcs
		netByProduct[item.ProductID] += item.NetCents()
	}

	returnedPcs := make(map[string]int)
	var priorReversed, priorRestored int64
	for _, ret := range s.returnsByID {
		if ret.SaleID != req.SaleID || ret.Status != domain.ReturnCompleted {
			continue
		}
		for _, line := range ret.Items {
			returnedPcs[line.ProductID] += line.QtyPcs
		}
		priorReversed += ret.PointsReversed
		priorRestored += ret.PointsRestored
	}

	saleNet := sale.SubtotalCents - sale.ItemDiscountCents - sale.GlobalDiscountCents
	postItemNet := sale.SubtotalCents - sale.ItemDiscountCents

	requested := make(map[string]int, len(req.Items))
	items := make([]domain.ReturnItem, 0, len(req.Items))
	var itemRefundTotal int64
	for _, line := range req.Items {
		if line.Qty < 1 {
			return nil, domain.Validation("return quantity must be positive").WithDetail("product_id", line.ProductID)
		}
		sold, onSale := soldPcs[line.ProductID]
		if !onSale {
			return nil, domain.Validation("product %s is not part of the sale", line.ProductID)
		}
		requested[line.ProductID] += line.Qty
		remaining := sold - returnedPcs[line.ProductID]
		if requested[line.ProductID] > remaining {
			return nil, domain.Conflict(domain.CodeReturnQtyExceedsSold, "return quantity exceeds remaining returnable quantity for product %s", line.ProductID).
				WithDetail("product_id", line.ProductID).
				WithDetail("remaining_pcs", remaining)
		}

		// Refund the returned share of the line net, minus this line's share
		// of the cart-global discount, so refunds never exceed what was paid.
		itemNet := pricing.ProportionalShare(netByProduct[line.ProductID], int64(line.Qty), int64(sold))
		globalShare := pricing.ProportionalShare(sale.GlobalDiscountCents, itemNet, postItemNet)
		refund := itemNet - globalShare
		itemRefundTotal += refund
		items = append(items, domain.ReturnItem{
			ProductID:   line.ProductID,
			Qty:         line.Qty,
			QtyPcs:      line.Qty,
			RefundCents: refund,
		})
	}

	fullReturn := true
	for productID, sold := range soldPcs {
		if returnedPcs[productID]+requested[productID] < sold {
			fullReturn = false
			break
		}
	}

	// The redeemed-points share of the refund comes back as points, not cash.
	pointsRestored := pricing.ProportionalShare(sale.RedeemedPoints, itemRefundTotal, saleNet)
	pointsReversed := pricing.ProportionalShare(sale.PointsEarned, itemRefundTotal, saleNet)
	if fullReturn {
		pointsRestored = sale.RedeemedPoints - priorRestored
		pointsReversed = sale.PointsEarned - priorReversed
	}
	redeemedDeduction := pointsRestored * s.params.Loyalty.RedeemValuePerPointCents
	totalRefund := itemRefundTotal - redeemedDeduction
	if totalRefund < 0 {
		totalRefund = 0
	}

	for productID, qty := range requested {
		if product, ok := s.products[productID]; ok {
			product.StockPcs += qty
			s.products[productID] = product
		}
	}

	if sale.CustomerID != "" {
		c := s.customers[sale.CustomerID]
		c.TotalPoints += pointsRestored - pointsReversed
		c.TotalSpendingCents -= totalRefund
		c.TierLevel = s.params.Loyalty.TierFor(c.TotalSpendingCents)
		s.customers[sale.CustomerID] = c
	}

	s.adjustShiftLocked(shift.ID, func(t *domain.ShiftTotals) {
		t.RefundsCents += totalRefund
		if req.RefundMethod == domain.PaymentCash {
			t.CashRefundsCents += totalRefund
		}
		t.ReturnCount++
	})

	returnNumber := xid.ReturnNo(req.Now)
	for {
		taken := false
		for _, ret := range s.returnsByID {
			if ret.ReturnNumber == returnNumber {
				taken = true
				break
			}
		}
		if !taken {
			break
		}
		returnNumber = xid.ReturnNo(req.Now)
	}

	ret := &domain.Return{
		ID:               xid.New("ret"),
		ReturnNumber:     returnNumber,
		SaleID:           sale.ID,
		ShiftID:          shift.ID,
		Items:            items,
		RefundMethod:     req.RefundMethod,
		TotalRefundCents: totalRefund,
		PointsReversed:   pointsReversed,
		PointsRestored:   pointsRestored,
		Status:           domain.ReturnCompleted,
		Reason:           req.Reason,
		CreatedAt:        req.Now,
	}
	s.returnsByID[ret.ID] = ret
	return cloneReturn(ret), nil
}

func (s *Store) CancelReturn(_ context.Context, returnID string, at time.Time) (*domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret, exists := s.returnsByID[returnID]
	if !exists {
		return nil, domain.NotFound("return %s not found", returnID)
	}
	if ret.Status == domain.ReturnCancelled {
		return nil, domain.Conflict(domain.CodeAlreadyCancelled, "return %s is already cancelled", returnID)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	// The restocked goods leave the shelf again; the cancel fails rather than
	// driving stock negative.
	for _, item := range ret.Items {
		if product, ok := s.products[item.ProductID]; ok && product.StockPcs < item.QtyPcs {
			return nil, domain.Conflict(domain.CodeInsufficientStock, "insufficient stock to cancel return for product %s", item.ProductID).
				WithDetail("product_id", item.ProductID).
				WithDetail("available_pcs", product.StockPcs)
		}
	}
	for _, item := range ret.Items {
		if product, ok := s.products[item.ProductID]; ok {
			product.StockPcs -= item.QtyPcs
			s.products[item.ProductID] = product
		}
	}

	sale := s.salesByID[ret.SaleID]
	if sale != nil && sale.CustomerID != "" {
		c := s.customers[sale.CustomerID]
		c.TotalPoints += ret.PointsReversed - ret.PointsRestored
		c.TotalSpendingCents += ret.TotalRefundCents
		c.TierLevel = s.params.Loyalty.TierFor(c.TotalSpendingCents)
		s.customers[sale.CustomerID] = c
	}

	if shift := s.shiftsByID[ret.ShiftID]; shift.Status == domain.ShiftActive {
		s.adjustShiftLocked(ret.ShiftID, func(t *domain.ShiftTotals) {
			t.RefundsCents -= ret.TotalRefundCents
			if ret.RefundMethod == domain.PaymentCash {
				t.CashRefundsCents -= ret.TotalRefundCents
			}
			t.ReturnCount--
		})
	}

	ret.Status = domain.ReturnCancelled
	ret.CancelledAt = &at
	return cloneReturn(ret), nil
}

func (s *Store) GetReturn(_ context.Context, returnID string) (*domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret, exists := s.returnsByID[returnID]
	if !exists {
		return nil, domain.NotFound("return %s not found", returnID)
	}
	return cloneReturn(ret), nil
}

func (s *Store) ListReturnsForSale(_ context.Context, saleID string) ([]domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	returns := make([]domain.Return, 0, 4)
	for _, ret := range s.returnsByID {
		if ret.SaleID != saleID {
			continue
		}
		returns = append(returns, *cloneReturn(ret))
	}
	slices.SortFunc(returns, func(a, b domain.Return) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return returns, nil
}

func (s *Store) GetDailyReport(_ context.Context, from time.Time, to time.Time) (domain.DailyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.DailyReport{ByPaymentMethod: make([]domain.DailyReportRow, 0, 4)}
	byPayment := map[string]*domain.DailyReportRow{}

	for _, sale := range s.salesByID {
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		if sale.Status != domain.SaleCompleted {
			continue
		}
		report.Sales++
		report.GrossCents += sale.SubtotalCents
		report.DiscountCents += sale.ItemDiscountCents + sale.GlobalDiscountCents
		report.NetCents += sale.FinalAmountCents

		row := byPayment[sale.PaymentMethod]
		if row == nil {
			row = &domain.DailyReportRow{PaymentMethod: sale.PaymentMethod}
			byPayment[sale.PaymentMethod] = row
		}
		row.Sales++
		row.TotalCents += sale.FinalAmountCents
	}

	for _, ret := range s.returnsByID {
		if ret.CreatedAt.Before(from) || !ret.CreatedAt.Before(to) {
			continue
		}
		if ret.Status != domain.ReturnCompleted {
			continue
		}
		report.RefundCents += ret.TotalRefundCents
	}
	report.NetCents -= report.RefundCents

	for _, row := range byPayment {
		report.ByPaymentMethod = append(report.ByPaymentMethod, *row)
	}
	slices.SortFunc(report.ByPaymentMethod, func(a, b domain.DailyReportRow) int {
		return cmpString(a.PaymentMethod, b.PaymentMethod)
	})
	return report, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) {
			continue
		}
		// A zero upper bound means no upper bound.
		if !to.IsZero() && !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.Password == "" {
		return domain.Validation("username and password are required")
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return domain.Validation("username %s is taken", user.Username)
	}
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if username == "" || password == "" {
		return domain.Validation("username and password are required")
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return domain.NotFound("user %s not found", username)
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) adjustShiftLocked(shiftID string, fn func(*domain.ShiftTotals)) {
	shift, exists := s.shiftsByID[shiftID]
	if !exists {
		return
	}
	if shift.Totals.ByPaymentMethod == nil {
		shift.Totals.ByPaymentMethod = map[string]int64{}
	}
	fn(&shift.Totals)
	s.shiftsByID[shiftID] = shift
}

func cloneShift(src domain.Shift) *domain.Shift {
	dup := src
	dup.Totals = cloneTotals(src.Totals)
	return &dup
}

func cloneTotals(src domain.ShiftTotals) domain.ShiftTotals {
	dup := src
	dup.ByPaymentMethod = make(map[string]int64, len(src.ByPaymentMethod))
	for method, amount := range src.ByPaymentMethod {
		dup.ByPaymentMethod[method] = amount
	}
	return dup
}

func cloneSale(src *domain.Sale) *domain.Sale {
	dup := *src
	items := make([]domain.SaleItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return &dup
}

func cloneReturn(src *domain.Return) *domain.Return {
	dup := *src
	items := make([]domain.ReturnItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return &dup
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}
