package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tokotempo/backend/internal/domain"
	"tokotempo/backend/internal/pricing"
	"tokotempo/backend/internal/store"
	"tokotempo/backend/internal/xid"
)

// Store is the PostgreSQL Repository. Every mutating engine operation runs in
// a single serializable transaction with FOR UPDATE locks on the rows it
// reads, so shift counters, stock and loyalty balances always move together.
type Store struct {
	db     *sql.DB
	params store.Params
}

func New(ctx context.Context, databaseURL string, params store.Params) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, params: params}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx so row helpers can be
// shared between plain reads and transactional reads.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, name, brand, category, price_cents, carton_price_cents,
			pcs_per_carton, stock_pcs, archived
		FROM products
		WHERE archived = false
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Brand, &p.Category, &p.PriceCents, &p.CartonPriceCents, &p.PcsPerCarton, &p.StockPcs, &p.Archived); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sku, name, brand, category, price_cents, carton_price_cents,
			pcs_per_carton, stock_pcs, archived
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.SKU, &p.Name, &p.Brand, &p.Category, &p.PriceCents, &p.CartonPriceCents, &p.PcsPerCarton, &p.StockPcs, &p.Archived)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("product %s not found", id)
		}
		return nil, err
	}
	return &p, nil
}

const customerColumns = `id, name, COALESCE(phone,''), type, total_points, total_spending_cents, tier_level, created_at`

func scanCustomer(row *sql.Row) (*domain.Customer, error) {
	var c domain.Customer
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Type, &c.TotalPoints, &c.TotalSpendingCents, &c.TierLevel, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	customer, err := scanCustomer(s.db.QueryRowContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("customer %s not found", id)
		}
		return nil, err
	}
	return customer, nil
}

func lockCustomer(ctx context.Context, q querier, id string) (*domain.Customer, error) {
	customer, err := scanCustomer(q.QueryRowContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("customer %s not found", id)
		}
		return nil, err
	}
	return customer, nil
}

func (s *Store) updateCustomer(ctx context.Context, q querier, c *domain.Customer) error {
	c.TierLevel = s.params.Loyalty.TierFor(c.TotalSpendingCents)
	_, err := q.ExecContext(ctx, `
		UPDATE customers
		SET total_points = $2, total_spending_cents = $3, tier_level = $4
		WHERE id = $1
	`, c.ID, c.TotalPoints, c.TotalSpendingCents, c.TierLevel)
	return err
}

const discountColumns = `id, name, type, value, target_type, COALESCE(target_value,''),
	minimum_purchase_cents, start_date, end_date, priority_level, stackable, active, status, created_at`

func scanDiscounts(rows *sql.Rows) ([]domain.Discount, error) {
	discounts := make([]domain.Discount, 0, 32)
	for rows.Next() {
		var d domain.Discount
		var start, end sql.NullTime
		if err := rows.Scan(&d.ID, &d.Name, &d.Type, &d.Value, &d.TargetType, &d.TargetValue, &d.MinimumPurchaseCents, &start, &end, &d.PriorityLevel, &d.Stackable, &d.Active, &d.Status, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.CreatedAt = d.CreatedAt.UTC()
		if start.Valid {
			at := start.Time.UTC()
			d.StartDate = &at
		}
		if end.Valid {
			at := end.Time.UTC()
			d.EndDate = &at
		}
		discounts = append(discounts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return discounts, nil
}

func (s *Store) ListDiscounts(ctx context.Context) ([]domain.Discount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+discountColumns+`
		FROM discounts
		ORDER BY priority_level DESC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDiscounts(rows)
}

func activeDiscounts(ctx context.Context, q querier) ([]domain.Discount, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+discountColumns+`
		FROM discounts
		WHERE active = true AND status = $1
		ORDER BY priority_level DESC, id ASC
	`, domain.DiscountStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDiscounts(rows)
}

func (s *Store) ListActiveDiscounts(ctx context.Context) ([]domain.Discount, error) {
	return activeDiscounts(ctx, s.db)
}

func (s *Store) CreateDiscount(ctx context.Context, discount domain.Discount) (*domain.Discount, error) {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO discounts (
			id, name, type, value, target_type, target_value, minimum_purchase_cents,
			start_date, end_date, priority_level, stackable, active, status, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, discount.ID, discount.Name, discount.Type, discount.Value, discount.TargetType,
		nullIfEmpty(discount.TargetValue), discount.MinimumPurchaseCents,
		nullTime(discount.StartDate), nullTime(discount.EndDate), discount.PriorityLevel,
		discount.Stackable, discount.Active, discount.Status, discount.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.Validation("discount %s already exists", discount.ID)
		}
		return nil, err
	}
	created := discount
	return &created, nil
}

func (s *Store) SetDiscountActive(ctx context.Context, discountID string, active bool) (*domain.Discount, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE discounts
		SET active = $2
		WHERE id = $1
	`, discountID, active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, domain.NotFound("discount %s not found", discountID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+discountColumns+`
		FROM discounts
		WHERE id = $1
	`, discountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	discounts, err := scanDiscounts(rows)
	if err != nil {
		return nil, err
	}
	if len(discounts) == 0 {
		return nil, domain.NotFound("discount %s not found", discountID)
	}
	return &discounts[0], nil
}

const shiftColumns = `id, user_id, terminal_name, opened_at, closed_at,
	opening_cash_cents, expected_cash_cents, actual_cash_cents, cash_difference_cents,
	status, approval_status, COALESCE(approved_by,''), COALESCE(approval_note,''),
	sales_cents, refunds_cents, cash_refunds_cents, discounts_cents,
	points_earned, points_redeemed, sale_count, void_count, return_count, by_payment`

func scanShift(row *sql.Row) (*domain.Shift, error) {
	var shift domain.Shift
	var closedAt sql.NullTime
	var byPayment []byte
	err := row.Scan(
		&shift.ID,
		&shift.UserID,
		&shift.TerminalName,
		&shift.OpenedAt,
		&closedAt,
		&shift.OpeningCashCents,
		&shift.ExpectedCashCents,
		&shift.ActualCashCents,
		&shift.CashDifferenceCents,
		&shift.Status,
		&shift.ApprovalStatus,
		&shift.ApprovedBy,
		&shift.ApprovalNote,
		&shift.Totals.SalesCents,
		&shift.Totals.RefundsCents,
		&shift.Totals.CashRefundsCents,
		&shift.Totals.DiscountsCents,
		&shift.Totals.PointsEarned,
		&shift.Totals.PointsRedeemed,
		&shift.Totals.SaleCount,
		&shift.Totals.VoidCount,
		&shift.Totals.ReturnCount,
		&byPayment,
	)
	if err != nil {
		return nil, err
	}
	shift.OpenedAt = shift.OpenedAt.UTC()
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		shift.ClosedAt = &at
	}
	shift.Totals.ByPaymentMethod = map[string]int64{}
	if len(byPayment) > 0 {
		if err := json.Unmarshal(byPayment, &shift.Totals.ByPaymentMethod); err != nil {
			return nil, err
		}
	}
	return &shift, nil
}

func getShift(ctx context.Context, q querier, shiftID string) (*domain.Shift, error) {
	shift, err := scanShift(q.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM shifts
		WHERE id = $1
	`, shiftID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("shift %s not found", shiftID)
		}
		return nil, err
	}
	return shift, nil
}

func lockShift(ctx context.Context, q querier, shiftID string) (*domain.Shift, error) {
	shift, err := scanShift(q.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM shifts
		WHERE id = $1
		FOR UPDATE
	`, shiftID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("shift %s not found", shiftID)
		}
		return nil, err
	}
	return shift, nil
}

// lockActiveShift locks shiftID and requires it to be ACTIVE. A missing or
// closed shift is the same business conflict; infrastructure errors pass
// through untouched so they surface as INTERNAL_ERROR, not a 409.
func lockActiveShift(ctx context.Context, q querier, shiftID string, message string) (*domain.Shift, error) {
	shift, err := lockShift(ctx, q, shiftID)
	if err != nil {
		if domain.CodeOf(err) == domain.CodeNotFound {
			return nil, domain.Conflict(domain.CodeNoActiveShift, "%s", message)
		}
		return nil, err
	}
	if shift.Status != domain.ShiftActive {
		return nil, domain.Conflict(domain.CodeNoActiveShift, "%s", message)
	}
	return shift, nil
}

func saveShiftTotals(ctx context.Context, q querier, shift *domain.Shift) error {
	byPayment, err := json.Marshal(shift.Totals.ByPaymentMethod)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		UPDATE shifts
		SET sales_cents = $2, refunds_cents = $3, cash_refunds_cents = $4,
			discounts_cents = $5, points_earned = $6, points_redeemed = $7,
			sale_count = $8, void_count = $9, return_count = $10, by_payment = $11
		WHERE id = $1
	`, shift.ID, shift.Totals.SalesCents, shift.Totals.RefundsCents,
		shift.Totals.CashRefundsCents, shift.Totals.DiscountsCents,
		shift.Totals.PointsEarned, shift.Totals.PointsRedeemed,
		shift.Totals.SaleCount, shift.Totals.VoidCount, shift.Totals.ReturnCount,
		byPayment)
	return err
}

// OpenShift enforces the one-active-shift invariant twice: a pre-check inside
// the transaction for a friendly error with the blocking shift id, and the
// partial unique indexes on shifts(user_id) and shifts(terminal_name) WHERE
// status = 'ACTIVE' as the backstop against races.
func (s *Store) OpenShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error) {
	if shift.UserID == "" || shift.TerminalName == "" {
		return nil, domain.Validation("user and terminal are required to open a shift")
	}
	if shift.OpeningCashCents < 0 {
		return nil, domain.Validation("opening cash must not be negative")
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

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT id
		FROM shifts
		WHERE status = $1 AND (user_id = $2 OR terminal_name = $3)
		LIMIT 1
	`, domain.ShiftActive, shift.UserID, shift.TerminalName).Scan(&existingID)
	if err == nil {
		return nil, domain.Conflict(domain.CodeShiftAlreadyActive, "user or terminal already has an active shift").WithDetail("shift_id", existingID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO shifts (
			id, user_id, terminal_name, opened_at, closed_at,
			opening_cash_cents, expected_cash_cents, actual_cash_cents, cash_difference_cents,
			status, approval_status, sales_cents, refunds_cents, cash_refunds_cents,
			discounts_cents, points_earned, points_redeemed, sale_count, void_count,
			return_count, by_payment
		)
		VALUES ($1,$2,$3,$4,NULL,$5,$6,0,0,$7,$8,0,0,0,0,0,0,0,0,0,'{}')
	`, shift.ID, shift.UserID, shift.TerminalName, shift.OpenedAt,
		shift.OpeningCashCents, shift.ExpectedCashCents, shift.Status, shift.ApprovalStatus)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.Conflict(domain.CodeShiftAlreadyActive, "user or terminal already has an active shift")
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	opened := shift
	return &opened, nil
}

func (s *Store) CloseShift(ctx context.Context, shiftID string, actualCashCents int64, closedAt time.Time) (*domain.Shift, error) {
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	shift, err := lockShift(ctx, tx, shiftID)
	if err != nil {
		return nil, err
	}
	if shift.Status != domain.ShiftActive {
		return nil, domain.Conflict(domain.CodeNoActiveShift, "shift %s is already closed", shiftID)
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

	_, err = tx.ExecContext(ctx, `
		UPDATE shifts
		SET status = $2, closed_at = $3, expected_cash_cents = $4,
			actual_cash_cents = $5, cash_difference_cents = $6, approval_status = $7
		WHERE id = $1
	`, shift.ID, shift.Status, closedAt, expected, actualCashCents, diff, shift.ApprovalStatus)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return shift, nil
}

func (s *Store) GetShift(ctx context.Context, shiftID string) (*domain.Shift, error) {
	return getShift(ctx, s.db, shiftID)
}

func (s *Store) GetActiveShiftForUser(ctx context.Context, userID string) (*domain.Shift, error) {
	shift, err := scanShift(s.db.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM shifts
		WHERE user_id = $1 AND status = $2
	`, userID, domain.ShiftActive))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.Conflict(domain.CodeNoActiveShift, "no active shift for user")
		}
		return nil, err
	}
	return shift, nil
}

// GetShiftSummary returns the reconciliation view: recomputed from sale and
// return rows while the shift is ACTIVE, the frozen close-time snapshot once
// it is CLOSED.
func (s *Store) GetShiftSummary(ctx context.Context, shiftID string) (*domain.ShiftSummary, error) {
	shift, err := getShift(ctx, s.db, shiftID)
	if err != nil {
		return nil, err
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
			Totals:              shift.Totals,
			Frozen:              true,
		}, nil
	}

	totals, err := s.recomputeTotals(ctx, shiftID)
	if err != nil {
		return nil, err
	}
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

// recomputeTotals derives a shift's counters from rows, mirroring the counter
// maintenance the engine operations do. A voided sale whose owning shift was
// already closed at void time shows up as a negative adjustment on the voiding
// shift, keeping closed snapshots untouched.
func (s *Store) recomputeTotals(ctx context.Context, shiftID string) (domain.ShiftTotals, error) {
	totals := domain.ShiftTotals{ByPaymentMethod: map[string]int64{}}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(final_amount_cents),0)::bigint,
			COALESCE(SUM(item_discount_cents + global_discount_cents),0)::bigint,
			COALESCE(SUM(points_earned),0)::bigint,
			COALESCE(SUM(redeemed_points),0)::bigint,
			COUNT(*)::int
		FROM sales
		WHERE shift_id = $1 AND status = $2
	`, shiftID, domain.SaleCompleted).Scan(
		&totals.SalesCents,
		&totals.DiscountsCents,
		&totals.PointsEarned,
		&totals.PointsRedeemed,
		&totals.SaleCount,
	)
	if err != nil {
		return totals, err
	}

	payRows, err := s.db.QueryContext(ctx, `
		SELECT payment_method, COALESCE(SUM(final_amount_cents),0)::bigint
		FROM sales
		WHERE shift_id = $1 AND status = $2
		GROUP BY payment_method
	`, shiftID, domain.SaleCompleted)
	if err != nil {
		return totals, err
	}
	for payRows.Next() {
		var method string
		var amount int64
		if err := payRows.Scan(&method, &amount); err != nil {
			_ = payRows.Close()
			return totals, err
		}
		totals.ByPaymentMethod[method] = amount
	}
	if err := payRows.Err(); err != nil {
		_ = payRows.Close()
		return totals, err
	}
	_ = payRows.Close()

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::int
		FROM sales
		WHERE cancelled_under_shift = $1 AND status = $2
	`, shiftID, domain.SaleCancelled).Scan(&totals.VoidCount)
	if err != nil {
		return totals, err
	}

	adjRows, err := s.db.QueryContext(ctx, `
		SELECT sa.payment_method, COALESCE(SUM(sa.final_amount_cents),0)::bigint
		FROM sales sa
		JOIN shifts owner ON owner.id = sa.shift_id
		WHERE sa.cancelled_under_shift = $1
			AND sa.status = $2
			AND sa.shift_id <> $1
			AND owner.status = $3
			AND owner.closed_at < sa.voided_at
		GROUP BY sa.payment_method
	`, shiftID, domain.SaleCancelled, domain.ShiftClosed)
	if err != nil {
		return totals, err
	}
	for adjRows.Next() {
		var method string
		var amount int64
		if err := adjRows.Scan(&method, &amount); err != nil {
			_ = adjRows.Close()
			return totals, err
		}
		totals.SalesCents -= amount
		totals.ByPaymentMethod[method] -= amount
	}
	if err := adjRows.Err(); err != nil {
		_ = adjRows.Close()
		return totals, err
	}
	_ = adjRows.Close()

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(total_refund_cents),0)::bigint,
			COALESCE(SUM(CASE WHEN refund_method = $3 THEN total_refund_cents ELSE 0 END),0)::bigint,
			COUNT(*)::int
		FROM returns
		WHERE shift_id = $1 AND status = $2
	`, shiftID, domain.ReturnCompleted, domain.PaymentCash).Scan(
		&totals.RefundsCents,
		&totals.CashRefundsCents,
		&totals.ReturnCount,
	)
	if err != nil {
		return totals, err
	}

	return totals, nil
}

func (s *Store) SetShiftApproval(ctx context.Context, shiftID string, status domain.ApprovalStatus, approvedBy string, note string) (*domain.Shift, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	shift, err := lockShift(ctx, tx, shiftID)
	if err != nil {
		return nil, err
	}
	if shift.ApprovalStatus != domain.ApprovalPending {
		return nil, domain.Conflict(domain.CodeApprovalNotPending, "shift %s is not pending approval", shiftID)
	}

	shift.ApprovalStatus = status
	shift.ApprovedBy = approvedBy
	shift.ApprovalNote = note
	_, err = tx.ExecContext(ctx, `
		UPDATE shifts
		SET approval_status = $2, approved_by = $3, approval_note = $4
		WHERE id = $1
	`, shiftID, status, nullIfEmpty(approvedBy), nullIfEmpty(note))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return shift, nil
}

func (s *Store) CreateSale(ctx context.Context, req store.SaleRequest) (*domain.Sale, error) {
	if len(req.Items) == 0 {
		return nil, domain.Validation("cart is empty")
	}
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	shift, err := lockActiveShift(ctx, tx, req.ShiftID, "checkout requires an active shift")
	if err != nil {
		return nil, err
	}

	var customer *domain.Customer
	if req.CustomerID != "" {
		customer, err = lockCustomer(ctx, tx, req.CustomerID)
		if err != nil {
			return nil, err
		}
	}

	productIDs := make([]string, 0, len(req.Items))
	seen := make(map[string]bool, len(req.Items))
	for _, line := range req.Items {
		if !seen[line.ProductID] {
			seen[line.ProductID] = true
			productIDs = append(productIDs, line.ProductID)
		}
	}

	productRows, err := tx.QueryContext(ctx, `
		SELECT id, sku, name, brand, category, price_cents, carton_price_cents,
			pcs_per_carton, stock_pcs, archived
		FROM products
		WHERE id = ANY($1)
		FOR UPDATE
	`, productIDs)
	if err != nil {
		return nil, err
	}
	productMap := make(map[string]domain.Product, len(productIDs))
	for productRows.Next() {
		var p domain.Product
		if err := productRows.Scan(&p.ID, &p.SKU, &p.Name, &p.Brand, &p.Category, &p.PriceCents, &p.CartonPriceCents, &p.PcsPerCarton, &p.StockPcs, &p.Archived); err != nil {
			_ = productRows.Close()
			return nil, err
		}
		productMap[p.ID] = p
	}
	if err := productRows.Err(); err != nil {
		_ = productRows.Close()
		return nil, err
	}
	_ = productRows.Close()

	cart := make([]pricing.CartItem, 0, len(req.Items))
	neededPcs := make(map[string]int, len(req.Items))
	for _, line := range req.Items {
		if line.Qty < 1 {
			return nil, domain.Validation("item quantity must be positive").WithDetail("product_id", line.ProductID)
		}
		product, ok := productMap[line.ProductID]
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

	pool, err := activeDiscounts(ctx, tx)
	if err != nil {
		return nil, err
	}
	result := pricing.ResolveDiscounts(req.Now, cart, customer, pool)
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
		if product := productMap[productID]; product.StockPcs < need {
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
		_, err = tx.ExecContext(ctx, `
			UPDATE products
			SET stock_pcs = stock_pcs - $2
			WHERE id = $1
		`, productID, need)
		if err != nil {
			return nil, err
		}
	}

	if customer != nil {
		customer.TotalPoints += pointsEarned - redeemedPoints
		customer.TotalSpendingCents += final
		if err := s.updateCustomer(ctx, tx, customer); err != nil {
			return nil, err
		}
	}

	shift.Totals.SalesCents += final
	shift.Totals.DiscountsCents += result.ItemDiscountCents + result.GlobalDiscountCents
	shift.Totals.PointsEarned += pointsEarned
	shift.Totals.PointsRedeemed += redeemedPoints
	shift.Totals.SaleCount++
	shift.Totals.ByPaymentMethod[req.PaymentMethod] += final
	if err := saveShiftTotals(ctx, tx, shift); err != nil {
		return nil, err
	}

	sale := &domain.Sale{
		ID:                  xid.New("sal"),
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

	if err := insertSaleRow(ctx, tx, sale); err != nil {
		return nil, err
	}

	for _, item := range sale.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, qty, unit, qty_pcs, unit_price_cents, discount_cents, discount_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, sale.ID, item.ProductID, item.Qty, item.Unit, item.QtyPcs, item.UnitPriceCents, item.DiscountCents, nullIfEmpty(item.DiscountID))
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sale, nil
}

const numberInsertAttempts = 3

// insertSaleRow writes the sale header, picking a fresh invoice number when a
// concurrent checkout claims the same one between the existence probe and the
// insert. The savepoint keeps the surrounding transaction usable after a
// unique violation so the retry can proceed in-place.
func insertSaleRow(ctx context.Context, q querier, sale *domain.Sale) error {
	for attempt := 1; ; attempt++ {
		invoiceNo, err := freeInvoiceNo(ctx, q, sale.CreatedAt)
		if err != nil {
			return err
		}
		sale.InvoiceNo = invoiceNo

		if _, err := q.ExecContext(ctx, `SAVEPOINT sale_insert`); err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO sales (
				id, invoice_no, shift_id, cashier_id, customer_id, subtotal_cents,
				item_discount_cents, global_discount_cents, global_discount_id,
				redeemed_points, redeemed_amount_cents, final_amount_cents,
				payment_method, status, points_earned, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		`, sale.ID, sale.InvoiceNo, sale.ShiftID, nullIfEmpty(sale.CashierID),
			nullIfEmpty(sale.CustomerID), sale.SubtotalCents, sale.ItemDiscountCents,
			sale.GlobalDiscountCents, nullIfEmpty(sale.GlobalDiscountID),
			sale.RedeemedPoints, sale.RedeemedAmountCents, sale.FinalAmountCents,
			sale.PaymentMethod, sale.Status, sale.PointsEarned, sale.CreatedAt)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) || attempt >= numberInsertAttempts {
			return err
		}
		if _, err := q.ExecContext(ctx, `ROLLBACK TO SAVEPOINT sale_insert`); err != nil {
			return err
		}
	}
}

// freeInvoiceNo regenerates until the candidate is unused. The invoice format
// carries enough randomness that this loop almost never spins; the unique
// index on sales(invoice_no) remains the hard guarantee against concurrent
// claims, handled by insertSaleRow's retry.
func freeInvoiceNo(ctx context.Context, q querier, now time.Time) (string, error) {
	for {
		candidate := xid.InvoiceNo(now)
		var exists bool
		err := q.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM sales WHERE invoice_no = $1)
		`, candidate).Scan(&exists)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
}

// insertReturnRow mirrors insertSaleRow for return numbers.
func insertReturnRow(ctx context.Context, q querier, ret *domain.Return) error {
	for attempt := 1; ; attempt++ {
		returnNumber, err := freeReturnNo(ctx, q, ret.CreatedAt)
		if err != nil {
			return err
		}
		ret.ReturnNumber = returnNumber

		if _, err := q.ExecContext(ctx, `SAVEPOINT return_insert`); err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO returns (
				id, return_number, sale_id, shift_id, refund_method, total_refund_cents,
				points_reversed, points_restored, status, reason, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, ret.ID, ret.ReturnNumber, ret.SaleID, ret.ShiftID, ret.RefundMethod,
			ret.TotalRefundCents, ret.PointsReversed, ret.PointsRestored, ret.Status,
			nullIfEmpty(ret.Reason), ret.CreatedAt)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) || attempt >= numberInsertAttempts {
			return err
		}
		if _, err := q.ExecContext(ctx, `ROLLBACK TO SAVEPOINT return_insert`); err != nil {
			return err
		}
	}
}

func freeReturnNo(ctx context.Context, q querier, now time.Time) (string, error) {
	for {
		candidate := xid.ReturnNo(now)
		var exists bool
		err := q.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM returns WHERE return_number = $1)
		`, candidate).Scan(&exists)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
}

const saleColumns = `id, invoice_no, shift_id, COALESCE(cashier_id,''), COALESCE(customer_id,''),
	subtotal_cents, item_discount_cents, global_discount_cents, COALESCE(global_discount_id,''),
	redeemed_points, redeemed_amount_cents, final_amount_cents, payment_method, status,
	points_earned, COALESCE(cancelled_under_shift,''), COALESCE(void_reason,''), voided_at, created_at`

func scanSale(row *sql.Row) (*domain.Sale, error) {
	var sale domain.Sale
	var voidedAt sql.NullTime
	err := row.Scan(
		&sale.ID,
		&sale.InvoiceNo,
		&sale.ShiftID,
		&sale.CashierID,
		&sale.CustomerID,
		&sale.SubtotalCents,
		&sale.ItemDiscountCents,
		&sale.GlobalDiscountCents,
		&sale.GlobalDiscountID,
		&sale.RedeemedPoints,
		&sale.RedeemedAmountCents,
		&sale.FinalAmountCents,
		&sale.PaymentMethod,
		&sale.Status,
		&sale.PointsEarned,
		&sale.CancelledUnderShift,
		&sale.VoidReason,
		&voidedAt,
		&sale.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		sale.VoidedAt = &at
	}
	return &sale, nil
}

func loadSaleItems(ctx context.Context, q querier, saleID string) ([]domain.SaleItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, qty, unit, qty_pcs, unit_price_cents, discount_cents, COALESCE(discount_id,'')
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ProductID, &item.Qty, &item.Unit, &item.QtyPcs, &item.UnitPriceCents, &item.DiscountCents, &item.DiscountID); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func getSale(ctx context.Context, q querier, saleID string, lock bool) (*domain.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	sale, err := scanSale(q.QueryRowContext(ctx, query, saleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("sale %s not found", saleID)
		}
		return nil, err
	}
	sale.Items, err = loadSaleItems(ctx, q, saleID)
	if err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return getSale(ctx, s.db, saleID, false)
}

func (s *Store) ListSalesForShift(ctx context.Context, shiftID string) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE shift_id = $1
		ORDER BY created_at ASC, id ASC
	`, shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 16)
	for rows.Next() {
		var sale domain.Sale
		var voidedAt sql.NullTime
		if err := rows.Scan(
			&sale.ID, &sale.InvoiceNo, &sale.ShiftID, &sale.CashierID, &sale.CustomerID,
			&sale.SubtotalCents, &sale.ItemDiscountCents, &sale.GlobalDiscountCents,
			&sale.GlobalDiscountID, &sale.RedeemedPoints, &sale.RedeemedAmountCents,
			&sale.FinalAmountCents, &sale.PaymentMethod, &sale.Status, &sale.PointsEarned,
			&sale.CancelledUnderShift, &sale.VoidReason, &voidedAt, &sale.CreatedAt,
		); err != nil {
			return nil, err
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		if voidedAt.Valid {
			at := voidedAt.Time.UTC()
			sale.VoidedAt = &at
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sales {
		items, err := loadSaleItems(ctx, s.db, sales[i].ID)
		if err != nil {
			return nil, err
		}
		sales[i].Items = items
	}
	return sales, nil
}

func (s *Store) VoidSale(ctx context.Context, saleID string, voidingShiftID string, reason string, at time.Time) (*domain.Sale, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sale, err := getSale(ctx, tx, saleID, true)
	if err != nil {
		return nil, err
	}
	if sale.Status == domain.SaleCancelled {
		return nil, domain.Conflict(domain.CodeAlreadyCancelled, "sale %s is already cancelled", saleID)
	}

	var completedReturns int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)::int
		FROM returns
		WHERE sale_id = $1 AND status = $2
	`, saleID, domain.ReturnCompleted).Scan(&completedReturns)
	if err != nil {
		return nil, err
	}
	if completedReturns > 0 {
		return nil, domain.Validation("sale %s has completed returns; cancel them first", saleID)
	}

	voidShift, err := lockActiveShift(ctx, tx, voidingShiftID, "voiding requires an active shift")
	if err != nil {
		return nil, err
	}

	for _, item := range sale.Items {
		_, err = tx.ExecContext(ctx, `
			UPDATE products
			SET stock_pcs = stock_pcs + $2
			WHERE id = $1
		`, item.ProductID, item.QtyPcs)
		if err != nil {
			return nil, err
		}
	}

	if sale.CustomerID != "" {
		customer, err := lockCustomer(ctx, tx, sale.CustomerID)
		if err != nil {
			return nil, err
		}
		customer.TotalPoints += sale.RedeemedPoints - sale.PointsEarned
		customer.TotalSpendingCents -= sale.FinalAmountCents
		if err := s.updateCustomer(ctx, tx, customer); err != nil {
			return nil, err
		}
	}

	// Reverse the owning shift's counters only while it is still ACTIVE;
	// closed snapshots stay frozen and the adjustment lands on the voiding
	// shift instead.
	owner := voidShift
	if sale.ShiftID != voidingShiftID {
		owner, err = lockShift(ctx, tx, sale.ShiftID)
		if err != nil {
			return nil, err
		}
	}
	if owner.Status == domain.ShiftActive {
		owner.Totals.SalesCents -= sale.FinalAmountCents
		owner.Totals.DiscountsCents -= sale.ItemDiscountCents + sale.GlobalDiscountCents
		owner.Totals.PointsEarned -= sale.PointsEarned
		owner.Totals.PointsRedeemed -= sale.RedeemedPoints
		owner.Totals.SaleCount--
		owner.Totals.ByPaymentMethod[sale.PaymentMethod] -= sale.FinalAmountCents
	} else {
		voidShift.Totals.SalesCents -= sale.FinalAmountCents
		voidShift.Totals.ByPaymentMethod[sale.PaymentMethod] -= sale.FinalAmountCents
	}
	voidShift.Totals.VoidCount++

	if err := saveShiftTotals(ctx, tx, voidShift); err != nil {
		return nil, err
	}
	if owner.ID != voidShift.ID {
		if err := saveShiftTotals(ctx, tx, owner); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, cancelled_under_shift = $3, void_reason = $4, voided_at = $5
		WHERE id = $1
	`, saleID, domain.SaleCancelled, voidingShiftID, nullIfEmpty(reason), at)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	sale.Status = domain.SaleCancelled
	sale.CancelledUnderShift = voidingShiftID
	sale.VoidReason = reason
	sale.VoidedAt = &at
	return sale, nil
}

func (s *Store) CreateReturn(ctx context.Context, req store.ReturnRequest) (*domain.Return, error) {
	if len(req.Items) == 0 {
		return nil, domain.Validation("return has no items")
	}
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sale, err := getSale(ctx, tx, req.SaleID, true)
	if err != nil {
		return nil, err
	}
	if sale.Status == domain.SaleCancelled {
		return nil, domain.Conflict(domain.CodeAlreadyCancelled, "sale %s is cancelled", req.SaleID)
	}
	shift, err := lockActiveShift(ctx, tx, req.ShiftID, "returns require an active shift")
	if err != nil {
		return nil, err
	}

	soldPcs := make(map[string]int)
	netByProduct := make(map[string]int64)
	for _, item := range sale.Items {
		soldPcs[item.ProductID] += item.QtyPcs
		netByProduct[item.ProductID] += item.NetCents()
	}

	priorIDs := make([]string, 0, 4)
	var priorReversed, priorRestored int64
	priorRows, err := tx.QueryContext(ctx, `
		SELECT id, points_reversed, points_restored
		FROM returns
		WHERE sale_id = $1 AND status = $2
		FOR UPDATE
	`, req.SaleID, domain.ReturnCompleted)
	if err != nil {
		return nil, err
	}
	for priorRows.Next() {
		var id string
		var reversed, restored int64
		if err := priorRows.Scan(&id, &reversed, &restored); err != nil {
			_ = priorRows.Close()
			return nil, err
		}
		priorIDs = append(priorIDs, id)
		priorReversed += reversed
		priorRestored += restored
	}
	if err := priorRows.Err(); err != nil {
		_ = priorRows.Close()
		return nil, err
	}
	_ = priorRows.Close()

	returnedPcs := make(map[string]int)
	if len(priorIDs) > 0 {
		itemRows, err := tx.QueryContext(ctx, `
			SELECT product_id, COALESCE(SUM(qty_pcs),0)::int
			FROM return_items
			WHERE return_id = ANY($1)
			GROUP BY product_id
		`, priorIDs)
		if err != nil {
			return nil, err
		}
		for itemRows.Next() {
			var productID string
			var pcs int
			if err := itemRows.Scan(&productID, &pcs); err != nil {
				_ = itemRows.Close()
				return nil, err
			}
			returnedPcs[productID] = pcs
		}
		if err := itemRows.Err(); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		_ = itemRows.Close()
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
		_, err = tx.ExecContext(ctx, `
			UPDATE products
			SET stock_pcs = stock_pcs + $2
			WHERE id = $1
		`, productID, qty)
		if err != nil {
			return nil, err
		}
	}

	if sale.CustomerID != "" {
		customer, err := lockCustomer(ctx, tx, sale.CustomerID)
		if err != nil {
			return nil, err
		}
		customer.TotalPoints += pointsRestored - pointsReversed
		customer.TotalSpendingCents -= totalRefund
		if err := s.updateCustomer(ctx, tx, customer); err != nil {
			return nil, err
		}
	}

	shift.Totals.RefundsCents += totalRefund
	if req.RefundMethod == domain.PaymentCash {
		shift.Totals.CashRefundsCents += totalRefund
	}
	shift.Totals.ReturnCount++
	if err := saveShiftTotals(ctx, tx, shift); err != nil {
		return nil, err
	}

	ret := &domain.Return{
		ID:               xid.New("ret"),
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

	if err := insertReturnRow(ctx, tx, ret); err != nil {
		return nil, err
	}
	for _, item := range ret.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO return_items (return_id, product_id, qty, qty_pcs, refund_cents)
			VALUES ($1,$2,$3,$4,$5)
		`, ret.ID, item.ProductID, item.Qty, item.QtyPcs, item.RefundCents)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ret, nil
}

const returnColumns = `id, return_number, sale_id, shift_id, refund_method, total_refund_cents,
	points_reversed, points_restored, status, COALESCE(reason,''), cancelled_at, created_at`

func scanReturn(row *sql.Row) (*domain.Return, error) {
	var ret domain.Return
	var cancelledAt sql.NullTime
	err := row.Scan(
		&ret.ID,
		&ret.ReturnNumber,
		&ret.SaleID,
		&ret.ShiftID,
		&ret.RefundMethod,
		&ret.TotalRefundCents,
		&ret.PointsReversed,
		&ret.PointsRestored,
		&ret.Status,
		&ret.Reason,
		&cancelledAt,
		&ret.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	ret.CreatedAt = ret.CreatedAt.UTC()
	if cancelledAt.Valid {
		at := cancelledAt.Time.UTC()
		ret.CancelledAt = &at
	}
	return &ret, nil
}

func loadReturnItems(ctx context.Context, q querier, returnID string) ([]domain.ReturnItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, qty, qty_pcs, refund_cents
		FROM return_items
		WHERE return_id = $1
		ORDER BY id ASC
	`, returnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.ReturnItem, 0, 4)
	for rows.Next() {
		var item domain.ReturnItem
		if err := rows.Scan(&item.ProductID, &item.Qty, &item.QtyPcs, &item.RefundCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func getReturn(ctx context.Context, q querier, returnID string, lock bool) (*domain.Return, error) {
	query := `SELECT ` + returnColumns + ` FROM returns WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	ret, err := scanReturn(q.QueryRowContext(ctx, query, returnID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("return %s not found", returnID)
		}
		return nil, err
	}
	ret.Items, err = loadReturnItems(ctx, q, returnID)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *Store) CancelReturn(ctx context.Context, returnID string, at time.Time) (*domain.Return, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ret, err := getReturn(ctx, tx, returnID, true)
	if err != nil {
		return nil, err
	}
	if ret.Status == domain.ReturnCancelled {
		return nil, domain.Conflict(domain.CodeAlreadyCancelled, "return %s is already cancelled", returnID)
	}

	// The restocked goods leave the shelf again; the cancel fails rather than
	// driving stock negative.
	for _, item := range ret.Items {
		var stock int
		err = tx.QueryRowContext(ctx, `
			SELECT stock_pcs
			FROM products
			WHERE id = $1
			FOR UPDATE
		`, item.ProductID).Scan(&stock)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, err
		}
		if stock < item.QtyPcs {
			return nil, domain.Conflict(domain.CodeInsufficientStock, "insufficient stock to cancel return for product %s", item.ProductID).
				WithDetail("product_id", item.ProductID).
				WithDetail("available_pcs", stock)
		}
	}
	for _, item := range ret.Items {
		_, err = tx.ExecContext(ctx, `
			UPDATE products
			SET stock_pcs = stock_pcs - $2
			WHERE id = $1
		`, item.ProductID, item.QtyPcs)
		if err != nil {
			return nil, err
		}
	}

	var customerID string
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(customer_id,'')
		FROM sales
		WHERE id = $1
	`, ret.SaleID).Scan(&customerID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if customerID != "" {
		customer, err := lockCustomer(ctx, tx, customerID)
		if err != nil {
			return nil, err
		}
		customer.TotalPoints += ret.PointsReversed - ret.PointsRestored
		customer.TotalSpendingCents += ret.TotalRefundCents
		if err := s.updateCustomer(ctx, tx, customer); err != nil {
			return nil, err
		}
	}

	shift, err := lockShift(ctx, tx, ret.ShiftID)
	if err != nil {
		return nil, err
	}
	if shift.Status == domain.ShiftActive {
		shift.Totals.RefundsCents -= ret.TotalRefundCents
		if ret.RefundMethod == domain.PaymentCash {
			shift.Totals.CashRefundsCents -= ret.TotalRefundCents
		}
		shift.Totals.ReturnCount--
		if err := saveShiftTotals(ctx, tx, shift); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE returns
		SET status = $2, cancelled_at = $3
		WHERE id = $1
	`, returnID, domain.ReturnCancelled, at)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	ret.Status = domain.ReturnCancelled
	ret.CancelledAt = &at
	return ret, nil
}

func (s *Store) GetReturn(ctx context.Context, returnID string) (*domain.Return, error) {
	return getReturn(ctx, s.db, returnID, false)
}

func (s *Store) ListReturnsForSale(ctx context.Context, saleID string) ([]domain.Return, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+returnColumns+`
		FROM returns
		WHERE sale_id = $1
		ORDER BY created_at ASC, id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returns := make([]domain.Return, 0, 4)
	for rows.Next() {
		var ret domain.Return
		var cancelledAt sql.NullTime
		if err := rows.Scan(
			&ret.ID, &ret.ReturnNumber, &ret.SaleID, &ret.ShiftID, &ret.RefundMethod,
			&ret.TotalRefundCents, &ret.PointsReversed, &ret.PointsRestored, &ret.Status,
			&ret.Reason, &cancelledAt, &ret.CreatedAt,
		); err != nil {
			return nil, err
		}
		ret.CreatedAt = ret.CreatedAt.UTC()
		if cancelledAt.Valid {
			at := cancelledAt.Time.UTC()
			ret.CancelledAt = &at
		}
		returns = append(returns, ret)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range returns {
		items, err := loadReturnItems(ctx, s.db, returns[i].ID)
		if err != nil {
			return nil, err
		}
		returns[i].Items = items
	}
	return returns, nil
}

func (s *Store) GetDailyReport(ctx context.Context, from time.Time, to time.Time) (domain.DailyReport, error) {
	report := domain.DailyReport{ByPaymentMethod: make([]domain.DailyReportRow, 0, 4)}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*)::bigint,
			COALESCE(SUM(subtotal_cents),0)::bigint,
			COALESCE(SUM(item_discount_cents + global_discount_cents),0)::bigint,
			COALESCE(SUM(final_amount_cents),0)::bigint
		FROM sales
		WHERE created_at >= $1
			AND created_at < $2
			AND status = $3
	`, from, to, domain.SaleCompleted).Scan(
		&report.Sales,
		&report.GrossCents,
		&report.DiscountCents,
		&report.NetCents,
	)
	if err != nil {
		return report, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_refund_cents),0)::bigint
		FROM returns
		WHERE created_at >= $1
			AND created_at < $2
			AND status = $3
	`, from, to, domain.ReturnCompleted).Scan(&report.RefundCents)
	if err != nil {
		return report, err
	}
	report.NetCents -= report.RefundCents

	paymentRows, err := s.db.QueryContext(ctx, `
		SELECT payment_method, COUNT(*)::bigint, COALESCE(SUM(final_amount_cents),0)::bigint
		FROM sales
		WHERE created_at >= $1
			AND created_at < $2
			AND status = $3
		GROUP BY payment_method
		ORDER BY payment_method
	`, from, to, domain.SaleCompleted)
	if err != nil {
		return report, err
	}
	defer paymentRows.Close()
	for paymentRows.Next() {
		var row domain.DailyReportRow
		if err := paymentRows.Scan(&row.PaymentMethod, &row.Sales, &row.TotalCents); err != nil {
			return report, err
		}
		report.ByPaymentMethod = append(report.ByPaymentMethod, row)
	}
	if err := paymentRows.Err(); err != nil {
		return report, err
	}

	return report, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_id, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorID, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	// A zero upper bound means no upper bound; a zero lower bound precedes
	// every row, so it needs no special case.
	query := `
		SELECT id, actor_id, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1
		ORDER BY created_at DESC
		LIMIT $2`
	args := []any{from, limit}
	if !to.IsZero() {
		query = `
		SELECT id, actor_id, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1
			AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3`
		args = []any{from, to, limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorID, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return domain.Validation("username and password are required")
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (id, username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, user.ID, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Validation("username %s is taken", user.Username)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.ID, &user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	if username == "" || password == "" {
		return domain.Validation("username and password are required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.NotFound("user %s not found", username)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
