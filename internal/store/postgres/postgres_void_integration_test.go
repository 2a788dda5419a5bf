package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"tokotempo/backend/internal/domain"
	"tokotempo/backend/internal/pricing"
	"tokotempo/backend/internal/store"
)

func testParams() store.Params {
	return store.Params{
		Loyalty: pricing.Loyalty{
			EarnAmountPerPointCents:  1000,
			RedeemValuePerPointCents: 100,
			SilverThresholdCents:     100_000,
			GoldThresholdCents:       500_000,
			PlatinumThresholdCents:   2_000_000,
			BronzeMultiplier:         1,
			SilverMultiplier:         1.25,
			GoldMultiplier:           1.5,
			PlatinumMultiplier:       2,
		},
		CashToleranceCents: 0,
	}
}

func TestVoidSaleRestocksAndReversesShift(t *testing.T) {
	databaseURL := os.Getenv("TOKOTEMPO_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set TOKOTEMPO_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, testParams())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prd-void-it-%d", stamp)
	userID := fmt.Sprintf("usr-void-it-%d", stamp)
	terminal := fmt.Sprintf("T-VOID-IT-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_items WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE shift_id IN (SELECT id FROM shifts WHERE user_id = $1)`, userID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM shifts WHERE user_id = $1`, userID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, brand, category, price_cents, carton_price_cents, pcs_per_carton, stock_pcs, archived)
		VALUES ($1, $1, 'Produk Void IT', 'Uji', 'snack', 12000, 0, 0, 10, false)
	`, productID); err != nil {
		t.Fatalf("insert product: %v", err)
	}

	shift, err := s.OpenShift(ctx, domain.Shift{
		UserID:           userID,
		TerminalName:     terminal,
		OpeningCashCents: 50_000,
	})
	if err != nil {
		t.Fatalf("open shift: %v", err)
	}

	sale, err := s.CreateSale(ctx, store.SaleRequest{
		ShiftID:       shift.ID,
		CashierID:     userID,
		Items:         []domain.CartLine{{ProductID: productID, Qty: 2}},
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if sale.FinalAmountCents != 24000 {
		t.Fatalf("expected final 24000, got %d", sale.FinalAmountCents)
	}

	at := time.Now().UTC()
	voided, err := s.VoidSale(ctx, sale.ID, shift.ID, "integration test void", at)
	if err != nil {
		t.Fatalf("void sale: %v", err)
	}
	if voided.Status != domain.SaleCancelled {
		t.Fatalf("expected status CANCELLED, got %s", voided.Status)
	}

	var stock int
	if err := s.db.QueryRowContext(ctx, `
		SELECT stock_pcs FROM products WHERE id = $1
	`, productID).Scan(&stock); err != nil {
		t.Fatalf("query stock: %v", err)
	}
	if stock != 10 {
		t.Fatalf("expected stock 10 after void restock, got %d", stock)
	}

	after, err := s.GetShift(ctx, shift.ID)
	if err != nil {
		t.Fatalf("get shift: %v", err)
	}
	if after.Totals.SalesCents != 0 {
		t.Fatalf("expected sales reversed to 0, got %d", after.Totals.SalesCents)
	}
	if after.Totals.VoidCount != 1 {
		t.Fatalf("expected void count 1, got %d", after.Totals.VoidCount)
	}

	if _, err := s.VoidSale(ctx, sale.ID, shift.ID, "again", at); domain.CodeOf(err) != domain.CodeAlreadyCancelled {
		t.Fatalf("expected ALREADY_CANCELLED on second void, got %v", err)
	}

	if _, err := s.CloseShift(ctx, shift.ID, 50_000, time.Now().UTC()); err != nil {
		t.Fatalf("close shift: %v", err)
	}
}

func TestOpenShiftRejectsSecondActiveForUser(t *testing.T) {
	databaseURL := os.Getenv("TOKOTEMPO_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set TOKOTEMPO_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, testParams())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	userID := fmt.Sprintf("usr-shift-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM shifts WHERE user_id = $1`, userID)
	})

	first, err := s.OpenShift(ctx, domain.Shift{
		UserID:           userID,
		TerminalName:     fmt.Sprintf("T-SHIFT-IT-A-%d", stamp),
		OpeningCashCents: 10_000,
	})
	if err != nil {
		t.Fatalf("open first shift: %v", err)
	}

	_, err = s.OpenShift(ctx, domain.Shift{
		UserID:           userID,
		TerminalName:     fmt.Sprintf("T-SHIFT-IT-B-%d", stamp),
		OpeningCashCents: 10_000,
	})
	if domain.CodeOf(err) != domain.CodeShiftAlreadyActive {
		t.Fatalf("expected SHIFT_ALREADY_ACTIVE, got %v", err)
	}
	var dErr *domain.Error
	if !errors.As(err, &dErr) || dErr.Details["shift_id"] != first.ID {
		t.Fatalf("expected blocking shift id %s in details, got %v", first.ID, err)
	}

	if _, err := s.CloseShift(ctx, first.ID, 10_000, time.Now().UTC()); err != nil {
		t.Fatalf("close shift: %v", err)
	}
}
