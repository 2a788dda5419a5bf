package pricing

import (
	"testing"
	"time"

	"tokotempo/backend/internal/domain"
)

func testLoyalty() Loyalty {
	return Loyalty{
		EarnAmountPerPointCents:  1000,
		RedeemValuePerPointCents: 100,
		SilverThresholdCents:     100_000,
		GoldThresholdCents:       500_000,
		PlatinumThresholdCents:   2_000_000,
		BronzeMultiplier:         1,
		SilverMultiplier:         1.25,
		GoldMultiplier:           1.5,
		PlatinumMultiplier:       2,
	}
}

func TestTierForThresholds(t *testing.T) {
	l := testLoyalty()
	cases := []struct {
		spending int64
		want     domain.TierLevel
	}{
		{0, domain.TierBronze},
		{99_999, domain.TierBronze},
		{100_000, domain.TierSilver},
		{499_999, domain.TierSilver},
		{500_000, domain.TierGold},
		{2_000_000, domain.TierPlatinum},
	}
	for _, tc := range cases {
		if got := l.TierFor(tc.spending); got != tc.want {
			t.Fatalf("TierFor(%d) = %s, want %s", tc.spending, got, tc.want)
		}
	}
}

func TestPointsEarnedFloorsOnceOverWholeExpression(t *testing.T) {
	l := testLoyalty()

	// 2500 / 1000 = 2.5 base points, floored to 2 at 1x.
	if got := l.PointsEarned(2500, domain.TierBronze); got != 2 {
		t.Fatalf("bronze points = %d, want 2", got)
	}
	// 2500 / 1000 * 1.25 = 3.125 — the quotient keeps its fraction, so
	// silver earns 3, not floor(2 * 1.25) = 2.
	if got := l.PointsEarned(2500, domain.TierSilver); got != 3 {
		t.Fatalf("silver points = %d, want 3", got)
	}
	// 3999 / 1000 * 1.5 = 5.9985, floored to 5.
	if got := l.PointsEarned(3999, domain.TierGold); got != 5 {
		t.Fatalf("gold points = %d, want 5", got)
	}
	// 1000 / 1000 * 2 = 2 exactly.
	if got := l.PointsEarned(1000, domain.TierPlatinum); got != 2 {
		t.Fatalf("platinum points = %d, want 2", got)
	}
	if got := l.PointsEarned(0, domain.TierPlatinum); got != 0 {
		t.Fatalf("zero amount earned %d points", got)
	}
	if got := (Loyalty{}).PointsEarned(2500, domain.TierBronze); got != 0 {
		t.Fatalf("zero earn rate yielded %d points", got)
	}
}

func TestCapRedemption(t *testing.T) {
	l := testLoyalty()

	points, value := l.CapRedemption(50, 100, 10_000)
	if points != 50 || value != 5_000 {
		t.Fatalf("uncapped redemption = (%d, %d), want (50, 5000)", points, value)
	}

	// Capped by available points.
	points, value = l.CapRedemption(50, 30, 10_000)
	if points != 30 || value != 3_000 {
		t.Fatalf("point-capped redemption = (%d, %d), want (30, 3000)", points, value)
	}

	// Capped by payable amount: 2550 cents covers 25 whole points.
	points, value = l.CapRedemption(50, 100, 2_550)
	if points != 25 || value != 2_500 {
		t.Fatalf("amount-capped redemption = (%d, %d), want (25, 2500)", points, value)
	}

	if points, _ = l.CapRedemption(0, 100, 10_000); points != 0 {
		t.Fatalf("zero request redeemed %d points", points)
	}
}

func cartOf(products ...domain.Product) []CartItem {
	items := make([]CartItem, 0, len(products))
	for _, p := range products {
		items = append(items, CartItem{Product: p, Qty: 1, Unit: domain.UnitPcs})
	}
	return items
}

func TestResolveDiscountsFiltersPool(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-48 * time.Hour)
	future := now.Add(48 * time.Hour)
	product := domain.Product{ID: "prd_a", SKU: "SKU-A", Brand: "Arto", Category: "snack", PriceCents: 10_000}

	pool := []domain.Discount{
		{ID: "d1", Type: domain.DiscountPercentage, Value: 1000, TargetType: domain.TargetProduct, TargetValue: "prd_a", Active: false, Status: domain.DiscountStatusActive},
		{ID: "d2", Type: domain.DiscountPercentage, Value: 1000, TargetType: domain.TargetProduct, TargetValue: "prd_a", Active: true, Status: "DRAFT"},
		{ID: "d3", Type: domain.DiscountPercentage, Value: 1000, TargetType: domain.TargetProduct, TargetValue: "prd_a", Active: true, Status: domain.DiscountStatusActive, StartDate: &future},
		{ID: "d4", Type: domain.DiscountPercentage, Value: 1000, TargetType: domain.TargetProduct, TargetValue: "prd_a", Active: true, Status: domain.DiscountStatusActive, EndDate: &past},
	}

	result := ResolveDiscounts(now, cartOf(product), nil, pool)
	if result.ItemDiscountCents != 0 || result.GlobalDiscountCents != 0 {
		t.Fatalf("inactive/out-of-window discounts applied: %+v", result)
	}
	if result.SubtotalCents != 10_000 {
		t.Fatalf("subtotal = %d, want 10000", result.SubtotalCents)
	}
}

func TestResolveDiscountsPriorityAndTieBreak(t *testing.T) {
	now := time.Now().UTC()
	product := domain.Product{ID: "prd_a", SKU: "SKU-A", PriceCents: 10_000}

	pool := []domain.Discount{
		{ID: "d_low", Type: domain.DiscountFixed, Value: 500, TargetType: domain.TargetProduct, TargetValue: "prd_a", PriorityLevel: 1, Active: true, Status: domain.DiscountStatusActive},
		{ID: "d_b", Type: domain.DiscountFixed, Value: 1000, TargetType: domain.TargetProduct, TargetValue: "prd_a", PriorityLevel: 5, Active: true, Status: domain.DiscountStatusActive},
		{ID: "d_a", Type: domain.DiscountFixed, Value: 2000, TargetType: domain.TargetProduct, TargetValue: "prd_a", PriorityLevel: 5, Active: true, Status: domain.DiscountStatusActive},
	}

	result := ResolveDiscounts(now, cartOf(product), nil, pool)
	// All three are non-stackable: the first applied wins and blocks the rest.
	// Priority 5 beats 1; within priority 5 the lower id "d_a" goes first.
	if result.Lines[0].DiscountID != "d_a" {
		t.Fatalf("winning discount = %s, want d_a", result.Lines[0].DiscountID)
	}
	if result.ItemDiscountCents != 2000 {
		t.Fatalf("item discount = %d, want 2000", result.ItemDiscountCents)
	}
}

func TestResolveDiscountsStacking(t *testing.T) {
	now := time.Now().UTC()
	product := domain.Product{ID: "prd_a", SKU: "SKU-A", Brand: "Arto", PriceCents: 10_000}

	pool := []domain.Discount{
		{ID: "d1", Type: domain.DiscountPercentage, Value: 1000, TargetType: domain.TargetProduct, TargetValue: "prd_a", PriorityLevel: 10, Stackable: true, Active: true, Status: domain.DiscountStatusActive},
		{ID: "d2", Type: domain.DiscountFixed, Value: 500, TargetType: domain.TargetBrand, TargetValue: "Arto", PriorityLevel: 5, Stackable: true, Active: true, Status: domain.DiscountStatusActive},
		// Non-stackable applies third, then blocks d4.
		{ID: "d3", Type: domain.DiscountFixed, Value: 300, TargetType: domain.TargetProduct, TargetValue: "prd_a", PriorityLevel: 3, Stackable: false, Active: true, Status: domain.DiscountStatusActive},
		{ID: "d4", Type: domain.DiscountFixed, Value: 9_999, TargetType: domain.TargetProduct, TargetValue: "prd_a", PriorityLevel: 1, Stackable: true, Active: true, Status: domain.DiscountStatusActive},
	}

	result := ResolveDiscounts(now, cartOf(product), nil, pool)
	// 10% of 10000 = 1000, then 500, then 300; d4 blocked.
	if result.ItemDiscountCents != 1800 {
		t.Fatalf("stacked item discount = %d, want 1800", result.ItemDiscountCents)
	}
	if result.Lines[0].DiscountID != "d1" {
		t.Fatalf("line tagged with %s, want first-applied d1", result.Lines[0].DiscountID)
	}
}

func TestResolveDiscountsMinimumPurchaseGate(t *testing.T) {
	now := time.Now().UTC()
	product := domain.Product{ID: "prd_a", SKU: "SKU-A", PriceCents: 4_000}

	pool := []domain.Discount{
		{ID: "d1", Type: domain.DiscountFixed, Value: 500, TargetType: domain.TargetProduct, TargetValue: "prd_a", MinimumPurchaseCents: 5_000, Active: true, Status: domain.DiscountStatusActive},
		{ID: "d2", Type: domain.DiscountPercentage, Value: 500, TargetType: domain.TargetGlobal, MinimumPurchaseCents: 5_000, Active: true, Status: domain.DiscountStatusActive},
	}

	result := ResolveDiscounts(now, cartOf(product), nil, pool)
	if result.ItemDiscountCents != 0 || result.GlobalDiscountCents != 0 {
		t.Fatalf("discounts applied below minimum purchase: %+v", result)
	}

	// Two units clear the cart-level gate but not the per-line gate.
	result = ResolveDiscounts(now, []CartItem{{Product: product, Qty: 2, Unit: domain.UnitPcs}}, nil, pool)
	if result.ItemDiscountCents != 500 {
		t.Fatalf("item discount = %d, want 500 once line gross clears the gate", result.ItemDiscountCents)
	}
	if result.GlobalDiscountCents != (8_000-500)*500/10000 {
		t.Fatalf("global discount = %d, want 5%% of post-item net", result.GlobalDiscountCents)
	}
}

func TestResolveDiscountsFixedNeverNegative(t *testing.T) {
	now := time.Now().UTC()
	product := domain.Product{ID: "prd_a", SKU: "SKU-A", PriceCents: 1_000}

	pool := []domain.Discount{
		{ID: "d1", Type: domain.DiscountFixed, Value: 50_000, TargetType: domain.TargetProduct, TargetValue: "prd_a", Active: true, Status: domain.DiscountStatusActive},
	}

	result := ResolveDiscounts(now, cartOf(product), nil, pool)
	if result.ItemDiscountCents != 1_000 {
		t.Fatalf("fixed discount = %d, want clamped to line gross 1000", result.ItemDiscountCents)
	}
	if result.NetCents() != 0 {
		t.Fatalf("net = %d, want 0", result.NetCents())
	}
}

func TestResolveDiscountsCustomerTypeScope(t *testing.T) {
	now := time.Now().UTC()
	product := domain.Product{ID: "prd_a", SKU: "SKU-A", PriceCents: 10_000}
	member := &domain.Customer{ID: "cus_1", Type: domain.CustomerMember}

	pool := []domain.Discount{
		{ID: "d1", Type: domain.DiscountPercentage, Value: 1000, TargetType: domain.TargetCustomerType, TargetValue: "member", Active: true, Status: domain.DiscountStatusActive},
	}

	result := ResolveDiscounts(now, cartOf(product), member, pool)
	if result.GlobalDiscountCents != 1_000 || result.GlobalDiscountID != "d1" {
		t.Fatalf("member discount = (%d, %s), want (1000, d1)", result.GlobalDiscountCents, result.GlobalDiscountID)
	}

	result = ResolveDiscounts(now, cartOf(product), nil, pool)
	if result.GlobalDiscountCents != 0 {
		t.Fatalf("customer-type discount applied to walk-in cart")
	}
}

func TestResolveDiscountsCartonPricing(t *testing.T) {
	now := time.Now().UTC()
	product := domain.Product{ID: "prd_a", SKU: "SKU-A", PriceCents: 1_000, CartonPriceCents: 10_000, PcsPerCarton: 12}

	result := ResolveDiscounts(now, []CartItem{{Product: product, Qty: 2, Unit: domain.UnitCarton}}, nil, nil)
	if result.SubtotalCents != 20_000 {
		t.Fatalf("carton subtotal = %d, want 20000", result.SubtotalCents)
	}
	if result.Lines[0].QtyPcs != 24 {
		t.Fatalf("carton pcs = %d, want 24", result.Lines[0].QtyPcs)
	}
}

func TestProportionalShare(t *testing.T) {
	if got := ProportionalShare(1000, 1, 3); got != 333 {
		t.Fatalf("share = %d, want 333", got)
	}
	if got := ProportionalShare(1000, 3, 3); got != 1000 {
		t.Fatalf("full share = %d, want 1000", got)
	}
	if got := ProportionalShare(1000, 0, 3); got != 0 {
		t.Fatalf("zero part share = %d", got)
	}
}
