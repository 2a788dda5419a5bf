package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadLoyaltyDefaults(t *testing.T) {
	t.Setenv("LOYALTY_EARN_AMOUNT_PER_POINT_CENTS", "")
	t.Setenv("SHIFT_CASH_TOLERANCE_CENTS", "")

	cfg := Load()
	if cfg.EarnAmountPerPointCents != 1000 {
		t.Fatalf("earn amount default = %d, want 1000", cfg.EarnAmountPerPointCents)
	}
	if cfg.CashToleranceCents != 0 {
		t.Fatalf("cash tolerance default = %d, want 0", cfg.CashToleranceCents)
	}
}

func TestLoadRejectsMalformedNumbers(t *testing.T) {
	t.Setenv("SHIFT_CASH_TOLERANCE_CENTS", "not-a-number")
	t.Setenv("LOYALTY_GOLD_MULTIPLIER", "-3")

	cfg := Load()
	if cfg.CashToleranceCents != 0 {
		t.Fatalf("malformed tolerance = %d, want fallback 0", cfg.CashToleranceCents)
	}
	if cfg.GoldMultiplier != 1.5 {
		t.Fatalf("negative multiplier = %v, want fallback 1.5", cfg.GoldMultiplier)
	}
}
