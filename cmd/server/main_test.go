package main

import (
	"testing"

	"tokotempo/backend/internal/config"
)

func TestValidateSecurityConfigRejectsShortSecret(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongSecret(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestStoreParamsCarriesLoyaltyAndTolerance(t *testing.T) {
	cfg := config.Config{
		EarnAmountPerPointCents:  1000,
		RedeemValuePerPointCents: 100,
		SilverThresholdCents:     100_000,
		GoldThresholdCents:       500_000,
		PlatinumThresholdCents:   2_000_000,
		BronzeMultiplier:         1,
		SilverMultiplier:         1.25,
		GoldMultiplier:           1.5,
		PlatinumMultiplier:       2,
		CashToleranceCents:       500,
	}
	params := storeParams(cfg)
	if params.Loyalty.EarnAmountPerPointCents != 1000 {
		t.Fatalf("earn amount not carried: %d", params.Loyalty.EarnAmountPerPointCents)
	}
	if params.Loyalty.PlatinumMultiplier != 2 {
		t.Fatalf("platinum multiplier not carried: %v", params.Loyalty.PlatinumMultiplier)
	}
	if params.CashToleranceCents != 500 {
		t.Fatalf("cash tolerance not carried: %d", params.CashToleranceCents)
	}
}
