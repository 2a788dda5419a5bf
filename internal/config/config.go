package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	DiscountTTLSeconds    int
	AuthSecret            string
	AccessTokenTTLMinutes int

	// Reconciliation: a closed shift whose |cashDifference| exceeds the
	// tolerance goes to PENDING approval.
	CashToleranceCents int64

	// Loyalty program parameters.
	EarnAmountPerPointCents  int64
	RedeemValuePerPointCents int64
	SilverThresholdCents     int64
	GoldThresholdCents       int64
	PlatinumThresholdCents   int64
	BronzeMultiplier         float64
	SilverMultiplier         float64
	GoldMultiplier           float64
	PlatinumMultiplier       float64
}

func Load() Config {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	ttl, err := strconv.Atoi(getEnv("DISCOUNT_CACHE_TTL_SECONDS", "60"))
	if err != nil || ttl < 1 {
		ttl = 60
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		DiscountTTLSeconds:    ttl,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,

		CashToleranceCents: getEnvInt64("SHIFT_CASH_TOLERANCE_CENTS", 0),

		EarnAmountPerPointCents:  getEnvInt64("LOYALTY_EARN_AMOUNT_PER_POINT_CENTS", 1000),
		RedeemValuePerPointCents: getEnvInt64("LOYALTY_REDEEM_VALUE_PER_POINT_CENTS", 100),
		SilverThresholdCents:     getEnvInt64("LOYALTY_SILVER_THRESHOLD_CENTS", 100_000),
		GoldThresholdCents:       getEnvInt64("LOYALTY_GOLD_THRESHOLD_CENTS", 500_000),
		PlatinumThresholdCents:   getEnvInt64("LOYALTY_PLATINUM_THRESHOLD_CENTS", 2_000_000),
		BronzeMultiplier:         getEnvFloat("LOYALTY_BRONZE_MULTIPLIER", 1),
		SilverMultiplier:         getEnvFloat("LOYALTY_SILVER_MULTIPLIER", 1.25),
		GoldMultiplier:           getEnvFloat("LOYALTY_GOLD_MULTIPLIER", 1.5),
		PlatinumMultiplier:       getEnvFloat("LOYALTY_PLATINUM_MULTIPLIER", 2),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getEnvInt64(key string, fallback int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
