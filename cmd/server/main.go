package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tokotempo/backend/internal/cache"
	"tokotempo/backend/internal/config"
	"tokotempo/backend/internal/httpapi"
	"tokotempo/backend/internal/pricing"
	"tokotempo/backend/internal/service"
	"tokotempo/backend/internal/store"
	"tokotempo/backend/internal/store/memory"
	pgstore "tokotempo/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	params := storeParams(cfg)

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, params)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded(params)
		log.Println("repository: in-memory")
	}

	cacheStore := cache.DiscountCache(cache.NoopDiscountCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisDiscountCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			cacheStore = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	svc := service.New(repo, cacheStore, time.Duration(cfg.DiscountTTLSeconds)*time.Second)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("POS backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func storeParams(cfg config.Config) store.Params {
	return store.Params{
		Loyalty: pricing.Loyalty{
			EarnAmountPerPointCents:  cfg.EarnAmountPerPointCents,
			RedeemValuePerPointCents: cfg.RedeemValuePerPointCents,
			SilverThresholdCents:     cfg.SilverThresholdCents,
			GoldThresholdCents:       cfg.GoldThresholdCents,
			PlatinumThresholdCents:   cfg.PlatinumThresholdCents,
			BronzeMultiplier:         cfg.BronzeMultiplier,
			SilverMultiplier:         cfg.SilverMultiplier,
			GoldMultiplier:           cfg.GoldMultiplier,
			PlatinumMultiplier:       cfg.PlatinumMultiplier,
		},
		CashToleranceCents: cfg.CashToleranceCents,
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
