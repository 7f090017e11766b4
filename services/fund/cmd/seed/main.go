package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/PariazaInteligent/fundcore/libs/logging"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/config"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/riskconfig"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/service"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// seedAdminID is the actor recorded on seeded audit records.
var seedAdminID = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")

func main() {
	demo := flag.Bool("demo", false, "also create a demo investor with an approved deposit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.App.Env != "dev" && cfg.App.Env != "test" {
		log.Fatalf("refusing to seed: FUND_ENV must be 'dev' or 'test' (got '%s')", cfg.App.Env)
	}
	logger := logging.NewLogger("warn", "fund-seed", cfg.App.Env)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := storage.Migrate(cfg.DB.DSN()); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer redisClient.Close()
	riskSource := riskconfig.NewRedisSource(redisClient, cfg.Redis.RiskKey)

	fund := service.NewFund(storage.NewPostgresStore(pool, logger), riskSource, riskSource, nil, service.Options{
		FixedFeePct: cfg.Fees.FixedPct,
	}, logger, nil)

	fmt.Println("Seeding fund...")

	if err := fund.Bootstrap(ctx); err != nil {
		log.Fatalf("seed accounts: %v", err)
	}
	fmt.Println("✓ Chart of accounts seeded")

	for _, tier := range defaultTiers() {
		if err := fund.Tiers.SaveTier(ctx, tier, seedAdminID); err != nil {
			log.Fatalf("seed tier %s: %v", tier.Code, err)
		}
	}
	fmt.Println("✓ Loyalty tiers seeded")

	risk := defaultRisk()
	keys := make([]string, 0, len(risk))
	for key := range risk {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := fund.Risk.Set(ctx, key, risk[key]); err != nil {
			log.Fatalf("seed risk key %s: %v", key, err)
		}
	}
	fmt.Println("✓ System risk keys seeded")

	if *demo {
		if err := seedDemoInvestor(ctx, fund); err != nil {
			log.Fatalf("seed demo investor: %v", err)
		}
		fmt.Println("✓ Demo investor seeded")
	}

	fmt.Println("Seeding complete.")
}

func seedDemoInvestor(ctx context.Context, fund *service.Fund) error {
	investorID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	deposit, err := fund.Units.RequestDeposit(ctx, investorID, decimal.NewFromInt(10000))
	if err != nil {
		return err
	}
	if _, err := fund.Units.IssueUnits(ctx, deposit.ID, seedAdminID); err != nil {
		return err
	}
	holding, err := fund.Units.GetInvestorUnits(ctx, investorID)
	if err != nil {
		return err
	}
	fmt.Printf("  investor %s holds %s units (EUR %s)\n", investorID, holding.Balance.StringFixed(6), holding.ValueEUR.StringFixed(2))
	return nil
}
