package testutil

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DSN builds the integration database URL from the POSTGRES_* variables.
func DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(getEnv("POSTGRES_USER", "fund"), getEnv("POSTGRES_PASSWORD", "fund")),
		Host:     getEnv("POSTGRES_HOST", "localhost") + ":" + getEnv("POSTGRES_PORT", "5432"),
		Path:     "/" + getEnv("POSTGRES_DB", "fund_test"),
		RawQuery: "sslmode=" + getEnv("POSTGRES_SSLMODE", "disable"),
	}
	return u.String()
}

func SetupTestDB() (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, DSN())
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return pool, nil
}

// CleanupTestData empties every fund table. Integration tests own the whole
// test database.
func CleanupTestData(ctx context.Context, pool *pgxpool.Pool) error {
	const q = `TRUNCATE settlement_events, trades, withdrawals, deposits, ledger_lines, ledger_entries, accounts, loyalty_tiers`
	if _, err := pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
