package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/PariazaInteligent/fundcore/services/fund/internal/audit"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/fees"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/guardrail"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/ledger"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/riskconfig"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/settlement"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/storage"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/tiers"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/units"
	"github.com/shopspring/decimal"
)

type Options struct {
	Limits      guardrail.Limits
	FixedFeePct decimal.Decimal
	RiskTTL     time.Duration
	TierTTL     time.Duration
}

// Fund wires the engines over one store. Every engine shares the same ledger
// and guard so guardrail reads and postings see the same transaction.
type Fund struct {
	Store      storage.Store
	Ledger     *ledger.Engine
	Risk       *riskconfig.Cached
	Fees       *fees.Calculator
	Guard      *guardrail.Guard
	Units      *units.Engine
	Settlement *settlement.Service
	Tiers      *tiers.Service

	logger *slog.Logger
}

func NewFund(store storage.Store, risk riskconfig.Source, riskWriter riskconfig.Writer, sink audit.Sink, opts Options, logger *slog.Logger, metrics *Metrics) *Fund {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.Nop{}
	}

	ledgerEngine := ledger.NewEngine(store, logger, metrics)
	cachedRisk := riskconfig.NewCached(risk, riskWriter, opts.RiskTTL, metrics)
	calculator := fees.NewCalculator(ledgerEngine, cachedRisk, opts.FixedFeePct, logger, metrics)
	guard := guardrail.New(ledgerEngine, opts.Limits, logger, metrics)

	return &Fund{
		Store:      store,
		Ledger:     ledgerEngine,
		Risk:       cachedRisk,
		Fees:       calculator,
		Guard:      guard,
		Units:      units.NewEngine(store, ledgerEngine, guard, calculator, sink, logger, metrics),
		Settlement: settlement.NewService(store, ledgerEngine, guard, sink, logger, metrics),
		Tiers:      tiers.NewService(store, opts.TierTTL, sink, logger, metrics),
		logger:     logger,
	}
}

// Bootstrap creates the standard chart of accounts and checks the ledger
// balances before the fund takes traffic.
func (f *Fund) Bootstrap(ctx context.Context) error {
	accounts, err := f.Ledger.SetupAccounts(ctx, ledger.StandardAccounts())
	if err != nil {
		return fmt.Errorf("setup accounts: %w", err)
	}
	report, err := f.Ledger.VerifyIntegrity(ctx)
	if err != nil {
		return fmt.Errorf("verify integrity: %w", err)
	}
	if !report.Balanced {
		f.logger.Error("ledger unbalanced at startup", "mismatches", len(report.Mismatches), "errors", report.Errors)
		return fmt.Errorf("ledger unbalanced: %d mismatched entries", len(report.Mismatches))
	}
	f.logger.Info("fund ready", "accounts", len(accounts), "entries_checked", report.TotalEntries)
	return nil
}

// Ping is a readiness check over the store.
func (f *Fund) Ping(ctx context.Context) error {
	_, err := f.Store.ListAccounts(ctx)
	return err
}
