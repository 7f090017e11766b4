package riskconfig

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PariazaInteligent/fundcore/services/fund/internal/cache"
)

const (
	KeyReconciliationStatus   = "reconciliation_status"
	KeySettlementMissingCount = "settlement_missing_count"
	KeyRedFlags               = "red_flags"
)

// Flags holds the three system-risk signals separately. RiskFlag collapses
// them with OR semantics for fee pricing.
type Flags struct {
	ReconciliationStatus   string
	SettlementMissingCount int
	RedFlags               int
}

func (f Flags) ReconciliationFailing() bool {
	switch strings.ToLower(strings.TrimSpace(f.ReconciliationStatus)) {
	case "", "ok", "balanced", "reconciled":
		return false
	}
	return true
}

func (f Flags) RiskFlag() bool {
	return f.ReconciliationFailing() || f.SettlementMissingCount > 0 || f.RedFlags > 0
}

type Source interface {
	Flags(ctx context.Context) (Flags, error)
}

type Writer interface {
	SetValue(ctx context.Context, key, value string) error
}

// ParseFlags decodes the raw key/value map. Unknown keys are ignored; known
// keys with malformed values are an error so a bad config never reads as
// "no risk".
func ParseFlags(values map[string]string) (Flags, error) {
	var flags Flags
	flags.ReconciliationStatus = strings.TrimSpace(values[KeyReconciliationStatus])

	if raw, ok := values[KeySettlementMissingCount]; ok {
		n, err := parseCount(raw)
		if err != nil {
			return Flags{}, fmt.Errorf("%s: %w", KeySettlementMissingCount, err)
		}
		flags.SettlementMissingCount = n
	}
	if raw, ok := values[KeyRedFlags]; ok {
		n, err := parseCount(raw)
		if err != nil {
			return Flags{}, fmt.Errorf("%s: %w", KeyRedFlags, err)
		}
		flags.RedFlags = n
	}
	return flags, nil
}

func parseCount(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		if b {
			return 1, nil
		}
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n, nil
}

func ValidKey(key string) bool {
	switch key {
	case KeyReconciliationStatus, KeySettlementMissingCount, KeyRedFlags:
		return true
	}
	return false
}

// Cached fronts a Source with a TTL cache. Set is the admin write path: it
// writes through and invalidates.
type Cached struct {
	source Source
	writer Writer
	value  *cache.Value[Flags]
}

func NewCached(source Source, writer Writer, ttl time.Duration, metrics cache.RefreshMetrics) *Cached {
	c := &Cached{source: source, writer: writer}
	c.value = cache.NewValue[Flags]("system_risk", ttl, source.Flags, metrics)
	return c
}

func (c *Cached) Flags(ctx context.Context) (Flags, error) {
	return c.value.Get(ctx)
}

func (c *Cached) Set(ctx context.Context, key, value string) error {
	if !ValidKey(key) {
		return fmt.Errorf("unknown system risk key %q", key)
	}
	if key != KeyReconciliationStatus {
		if _, err := parseCount(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if c.writer == nil {
		return fmt.Errorf("system risk config is read-only")
	}
	if err := c.writer.SetValue(ctx, key, value); err != nil {
		return err
	}
	c.value.Invalidate()
	return nil
}

func (c *Cached) Invalidate() {
	c.value.Invalidate()
}

// Static is a fixed Source for tests and local runs without Redis.
type Static struct {
	Value Flags
	Err   error
}

func (s Static) Flags(context.Context) (Flags, error) {
	return s.Value, s.Err
}
