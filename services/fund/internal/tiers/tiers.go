package tiers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PariazaInteligent/fundcore/services/fund/internal/apperr"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/audit"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/cache"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/storage"
	"github.com/google/uuid"
)

type Tier struct {
	Code       string
	Name       string
	Rank       int
	Conditions []Condition
}

func (t Tier) Qualifies(p Profile) bool {
	for _, c := range t.Conditions {
		if !c.Holds(p) {
			return false
		}
	}
	return true
}

type Service struct {
	store  storage.Store
	tiers  *cache.Value[[]Tier]
	audit  audit.Sink
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store storage.Store, ttl time.Duration, sink audit.Sink, logger *slog.Logger, metrics cache.RefreshMetrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	s := &Service{
		store:  store,
		audit:  sink,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	s.tiers = cache.NewValue[[]Tier]("loyalty_tiers", ttl, s.load, metrics)
	return s
}

func (s *Service) load(ctx context.Context) ([]Tier, error) {
	defs, err := s.store.ListTierDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tier definitions: %w", err)
	}
	tiers := make([]Tier, 0, len(defs))
	for _, def := range defs {
		conditions, err := ParseConditions(def.Conditions)
		if err != nil {
			return nil, fmt.Errorf("tier %s: %w", def.Code, err)
		}
		tiers = append(tiers, Tier{Code: def.Code, Name: def.Name, Rank: def.Rank, Conditions: conditions})
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Rank < tiers[j].Rank })
	return tiers, nil
}

// ListTiers returns the tiers ordered by rank, lowest first.
func (s *Service) ListTiers(ctx context.Context) ([]Tier, error) {
	return s.tiers.Get(ctx)
}

// SaveTier creates or replaces a tier and drops the cached list.
func (s *Service) SaveTier(ctx context.Context, tier Tier, actor uuid.UUID) error {
	tier.Code = strings.TrimSpace(tier.Code)
	tier.Name = strings.TrimSpace(tier.Name)
	if tier.Code == "" {
		return apperr.Invalid("code", "required")
	}
	if tier.Name == "" {
		return apperr.Invalid("name", "required")
	}
	if tier.Rank < 0 {
		return apperr.Invalid("rank", "must not be negative")
	}
	for i, c := range tier.Conditions {
		if err := c.Validate(); err != nil {
			return apperr.Invalid(fmt.Sprintf("conditions[%d]", i), err.Error())
		}
	}
	conditions := tier.Conditions
	if conditions == nil {
		conditions = []Condition{}
	}
	raw, err := json.Marshal(conditions)
	if err != nil {
		return fmt.Errorf("encode tier conditions: %w", err)
	}

	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.UpsertTierDefinition(ctx, storage.TierDefinition{
			Code:       tier.Code,
			Name:       tier.Name,
			Rank:       tier.Rank,
			Conditions: raw,
			UpdatedAt:  s.now(),
		})
	})
	if err != nil {
		return err
	}
	s.tiers.Invalidate()

	s.logger.Info("loyalty tier saved", "code", tier.Code, "rank", tier.Rank, "conditions", len(tier.Conditions))
	s.audit.Record(ctx, audit.Record{
		Actor:        actor,
		Action:       audit.ActionTierSaved,
		ResourceType: audit.ResourceTier,
		ResourceID:   tier.Code,
		Metadata:     map[string]string{"rank": strconv.Itoa(tier.Rank), "conditions": string(raw)},
		OccurredAt:   s.now(),
	})
	return nil
}

type Evaluation struct {
	UserID  uuid.UUID
	Profile Profile
	// Tier is nil when no tier's conditions hold.
	Tier *Tier
}

func (s *Service) Evaluate(ctx context.Context, userID uuid.UUID) (*Evaluation, error) {
	tiers, err := s.ListTiers(ctx)
	if err != nil {
		return nil, err
	}
	profile, err := s.profile(ctx, userID)
	if err != nil {
		return nil, err
	}

	eval := &Evaluation{UserID: userID, Profile: profile}
	for i := len(tiers) - 1; i >= 0; i-- {
		if tiers[i].Qualifies(profile) {
			tier := tiers[i]
			eval.Tier = &tier
			break
		}
	}
	return eval, nil
}

func (s *Service) profile(ctx context.Context, userID uuid.UUID) (Profile, error) {
	activity, err := s.store.InvestorActivity(ctx, userID)
	if err != nil {
		return Profile{}, fmt.Errorf("investor activity: %w", err)
	}
	p := Profile{
		NetDeposits: activity.Deposited.Sub(activity.Withdrawn),
		Units:       activity.UnitsIssued.Sub(activity.UnitsBurned),
	}
	if activity.FirstDepositedAt != nil {
		if days := int(s.now().Sub(*activity.FirstDepositedAt) / (24 * time.Hour)); days > 0 {
			p.TenureDays = days
		}
	}
	return p, nil
}
