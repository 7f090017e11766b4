package apperr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Error classes. Every typed error below reports its class through Is, so
// callers can branch with errors.Is(err, ErrState) without knowing the
// concrete type.
var (
	ErrIntegrity = errors.New("integrity violation")
	ErrLimit     = errors.New("limit exceeded")
	ErrState     = errors.New("invalid state transition")
	ErrResource  = errors.New("resource missing")
	ErrInvalid   = errors.New("invalid input")
)

type UnbalancedEntryError struct {
	Debits  decimal.Decimal
	Credits decimal.Decimal
}

func (e *UnbalancedEntryError) Error() string {
	return fmt.Sprintf("unbalanced ledger entry: debits %s != credits %s", e.Debits, e.Credits)
}

func (e *UnbalancedEntryError) Is(target error) bool { return target == ErrIntegrity }

type LedgerUnbalancedError struct {
	EntryID uuid.UUID
	Debits  decimal.Decimal
	Credits decimal.Decimal
	Issues  int
}

func (e *LedgerUnbalancedError) Error() string {
	return fmt.Sprintf("ledger reconciliation failed: entry %s debits %s credits %s (%d unbalanced entries)", e.EntryID, e.Debits, e.Credits, e.Issues)
}

func (e *LedgerUnbalancedError) Is(target error) bool { return target == ErrIntegrity }

type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrResource }

func NotFound(resource string, key any) error {
	return &NotFoundError{Resource: resource, Key: fmt.Sprint(key)}
}

type NoFundsError struct {
	BankBalance decimal.Decimal
}

func (e *NoFundsError) Error() string {
	return fmt.Sprintf("no funds: bank balance %s must be positive to price units", e.BankBalance)
}

func (e *NoFundsError) Is(target error) bool { return target == ErrLimit }

type InsufficientUnitsError struct {
	UserID    uuid.UUID
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientUnitsError) Error() string {
	return fmt.Sprintf("insufficient units for user %s: requested %s, available %s", e.UserID, e.Requested, e.Available)
}

func (e *InsufficientUnitsError) Is(target error) bool { return target == ErrLimit }

type InsufficientLiquidityError struct {
	Amount      decimal.Decimal
	BankBalance decimal.Decimal
}

func (e *InsufficientLiquidityError) Error() string {
	return fmt.Sprintf("insufficient liquidity: amount %s exceeds bank balance %s", e.Amount, e.BankBalance)
}

func (e *InsufficientLiquidityError) Is(target error) bool { return target == ErrLimit }

type StakeTooLargeError struct {
	Stake       decimal.Decimal
	MaxStake    decimal.Decimal
	MaxPct      decimal.Decimal
	BankBalance decimal.Decimal
}

func (e *StakeTooLargeError) Error() string {
	return fmt.Sprintf("stake %s exceeds max %s (%s%% of bank balance %s)", e.Stake, e.MaxStake, e.MaxPct, e.BankBalance)
}

func (e *StakeTooLargeError) Is(target error) bool { return target == ErrLimit }

const (
	ScopeSport  = "sport"
	ScopeMarket = "market"
)

// ExposureExceededError covers both the sport and the market cap; Scope tells
// them apart.
type ExposureExceededError struct {
	Scope   string
	Key     string
	Current decimal.Decimal
	Stake   decimal.Decimal
	Limit   decimal.Decimal
}

func (e *ExposureExceededError) Error() string {
	return fmt.Sprintf("%s exposure exceeded for %q: pending %s + stake %s > limit %s", e.Scope, e.Key, e.Current, e.Stake, e.Limit)
}

func (e *ExposureExceededError) Is(target error) bool { return target == ErrLimit }

type AlreadyProcessedError struct {
	Resource string
	ID       uuid.UUID
	Status   string
}

func (e *AlreadyProcessedError) Error() string {
	return fmt.Sprintf("%s %s already processed (status %s)", e.Resource, e.ID, e.Status)
}

func (e *AlreadyProcessedError) Is(target error) bool { return target == ErrState }

type AlreadySettledError struct {
	TradeID uuid.UUID
	Status  string
}

func (e *AlreadySettledError) Error() string {
	return fmt.Sprintf("trade %s already settled (status %s)", e.TradeID, e.Status)
}

func (e *AlreadySettledError) Is(target error) bool { return target == ErrState }

// InvalidTransitionError is a state change the lifecycle does not allow, such
// as paying out a withdrawal that was never approved.
type InvalidTransitionError struct {
	Resource string
	ID       uuid.UUID
	From     string
	To       string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s cannot move from %s to %s", e.Resource, e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrState }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
