package llmrouter

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
)

// Strategy is how a BudgetManager reacts when a reservation would exceed
// its ceilings.
type Strategy string

const (
	StrategyFail      Strategy = "fail"
	StrategyDowngrade Strategy = "downgrade"
	StrategySummarize Strategy = "summarize"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyFail, StrategyDowngrade, StrategySummarize:
		return true
	default:
		return false
	}
}

// BudgetConfig configures a BudgetManager.
type BudgetConfig struct {
	MaxTokens   int64    `yaml:"max_tokens" toml:"max_tokens"`
	MaxCostUSD  *float64 `yaml:"max_cost_usd" toml:"max_cost_usd"`
	Strategy    Strategy `yaml:"strategy" toml:"strategy"`
	InitialTier int      `yaml:"initial_tier" toml:"initial_tier"`
}

// Action is the outcome of a reservation attempt.
type Action int

const (
	// DecisionProceed: the reservation was taken at the current tier.
	DecisionProceed Action = iota
	// DecisionDowngrade: the manager moved to a cheaper tier and reserved
	// nothing. Re-estimate for Decision.Tier and reserve again.
	DecisionDowngrade
	// DecisionSummarize: compress the context before retrying. Nothing
	// was reserved.
	DecisionSummarize
)

func (a Action) String() string {
	switch a {
	case DecisionProceed:
		return "proceed"
	case DecisionDowngrade:
		return "downgrade"
	case DecisionSummarize:
		return "summarize"
	default:
		return "unknown"
	}
}

// Reservation is an optimistic hold on a budget. Pass it to Commit once
// the call is billed, or to Release if it never was.
type Reservation struct {
	ID        string
	Tokens    int64
	Cost      float64
	TierIndex int

	costNanos int64
}

// Decision is returned by Reserve.
type Decision struct {
	Action      Action
	Tier        ModelTier
	TierIndex   int
	Reservation Reservation
}

// BudgetManager enforces token and cost ceilings for one unit of work,
// degrading along a ModelLadder when they would be exceeded. It is safe
// for concurrent use.
type BudgetManager struct {
	ladder *ModelLadder

	mu          sync.Mutex
	tokensSpent int64
	costNanos   int64 // USD * 1e9, kept integral so Release restores exactly
	tierIndex   int
	maxTokens   int64
	maxCost     *int64
	strategy    Strategy
	open        map[string]Reservation
}

// NewBudgetManager creates a manager starting at cfg.InitialTier.
func NewBudgetManager(ladder *ModelLadder, cfg BudgetConfig) (*BudgetManager, error) {
	if ladder == nil || ladder.Len() == 0 {
		return nil, fmt.Errorf("llmrouter: budget: ladder is required")
	}
	if cfg.MaxTokens <= 0 {
		return nil, fmt.Errorf("llmrouter: budget: max_tokens must be positive")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyDowngrade
	}
	if !cfg.Strategy.Valid() {
		return nil, fmt.Errorf("llmrouter: budget: invalid strategy %q", cfg.Strategy)
	}
	if cfg.InitialTier < 0 || cfg.InitialTier >= ladder.Len() {
		return nil, fmt.Errorf("llmrouter: budget: initial tier %d out of range [0,%d)", cfg.InitialTier, ladder.Len())
	}

	m := &BudgetManager{
		ladder:    ladder,
		tierIndex: cfg.InitialTier,
		maxTokens: cfg.MaxTokens,
		strategy:  cfg.Strategy,
		open:      make(map[string]Reservation),
	}
	if cfg.MaxCostUSD != nil {
		if *cfg.MaxCostUSD < 0 {
			return nil, fmt.Errorf("llmrouter: budget: max_cost_usd must be non-negative")
		}
		mc := toNanos(*cfg.MaxCostUSD)
		m.maxCost = &mc
	}
	return m, nil
}

// Reserve decides whether a request of the given estimate may proceed.
// Under StrategyFail an over-budget request returns *BudgetExceededError.
func (m *BudgetManager) Reserve(estimatedTokens int64, estimatedCost float64) (Decision, error) {
	if estimatedTokens < 0 || estimatedCost < 0 {
		return Decision{}, fmt.Errorf("%w: negative estimate", ErrInvalidRequest)
	}
	costNanos := toNanos(estimatedCost)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fits(estimatedTokens, costNanos) {
		m.tokensSpent += estimatedTokens
		m.costNanos += costNanos
		res := Reservation{
			ID:        uuid.New().String(),
			Tokens:    estimatedTokens,
			Cost:      estimatedCost,
			TierIndex: m.tierIndex,
			costNanos: costNanos,
		}
		m.open[res.ID] = res
		return m.decision(DecisionProceed, res), nil
	}

	switch m.strategy {
	case StrategyFail:
		return Decision{}, m.exceeded(estimatedTokens, estimatedCost)
	case StrategyDowngrade:
		if m.tierIndex < m.ladder.Len()-1 {
			m.tierIndex++
			return m.decision(DecisionDowngrade, Reservation{}), nil
		}
		return m.decision(DecisionSummarize, Reservation{}), nil
	default:
		return m.decision(DecisionSummarize, Reservation{}), nil
	}
}

// ReserveFor costs a request at the current tier and reserves it.
func (m *BudgetManager) ReserveFor(promptTokens, maxOutputTokens int64) (Decision, error) {
	tier := m.CurrentTier()
	return m.Reserve(promptTokens+maxOutputTokens, tier.EstimateCost(promptTokens, maxOutputTokens))
}

// Commit reconciles a reservation with the billed usage.
func (m *BudgetManager) Commit(res Reservation, actualTokens int64, actualCost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.open[res.ID]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownReservation, res.ID)
	}
	delete(m.open, res.ID)
	m.tokensSpent += actualTokens - res.Tokens
	m.costNanos += toNanos(actualCost) - res.costNanos
	return nil
}

// Release undoes a reservation that was never billed.
func (m *BudgetManager) Release(res Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.open[res.ID]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownReservation, res.ID)
	}
	delete(m.open, res.ID)
	m.tokensSpent -= res.Tokens
	m.costNanos -= res.costNanos
	return nil
}

// CurrentTier returns the tier requests are currently costed at.
func (m *BudgetManager) CurrentTier() ModelTier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ladder.Tier(m.tierIndex)
}

// BudgetSnapshot is a read-only view of a BudgetManager.
type BudgetSnapshot struct {
	TokensSpent  int64
	CostSpent    float64
	MaxTokens    int64
	MaxCostUSD   *float64
	TierIndex    int
	Tier         ModelTier
	Strategy     Strategy
	Reservations int
}

// RemainingTokens returns the tokens left under the ceiling, never negative.
func (s BudgetSnapshot) RemainingTokens() int64 {
	if r := s.MaxTokens - s.TokensSpent; r > 0 {
		return r
	}
	return 0
}

// Snapshot returns the current state.
func (m *BudgetManager) Snapshot() BudgetSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := BudgetSnapshot{
		TokensSpent:  m.tokensSpent,
		CostSpent:    fromNanos(m.costNanos),
		MaxTokens:    m.maxTokens,
		TierIndex:    m.tierIndex,
		Tier:         m.ladder.Tier(m.tierIndex),
		Strategy:     m.strategy,
		Reservations: len(m.open),
	}
	if m.maxCost != nil {
		mc := fromNanos(*m.maxCost)
		s.MaxCostUSD = &mc
	}
	return s
}

// fits must be called with mu held.
func (m *BudgetManager) fits(tokens, costNanos int64) bool {
	if m.tokensSpent+tokens > m.maxTokens {
		return false
	}
	if m.maxCost != nil && m.costNanos+costNanos > *m.maxCost {
		return false
	}
	return true
}

// decision must be called with mu held.
func (m *BudgetManager) decision(a Action, res Reservation) Decision {
	return Decision{
		Action:      a,
		Tier:        m.ladder.Tier(m.tierIndex),
		TierIndex:   m.tierIndex,
		Reservation: res,
	}
}

// exceeded must be called with mu held.
func (m *BudgetManager) exceeded(tokens int64, cost float64) *BudgetExceededError {
	e := &BudgetExceededError{
		RequestedTokens: tokens,
		RequestedCost:   cost,
		TokensSpent:     m.tokensSpent,
		MaxTokens:       m.maxTokens,
		CostSpent:       fromNanos(m.costNanos),
	}
	if m.maxCost != nil {
		mc := fromNanos(*m.maxCost)
		e.MaxCostUSD = &mc
	}
	return e
}

func toNanos(usd float64) int64 { return int64(math.Round(usd * 1e9)) }
func fromNanos(n int64) float64 { return float64(n) / 1e9 }
