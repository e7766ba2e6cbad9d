package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cashback-api/internal/models"
)

// Id prefixes for system-generated identifiers.
const (
	RuleSetPrefix  = "RS-"
	CashbackPrefix = "CB-"
)

// ErrDuplicateCashback is returned when a second award is written for a
// (ruleset, customer) pair that already has one.
var ErrDuplicateCashback = errors.New("cashback already awarded for ruleset and customer")

// Store holds transactions, rulesets and cashback awards.
type Store interface {
	AddTransaction(ctx context.Context, txn models.Transaction) (models.Transaction, error)
	AddRuleSet(ctx context.Context, rs models.RuleSet) (models.RuleSet, error)
	AddCashback(ctx context.Context, cb models.Cashback) (models.Cashback, error)

	RuleSets(ctx context.Context) ([]models.RuleSet, error)
	Transactions(ctx context.Context) ([]models.Transaction, error)
	CashbackSummaries(ctx context.Context) ([]models.CashbackSummary, error)

	// RuleSetsActiveOn returns rulesets whose [StartDate, EndDate] window
	// contains date, in insertion order.
	RuleSetsActiveOn(ctx context.Context, date models.Date) ([]models.RuleSet, error)
	// TransactionCountForCustomer counts every stored transaction of the
	// customer, including one that was just added.
	TransactionCountForCustomer(ctx context.Context, customerID string) (int, error)
	HasCashback(ctx context.Context, ruleSetID, customerID string) (bool, error)
	// DecrementRuleSet lowers the pending budget and pending redemption
	// limit of a ruleset. Counters never drop below zero; an unknown ruleset
	// is ignored.
	DecrementRuleSet(ctx context.Context, ruleSetID string, budget, redemptions int64) error
	// RecordAward stores cb and charges budget and redemptions to its ruleset
	// as one unit: either both writes land or neither does.
	RecordAward(ctx context.Context, cb models.Cashback, budget, redemptions int64) (models.Cashback, error)

	Close() error
}

// IDGenerator produces prefix + millisecond timestamp identifiers. When two
// ids are requested within the same millisecond the token is bumped so ids
// stay unique and increasing.
type IDGenerator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewIDGenerator creates a generator driven by the wall clock.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{now: time.Now}
}

// Next returns the next identifier with the given prefix.
func (g *IDGenerator) Next(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	token := g.now().UnixMilli()
	if token <= g.last {
		token = g.last + 1
	}
	g.last = token
	return fmt.Sprintf("%s%d", prefix, token)
}

// decrement subtracts delta from *v, flooring at zero. Nil counters are
// uncapped and left alone.
func decrement(v *int64, delta int64) {
	if v == nil {
		return
	}
	*v -= delta
	if *v < 0 {
		*v = 0
	}
}

// cloneRuleSet copies rs so callers cannot mutate stored counters.
func cloneRuleSet(rs models.RuleSet) models.RuleSet {
	rs.Budget = cloneInt(rs.Budget)
	rs.PendingBudget = cloneInt(rs.PendingBudget)
	rs.RedemptionLimit = cloneInt(rs.RedemptionLimit)
	rs.PendingRedemptionLimit = cloneInt(rs.PendingRedemptionLimit)
	return rs
}

func cloneInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
