package store

import (
	"context"
	"sync"

	"cashback-api/internal/models"
)

// Memory is a process-lifetime Store backed by slices. Collections keep
// insertion order.
type Memory struct {
	mu           sync.RWMutex
	transactions []models.Transaction
	ruleSets     []models.RuleSet
	cashbacks    []models.Cashback
	ids          *IDGenerator
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return NewMemoryWithIDs(NewIDGenerator())
}

// NewMemoryWithIDs creates an empty in-memory store using ids for generated
// identifiers.
func NewMemoryWithIDs(ids *IDGenerator) *Memory {
	return &Memory{ids: ids}
}

func (m *Memory) AddTransaction(_ context.Context, txn models.Transaction) (models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transactions = append(m.transactions, txn)
	return txn, nil
}

func (m *Memory) AddRuleSet(_ context.Context, rs models.RuleSet) (models.RuleSet, error) {
	rs = cloneRuleSet(rs)
	rs.ID = m.ids.Next(RuleSetPrefix)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ruleSets = append(m.ruleSets, rs)
	return cloneRuleSet(rs), nil
}

func (m *Memory) AddCashback(_ context.Context, cb models.Cashback) (models.Cashback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasCashbackLocked(cb.RuleSetID, cb.CustomerID) {
		return models.Cashback{}, ErrDuplicateCashback
	}

	cb.ID = m.ids.Next(CashbackPrefix)
	m.cashbacks = append(m.cashbacks, cb)
	return cb, nil
}

func (m *Memory) RuleSets(_ context.Context) ([]models.RuleSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.RuleSet, 0, len(m.ruleSets))
	for _, rs := range m.ruleSets {
		out = append(out, cloneRuleSet(rs))
	}
	return out, nil
}

func (m *Memory) Transactions(_ context.Context) ([]models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Transaction, len(m.transactions))
	copy(out, m.transactions)
	return out, nil
}

func (m *Memory) CashbackSummaries(_ context.Context) ([]models.CashbackSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.CashbackSummary, 0, len(m.cashbacks))
	for _, cb := range m.cashbacks {
		out = append(out, cb.Summary())
	}
	return out, nil
}

func (m *Memory) RuleSetsActiveOn(_ context.Context, date models.Date) ([]models.RuleSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.RuleSet
	for _, rs := range m.ruleSets {
		if date.Within(rs.StartDate, rs.EndDate) {
			out = append(out, cloneRuleSet(rs))
		}
	}
	return out, nil
}

func (m *Memory) TransactionCountForCustomer(_ context.Context, customerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, txn := range m.transactions {
		if txn.CustomerID == customerID {
			count++
		}
	}
	return count, nil
}

func (m *Memory) HasCashback(_ context.Context, ruleSetID, customerID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.hasCashbackLocked(ruleSetID, customerID), nil
}

func (m *Memory) hasCashbackLocked(ruleSetID, customerID string) bool {
	for _, cb := range m.cashbacks {
		if cb.RuleSetID == ruleSetID && cb.CustomerID == customerID {
			return true
		}
	}
	return false
}

func (m *Memory) DecrementRuleSet(_ context.Context, ruleSetID string, budget, redemptions int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.decrementLocked(ruleSetID, budget, redemptions)
	return nil
}

func (m *Memory) RecordAward(_ context.Context, cb models.Cashback, budget, redemptions int64) (models.Cashback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasCashbackLocked(cb.RuleSetID, cb.CustomerID) {
		return models.Cashback{}, ErrDuplicateCashback
	}

	cb.ID = m.ids.Next(CashbackPrefix)
	m.cashbacks = append(m.cashbacks, cb)
	m.decrementLocked(cb.RuleSetID, budget, redemptions)
	return cb, nil
}

func (m *Memory) decrementLocked(ruleSetID string, budget, redemptions int64) {
	for i := range m.ruleSets {
		if m.ruleSets[i].ID != ruleSetID {
			continue
		}
		decrement(m.ruleSets[i].PendingBudget, budget)
		decrement(m.ruleSets[i].PendingRedemptionLimit, redemptions)
		return
	}
}

// Close is a no-op; memory is released with the process.
func (m *Memory) Close() error {
	return nil
}
