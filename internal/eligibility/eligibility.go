// Package eligibility decides which cashback, if any, a transaction earns.
//
// The decision runs in two steps over rulesets already known to be active on
// the transaction's date. Filter drops rulesets the customer cannot use, and
// SelectBest turns what is left into candidate awards and keeps the largest.
package eligibility

import "cashback-api/internal/models"

// PriorTransactions converts a customer's stored transaction count, which
// includes the transaction being evaluated, into the number of earlier ones.
// The result is -1 when nothing has been stored yet.
func PriorTransactions(storedCount int) int {
	return storedCount - 1
}

// AwardLookup reports whether a customer already holds an award from a ruleset.
type AwardLookup func(ruleSetID string) (bool, error)

// Filter returns the rulesets in active that the customer may still earn
// from, preserving order. A ruleset qualifies when the customer has no award
// from it yet, has at least MinTransactions prior transactions, and the
// ruleset has redemptions left.
func Filter(active []models.RuleSet, priorTransactions int, awarded AwardLookup) ([]models.RuleSet, error) {
	var eligible []models.RuleSet
	for _, rs := range active {
		if !hasRedemptionsLeft(rs) || priorTransactions < rs.MinTransactions {
			continue
		}
		used, err := awarded(rs.ID)
		if err != nil {
			return nil, err
		}
		if used {
			continue
		}
		eligible = append(eligible, rs)
	}
	return eligible, nil
}

// hasRedemptionsLeft treats a ruleset without a redemption limit as having
// no capacity.
func hasRedemptionsLeft(rs models.RuleSet) bool {
	return rs.PendingRedemptionLimit != nil && *rs.PendingRedemptionLimit > 0
}

// Candidate is a possible award from one ruleset.
type Candidate struct {
	RuleSetID string
	Amount    int64
}

// CandidateAmount is the ruleset's amount capped by its remaining budget.
// Rulesets without a budget are uncapped. An exhausted budget yields zero.
func CandidateAmount(rs models.RuleSet) int64 {
	if rs.PendingBudget != nil && *rs.PendingBudget < rs.Amount {
		return *rs.PendingBudget
	}
	return rs.Amount
}

// Candidates builds one candidate per eligible ruleset, in the same order.
func Candidates(eligible []models.RuleSet) []Candidate {
	candidates := make([]Candidate, 0, len(eligible))
	for _, rs := range eligible {
		candidates = append(candidates, Candidate{
			RuleSetID: rs.ID,
			Amount:    CandidateAmount(rs),
		})
	}
	return candidates
}

// SelectBest returns the candidate with the largest amount. Among equal
// amounts the earliest candidate wins. ok is false when there are none.
func SelectBest(candidates []Candidate) (best Candidate, ok bool) {
	for i, c := range candidates {
		if i == 0 || c.Amount > best.Amount {
			best = c
		}
	}
	return best, len(candidates) > 0
}
