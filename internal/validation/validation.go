package validation

import (
	"fmt"
	"strings"
	"unicode"

	"cashback-api/internal/models"
)

const maxIDLength = 128

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

func ValidateRuleSet(req models.CreateRuleSetRequest) error {
	if req.StartDate.IsZero() {
		return &ValidationError{
			Field:   "startDate",
			Message: "is required",
		}
	}

	if req.EndDate.IsZero() {
		return &ValidationError{
			Field:   "endDate",
			Message: "is required",
		}
	}

	if req.StartDate.After(req.EndDate.Time) {
		return &ValidationError{
			Field:   "startDate",
			Message: "must not be after endDate",
		}
	}

	if err := nonNegative("budget", req.Budget); err != nil {
		return err
	}

	if err := nonNegative("redemptionLimit", req.RedemptionLimit); err != nil {
		return err
	}

	if req.MinTransactions != nil && *req.MinTransactions < 0 {
		return &ValidationError{
			Field:   "minTransactions",
			Message: "must be non-negative",
		}
	}

	if err := nonNegative("amount", req.Amount); err != nil {
		return err
	}

	return nonNegative("cashback", req.Cashback)
}

func ValidateTransaction(txn models.Transaction) error {
	if err := validateID(txn.ID, "id"); err != nil {
		return err
	}

	if err := validateID(txn.CustomerID, "customerId"); err != nil {
		return err
	}

	if txn.Date.IsZero() {
		return &ValidationError{
			Field:   "date",
			Message: "is required",
		}
	}

	return nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

func validateID(id, fieldName string) error {
	if SanitizeString(id) == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	if len(id) > maxIDLength {
		return &ValidationError{
			Field:   fieldName,
			Message: fmt.Sprintf("cannot exceed %d characters", maxIDLength),
		}
	}

	return nil
}

func nonNegative(field string, v *int64) error {
	if v != nil && *v < 0 {
		return &ValidationError{
			Field:   field,
			Message: "must be non-negative",
		}
	}
	return nil
}
