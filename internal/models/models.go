package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// dateLayouts are tried in order when parsing caller-supplied dates.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Date is a point in time that remembers the text it was parsed from, so
// values round-trip to the caller exactly as they were sent.
type Date struct {
	time.Time
	raw string
}

// ParseDate parses s using the accepted layouts. Values without a zone are UTC.
func ParseDate(s string) (Date, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Date{Time: t, raw: s}, nil
		}
	}
	return Date{}, fmt.Errorf("unrecognised date %q", s)
}

// NewDate wraps t, rendering it as RFC3339.
func NewDate(t time.Time) Date {
	return Date{Time: t, raw: t.Format(time.RFC3339)}
}

// String returns the original text of the date.
func (d Date) String() string {
	if d.raw != "" {
		return d.raw
	}
	if d.Time.IsZero() {
		return ""
	}
	return d.Time.Format(time.RFC3339)
}

// Within reports whether d lies in [start, end], inclusive on both ends.
func (d Date) Within(start, end Date) bool {
	return !d.Time.Before(start.Time) && !d.Time.After(end.Time)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.Time.IsZero() && d.raw == "" {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Transaction is a customer payment. Fields other than id, customerId and
// date are kept in Extra and passed through untouched. Ids may arrive as
// JSON strings or numbers; numeric ids keep their literal text and are
// written back as numbers.
type Transaction struct {
	ID                string
	CustomerID        string
	NumericID         bool
	NumericCustomerID bool
	Date              Date
	Extra             map[string]json.RawMessage
}

func (t Transaction) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(t.Extra)+3)
	for k, v := range t.Extra {
		out[k] = v
	}
	out["id"] = identifierValue(t.ID, t.NumericID)
	out["customerId"] = identifierValue(t.CustomerID, t.NumericCustomerID)
	out["date"] = t.Date
	return json.Marshal(out)
}

func (t *Transaction) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("transaction must be a JSON object")
	}

	var decoded Transaction
	var err error
	if raw, ok := fields["id"]; ok {
		if decoded.ID, decoded.NumericID, err = parseIdentifier(raw); err != nil {
			return fmt.Errorf("id: %w", err)
		}
		delete(fields, "id")
	}
	if raw, ok := fields["customerId"]; ok {
		if decoded.CustomerID, decoded.NumericCustomerID, err = parseIdentifier(raw); err != nil {
			return fmt.Errorf("customerId: %w", err)
		}
		delete(fields, "customerId")
	}
	if raw, ok := fields["date"]; ok {
		if err := json.Unmarshal(raw, &decoded.Date); err != nil {
			return fmt.Errorf("date: %w", err)
		}
		delete(fields, "date")
	}
	if len(fields) > 0 {
		decoded.Extra = fields
	}

	*t = decoded
	return nil
}

// parseIdentifier accepts a JSON string or number. Numbers keep their
// literal text. null decodes to the empty id.
func parseIdentifier(raw json.RawMessage) (string, bool, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case bytes.Equal(raw, []byte("null")):
		return "", false, nil
	case len(raw) > 0 && raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false, err
		}
		return s, false, nil
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", false, fmt.Errorf("must be a string or a number")
		}
		return n.String(), true, nil
	}
}

func identifierValue(id string, numeric bool) any {
	if numeric {
		return json.Number(id)
	}
	return id
}

// RuleSet is a time-bounded cashback promotion. A nil Budget means the
// promotion has no budget cap; a nil RedemptionLimit means it can never award.
type RuleSet struct {
	ID                     string `json:"id"`
	StartDate              Date   `json:"startDate"`
	EndDate                Date   `json:"endDate"`
	Budget                 *int64 `json:"budget,omitempty"`
	PendingBudget          *int64 `json:"pendingBudget,omitempty"`
	RedemptionLimit        *int64 `json:"redemptionLimit,omitempty"`
	PendingRedemptionLimit *int64 `json:"pendingRedemptionLimit,omitempty"`
	MinTransactions        int    `json:"minTransactions"`
	Amount                 int64  `json:"amount"`
}

// Cashback is an award granted to one transaction under one ruleset.
type Cashback struct {
	ID                   string `json:"id"`
	RuleSetID            string `json:"ruleSetId"`
	CustomerID           string `json:"customerId"`
	TransactionID        string `json:"transactionId"`
	NumericTransactionID bool   `json:"-"`
	Amount               int64  `json:"amount"`
}

// Summary projects the award to its public {transactionId, amount} form.
func (c Cashback) Summary() CashbackSummary {
	return CashbackSummary{
		TransactionID:        c.TransactionID,
		NumericTransactionID: c.NumericTransactionID,
		Amount:               c.Amount,
	}
}

// CashbackSummary is the public projection of a Cashback.
type CashbackSummary struct {
	TransactionID        string
	NumericTransactionID bool
	Amount               int64
}

type cashbackSummaryJSON struct {
	TransactionID json.RawMessage `json:"transactionId"`
	Amount        int64           `json:"amount"`
}

func (s CashbackSummary) MarshalJSON() ([]byte, error) {
	id, err := json.Marshal(identifierValue(s.TransactionID, s.NumericTransactionID))
	if err != nil {
		return nil, err
	}
	return json.Marshal(cashbackSummaryJSON{TransactionID: id, Amount: s.Amount})
}

func (s *CashbackSummary) UnmarshalJSON(data []byte) error {
	var raw cashbackSummaryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, numeric, err := parseIdentifier(raw.TransactionID)
	if err != nil {
		return fmt.Errorf("transactionId: %w", err)
	}
	*s = CashbackSummary{TransactionID: id, NumericTransactionID: numeric, Amount: raw.Amount}
	return nil
}

// CreateRuleSetRequest is the body of POST /ruleset. Cashback is accepted as
// an alias of Amount.
type CreateRuleSetRequest struct {
	StartDate       Date   `json:"startDate"`
	EndDate         Date   `json:"endDate"`
	Budget          *int64 `json:"budget"`
	RedemptionLimit *int64 `json:"redemptionLimit"`
	MinTransactions *int   `json:"minTransactions"`
	Amount          *int64 `json:"amount"`
	Cashback        *int64 `json:"cashback"`
}

// UnmarshalJSON decodes numeric fields as JSON numbers (or numeric strings)
// and truncates them toward zero.
func (r *CreateRuleSetRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		StartDate       Date         `json:"startDate"`
		EndDate         Date         `json:"endDate"`
		Budget          *json.Number `json:"budget"`
		RedemptionLimit *json.Number `json:"redemptionLimit"`
		MinTransactions *json.Number `json:"minTransactions"`
		Amount          *json.Number `json:"amount"`
		Cashback        *json.Number `json:"cashback"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	decoded := CreateRuleSetRequest{StartDate: raw.StartDate, EndDate: raw.EndDate}
	fields := []struct {
		name string
		in   *json.Number
		out  **int64
	}{
		{"budget", raw.Budget, &decoded.Budget},
		{"redemptionLimit", raw.RedemptionLimit, &decoded.RedemptionLimit},
		{"amount", raw.Amount, &decoded.Amount},
		{"cashback", raw.Cashback, &decoded.Cashback},
	}
	for _, f := range fields {
		v, err := truncateNumber(f.in)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.out = v
	}

	minTxns, err := truncateNumber(raw.MinTransactions)
	if err != nil {
		return fmt.Errorf("minTransactions: %w", err)
	}
	if minTxns != nil {
		if *minTxns > math.MaxInt32 || *minTxns < math.MinInt32 {
			return fmt.Errorf("minTransactions: out of range")
		}
		n := int(*minTxns)
		decoded.MinTransactions = &n
	}

	*r = decoded
	return nil
}

// truncateNumber converts n to an integer, dropping any fractional part.
func truncateNumber(n *json.Number) (*int64, error) {
	if n == nil || *n == "" {
		return nil, nil
	}
	if i, err := n.Int64(); err == nil {
		return &i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, err
	}
	if math.IsNaN(f) || f >= math.MaxInt64 || f <= math.MinInt64 {
		return nil, fmt.Errorf("%s is out of range", n.String())
	}
	i := int64(f)
	return &i, nil
}

// RuleSet converts the request into a RuleSet with its pending counters
// initialised from the original values.
func (r CreateRuleSetRequest) RuleSet() RuleSet {
	rs := RuleSet{
		StartDate: r.StartDate,
		EndDate:   r.EndDate,
	}
	if r.Budget != nil {
		budget := *r.Budget
		pending := budget
		rs.Budget = &budget
		rs.PendingBudget = &pending
	}
	if r.RedemptionLimit != nil {
		limit := *r.RedemptionLimit
		pending := limit
		rs.RedemptionLimit = &limit
		rs.PendingRedemptionLimit = &pending
	}
	if r.MinTransactions != nil {
		rs.MinTransactions = *r.MinTransactions
	}
	switch {
	case r.Amount != nil:
		rs.Amount = *r.Amount
	case r.Cashback != nil:
		rs.Amount = *r.Cashback
	}
	return rs
}

// RuleSetView is the ruleset shape returned from POST /ruleset.
type RuleSetView struct {
	StartDate       Date   `json:"startDate"`
	EndDate         Date   `json:"endDate"`
	Cashback        int64  `json:"cashback"`
	RedemptionLimit *int64 `json:"redemptionLimit"`
	MinTransactions int    `json:"minTransactions"`
	Budget          *int64 `json:"budget"`
	ID              string `json:"id"`
}

// NewRuleSetView builds the creation response view of rs. cashback echoes the
// caller's own cashback field when one was sent, and the amount otherwise.
func NewRuleSetView(rs RuleSet, cashback *int64) RuleSetView {
	echoed := rs.Amount
	if cashback != nil {
		echoed = *cashback
	}
	return RuleSetView{
		StartDate:       rs.StartDate,
		EndDate:         rs.EndDate,
		Cashback:        echoed,
		RedemptionLimit: rs.RedemptionLimit,
		MinTransactions: rs.MinTransactions,
		Budget:          rs.Budget,
		ID:              rs.ID,
	}
}

// RuleSetResponse is the success payload of POST /ruleset.
type RuleSetResponse struct {
	Success bool        `json:"success"`
	RuleSet RuleSetView `json:"ruleSet"`
}

// RuleSetListResponse is the success payload of GET /ruleset.
type RuleSetListResponse struct {
	Success  bool      `json:"success"`
	RuleSets []RuleSet `json:"ruleSets"`
}

// TransactionResponse is the success payload of POST /transaction.
type TransactionResponse struct {
	Success     bool        `json:"success"`
	Transaction Transaction `json:"transaction"`
}

// TransactionListResponse is the success payload of GET /transaction.
type TransactionListResponse struct {
	Success      bool          `json:"success"`
	Transactions []Transaction `json:"transactions"`
}

// CashbackListResponse is the success payload of GET /cashback.
type CashbackListResponse struct {
	Success  bool              `json:"success"`
	Cashback []CashbackSummary `json:"cashback"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
