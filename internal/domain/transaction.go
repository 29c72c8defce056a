package domain

import (
	"fmt"
	"time"
)

// TransactionType is the kind of money movement being scored.
type TransactionType string

const (
	TxPayment    TransactionType = "payment"
	TxWithdrawal TransactionType = "withdrawal"
	TxDeposit    TransactionType = "deposit"
	TxTransfer   TransactionType = "transfer"
)

// TransactionTypes lists every accepted type in encoder order.
var TransactionTypes = []TransactionType{TxPayment, TxWithdrawal, TxDeposit, TxTransfer}

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	for _, known := range TransactionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Transaction is a scored, persisted ledger row. A Transaction only exists
// after the whole scoring pipeline succeeded.
type Transaction struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	// Timestamp is stamped by the server in UTC and is authoritative.
	Timestamp time.Time `json:"ts"`

	// ClientTimestamp is whatever the caller sent; informational only.
	ClientTimestamp *time.Time `json:"client_ts,omitempty"`

	Amount            float64         `json:"amount"`
	Type              TransactionType `json:"type"`
	Country           string          `json:"country,omitempty"`
	DeviceFingerprint string          `json:"device_fingerprint,omitempty"`
	IP                string          `json:"ip,omitempty"`

	// Scoring output
	AnomalyScore float64  `json:"anomaly_score"`
	AnomalyLabel int      `json:"anomaly_label"` // -1 outlier, 1 inlier
	RulesScore   float64  `json:"rules_score"`
	FinalRisk    float64  `json:"final_risk"`
	AnomalyFlag  bool     `json:"anomaly_flag"`
	Explanations []string `json:"explanations"`
}

// Submission is an unscored transaction as received from a caller.
type Submission struct {
	UserID            string          `json:"user_id"`
	Amount            float64         `json:"amount"`
	Type              TransactionType `json:"type"`
	Country           string          `json:"country,omitempty"`
	DeviceFingerprint string          `json:"device_fingerprint,omitempty"`
	IP                string          `json:"ip,omitempty"`
	ClientTimestamp   *time.Time      `json:"ts,omitempty"`
}

// Validate checks the fields every scoring path relies on.
func (s *Submission) Validate() error {
	if s.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if s.Amount < 0 {
		return fmt.Errorf("%w: amount must be non-negative", ErrInvalidInput)
	}
	if !s.Type.Valid() {
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidInput, s.Type)
	}
	return nil
}

// ToTransaction stamps the submission with the server clock.
func (s *Submission) ToTransaction(id string, now time.Time) *Transaction {
	return &Transaction{
		ID:                id,
		UserID:            s.UserID,
		Timestamp:         now.UTC(),
		ClientTimestamp:   s.ClientTimestamp,
		Amount:            s.Amount,
		Type:              s.Type,
		Country:           s.Country,
		DeviceFingerprint: s.DeviceFingerprint,
		IP:                s.IP,
	}
}

// TransactionFilter narrows a transaction search.
type TransactionFilter struct {
	UserID  string
	Type    TransactionType
	Country string
	MinRisk float64
	Limit   int
	Offset  int
}

// AnalystAction records a manual decision taken on a user or transaction.
type AnalystAction struct {
	ID     string    `json:"id"`
	UserID string    `json:"user_id"`
	TxID   string    `json:"txn_id,omitempty"`
	Action string    `json:"action"`
	Note   string    `json:"note,omitempty"`
	Actor  string    `json:"actor"`
	At     time.Time `json:"ts"`
}

// Analyst action kinds.
const (
	ActionLockAccount   = "LOCK_ACCOUNT"
	ActionStepUp        = "STEP_UP"
	ActionFalsePositive = "FALSE_POSITIVE"
)

// ValidAction reports whether a is an accepted analyst action.
func ValidAction(a string) bool {
	switch a {
	case ActionLockAccount, ActionStepUp, ActionFalsePositive:
		return true
	}
	return false
}
