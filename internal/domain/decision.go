package domain

import "time"

// HistoryContext holds the per-request signals aggregated from a user's
// recent history. It is never persisted.
type HistoryContext struct {
	PrevCountry string
	PrevTS      *time.Time // nil for a user's first transaction

	RecentCount10m       int
	RecentTransferSum30m float64
	DeviceSeenCountries  []string
}

// Warning is a non-fatal data-quality note: a baseline was missing, so the
// named rule or normalization fell back to a neutral default.
type Warning struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Decision is the outcome of scoring one transaction.
type Decision struct {
	TxID               string    `json:"id"`
	UserID             string    `json:"user_id"`
	AnomalyScore       float64   `json:"anomaly_score"`
	AnomalyLabel       int       `json:"anomaly_label"`
	AnomalyProbability float64   `json:"anomaly_probability"`
	RulesScore         float64   `json:"rules_score"`
	FiredRules         []string  `json:"fired_rules,omitempty"`
	FinalRisk          float64   `json:"final_risk"`
	Flagged            bool      `json:"anomaly"`
	Explanations       []string  `json:"explanations"`
	Warnings           []Warning `json:"warnings,omitempty"`
	ProcessMs          int64     `json:"process_ms"`
}

// DecisionResponse is the API payload returned for a scored submission.
type DecisionResponse struct {
	ID           string   `json:"id"`
	FinalRisk    float64  `json:"final_risk"`
	Explanations []string `json:"explanations"`
	Anomaly      bool     `json:"anomaly"`
}

// ToResponse trims a decision to its public response shape.
func (d *Decision) ToResponse() *DecisionResponse {
	return &DecisionResponse{
		ID:           d.TxID,
		FinalRisk:    d.FinalRisk,
		Explanations: d.Explanations,
		Anomaly:      d.Flagged,
	}
}
