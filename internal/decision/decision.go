// Package decision fuses the anomaly probability with the rule score, applies
// the flagging threshold and merges the explanations shown to analysts.
package decision

import (
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/ueba/internal/anomaly"
	"github.com/opensource-finance/ueba/internal/domain"
	"github.com/opensource-finance/ueba/internal/rules"
)

// Fusion policy. These are fixed constants, not configuration.
const (
	AnomalyWeight = 0.6
	RulesWeight   = 0.4
	FlagThreshold = 0.75

	// spikeRatio is the amount/median ratio above which the baseline note is added.
	spikeRatio = 5.0
)

// Processor turns scorer and rule outputs into a Decision.
type Processor struct{}

// NewProcessor creates a decision processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Input contains everything needed for a decision.
type Input struct {
	TxID         string
	UserID       string
	Amount       float64
	Type         domain.TransactionType
	Country      string
	Timestamp    time.Time
	Profile      *domain.UserProfile
	AnomalyScore float64
	AnomalyLabel int
	Rules        *rules.Result
	Warnings     []domain.Warning
	StartTime    time.Time
}

// Process fuses the scores and builds the explanation list.
func (p *Processor) Process(in *Input) *domain.Decision {
	prob := anomaly.ToProbability(in.AnomalyScore)
	risk := FinalRisk(prob, in.Rules.Score)

	warnings := append([]domain.Warning{}, in.Warnings...)
	warnings = append(warnings, in.Rules.Warnings...)

	d := &domain.Decision{
		TxID:               in.TxID,
		UserID:             in.UserID,
		AnomalyScore:       in.AnomalyScore,
		AnomalyLabel:       in.AnomalyLabel,
		AnomalyProbability: prob,
		RulesScore:         in.Rules.Score,
		FiredRules:         append([]string(nil), in.Rules.Fired...),
		FinalRisk:          risk,
		Flagged:            Flagged(risk),
		Explanations:       Merge(BaselineExplanations(in), in.Rules.Explanations),
		Warnings:           warnings,
	}
	if !in.StartTime.IsZero() {
		d.ProcessMs = time.Since(in.StartTime).Milliseconds()
	}
	return d
}

// FinalRisk is the linear fusion of anomaly probability and rule score.
func FinalRisk(anomalyProbability, rulesScore float64) float64 {
	return AnomalyWeight*anomalyProbability + RulesWeight*rulesScore
}

// Flagged reports whether a risk is high enough to present as anomalous.
func Flagged(risk float64) bool {
	return risk >= FlagThreshold
}

// BaselineExplanations builds the notes that accompany every decision. The
// raw anomaly score note is always last and always present.
func BaselineExplanations(in *Input) []string {
	var exps []string

	profile := in.Profile
	if profile == nil {
		profile = &domain.UserProfile{}
	}

	if avg, ok := profile.Baseline(); ok {
		if ratio := in.Amount / avg; ratio > spikeRatio {
			exps = append(exps, fmt.Sprintf("Amount %.1fx above 30-day median", ratio))
		}
	}

	if in.Country != "" && len(profile.UsualCountries) > 0 && !profile.HasCountry(in.Country) {
		exps = append(exps, fmt.Sprintf("New country %s (usual: %s)",
			in.Country, strings.Join(profile.UsualCountries, ",")))
	}

	if hour := in.Timestamp.UTC().Hour(); in.Type == domain.TxTransfer && (hour < 5 || hour > 23) {
		exps = append(exps, "Out-of-hours high-risk transfer")
	}

	exps = append(exps, fmt.Sprintf("Anomaly score %.3f (IForest)", in.AnomalyScore))
	return exps
}

// Merge concatenates explanation lists and drops repeats, keeping the first
// occurrence of each.
func Merge(lists ...[]string) []string {
	seen := make(map[string]struct{})
	merged := []string{}
	for _, list := range lists {
		for _, e := range list {
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			merged = append(merged, e)
		}
	}
	return merged
}
