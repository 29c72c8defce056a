// Package rules provides the CEL-Go based contextual rule engine.
package rules

import (
	"fmt"
	"math"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/ueba/internal/domain"
)

// MaxScore caps the aggregate rule score, leaving headroom for the anomaly
// model's contribution.
const MaxScore = 0.95

// ImpossibleTravelKmh is faster than a commercial jet.
const ImpossibleTravelKmh = 900.0

// Rule is one fixed, weighted heuristic.
type Rule struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Expression  string  `json:"expression"`
	Weight      float64 `json:"weight"`
	Explanation string  `json:"explanation"`

	// describe overrides Explanation when the text depends on the input.
	describe func(v *variables) string
}

// Input holds everything a rule can look at.
type Input struct {
	Amount    float64
	Type      domain.TransactionType
	Country   string
	Device    string
	Timestamp time.Time
	Profile   *domain.UserProfile
	Context   *domain.HistoryContext
}

// Result is the capped rule score and the explanations of the rules that
// fired, in rule order.
type Result struct {
	Score        float64          `json:"score"`
	Fired        []string         `json:"fired"`
	Explanations []string         `json:"explanations"`
	Warnings     []domain.Warning `json:"warnings,omitempty"`
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    Rule
	Program cel.Program
}

// Engine evaluates the fixed rule set sequentially, in order.
type Engine struct {
	env   *cel.Env
	rules []*CompiledRule
}

// DefaultRules returns the rule set in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "A",
			Name:        "amount_spike",
			Expression:  `has_baseline && amount > 5.0 * avg_amount`,
			Weight:      0.25,
			Explanation: "Amount spike vs user median",
		},
		{
			ID:          "B",
			Name:        "new_geography",
			Expression:  `country != "" && size(usual_countries) > 0 && !(country in usual_countries)`,
			Weight:      0.20,
			Explanation: "New geography for this user",
		},
		{
			ID:          "C",
			Name:        "odd_hour_transfer",
			Expression:  `tx_type == "transfer" && (hour < 5 || hour > 23)`,
			Weight:      0.10,
			Explanation: "Out-of-hours transfer",
		},
		{
			ID:          "D",
			Name:        "new_device",
			Expression:  `device != "" && size(usual_devices) > 0 && !(device in usual_devices)`,
			Weight:      0.10,
			Explanation: "New device for this user",
		},
		{
			ID:          "E1",
			Name:        "high_velocity",
			Expression:  `recent_cnt_10m >= 8`,
			Weight:      0.20,
			Explanation: "High velocity (>=8 tx in 10m)",
		},
		{
			ID:          "E2",
			Name:        "elevated_velocity",
			Expression:  `recent_cnt_10m >= 5 && recent_cnt_10m < 8`,
			Weight:      0.12,
			Explanation: "Elevated velocity (>=5 tx in 10m)",
		},
		{
			ID:          "F",
			Name:        "value_burst",
			Expression:  `has_baseline && recent_sum_transfers_30m > 10.0 * avg_amount`,
			Weight:      0.20,
			Explanation: "Value burst (30m sum >> median)",
		},
		{
			ID:          "G",
			Name:        "device_geo_mismatch",
			Expression:  `device != "" && country != "" && size(device_seen_countries) > 0 && !(country in device_seen_countries)`,
			Weight:      0.15,
			Explanation: "Device-geo mismatch",
		},
		{
			ID:          "H",
			Name:        "impossible_travel",
			Expression:  `travel_known && travel_speed_kmh > 900.0`,
			Weight:      0.25,
			Explanation: "Impossible travel",
			describe: func(v *variables) string {
				return fmt.Sprintf("Impossible travel (~%d km/h)", int(v.travelSpeed))
			},
		},
		{
			ID:          "I",
			Name:        "hourly_spike",
			Expression:  `hour_median > 0.0 && amount / hour_median > 5.0`,
			Weight:      0.15,
			Explanation: "Spike vs usual-for-this-hour",
		},
	}
}

// NewEngine compiles the default rule set.
func NewEngine() (*Engine, error) {
	return NewEngineWithRules(DefaultRules())
}

// NewEngineWithRules compiles an explicit rule list, preserving its order.
func NewEngineWithRules(rules []Rule) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("tx_type", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("device", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("has_baseline", cel.BoolType),
		cel.Variable("avg_amount", cel.DoubleType),
		cel.Variable("usual_countries", cel.ListType(cel.StringType)),
		cel.Variable("usual_devices", cel.ListType(cel.StringType)),
		cel.Variable("recent_cnt_10m", cel.IntType),
		cel.Variable("recent_sum_transfers_30m", cel.DoubleType),
		cel.Variable("device_seen_countries", cel.ListType(cel.StringType)),
		cel.Variable("travel_known", cel.BoolType),
		cel.Variable("travel_speed_kmh", cel.DoubleType),
		cel.Variable("hour_median", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{env: env}
	for _, r := range rules {
		compiled, err := e.compileRule(r)
		if err != nil {
			return nil, err
		}
		e.rules = append(e.rules, compiled)
	}
	return e, nil
}

// Rules returns the loaded rules in evaluation order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Rule
	}
	return out
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	return len(e.rules)
}

// Evaluate runs every rule in order and sums the weights of those that fire.
func (e *Engine) Evaluate(in *Input) (*Result, error) {
	vars, warnings := buildVariables(in)
	activation := vars.activation()

	res := &Result{
		Fired:        []string{},
		Explanations: []string{},
		Warnings:     warnings,
	}

	var sum float64
	for _, r := range e.rules {
		out, _, err := r.Program.Eval(activation)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", domain.ErrConfiguration, r.Rule.ID, err)
		}
		if !fired(out) {
			continue
		}

		sum += r.Rule.Weight
		res.Fired = append(res.Fired, r.Rule.ID)
		if r.Rule.describe != nil {
			res.Explanations = append(res.Explanations, r.Rule.describe(vars))
		} else {
			res.Explanations = append(res.Explanations, r.Rule.Explanation)
		}
	}

	res.Score = math.Min(sum, MaxScore)
	return res, nil
}

// fired converts a CEL result to a firing decision.
func fired(val ref.Val) bool {
	b, ok := val.(types.Bool)
	return ok && bool(b)
}

func (e *Engine) compileRule(r Rule) (*CompiledRule, error) {
	ast, issues := e.env.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", r.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", r.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", r.ID, err)
	}

	return &CompiledRule{
		Rule:    r,
		Program: program,
	}, nil
}
