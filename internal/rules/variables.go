package rules

import (
	"fmt"

	"github.com/opensource-finance/ueba/internal/domain"
)

// variables is the flattened, fully resolved rule input. Every optional
// baseline is resolved here into an explicit presence flag or a zero that
// the expressions guard against.
type variables struct {
	amount  float64
	txType  string
	country string
	device  string
	hour    int

	hasBaseline bool
	avgAmount   float64

	usualCountries []string
	usualDevices   []string

	recentCount    int
	recentTransfer float64
	deviceCountry  []string

	travelKnown bool
	travelSpeed float64

	hourMedian float64
}

func buildVariables(in *Input) (*variables, []domain.Warning) {
	var warnings []domain.Warning

	ts := in.Timestamp.UTC()
	v := &variables{
		amount:         in.Amount,
		txType:         string(in.Type),
		country:        in.Country,
		device:         in.Device,
		hour:           ts.Hour(),
		usualCountries: []string{},
		usualDevices:   []string{},
		deviceCountry:  []string{},
	}

	profile := in.Profile
	if profile == nil {
		profile = &domain.UserProfile{}
	}

	v.avgAmount, v.hasBaseline = profile.Baseline()
	if !v.hasBaseline {
		warnings = append(warnings,
			domain.Warning{Rule: "A", Message: "avg_amount absent"},
			domain.Warning{Rule: "F", Message: "avg_amount absent"},
		)
	}
	if profile.UsualCountries != nil {
		v.usualCountries = profile.UsualCountries
	}
	if profile.UsualDevices != nil {
		v.usualDevices = profile.UsualDevices
	}

	if m, ok := profile.HourlyMedian[v.hour]; ok && m > 0 {
		v.hourMedian = m
	} else {
		warnings = append(warnings, domain.Warning{
			Rule:    "I",
			Message: fmt.Sprintf("hourly_median absent for hour %d", v.hour),
		})
	}

	hc := in.Context
	if hc == nil {
		hc = &domain.HistoryContext{}
	}
	v.recentCount = hc.RecentCount10m
	v.recentTransfer = hc.RecentTransferSum30m
	if hc.DeviceSeenCountries != nil {
		v.deviceCountry = hc.DeviceSeenCountries
	}

	speed, outcome := travelSpeed(hc.PrevCountry, hc.PrevTS, in.Country, ts)
	switch outcome {
	case travelKnown:
		v.travelKnown = true
		v.travelSpeed = speed
	case travelNoCentroid:
		warnings = append(warnings, domain.Warning{
			Rule:    "H",
			Message: fmt.Sprintf("no centroid for %s or %s", hc.PrevCountry, in.Country),
		})
	case travelNoElapsed:
		warnings = append(warnings, domain.Warning{Rule: "H", Message: "non-positive elapsed time"})
	}

	return v, warnings
}

func (v *variables) activation() map[string]any {
	return map[string]any{
		"amount":                   v.amount,
		"tx_type":                  v.txType,
		"country":                  v.country,
		"device":                   v.device,
		"hour":                     int64(v.hour),
		"has_baseline":             v.hasBaseline,
		"avg_amount":               v.avgAmount,
		"usual_countries":          v.usualCountries,
		"usual_devices":            v.usualDevices,
		"recent_cnt_10m":           int64(v.recentCount),
		"recent_sum_transfers_30m": v.recentTransfer,
		"device_seen_countries":    v.deviceCountry,
		"travel_known":             v.travelKnown,
		"travel_speed_kmh":         v.travelSpeed,
		"hour_median":              v.hourMedian,
	}
}
