package domain

import "time"

// User is an account holder whose transactions are scored.
type User struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Email     string      `json:"email,omitempty"`
	Country   string      `json:"country,omitempty"`
	Profile   UserProfile `json:"profile"`
	CreatedAt time.Time   `json:"created_at"`
}

// UserProfile holds the behavioral baseline the rule engine compares against.
// It is written only by the profile refresher.
type UserProfile struct {
	// AvgAmount is the median of historical amounts; nil when there is no history.
	AvgAmount *float64 `json:"avg_amount,omitempty"`

	// UsualCountries is ordered most-frequent first.
	UsualCountries []string `json:"usual_countries"`

	UsualDevices []string `json:"usual_devices"`

	// HourlyMedian maps a UTC hour (0-23) to the median amount seen in it.
	HourlyMedian map[int]float64 `json:"hourly_median,omitempty"`
}

// DefaultProfile is the profile a new user starts with. A home country, when
// known, seeds UsualCountries.
func DefaultProfile(homeCountry string) UserProfile {
	p := UserProfile{
		UsualCountries: []string{},
		UsualDevices:   []string{},
	}
	if homeCountry != "" {
		p.UsualCountries = append(p.UsualCountries, homeCountry)
	}
	return p
}

// Baseline returns the average amount and whether it is usable. A zero
// median is treated the same as a missing one.
func (p *UserProfile) Baseline() (float64, bool) {
	if p == nil || p.AvgAmount == nil || *p.AvgAmount <= 0 {
		return 0, false
	}
	return *p.AvgAmount, true
}

// HasCountry reports whether c is among the usual countries.
func (p *UserProfile) HasCountry(c string) bool {
	return contains(p.UsualCountries, c)
}

// HasDevice reports whether d is among the usual devices.
func (p *UserProfile) HasDevice(d string) bool {
	return contains(p.UsualDevices, d)
}

// ProfilePatch carries the fields a refresh recomputed. Nil or empty fields
// are left untouched when the patch is applied, so a history without any
// countries keeps the seeded home country.
type ProfilePatch struct {
	AvgAmount      *float64
	UsualCountries []string
	UsualDevices   []string
	HourlyMedian   map[int]float64
}

// Apply merges the patch into p.
func (patch ProfilePatch) Apply(p *UserProfile) {
	if patch.AvgAmount != nil {
		v := *patch.AvgAmount
		p.AvgAmount = &v
	}
	if len(patch.UsualCountries) > 0 {
		p.UsualCountries = append([]string{}, patch.UsualCountries...)
	}
	if len(patch.UsualDevices) > 0 {
		p.UsualDevices = append([]string{}, patch.UsualDevices...)
	}
	if patch.HourlyMedian != nil {
		m := make(map[int]float64, len(patch.HourlyMedian))
		for h, v := range patch.HourlyMedian {
			m[h] = v
		}
		p.HourlyMedian = m
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
