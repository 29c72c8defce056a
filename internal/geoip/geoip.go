// Package geoip resolves a client IP address to an ISO country code using a
// MaxMind GeoLite2/GeoIP2 database.
package geoip

import (
	"fmt"
	"net"
	"strings"

	"github.com/opensource-finance/ueba/internal/domain"
	"github.com/oschwald/geoip2-golang"
)

// Resolver looks up countries. A nil *Resolver resolves nothing.
type Resolver struct {
	reader *geoip2.Reader
}

// Open loads the .mmdb database at path.
func Open(path string) (*Resolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open geoip database %s: %v", domain.ErrConfiguration, path, err)
	}
	return &Resolver{reader: reader}, nil
}

// Country returns the ISO 3166-1 alpha-2 code for ip, or "" if the address is
// unknown to the database. Unparseable addresses are an input error.
func (r *Resolver) Country(ip string) (string, error) {
	if r == nil || r.reader == nil {
		return "", nil
	}

	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "", fmt.Errorf("%w: invalid ip address %q", domain.ErrInvalidInput, ip)
	}

	record, err := r.reader.Country(parsed)
	if err != nil {
		return "", fmt.Errorf("geoip lookup for %s: %w", ip, err)
	}
	return strings.ToUpper(record.Country.IsoCode), nil
}

// Close releases the database.
func (r *Resolver) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}
