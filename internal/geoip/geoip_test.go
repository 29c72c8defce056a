package geoip

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/opensource-finance/ueba/internal/domain"
)

func TestOpenMissingDatabase(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.mmdb"))
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func TestNilResolver(t *testing.T) {
	var r *Resolver

	country, err := r.Country("203.0.113.7")
	if err != nil || country != "" {
		t.Errorf("expected empty result from nil resolver, got %q, %v", country, err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close on nil resolver: %v", err)
	}
}
