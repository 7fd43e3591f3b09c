package config

import (
	"os"
	"strings"
)

// Source is a read-only key-value view of the process configuration. The
// resolver never assumes the process environment directly so that callers
// and tests can inject their own.
type Source interface {
	Lookup(key string) (string, bool)
}

// MapSource serves values from a map.
type MapSource map[string]string

// Lookup implements Source.
func (m MapSource) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// EnvSource reads the process environment.
type EnvSource struct{}

// Lookup implements Source.
func (EnvSource) Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// ChainSource consults each source in order and returns the first non-empty value.
type ChainSource []Source

// Lookup implements Source.
func (c ChainSource) Lookup(key string) (string, bool) {
	for _, s := range c {
		if v, ok := s.Lookup(key); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// ParseBool accepts the truthy spellings used by the deployment hooks:
// true, 1, yes (case-insensitive). Everything else is false.
func ParseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "y", "on":
		return true
	default:
		return false
	}
}
