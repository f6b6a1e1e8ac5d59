package config

import (
	"fmt"
	"strings"
)

// ParsedDSN describes a usage backend connection string.
type ParsedDSN struct {
	// Backend is "sqlite" or "postgres".
	Backend string
	// Path is the filesystem path for sqlite backends.
	Path string
	// URL is the full connection URL for postgres backends.
	URL string
}

// ParseDSN splits a usage DSN into its backend and target. Returns nil for an
// empty DSN (persistence disabled).
func ParseDSN(dsn string) (*ParsedDSN, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("config: sqlite DSN missing path")
		}
		return &ParsedDSN{Backend: "sqlite", Path: path}, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return &ParsedDSN{Backend: "postgres", URL: dsn}, nil
	default:
		return nil, fmt.Errorf("config: unsupported DSN scheme in %q (use sqlite:// or postgres://)", dsn)
	}
}
