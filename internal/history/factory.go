package history

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildStoreFromDSN selects a store implementation by DSN scheme. An empty
// DSN means the in-memory store, which is also the test default.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme)); scheme {
	case "", "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported history store scheme %q: %w", scheme, ErrInvalidInput)
	}
}
