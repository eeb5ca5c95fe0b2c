package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/SwarmForge/internal/domain"
)

// row is satisfied by both pgx.Row and pgx.Rows.
type row interface {
	Scan(dest ...any) error
}

// optional maps "" onto a NULL column value.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// expiresAt is the expires_at column for a record written at now. A
// non-positive ttl keeps the record until it is deleted.
func expiresAt(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl).UTC()
	return &t
}

// jsonb encodes m for a JSONB column; an empty map is stored as NULL.
func jsonb(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

// lookupErr wraps a failed single-row lookup of the kind entity with id.
// Missing and expired rows become domain.ErrNotFound.
func lookupErr(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", kind, id, err)
}
