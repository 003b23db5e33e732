package keys

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type keyDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore reads keys from the api_keys table.
type PostgresStore struct {
	DB keyDB
}

func (s *PostgresStore) Lookup(ctx context.Context, key string) (Record, error) {
	rec := Record{Key: key}
	err := s.DB.QueryRow(ctx, `
		SELECT secret, tenant, allowed_origins, status
		FROM api_keys WHERE api_key=$1
	`, key).Scan(&rec.Secret, &rec.Tenant, &rec.AllowedOrigins, &rec.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrUnknownKey
	}
	if err != nil {
		return Record{}, fmt.Errorf("lookup api key: %w", err)
	}
	return checkStatus(rec)
}
