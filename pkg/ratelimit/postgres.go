package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type bucketDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps buckets in the rate_limits table. Writes are
// conditional so concurrent instances never overwrite each other's increments.
type PostgresStore struct {
	DB bucketDB
}

func NewPostgresStore(db bucketDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (p *PostgresStore) Get(ctx context.Context, key string) (Bucket, bool, error) {
	b := Bucket{Key: key}
	err := p.DB.QueryRow(ctx, `
		SELECT count, expires_at FROM rate_limits WHERE bucket_key=$1
	`, key).Scan(&b.Count, &b.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bucket{}, false, nil
	}
	if err != nil {
		return Bucket{}, false, err
	}
	return b, true, nil
}

func (p *PostgresStore) Reset(ctx context.Context, key string, now, expiresAt time.Time) (bool, error) {
	cmd, err := p.DB.Exec(ctx, `
		INSERT INTO rate_limits (bucket_key, count, expires_at)
		VALUES ($1, 1, $3)
		ON CONFLICT (bucket_key)
		DO UPDATE SET
			count = 1,
			expires_at = EXCLUDED.expires_at
		WHERE rate_limits.expires_at <= $2
	`, key, now, expiresAt)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (p *PostgresStore) CompareAndIncrement(ctx context.Context, key string, observed int, now time.Time) (bool, error) {
	cmd, err := p.DB.Exec(ctx, `
		UPDATE rate_limits
		SET count = count + 1
		WHERE bucket_key=$1 AND count=$2 AND expires_at > $3
	`, key, observed, now)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (p *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	cmd, err := p.DB.Exec(ctx, `DELETE FROM rate_limits WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
