package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditSink persists events to the security_events table. With HashSalt set,
// IPs are stored as salted hashes.
type AuditSink struct {
	DB       auditDB
	HashSalt []byte
}

func (s *AuditSink) Emit(ctx context.Context, evt SecurityEvent) error {
	meta, err := json.Marshal(evt.Metadata)
	if err != nil {
		return err
	}
	ip := evt.IP
	if len(s.HashSalt) > 0 && ip != "" {
		ip = hashIP(ip, s.HashSalt)
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO security_events (event_id, ip, event_type, severity, count, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (event_id) DO NOTHING
	`, evt.ID, ip, evt.Type, string(evt.Severity), evt.Count, meta, evt.At)
	return err
}

func hashIP(ip string, salt []byte) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(ip))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
