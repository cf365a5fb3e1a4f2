// Package audit persists security events: gate denials, authorization
// denials, and credential failures. Rows are append-only.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	KindGateDenied  = "gate_denied"
	KindAuthzDenied = "authz_denied"
	KindAuthFailed  = "auth_failed"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends security events. When Redact is set the client key is
// replaced with a salted hash before it reaches the database.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Record struct {
	EventID   string    `json:"event_id"`
	Kind      string    `json:"kind"`
	Rule      string    `json:"rule,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ClientKey string    `json:"client_key"`
	Subject   int       `json:"subject,omitempty"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.EventID == "" {
		rec.EventID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if w.Redact {
		rec.ClientKey = hashKey(rec.ClientKey, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO security_events
		(event_id, kind, rule, reason, client_key, subject, method, path, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.EventID, rec.Kind, rec.Rule, rec.Reason, rec.ClientKey, rec.Subject, rec.Method, rec.Path, rec.CreatedAt)
	return err
}

// Recent returns up to limit events, newest first.
func (w *Writer) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT event_id, kind, rule, reason, client_key, subject, method, path, created_at
		FROM security_events ORDER BY created_at DESC, event_id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Record, 0, limit)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.EventID, &rec.Kind, &rec.Rule, &rec.Reason, &rec.ClientKey, &rec.Subject, &rec.Method, &rec.Path, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func hashKey(key string, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}
