// Package audit records notable identity events. Two write paths exist: Log
// is detached and best-effort, LogTx is atomic with the caller's transaction.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const writeTimeout = 5 * time.Second

// Entry describes a single audit event. Metadata must never contain raw
// tokens or passwords.
type Entry struct {
	ActorID    *uuid.UUID
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
	IPAddress  string
	UserAgent  string
}

// Recorder writes audit entries to the relational store.
type Recorder struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

func NewRecorder(db *pgxpool.Pool, log zerolog.Logger) *Recorder {
	return &Recorder{db: db, log: log}
}

const insertQuery = `
	INSERT INTO audit_log (actor_id, action, target_type, target_id, metadata, ip_address, user_agent)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
`

func entryArgs(e Entry) ([]any, error) {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}

	var targetID *string
	if e.TargetID != "" {
		targetID = &e.TargetID
	}
	var ip *string
	if e.IPAddress != "" {
		ip = &e.IPAddress
	}
	var ua *string
	if e.UserAgent != "" {
		ua = &e.UserAgent
	}

	return []any{e.ActorID, e.Action, e.TargetType, targetID, raw, ip, ua}, nil
}

// Log writes the entry on a detached goroutine. Failures are logged and
// swallowed; callers never block on or observe audit errors.
func (r *Recorder) Log(ctx context.Context, e Entry) {
	detached := context.WithoutCancel(ctx)

	go func() {
		writeCtx, cancel := context.WithTimeout(detached, writeTimeout)
		defer cancel()

		args, err := entryArgs(e)
		if err != nil {
			r.log.Error().Err(err).Str("action", e.Action).Msg("Failed to encode audit entry")
			return
		}
		if _, err := r.db.Exec(writeCtx, insertQuery, args...); err != nil {
			r.log.Error().Err(err).Str("action", e.Action).Msg("Failed to write audit entry")
		}
	}()
}

// LogTx writes the entry inside the caller's transaction, so the audit record
// commits or rolls back with the business effect.
func (r *Recorder) LogTx(ctx context.Context, tx pgx.Tx, e Entry) error {
	args, err := entryArgs(e)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, insertQuery, args...)
	return err
}
