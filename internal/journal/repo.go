package journal

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"aegis/internal/models"
)

// Repository is the audit trail of remediation attempts.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *sql.DB { return r.db }

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) Ping(ctx context.Context) error { return trace.Wrap(r.db.PingContext(ctx)) }

func (r *Repository) RecordAttempt(ctx context.Context, a models.RemediationAttempt) error {
	if a.ID == "" {
		return trace.BadParameter("attempt id is required")
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO remediation_attempts
		(id,scan_id,vulnerability_id,strategy,affected_containers,estimated_seconds,outcome,message,started_at,finished_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ScanID, a.VulnerabilityID, a.StrategyID, a.AffectedContainers, a.EstimatedSeconds,
		string(a.Outcome), a.Message, a.StartedAt.UTC(), a.FinishedAt.UTC())
	return trace.Wrap(err)
}

// Filter narrows ListAttempts. Zero values match everything.
type Filter struct {
	ScanID  string
	Outcome models.AttemptOutcome
	Since   *time.Time
	Limit   int
}

func (r *Repository) ListAttempts(ctx context.Context, f Filter) ([]models.RemediationAttempt, error) {
	where := []string{"1=1"}
	args := []any{}
	if f.ScanID != "" {
		where = append(where, "scan_id = ?")
		args = append(args, f.ScanID)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if f.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, f.Since.UTC())
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := r.db.QueryContext(ctx, `SELECT id,scan_id,vulnerability_id,strategy,affected_containers,estimated_seconds,outcome,message,started_at,finished_at
		FROM remediation_attempts WHERE `+strings.Join(where, " AND ")+` ORDER BY started_at DESC, id LIMIT ?`, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	out := []models.RemediationAttempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, a)
	}
	return out, trace.Wrap(rows.Err())
}

func (r *Repository) Attempt(ctx context.Context, id string) (models.RemediationAttempt, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id,scan_id,vulnerability_id,strategy,affected_containers,estimated_seconds,outcome,message,started_at,finished_at
		FROM remediation_attempts WHERE id = ?`, id)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return models.RemediationAttempt{}, trace.NotFound("remediation attempt %q not found", id)
	}
	return a, trace.Wrap(err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(s scanner) (models.RemediationAttempt, error) {
	var a models.RemediationAttempt
	var outcome string
	err := s.Scan(&a.ID, &a.ScanID, &a.VulnerabilityID, &a.StrategyID, &a.AffectedContainers, &a.EstimatedSeconds,
		&outcome, &a.Message, &a.StartedAt, &a.FinishedAt)
	if err != nil {
		return models.RemediationAttempt{}, err
	}
	a.Outcome = models.AttemptOutcome(outcome)
	a.StartedAt = a.StartedAt.UTC()
	a.FinishedAt = a.FinishedAt.UTC()
	return a, nil
}

func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM remediation_attempts WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, _ := res.RowsAffected()
	_, _ = r.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	_, _ = r.db.ExecContext(ctx, `PRAGMA optimize`)
	return n, nil
}

func (r *Repository) SaveTelegramSettings(ctx context.Context, token, chatID string) error {
	for k, v := range map[string]string{"telegram_token": token, "telegram_chat_id": chatID} {
		if _, err := r.db.ExecContext(ctx, `INSERT INTO settings(key,value) VALUES (?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, k, v); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (r *Repository) LoadTelegramSettings(ctx context.Context) (token, chatID string, err error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key,value FROM settings WHERE key IN ('telegram_token','telegram_chat_id')`)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return "", "", trace.Wrap(err)
		}
		switch k {
		case "telegram_token":
			token = v
		case "telegram_chat_id":
			chatID = v
		}
	}
	return token, chatID, trace.Wrap(rows.Err())
}
