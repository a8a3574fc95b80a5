package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NOTE: This repository assumes migrations/000001_agent_calls.up.sql, in
// particular the partial unique index on agent_call_retry_queue(original_sid)
// WHERE status = 'pending'.

type PostgresSessionRepo struct {
	db *sql.DB
}

func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

const sessionColumns = `sid, room_id, caller_id, callee_id, caller_realm, callee_realm, status,
  audio_payload_refs, language, created_at, answered_at, ended_at, timeout_detected_at,
  timeout_notification_sent, retry_count, retry_scheduled_at, parent_sid, is_retry, auxiliary`

// keyClause matches either lookup value against both identifier columns.
const keyClause = `(sid = $1 OR room_id = $1 OR sid = $2 OR room_id = $2)`

func (r *PostgresSessionRepo) Create(ctx context.Context, s Session) error {
	refs, err := marshalRefs(s.AudioPayloadRefs)
	if err != nil {
		return err
	}
	aux, err := marshalAux(s.Auxiliary)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO agent_call_sessions (
  sid, room_id, caller_id, callee_id, caller_realm, callee_realm, status,
  audio_payload_refs, language, created_at, answered_at, ended_at, timeout_detected_at,
  timeout_notification_sent, retry_count, retry_scheduled_at, parent_sid, is_retry, auxiliary
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19
)
`
	_, err = r.db.ExecContext(ctx, q,
		s.SID,
		s.RoomID,
		s.CallerID,
		s.CalleeID,
		s.CallerRealm,
		s.CalleeRealm,
		string(s.Status),
		refs,
		s.Language,
		s.CreatedAt,
		nullTime(s.AnsweredAt),
		nullTime(s.EndedAt),
		nullTime(s.TimeoutDetectedAt),
		s.TimeoutNotificationSent,
		s.RetryCount,
		nullTime(s.RetryScheduledAt),
		s.ParentSID,
		s.IsRetry,
		aux,
	)
	return err
}

func (r *PostgresSessionRepo) Get(ctx context.Context, key Key) (Session, error) {
	if key.IsZero() {
		return Session{}, ErrNotFound
	}
	a, b := key.Values()
	q := `SELECT ` + sessionColumns + `
FROM agent_call_sessions
WHERE ` + keyClause + `
ORDER BY created_at DESC
LIMIT 1
`
	s, err := scanSession(r.db.QueryRowContext(ctx, q, a, b))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return s, nil
}

// UpdateIf issues a single UPDATE whose WHERE clause carries the condition, so the
// check and the write cannot interleave with another writer.
func (r *PostgresSessionRepo) UpdateIf(ctx context.Context, key Key, cond Condition, p Patch) (bool, error) {
	if key.IsZero() || p.IsZero() {
		return false, nil
	}
	a, b := key.Values()
	args := []any{a, b}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var sets []string
	if p.Status != "" {
		sets = append(sets, "status = "+next(string(p.Status)))
	}
	if p.AnsweredAt != nil {
		sets = append(sets, "answered_at = COALESCE(answered_at, "+next(*p.AnsweredAt)+")")
	}
	if p.EndedAt != nil {
		sets = append(sets, "ended_at = COALESCE(ended_at, "+next(*p.EndedAt)+")")
	}
	if p.TimeoutDetectedAt != nil {
		sets = append(sets, "timeout_detected_at = COALESCE(timeout_detected_at, "+next(*p.TimeoutDetectedAt)+")")
	}
	if p.RetryScheduledAt != nil {
		sets = append(sets, "retry_scheduled_at = "+next(*p.RetryScheduledAt))
	}
	if p.TimeoutNotificationSent != nil {
		sets = append(sets, "timeout_notification_sent = "+next(*p.TimeoutNotificationSent))
	}
	if p.IncrementRetryCount {
		sets = append(sets, "retry_count = retry_count + 1")
	}
	if len(p.Auxiliary) > 0 {
		aux, err := marshalAux(p.Auxiliary)
		if err != nil {
			return false, err
		}
		sets = append(sets, "auxiliary = auxiliary || "+next(aux)+"::jsonb")
	}

	where := []string{keyClause}
	if len(cond.StatusIn) > 0 {
		where = append(where, "status IN ("+placeholders(cond.StatusIn, next)+")")
	}
	if cond.TimeoutNotificationSent != nil {
		where = append(where, "timeout_notification_sent = "+next(*cond.TimeoutNotificationSent))
	}

	q := "UPDATE agent_call_sessions SET " + strings.Join(sets, ", ") +
		" WHERE " + strings.Join(where, " AND ")
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresSessionRepo) FindActiveForCallee(ctx context.Context, calleeID string, statuses []Status, since time.Time) (Session, bool, error) {
	args := []any{calleeID, since}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	q := `SELECT ` + sessionColumns + `
FROM agent_call_sessions
WHERE callee_id = $1 AND created_at >= $2`
	if len(statuses) > 0 {
		q += ` AND status IN (` + placeholders(statuses, next) + `)`
	}
	q += `
ORDER BY created_at DESC
LIMIT 1
`
	s, err := scanSession(r.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	return s, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s                               Session
		status                          string
		refs, aux                       []byte
		answered, ended, timeout, retry sql.NullTime
	)
	if err := row.Scan(
		&s.SID,
		&s.RoomID,
		&s.CallerID,
		&s.CalleeID,
		&s.CallerRealm,
		&s.CalleeRealm,
		&status,
		&refs,
		&s.Language,
		&s.CreatedAt,
		&answered,
		&ended,
		&timeout,
		&s.TimeoutNotificationSent,
		&s.RetryCount,
		&retry,
		&s.ParentSID,
		&s.IsRetry,
		&aux,
	); err != nil {
		return Session{}, err
	}
	s.Status = Status(status)
	s.AnsweredAt = timePtr(answered)
	s.EndedAt = timePtr(ended)
	s.TimeoutDetectedAt = timePtr(timeout)
	s.RetryScheduledAt = timePtr(retry)
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &s.AudioPayloadRefs); err != nil {
			return Session{}, fmt.Errorf("calls: decode audio_payload_refs: %w", err)
		}
	}
	if len(aux) > 0 {
		if err := json.Unmarshal(aux, &s.Auxiliary); err != nil {
			return Session{}, fmt.Errorf("calls: decode auxiliary: %w", err)
		}
	}
	return s, nil
}

type PostgresRetryRepo struct {
	db *sql.DB
}

func NewPostgresRetryRepo(db *sql.DB) *PostgresRetryRepo {
	return &PostgresRetryRepo{db: db}
}

const retryColumns = `id, original_sid, retry_sid, callee_id, audio_payload_refs, language,
  scheduled_at, executed_at, status, retry_attempt, error_message, created_at`

func (r *PostgresRetryRepo) InsertPending(ctx context.Context, e RetryEntry) error {
	refs, err := marshalRefs(e.AudioPayloadRefs)
	if err != nil {
		return err
	}
	// The partial unique index turns a concurrent second insert into a no-op.
	const q = `
INSERT INTO agent_call_retry_queue (
  id, original_sid, retry_sid, callee_id, audio_payload_refs, language,
  scheduled_at, executed_at, status, retry_attempt, error_message, created_at
) VALUES (
  $1,$2,'',$3,$4,$5,$6,NULL,'pending',$7,'',$8
)
ON CONFLICT (original_sid) WHERE status = 'pending' DO NOTHING
`
	res, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.OriginalSID,
		e.CalleeID,
		refs,
		e.Language,
		e.ScheduledAt,
		e.RetryAttempt,
		e.CreatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPendingExists
	}
	return nil
}

func (r *PostgresRetryRepo) FindPending(ctx context.Context, originalSID string) (RetryEntry, bool, error) {
	q := `SELECT ` + retryColumns + `
FROM agent_call_retry_queue
WHERE original_sid = $1 AND status = 'pending'
LIMIT 1
`
	e, err := scanRetry(r.db.QueryRowContext(ctx, q, originalSID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RetryEntry{}, false, nil
		}
		return RetryEntry{}, false, err
	}
	return e, true, nil
}

func (r *PostgresRetryRepo) Get(ctx context.Context, id string) (RetryEntry, error) {
	q := `SELECT ` + retryColumns + `
FROM agent_call_retry_queue
WHERE id = $1
`
	e, err := scanRetry(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RetryEntry{}, ErrNotFound
		}
		return RetryEntry{}, err
	}
	return e, nil
}

func (r *PostgresRetryRepo) Claim(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	const q = `
UPDATE agent_call_retry_queue
SET executed_at = $2
WHERE id = $1 AND status = 'pending' AND (executed_at IS NULL OR executed_at < $3)
`
	res, err := r.db.ExecContext(ctx, q, id, now, staleBefore)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresRetryRepo) Release(ctx context.Context, id string) error {
	const q = `
UPDATE agent_call_retry_queue
SET executed_at = NULL
WHERE id = $1 AND status = 'pending'
`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotPending
	}
	return nil
}

func (r *PostgresRetryRepo) Complete(ctx context.Context, id, retrySID string) error {
	const q = `
UPDATE agent_call_retry_queue
SET status = 'completed', retry_sid = $2
WHERE id = $1 AND status = 'pending'
`
	return r.finish(ctx, q, id, retrySID)
}

func (r *PostgresRetryRepo) Fail(ctx context.Context, id, message string) error {
	const q = `
UPDATE agent_call_retry_queue
SET status = 'failed', error_message = $2
WHERE id = $1 AND status = 'pending'
`
	return r.finish(ctx, q, id, message)
}

func (r *PostgresRetryRepo) finish(ctx context.Context, q, id, value string) error {
	res, err := r.db.ExecContext(ctx, q, id, value)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotPending
	}
	return nil
}

func (r *PostgresRetryRepo) ListOverdue(ctx context.Context, cutoff, staleBefore time.Time, limit int) ([]RetryEntry, error) {
	q := `SELECT ` + retryColumns + `
FROM agent_call_retry_queue
WHERE status = 'pending' AND scheduled_at <= $1
  AND (executed_at IS NULL OR executed_at < $2)
ORDER BY scheduled_at ASC
LIMIT $3
`
	rows, err := r.db.QueryContext(ctx, q, cutoff, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RetryEntry
	for rows.Next() {
		e, err := scanRetry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanRetry(row rowScanner) (RetryEntry, error) {
	var (
		e        RetryEntry
		status   string
		refs     []byte
		executed sql.NullTime
	)
	if err := row.Scan(
		&e.ID,
		&e.OriginalSID,
		&e.RetrySID,
		&e.CalleeID,
		&refs,
		&e.Language,
		&e.ScheduledAt,
		&executed,
		&status,
		&e.RetryAttempt,
		&e.ErrorMessage,
		&e.CreatedAt,
	); err != nil {
		return RetryEntry{}, err
	}
	e.Status = RetryStatus(status)
	e.ExecutedAt = timePtr(executed)
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &e.AudioPayloadRefs); err != nil {
			return RetryEntry{}, fmt.Errorf("calls: decode audio_payload_refs: %w", err)
		}
	}
	return e, nil
}

func placeholders(statuses []Status, next func(any) string) string {
	ph := make([]string, len(statuses))
	for i, s := range statuses {
		ph[i] = next(string(s))
	}
	return strings.Join(ph, ",")
}

func marshalRefs(refs []string) ([]byte, error) {
	if refs == nil {
		refs = []string{}
	}
	return json.Marshal(refs)
}

func marshalAux(aux map[string]any) ([]byte, error) {
	if aux == nil {
		aux = map[string]any{}
	}
	return json.Marshal(aux)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
