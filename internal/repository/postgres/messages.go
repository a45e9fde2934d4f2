package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/worker"
)

// uniqueViolation is the PostgreSQL error code raised when an insert hits
// an existing idempotency key.
const uniqueViolation = "23505"

const messageColumns = `id, user_id, message_type, scheduled_send_time, delivery_date,
       status, retry_count, idempotency_key, COALESCE(message_content,''),
       last_attempt_at, COALESCE(last_error,''), COALESCE(response_code,0),
       created_at, updated_at`

// MessageRepo implements worker.MessageStore against PostgreSQL.
type MessageRepo struct{ db *sql.DB }

// NewMessageRepo creates a Postgres-backed message log repository.
func NewMessageRepo(db *sql.DB) *MessageRepo { return &MessageRepo{db: db} }

// CreateIfAbsent inserts the row unless its idempotency key exists.
// ON CONFLICT DO NOTHING makes the daily pre-calculation re-runnable: the
// second run sees zero affected rows and reports a duplicate outcome.
func (r *MessageRepo) CreateIfAbsent(ctx context.Context, m *domain.MessageLog) (worker.CreateOutcome, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Status == "" {
		m.Status = domain.StatusScheduled
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO message_logs
			(id, user_id, message_type, scheduled_send_time, delivery_date,
			 status, retry_count, idempotency_key, message_content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, NOW(), NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
	`, m.ID, m.UserID, m.MessageType, m.ScheduledSendTime,
		m.DeliveryDate.UTC().Format("2006-01-02"), m.Status, m.IdempotencyKey, m.MessageContent)
	if err != nil {
		// Concurrent inserts can still surface the unique violation
		// directly; it is the same duplicate outcome.
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return worker.OutcomeAlreadyExists, nil
		}
		return 0, fmt.Errorf("create message log: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return worker.OutcomeAlreadyExists, nil
	}
	return worker.OutcomeCreated, nil
}

// GetByID fetches one message log row.
func (r *MessageRepo) GetByID(ctx context.Context, id string) (*domain.MessageLog, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM message_logs
		WHERE id = $1
	`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, worker.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message log: %w", err)
	}
	return m, nil
}

// FindDueForEnqueue returns SCHEDULED rows due within the horizon.
func (r *MessageRepo) FindDueForEnqueue(ctx context.Context, now time.Time, horizon time.Duration, limit int) ([]domain.MessageLog, error) {
	return r.findByStatus(ctx, `
		SELECT `+messageColumns+`
		FROM message_logs
		WHERE status = 'SCHEDULED' AND scheduled_send_time <= $1
		ORDER BY scheduled_send_time ASC
		LIMIT $2
	`, now.Add(horizon), limit)
}

// FindOverdueScheduled returns SCHEDULED rows the dispatcher missed.
func (r *MessageRepo) FindOverdueScheduled(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]domain.MessageLog, error) {
	return r.findByStatus(ctx, `
		SELECT `+messageColumns+`
		FROM message_logs
		WHERE status = 'SCHEDULED' AND scheduled_send_time < $1
		ORDER BY scheduled_send_time ASC
		LIMIT $2
	`, now.Add(-grace), limit)
}

// FindStuckEnqueued returns ENQUEUED rows with no worker activity.
func (r *MessageRepo) FindStuckEnqueued(ctx context.Context, now time.Time, age time.Duration, limit int) ([]domain.MessageLog, error) {
	return r.findByStatus(ctx, `
		SELECT `+messageColumns+`
		FROM message_logs
		WHERE status = 'ENQUEUED' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, now.Add(-age), limit)
}

// FindStaleSending returns SENDING rows orphaned by crashed workers.
// COALESCE covers rows that never recorded an attempt timestamp.
func (r *MessageRepo) FindStaleSending(ctx context.Context, now time.Time, age time.Duration, limit int) ([]domain.MessageLog, error) {
	return r.findByStatus(ctx, `
		SELECT `+messageColumns+`
		FROM message_logs
		WHERE status = 'SENDING' AND COALESCE(last_attempt_at, updated_at) < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, now.Add(-age), limit)
}

// FindRetryDue returns FAILED rows whose deterministic backoff elapsed.
// The queue republish normally carries the retry; this scan is the
// backstop for republishes that never happened, so it uses the
// un-jittered schedule. Rows at retry_count == maxRetries are included:
// they are still owed the final attempt that settles them as DEAD.
func (r *MessageRepo) FindRetryDue(ctx context.Context, now time.Time, base, cap time.Duration, maxRetries, limit int) ([]domain.MessageLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM message_logs
		WHERE status = 'FAILED'
		  AND retry_count <= $1
		  AND COALESCE(last_attempt_at, updated_at)
		      + make_interval(secs => LEAST($2::float8, $3::float8 * POWER(2, GREATEST(retry_count - 1, 0)))) < $4
		ORDER BY updated_at ASC
		LIMIT $5
	`, maxRetries, cap.Seconds(), base.Seconds(), now, limit)
	if err != nil {
		return nil, fmt.Errorf("find retry due: %w", err)
	}
	return collectMessages(rows)
}

func (r *MessageRepo) findByStatus(ctx context.Context, query string, cutoff time.Time, limit int) ([]domain.MessageLog, error) {
	rows, err := r.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("find message logs: %w", err)
	}
	return collectMessages(rows)
}

// TransitionStatus performs the compare-and-swap status move. The WHERE
// clause carries the expected current status; zero affected rows means
// another actor won the race and the caller must walk away.
func (r *MessageRepo) TransitionStatus(ctx context.Context, id string, from, to domain.Status, upd worker.StatusUpdate) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("illegal status transition %s -> %s", from, to)
	}

	sets := []string{"status = $1", "updated_at = NOW()"}
	args := []interface{}{to}
	idx := 2
	if upd.IncrementRetry {
		sets = append(sets, "retry_count = retry_count + 1")
	}
	if upd.TouchLastAttempt {
		sets = append(sets, "last_attempt_at = NOW()")
	}
	if upd.LastError != nil {
		sets = append(sets, fmt.Sprintf("last_error = $%d", idx))
		args = append(args, *upd.LastError)
		idx++
	}
	if upd.ResponseCode != nil {
		sets = append(sets, fmt.Sprintf("response_code = $%d", idx))
		args = append(args, *upd.ResponseCode)
		idx++
	}

	q := fmt.Sprintf(`UPDATE message_logs SET %s WHERE id = $%d AND status = $%d`,
		strings.Join(sets, ", "), idx, idx+1)
	args = append(args, id, from)

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// UpdateSchedule moves the send time of rows that have not started
// sending. SENT and SENDING rows are deliberately untouched.
func (r *MessageRepo) UpdateSchedule(ctx context.Context, userID string, t domain.MessageType, deliveryDate, sendTime time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE message_logs
		SET scheduled_send_time = $1, updated_at = NOW()
		WHERE user_id = $2 AND message_type = $3 AND delivery_date = $4
		  AND status IN ('SCHEDULED','ENQUEUED')
	`, sendTime, userID, t, deliveryDate.UTC().Format("2006-01-02"))
	if err != nil {
		return 0, fmt.Errorf("update schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MarkUserRemoved dead-letters every pending row of a deleted user.
// SENDING rows are left to their worker, which re-reads the user before
// calling the email service.
func (r *MessageRepo) MarkUserRemoved(ctx context.Context, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE message_logs
		SET status = 'DEAD', last_error = $2, updated_at = NOW()
		WHERE user_id = $1 AND status IN ('SCHEDULED','ENQUEUED','FAILED')
	`, userID, domain.ReasonUserRemoved)
	if err != nil {
		return 0, fmt.Errorf("mark user removed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountByStatus returns row counts per status.
func (r *MessageRepo) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM message_logs GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Status]int64)
	for rows.Next() {
		var s domain.Status
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[s] = n
	}
	return out, rows.Err()
}

// DeleteTerminalOlderThan removes old SENT and DEAD rows in bounded
// batches so retention never takes long locks.
func (r *MessageRepo) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM message_logs
		WHERE id IN (
			SELECT id FROM message_logs
			WHERE status IN ('SENT','DEAD') AND updated_at < $1
			LIMIT $2
		)
	`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("delete terminal rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*domain.MessageLog, error) {
	m := &domain.MessageLog{}
	var lastAttempt sql.NullTime
	err := row.Scan(
		&m.ID, &m.UserID, &m.MessageType, &m.ScheduledSendTime, &m.DeliveryDate,
		&m.Status, &m.RetryCount, &m.IdempotencyKey, &m.MessageContent,
		&lastAttempt, &m.LastError, &m.ResponseCode,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time
		m.LastAttemptAt = &t
	}
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]domain.MessageLog, error) {
	defer rows.Close()
	var out []domain.MessageLog
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message log: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
