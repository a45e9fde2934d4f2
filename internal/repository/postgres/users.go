package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/timezone"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/worker"
)

const userColumns = `id, first_name, last_name, email, timezone,
       birthday_date, anniversary_date, created_at, updated_at, deleted_at`

// eventColumn maps a message type to the date column it celebrates.
// The whitelist keeps the dynamic query building injection-safe.
var eventColumn = map[domain.MessageType]string{
	domain.TypeBirthday:    "birthday_date",
	domain.TypeAnniversary: "anniversary_date",
}

// UserRepo implements worker.UserStore against PostgreSQL.
type UserRepo struct{ db *sql.DB }

// NewUserRepo creates a Postgres-backed user repository.
func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{db: db} }

// EventCandidates streams users whose event month/day could fall on the
// local today or tomorrow of any timezone at the given instant. The SQL
// filter is a coarse superset; callers re-check each row against the
// user's own zone before scheduling anything.
func (r *UserRepo) EventCandidates(ctx context.Context, t domain.MessageType, now time.Time) (worker.UserIterator, error) {
	col, ok := eventColumn[t]
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", t)
	}

	pairs := candidateMonthDays(now)
	placeholders := make([]string, 0, len(pairs))
	args := make([]interface{}, 0, len(pairs)*2)
	for i, p := range pairs {
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d)", i*2+1, i*2+2))
		args = append(args, p.month, p.day)
	}

	q := fmt.Sprintf(`
		SELECT `+userColumns+`
		FROM users
		WHERE deleted_at IS NULL
		  AND %s IS NOT NULL
		  AND (EXTRACT(MONTH FROM %s), EXTRACT(DAY FROM %s)) IN (%s)
	`, col, col, col, strings.Join(placeholders, ", "))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query event candidates: %w", err)
	}
	return &userRows{rows: rows}, nil
}

// GetByID fetches one user, including soft-deleted rows. Workers need
// the deleted flag to dead-letter in-flight messages of removed users.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, worker.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// Upsert creates or replaces a user row. Re-creating a previously
// deleted ID clears the deletion mark.
func (r *UserRepo) Upsert(ctx context.Context, u *domain.User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users
			(id, first_name, last_name, email, timezone,
			 birthday_date, anniversary_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			first_name       = EXCLUDED.first_name,
			last_name        = EXCLUDED.last_name,
			email            = EXCLUDED.email,
			timezone         = EXCLUDED.timezone,
			birthday_date    = EXCLUDED.birthday_date,
			anniversary_date = EXCLUDED.anniversary_date,
			updated_at       = NOW(),
			deleted_at       = NULL
	`, u.ID, u.FirstName, u.LastName, u.Email, u.Timezone,
		u.BirthdayDate, u.AnniversaryDate)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// SoftDelete marks a user removed. Returns false when the user was
// already deleted or never existed.
func (r *UserRepo) SoftDelete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return false, fmt.Errorf("soft delete user: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

type monthDay struct{ month, day int }

// candidateMonthDays lists the month/day pairs that can be a local today
// or local tomorrow somewhere on earth around the given instant. UTC
// offsets span -12h to +14h, so four UTC calendar dates bound the range.
// Feb 29 is added alongside a non-leap Feb 28 for users born on leap day.
func candidateMonthDays(now time.Time) []monthDay {
	seen := make(map[monthDay]bool)
	var out []monthDay
	add := func(p monthDay) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, off := range []time.Duration{-24 * time.Hour, 0, 24 * time.Hour, 48 * time.Hour} {
		d := now.UTC().Add(off)
		y, m, day := d.Date()
		add(monthDay{int(m), day})
		if m == time.February && day == 28 && !timezone.IsLeapYear(y) {
			add(monthDay{2, 29})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].month != out[j].month {
			return out[i].month < out[j].month
		}
		return out[i].day < out[j].day
	})
	return out
}

// userRows streams query results one user at a time so the daily scan
// never materializes the full user base in memory.
type userRows struct {
	rows *sql.Rows
	cur  *domain.User
	err  error
}

func (it *userRows) Next() bool {
	if it.err != nil {
		return false
	}
	if !it.rows.Next() {
		it.err = it.rows.Err()
		return false
	}
	u, err := scanUser(it.rows)
	if err != nil {
		it.err = fmt.Errorf("scan user: %w", err)
		return false
	}
	it.cur = u
	return true
}

func (it *userRows) User() *domain.User { return it.cur }
func (it *userRows) Err() error         { return it.err }
func (it *userRows) Close() error       { return it.rows.Close() }

func scanUser(row rowScanner) (*domain.User, error) {
	u := &domain.User{}
	var birthday, anniversary, deleted sql.NullTime
	err := row.Scan(
		&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Timezone,
		&birthday, &anniversary, &u.CreatedAt, &u.UpdatedAt, &deleted,
	)
	if err != nil {
		return nil, err
	}
	if birthday.Valid {
		t := birthday.Time
		u.BirthdayDate = &t
	}
	if anniversary.Valid {
		t := anniversary.Time
		u.AnniversaryDate = &t
	}
	if deleted.Valid {
		t := deleted.Time
		u.DeletedAt = &t
	}
	return u, nil
}
