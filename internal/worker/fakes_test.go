package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/emailer"
	"github.com/fairyhunter13/happy-bday-app-sub014/internal/queue"
)

// fakeMessageStore is an in-memory MessageStore with the same
// compare-and-swap and idempotency semantics as the Postgres repo.
type fakeMessageStore struct {
	mu    sync.Mutex
	rows  map[string]*domain.MessageLog
	byKey map[string]string

	now func() time.Time

	getErr        error
	transitionErr error
	transitions   []string
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{
		rows:  make(map[string]*domain.MessageLog),
		byKey: make(map[string]string),
		now:   time.Now,
	}
}

func (f *fakeMessageStore) CreateIfAbsent(_ context.Context, m *domain.MessageLog) (CreateOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.byKey[m.IdempotencyKey]; dup {
		return OutcomeAlreadyExists, nil
	}
	cp := *m
	cp.CreatedAt = f.now()
	cp.UpdatedAt = cp.CreatedAt
	f.rows[cp.ID] = &cp
	f.byKey[cp.IdempotencyKey] = cp.ID
	return OutcomeCreated, nil
}

func (f *fakeMessageStore) GetByID(_ context.Context, id string) (*domain.MessageLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	row, ok := f.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeMessageStore) FindDueForEnqueue(_ context.Context, now time.Time, horizon time.Duration, limit int) ([]domain.MessageLog, error) {
	return f.filter(limit, func(r *domain.MessageLog) bool {
		return r.Status == domain.StatusScheduled && !r.ScheduledSendTime.After(now.Add(horizon))
	}), nil
}

func (f *fakeMessageStore) FindOverdueScheduled(_ context.Context, now time.Time, grace time.Duration, limit int) ([]domain.MessageLog, error) {
	return f.filter(limit, func(r *domain.MessageLog) bool {
		return r.Status == domain.StatusScheduled && r.ScheduledSendTime.Before(now.Add(-grace))
	}), nil
}

func (f *fakeMessageStore) FindStuckEnqueued(_ context.Context, now time.Time, age time.Duration, limit int) ([]domain.MessageLog, error) {
	return f.filter(limit, func(r *domain.MessageLog) bool {
		return r.Status == domain.StatusEnqueued && r.UpdatedAt.Before(now.Add(-age))
	}), nil
}

func (f *fakeMessageStore) FindStaleSending(_ context.Context, now time.Time, age time.Duration, limit int) ([]domain.MessageLog, error) {
	return f.filter(limit, func(r *domain.MessageLog) bool {
		at := r.UpdatedAt
		if r.LastAttemptAt != nil {
			at = *r.LastAttemptAt
		}
		return r.Status == domain.StatusSending && at.Before(now.Add(-age))
	}), nil
}

func (f *fakeMessageStore) FindRetryDue(_ context.Context, now time.Time, base, cap time.Duration, maxRetries, limit int) ([]domain.MessageLog, error) {
	return f.filter(limit, func(r *domain.MessageLog) bool {
		if r.Status != domain.StatusFailed || r.RetryCount > maxRetries {
			return false
		}
		at := r.UpdatedAt
		if r.LastAttemptAt != nil {
			at = *r.LastAttemptAt
		}
		exp := base
		for i := 1; i < r.RetryCount; i++ {
			exp *= 2
		}
		if exp > cap {
			exp = cap
		}
		return at.Add(exp).Before(now)
	}), nil
}

func (f *fakeMessageStore) filter(limit int, keep func(*domain.MessageLog) bool) []domain.MessageLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.MessageLog
	for _, r := range f.rows {
		if keep(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledSendTime.Before(out[j].ScheduledSendTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *fakeMessageStore) TransitionStatus(_ context.Context, id string, from, to domain.Status, upd StatusUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transitionErr != nil {
		return false, f.transitionErr
	}
	if !from.CanTransition(to) {
		return false, fmt.Errorf("illegal status transition %s -> %s", from, to)
	}
	row, ok := f.rows[id]
	if !ok || row.Status != from {
		return false, nil
	}
	row.Status = to
	now := f.now()
	row.UpdatedAt = now
	if upd.IncrementRetry {
		row.RetryCount++
	}
	if upd.TouchLastAttempt {
		at := now
		row.LastAttemptAt = &at
	}
	if upd.LastError != nil {
		row.LastError = *upd.LastError
	}
	if upd.ResponseCode != nil {
		row.ResponseCode = *upd.ResponseCode
	}
	f.transitions = append(f.transitions, fmt.Sprintf("%s:%s->%s", id, from, to))
	return true, nil
}

func (f *fakeMessageStore) UpdateSchedule(_ context.Context, userID string, t domain.MessageType, deliveryDate, sendTime time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.rows {
		if r.UserID != userID || r.MessageType != t {
			continue
		}
		if !sameDay(r.DeliveryDate, deliveryDate) {
			continue
		}
		if r.Status != domain.StatusScheduled && r.Status != domain.StatusEnqueued {
			continue
		}
		r.ScheduledSendTime = sendTime
		r.UpdatedAt = f.now()
		n++
	}
	return n, nil
}

func (f *fakeMessageStore) MarkUserRemoved(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.rows {
		if r.UserID != userID {
			continue
		}
		switch r.Status {
		case domain.StatusScheduled, domain.StatusEnqueued, domain.StatusFailed:
			r.Status = domain.StatusDead
			r.LastError = domain.ReasonUserRemoved
			r.UpdatedAt = f.now()
			n++
		}
	}
	return n, nil
}

func (f *fakeMessageStore) CountByStatus(_ context.Context) (map[domain.Status]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[domain.Status]int64)
	for _, r := range f.rows {
		out[r.Status]++
	}
	return out, nil
}

func (f *fakeMessageStore) DeleteTerminalOlderThan(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, r := range f.rows {
		if int(n) >= limit {
			break
		}
		if !r.Status.IsTerminal() || !r.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(f.byKey, r.IdempotencyKey)
		delete(f.rows, id)
		n++
	}
	return n, nil
}

// put seeds a row bypassing idempotency checks.
func (f *fakeMessageStore) put(r *domain.MessageLog) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = f.now()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	f.rows[cp.ID] = &cp
	f.byKey[cp.IdempotencyKey] = cp.ID
}

func (f *fakeMessageStore) get(id string) domain.MessageLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[id]
}

func (f *fakeMessageStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// fakeUserStore returns every non-deleted user with the relevant event
// set; the schedulers re-check dates with real zone math anyway.
type fakeUserStore struct {
	mu    sync.Mutex
	users map[string]*domain.User

	getErr error
}

func newFakeUserStore(users ...*domain.User) *fakeUserStore {
	f := &fakeUserStore{users: make(map[string]*domain.User)}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeUserStore) EventCandidates(_ context.Context, t domain.MessageType, _ time.Time) (UserIterator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.User
	for _, u := range f.users {
		if u.Deleted() || u.EventDate(t) == nil {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return &sliceUserIterator{users: out}, nil
}

func (f *fakeUserStore) GetByID(_ context.Context, id string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	u, ok := f.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUserStore) put(u *domain.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
}

type sliceUserIterator struct {
	users []*domain.User
	i     int
}

func (it *sliceUserIterator) Next() bool {
	if it.i >= len(it.users) {
		return false
	}
	it.i++
	return true
}

func (it *sliceUserIterator) User() *domain.User { return it.users[it.i-1] }
func (it *sliceUserIterator) Err() error         { return nil }
func (it *sliceUserIterator) Close() error       { return nil }

type publishedMsg struct {
	env   domain.Envelope
	delay time.Duration
}

// fakeQueue records every settlement so tests can assert the exact
// queue interaction a component performed.
type fakeQueue struct {
	mu           sync.Mutex
	published    []publishedMsg
	acked        []domain.Envelope
	requeued     []domain.Envelope
	deadLettered []string

	publishErr error
}

func newFakeQueue() *fakeQueue { return &fakeQueue{} }

func (q *fakeQueue) Publish(_ context.Context, env domain.Envelope, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, publishedMsg{env: env, delay: delay})
	return nil
}

func (q *fakeQueue) Consume(ctx context.Context, _ string) (*queue.Delivery, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, queue.ErrNoMessage
}

func (q *fakeQueue) Ack(_ context.Context, d *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, d.Envelope)
	return nil
}

func (q *fakeQueue) Requeue(_ context.Context, d *queue.Delivery, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeued = append(q.requeued, d.Envelope)
	return nil
}

func (q *fakeQueue) DeadLetter(_ context.Context, d *queue.Delivery, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLettered = append(q.deadLettered, reason)
	return nil
}

func (q *fakeQueue) Depth(context.Context) (int64, error) { return 0, nil }
func (q *fakeQueue) Ping(context.Context) error           { return nil }
func (q *fakeQueue) Close() error                         { return nil }

func (q *fakeQueue) publishedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.published)
}

func (q *fakeQueue) ackedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

func (q *fakeQueue) deadLetters() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deadLettered...)
}

func (q *fakeQueue) lastPublished() publishedMsg {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.published[len(q.published)-1]
}

type sentCall struct {
	email   string
	message string
}

// fakeSender returns scripted results in order, repeating the last one
// when the script runs out.
type fakeSender struct {
	mu     sync.Mutex
	script []emailer.Result
	errs   []error
	calls  []sentCall
}

func newFakeSender(results ...emailer.Result) *fakeSender {
	return &fakeSender{script: results}
}

func (s *fakeSender) Send(_ context.Context, email, message string) (emailer.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.calls)
	s.calls = append(s.calls, sentCall{email: email, message: message})

	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if len(s.script) == 0 {
		return emailer.Result{Outcome: emailer.OutcomeSent, Code: 200}, err
	}
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	return s.script[i], err
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeSender) call(i int) sentCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}
