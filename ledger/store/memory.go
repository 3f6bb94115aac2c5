// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mesum357/EasyEarn-Backend-sub001/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	d  *data
}

var (
	_ ledger.TxStore  = (*Memory)(nil)
	_ ledger.RunStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{d: newData()}
}

// WithTx runs fn against a lock-free view of the store while holding the
// write lock. On error the pre-call state is restored.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.clone()
	if err := fn(m.d); err != nil {
		m.d = snapshot
		return err
	}
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id ledger.UserID) (ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetUser(ctx, id)
}

func (m *Memory) GetUserByReferralCode(ctx context.Context, code string) (ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetUserByReferralCode(ctx, code)
}

func (m *Memory) ListUsers(ctx context.Context) ([]ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.ListUsers(ctx)
}

func (m *Memory) ListUserIDs(ctx context.Context) ([]ledger.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.ListUserIDs(ctx)
}

func (m *Memory) GetUserState(ctx context.Context, id ledger.UserID) (ledger.UserState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetUserState(ctx, id)
}

func (m *Memory) GetDeposit(ctx context.Context, id ledger.DepositID) (ledger.Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetDeposit(ctx, id)
}

func (m *Memory) Deposits(ctx context.Context, userID ledger.UserID, statuses ...ledger.DepositStatus) ([]ledger.Deposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Deposits(ctx, userID, statuses...)
}

func (m *Memory) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (ledger.Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetWithdrawal(ctx, id)
}

func (m *Memory) Withdrawals(ctx context.Context, userID ledger.UserID, statuses ...ledger.WithdrawalStatus) ([]ledger.Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Withdrawals(ctx, userID, statuses...)
}

func (m *Memory) GetTask(ctx context.Context, id ledger.TaskID) (ledger.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetTask(ctx, id)
}

func (m *Memory) ListTasks(ctx context.Context) ([]ledger.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.ListTasks(ctx)
}

func (m *Memory) GetSubmission(ctx context.Context, id ledger.SubmissionID) (ledger.TaskSubmission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetSubmission(ctx, id)
}

func (m *Memory) Submissions(ctx context.Context, userID ledger.UserID, statuses ...ledger.SubmissionStatus) ([]ledger.TaskSubmission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Submissions(ctx, userID, statuses...)
}

func (m *Memory) ReferralsByReferrer(ctx context.Context, referrerID ledger.UserID, statuses ...ledger.ReferralStatus) ([]ledger.Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.ReferralsByReferrer(ctx, referrerID, statuses...)
}

func (m *Memory) ReferralByReferred(ctx context.Context, referredID ledger.UserID) (ledger.Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.ReferralByReferred(ctx, referredID)
}

func (m *Memory) TransitionDeposit(ctx context.Context, id ledger.DepositID, from, to ledger.DepositStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.TransitionDeposit(ctx, id, from, to, at)
}

func (m *Memory) TransitionWithdrawal(ctx context.Context, id ledger.WithdrawalID, from, to ledger.WithdrawalStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.TransitionWithdrawal(ctx, id, from, to, at)
}

func (m *Memory) TransitionSubmission(ctx context.Context, id ledger.SubmissionID, from, to ledger.SubmissionStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.TransitionSubmission(ctx, id, from, to, at)
}

func (m *Memory) TransitionReferral(ctx context.Context, id ledger.ReferralID, from, to ledger.ReferralStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.TransitionReferral(ctx, id, from, to, at)
}

func (m *Memory) UpdateUserState(ctx context.Context, id ledger.UserID, state ledger.UserState, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.UpdateUserState(ctx, id, state, at)
}

func (m *Memory) CreateUser(ctx context.Context, u ledger.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.CreateUser(ctx, u)
}

func (m *Memory) CreateDeposit(ctx context.Context, d ledger.Deposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.CreateDeposit(ctx, d)
}

func (m *Memory) CreateWithdrawal(ctx context.Context, w ledger.Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.CreateWithdrawal(ctx, w)
}

func (m *Memory) CreateTask(ctx context.Context, t ledger.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.CreateTask(ctx, t)
}

func (m *Memory) CreateSubmission(ctx context.Context, s ledger.TaskSubmission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.CreateSubmission(ctx, s)
}

func (m *Memory) CreateReferral(ctx context.Context, r ledger.Referral) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.CreateReferral(ctx, r)
}

func (m *Memory) SaveRun(ctx context.Context, run ledger.ReconciliationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.runs[run.ID] = run
	return nil
}

// ListRuns returns the most recent runs first.
func (m *Memory) ListRuns(_ context.Context, limit int) ([]ledger.ReconciliationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]ledger.ReconciliationRun, 0, len(m.d.runs))
	for _, r := range m.d.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Reset clears every record.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d = newData()
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// =============================================================================
// DATA - Lock-free state shared by Memory and its transactional view
// =============================================================================

type data struct {
	users       map[ledger.UserID]ledger.User
	deposits    map[ledger.DepositID]ledger.Deposit
	withdrawals map[ledger.WithdrawalID]ledger.Withdrawal
	tasks       map[ledger.TaskID]ledger.Task
	submissions map[ledger.SubmissionID]ledger.TaskSubmission
	referrals   map[ledger.ReferralID]ledger.Referral
	runs        map[string]ledger.ReconciliationRun
}

func newData() *data {
	return &data{
		users:       make(map[ledger.UserID]ledger.User),
		deposits:    make(map[ledger.DepositID]ledger.Deposit),
		withdrawals: make(map[ledger.WithdrawalID]ledger.Withdrawal),
		tasks:       make(map[ledger.TaskID]ledger.Task),
		submissions: make(map[ledger.SubmissionID]ledger.TaskSubmission),
		referrals:   make(map[ledger.ReferralID]ledger.Referral),
		runs:        make(map[string]ledger.ReconciliationRun),
	}
}

// clone copies the maps. Records are values and pointer fields are only
// ever replaced, never written through, so a shallow copy is enough.
func (d *data) clone() *data {
	c := newData()
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.deposits {
		c.deposits[k] = v
	}
	for k, v := range d.withdrawals {
		c.withdrawals[k] = v
	}
	for k, v := range d.tasks {
		c.tasks[k] = v
	}
	for k, v := range d.submissions {
		c.submissions[k] = v
	}
	for k, v := range d.referrals {
		c.referrals[k] = v
	}
	for k, v := range d.runs {
		c.runs[k] = v
	}
	return c
}

func (d *data) GetUser(_ context.Context, id ledger.UserID) (ledger.User, error) {
	u, ok := d.users[id]
	if !ok {
		return ledger.User{}, &ledger.NotFoundError{Kind: ledger.KindUser, ID: string(id)}
	}
	return u, nil
}

func (d *data) GetUserByReferralCode(_ context.Context, code string) (ledger.User, error) {
	for _, u := range d.users {
		if u.ReferralCode == code {
			return u, nil
		}
	}
	return ledger.User{}, &ledger.NotFoundError{Kind: ledger.KindUser, ID: "referral-code:" + code}
}

func (d *data) ListUsers(_ context.Context) ([]ledger.User, error) {
	users := make([]ledger.User, 0, len(d.users))
	for _, u := range d.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (d *data) ListUserIDs(_ context.Context) ([]ledger.UserID, error) {
	ids := make([]ledger.UserID, 0, len(d.users))
	for id := range d.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (d *data) GetUserState(ctx context.Context, id ledger.UserID) (ledger.UserState, error) {
	u, err := d.GetUser(ctx, id)
	return u.State, err
}

func (d *data) GetDeposit(_ context.Context, id ledger.DepositID) (ledger.Deposit, error) {
	dep, ok := d.deposits[id]
	if !ok {
		return ledger.Deposit{}, &ledger.NotFoundError{Kind: ledger.KindDeposit, ID: string(id)}
	}
	return dep, nil
}

func (d *data) Deposits(_ context.Context, userID ledger.UserID, statuses ...ledger.DepositStatus) ([]ledger.Deposit, error) {
	var out []ledger.Deposit
	for _, dep := range d.deposits {
		if dep.UserID == userID && matches(dep.Status, statuses) {
			out = append(out, dep)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (d *data) GetWithdrawal(_ context.Context, id ledger.WithdrawalID) (ledger.Withdrawal, error) {
	w, ok := d.withdrawals[id]
	if !ok {
		return ledger.Withdrawal{}, &ledger.NotFoundError{Kind: ledger.KindWithdrawal, ID: string(id)}
	}
	return w, nil
}

func (d *data) Withdrawals(_ context.Context, userID ledger.UserID, statuses ...ledger.WithdrawalStatus) ([]ledger.Withdrawal, error) {
	var out []ledger.Withdrawal
	for _, w := range d.withdrawals {
		if w.UserID == userID && matches(w.Status, statuses) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (d *data) GetTask(_ context.Context, id ledger.TaskID) (ledger.Task, error) {
	t, ok := d.tasks[id]
	if !ok {
		return ledger.Task{}, &ledger.NotFoundError{Kind: ledger.KindTask, ID: string(id)}
	}
	return t, nil
}

func (d *data) ListTasks(_ context.Context) ([]ledger.Task, error) {
	tasks := make([]ledger.Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (d *data) GetSubmission(_ context.Context, id ledger.SubmissionID) (ledger.TaskSubmission, error) {
	s, ok := d.submissions[id]
	if !ok {
		return ledger.TaskSubmission{}, &ledger.NotFoundError{Kind: ledger.KindSubmission, ID: string(id)}
	}
	return d.joinReward(s), nil
}

func (d *data) Submissions(_ context.Context, userID ledger.UserID, statuses ...ledger.SubmissionStatus) ([]ledger.TaskSubmission, error) {
	var out []ledger.TaskSubmission
	for _, s := range d.submissions {
		if s.UserID == userID && matches(s.Status, statuses) {
			out = append(out, d.joinReward(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// joinReward mirrors the SQL join: a submission whose task is gone keeps a
// zero reward and is rejected at derivation.
func (d *data) joinReward(s ledger.TaskSubmission) ledger.TaskSubmission {
	if t, ok := d.tasks[s.TaskID]; ok {
		s.Reward = t.Reward
	}
	return s
}

func (d *data) ReferralsByReferrer(_ context.Context, referrerID ledger.UserID, statuses ...ledger.ReferralStatus) ([]ledger.Referral, error) {
	var out []ledger.Referral
	for _, r := range d.referrals {
		if r.ReferrerID == referrerID && matches(r.Status, statuses) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (d *data) ReferralByReferred(_ context.Context, referredID ledger.UserID) (ledger.Referral, error) {
	for _, r := range d.referrals {
		if r.ReferredID == referredID {
			return r, nil
		}
	}
	return ledger.Referral{}, &ledger.NotFoundError{Kind: ledger.KindReferral, ID: "referred:" + string(referredID)}
}

func (d *data) TransitionDeposit(_ context.Context, id ledger.DepositID, from, to ledger.DepositStatus, at time.Time) error {
	dep, ok := d.deposits[id]
	if !ok {
		return &ledger.NotFoundError{Kind: ledger.KindDeposit, ID: string(id)}
	}
	if dep.Status != from {
		return &ledger.ConcurrentModificationError{Kind: ledger.KindDeposit, ID: string(id), Expected: string(from), Actual: string(dep.Status)}
	}
	dep.Status = to
	if to == ledger.DepositConfirmed {
		t := at
		dep.ConfirmedAt = &t
	}
	d.deposits[id] = dep
	return nil
}

func (d *data) TransitionWithdrawal(_ context.Context, id ledger.WithdrawalID, from, to ledger.WithdrawalStatus, at time.Time) error {
	w, ok := d.withdrawals[id]
	if !ok {
		return &ledger.NotFoundError{Kind: ledger.KindWithdrawal, ID: string(id)}
	}
	if w.Status != from {
		return &ledger.ConcurrentModificationError{Kind: ledger.KindWithdrawal, ID: string(id), Expected: string(from), Actual: string(w.Status)}
	}
	w.Status = to
	w.UpdatedAt = at
	d.withdrawals[id] = w
	return nil
}

func (d *data) TransitionSubmission(_ context.Context, id ledger.SubmissionID, from, to ledger.SubmissionStatus, at time.Time) error {
	s, ok := d.submissions[id]
	if !ok {
		return &ledger.NotFoundError{Kind: ledger.KindSubmission, ID: string(id)}
	}
	if s.Status != from {
		return &ledger.ConcurrentModificationError{Kind: ledger.KindSubmission, ID: string(id), Expected: string(from), Actual: string(s.Status)}
	}
	s.Status = to
	t := at
	s.ReviewedAt = &t
	d.submissions[id] = s
	return nil
}

func (d *data) TransitionReferral(_ context.Context, id ledger.ReferralID, from, to ledger.ReferralStatus, at time.Time) error {
	r, ok := d.referrals[id]
	if !ok {
		return &ledger.NotFoundError{Kind: ledger.KindReferral, ID: string(id)}
	}
	if r.Status != from {
		return &ledger.ConcurrentModificationError{Kind: ledger.KindReferral, ID: string(id), Expected: string(from), Actual: string(r.Status)}
	}
	r.Status = to
	if to == ledger.ReferralCompleted {
		t := at
		r.CompletedAt = &t
	}
	d.referrals[id] = r
	return nil
}

func (d *data) UpdateUserState(_ context.Context, id ledger.UserID, state ledger.UserState, at time.Time) error {
	u, ok := d.users[id]
	if !ok {
		return &ledger.NotFoundError{Kind: ledger.KindUser, ID: string(id)}
	}
	u.State = state
	u.UpdatedAt = at
	d.users[id] = u
	return nil
}

func (d *data) CreateUser(_ context.Context, u ledger.User) error {
	if _, exists := d.users[u.ID]; exists {
		return ledger.ErrDuplicate
	}
	if u.ReferralCode != "" {
		for _, other := range d.users {
			if other.ReferralCode == u.ReferralCode {
				return ledger.ErrDuplicate
			}
		}
	}
	d.users[u.ID] = u
	return nil
}

func (d *data) CreateDeposit(_ context.Context, dep ledger.Deposit) error {
	if _, exists := d.deposits[dep.ID]; exists {
		return ledger.ErrDuplicate
	}
	d.deposits[dep.ID] = dep
	return nil
}

func (d *data) CreateWithdrawal(_ context.Context, w ledger.Withdrawal) error {
	if _, exists := d.withdrawals[w.ID]; exists {
		return ledger.ErrDuplicate
	}
	d.withdrawals[w.ID] = w
	return nil
}

func (d *data) CreateTask(_ context.Context, t ledger.Task) error {
	if _, exists := d.tasks[t.ID]; exists {
		return ledger.ErrDuplicate
	}
	d.tasks[t.ID] = t
	return nil
}

func (d *data) CreateSubmission(_ context.Context, s ledger.TaskSubmission) error {
	if _, exists := d.submissions[s.ID]; exists {
		return ledger.ErrDuplicate
	}
	d.submissions[s.ID] = s
	return nil
}

// CreateReferral enforces one referral per referred user.
func (d *data) CreateReferral(_ context.Context, r ledger.Referral) error {
	if _, exists := d.referrals[r.ID]; exists {
		return ledger.ErrDuplicate
	}
	for _, other := range d.referrals {
		if other.ReferredID == r.ReferredID {
			return ledger.ErrDuplicate
		}
	}
	d.referrals[r.ID] = r
	return nil
}

func matches[S comparable](status S, statuses []S) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
