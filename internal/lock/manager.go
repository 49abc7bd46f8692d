// Package lock provides exclusive, path-scoped mutual exclusion over shared
// durable resources (primarily the workspace memory file).
//
// Locks are granted FIFO. A lock held past the lease duration is forcibly
// released so a crashed holder can never wedge the queue; the stale holder's
// later operations on that lock fail with ErrLockInvalidated.
package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lunamoth/lunamoth/internal/schema"
)

// Lock is a granted exclusive hold on one path.
type Lock struct {
	m      *Manager
	path   string
	holder string
	token  uint64
}

// Path returns the resource path this lock covers.
func (l *Lock) Path() string { return l.path }

// Holder returns the identifier the lock was acquired with.
func (l *Lock) Holder() string { return l.holder }

type waiter struct {
	holder string
	ch     chan *Lock // buffered 1; receives the granted lock
}

type state struct {
	holder     string
	token      uint64
	acquiredAt time.Time
	leaseTimer *time.Timer
	waiters    []*waiter
}

// Manager arbitrates exclusive access to resource paths.
// It is passed explicitly to every component that touches the memory file;
// there is no ambient singleton.
type Manager struct {
	lease time.Duration

	mu        sync.Mutex
	locks     map[string]*state
	nextToken uint64
}

// NewManager creates a Manager with the given lease duration.
// A non-positive lease disables forced release.
func NewManager(lease time.Duration) *Manager {
	return &Manager{
		lease: lease,
		locks: make(map[string]*state),
	}
}

// Acquire obtains the exclusive lock on path for holder, waiting up to
// timeout behind the current holder and any earlier queued requesters.
//
// A second request by the current holder fails immediately with
// ErrLockReentrant. Expired waits fail with ErrLockTimeout.
func (m *Manager) Acquire(ctx context.Context, path, holder string, timeout time.Duration) (*Lock, error) {
	m.mu.Lock()
	st, held := m.locks[path]
	if !held {
		l := m.grantNewLocked(path, holder)
		m.mu.Unlock()
		return l, nil
	}
	if st.holder == holder {
		m.mu.Unlock()
		return nil, schema.ErrLockReentrant
	}
	w := &waiter{holder: holder, ch: make(chan *Lock, 1)}
	st.waiters = append(st.waiters, w)
	m.mu.Unlock()

	if timeout <= 0 {
		timeout = time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l := <-w.ch:
		return l, nil
	case <-timer.C:
		return nil, m.abandonWait(path, w, schema.ErrLockTimeout)
	case <-ctx.Done():
		return nil, m.abandonWait(path, w, ctx.Err())
	}
}

// Release gives up the lock and grants the next FIFO waiter, if any.
// Releasing a lock whose lease already expired returns ErrLockInvalidated.
func (m *Manager) Release(l *Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.locks[l.path]
	if !ok || st.token != l.token {
		return schema.ErrLockInvalidated
	}
	if st.leaseTimer != nil {
		st.leaseTimer.Stop()
	}
	m.passOnLocked(l.path, st)
	return nil
}

// Validate reports whether the lock is still live. Holders call this before
// mutating the resource so a lost lease fails instead of silently continuing.
func (m *Manager) Validate(l *Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.locks[l.path]
	if !ok || st.token != l.token {
		return schema.ErrLockInvalidated
	}
	return nil
}

// WithLock acquires path, runs fn, and releases. fn runs only while the
// lock is live; a lease lost during fn surfaces as ErrLockInvalidated.
func (m *Manager) WithLock(ctx context.Context, path, holder string, timeout time.Duration, fn func() error) error {
	l, err := m.Acquire(ctx, path, holder, timeout)
	if err != nil {
		return err
	}
	fnErr := fn()
	if err := m.Release(l); err != nil {
		return err
	}
	return fnErr
}

// Holder returns the current holder of path, or "" if unlocked.
func (m *Manager) Holder(path string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.locks[path]; ok {
		return st.holder
	}
	return ""
}

// grantNewLocked creates a fresh lock state for path. Caller holds m.mu.
func (m *Manager) grantNewLocked(path, holder string) *Lock {
	m.nextToken++
	token := m.nextToken
	st := &state{holder: holder, token: token, acquiredAt: time.Now()}
	m.locks[path] = st
	m.armLeaseLocked(path, st)
	return &Lock{m: m, path: path, holder: holder, token: token}
}

// passOnLocked hands the lock to the next waiter or removes the state.
// Caller holds m.mu.
func (m *Manager) passOnLocked(path string, st *state) {
	if len(st.waiters) == 0 {
		delete(m.locks, path)
		return
	}
	next := st.waiters[0]
	st.waiters = st.waiters[1:]
	m.nextToken++
	st.holder = next.holder
	st.token = m.nextToken
	st.acquiredAt = time.Now()
	m.armLeaseLocked(path, st)
	next.ch <- &Lock{m: m, path: path, holder: next.holder, token: st.token}
}

// armLeaseLocked schedules forced release for the current grant.
// Caller holds m.mu.
func (m *Manager) armLeaseLocked(path string, st *state) {
	if m.lease <= 0 {
		return
	}
	token := st.token
	st.leaseTimer = time.AfterFunc(m.lease, func() {
		m.expire(path, token)
	})
}

// expire forcibly releases a grant whose lease ran out.
func (m *Manager) expire(path string, token uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.locks[path]
	if !ok || st.token != token {
		return
	}
	slog.Warn("lock: lease expired, forcing release",
		"path", path, "holder", st.holder, "held", time.Since(st.acquiredAt))
	m.passOnLocked(path, st)
}

// abandonWait removes w from the queue after a timeout or cancellation.
// If the grant raced the timeout, the lock is passed to the next waiter.
func (m *Manager) abandonWait(path string, w *waiter, cause error) error {
	m.mu.Lock()
	st, ok := m.locks[path]
	if ok {
		for i, q := range st.waiters {
			if q == w {
				st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
				m.mu.Unlock()
				return cause
			}
		}
	}
	m.mu.Unlock()

	// Not queued anymore: a grant is in flight. Take it and pass it on.
	if l := <-w.ch; l != nil {
		_ = m.Release(l)
	}
	return cause
}
