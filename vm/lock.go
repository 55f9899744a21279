package vm

import (
	"sync"
)

// OwnerLock is a mutual-exclusion lock owned by a Task rather than a
// goroutine. The owning task may re-acquire it freely; each Lock must be
// balanced by an Unlock, and the lock is released when the hold count
// reaches zero. Other tasks block until then.
//
// The autoload coordinator hands one OwnerLock to each in-flight feature
// so the loading task can re-enter namespace operations on the feature it
// is itself loading without deadlocking.
type OwnerLock struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner *Task
	holds int
}

// NewOwnerLock returns an unlocked OwnerLock.
func NewOwnerLock() *OwnerLock {
	l := &OwnerLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Lock acquires the lock for task, blocking while another task holds it.
// Re-acquisition by the owner increments the hold count.
func (l *OwnerLock) Lock(task *Task) {
	l.mu.Lock()
	for l.owner != nil && l.owner != task {
		l.cond.Wait()
	}
	l.owner = task
	l.holds++
	l.mu.Unlock()
}

// TryLock acquires the lock for task without blocking. It reports whether
// the lock was acquired; re-acquisition by the owner always succeeds.
func (l *OwnerLock) TryLock(task *Task) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != nil && l.owner != task {
		return false
	}
	l.owner = task
	l.holds++
	return true
}

// Unlock releases one hold. When the count reaches zero the lock is
// released and one waiter is woken. Panics if task is not the owner.
func (l *OwnerLock) Unlock(task *Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != task {
		panic("OwnerLock.Unlock: not the owner")
	}
	l.holds--
	if l.holds == 0 {
		l.owner = nil
		l.cond.Signal()
	}
}

// OwnedBy reports whether task currently holds the lock.
func (l *OwnerLock) OwnedBy(task *Task) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner == task
}

// Held reports whether any task currently holds the lock.
func (l *OwnerLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner != nil
}
