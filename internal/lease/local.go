package lease

import (
	"context"
	"sync"
	"time"

	dserrors "github.com/systmms/kvrotate/internal/errors"
)

// LocalLocker is an in-process keyed mutex. It only protects against
// concurrent invocations inside one worker.
type LocalLocker struct {
	mu          sync.Mutex
	entries     map[string]*localEntry
	waitTimeout time.Duration
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

// NewLocalLocker creates a LocalLocker. A zero waitTimeout waits until ctx is
// done.
func NewLocalLocker(waitTimeout time.Duration) *LocalLocker {
	return &LocalLocker{
		entries:     make(map[string]*localEntry),
		waitTimeout: waitTimeout,
	}
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	entry := l.ref(key)

	var timeout <-chan time.Time
	if l.waitTimeout > 0 {
		timer := time.NewTimer(l.waitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case entry.sem <- struct{}{}:
		return &localLease{locker: l, key: key, entry: entry}, nil
	case <-ctx.Done():
		l.unref(key, entry)
		return nil, dserrors.LeaseError{Key: key, Err: ctx.Err()}
	case <-timeout:
		l.unref(key, entry)
		return nil, dserrors.LeaseError{Key: key, Err: ErrTimeout}
	}
}

// Held reports how many keys currently have holders or waiters.
func (l *LocalLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *LocalLocker) ref(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *LocalLocker) unref(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

type localLease struct {
	locker *LocalLocker
	key    string
	entry  *localEntry
	once   sync.Once
}

func (l *localLease) Key() string { return l.key }

func (l *localLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		<-l.entry.sem
		l.locker.unref(l.key, l.entry)
	})
	return nil
}
