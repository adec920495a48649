package service

import (
	"context"
	gosync "sync"
)

// emailLocks hands out one lock per email id. Entries are dropped once no
// caller holds or waits for them.
type emailLocks struct {
	mu    gosync.Mutex
	locks map[string]*emailLock
}

type emailLock struct {
	held chan struct{}
	refs int
}

func newEmailLocks() *emailLocks {
	return &emailLocks{locks: make(map[string]*emailLock)}
}

// lock blocks until id is free or ctx is done. The returned func releases
// the lock.
func (l *emailLocks) lock(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	el, ok := l.locks[id]
	if !ok {
		el = &emailLock{held: make(chan struct{}, 1)}
		l.locks[id] = el
	}
	el.refs++
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		el.refs--
		if el.refs == 0 {
			delete(l.locks, id)
		}
	}

	select {
	case el.held <- struct{}{}:
		return func() {
			<-el.held
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}
