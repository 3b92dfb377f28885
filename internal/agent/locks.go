package agent

import (
	"context"
	"sync"
)

// convLocks hands out one token per conversation. Waiters queue on a
// buffered channel; entries are dropped once nobody holds or waits.
type convLocks struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	token chan struct{}
	refs  int
}

func newConvLocks() *convLocks {
	return &convLocks{locks: make(map[string]*convLock)}
}

// acquire blocks until the conversation's token is free or ctx ends.
// The returned release must be called exactly once.
func (l *convLocks) acquire(ctx context.Context, id string) (release func(), err error) {
	l.mu.Lock()
	cl, ok := l.locks[id]
	if !ok {
		cl = &convLock{token: make(chan struct{}, 1)}
		l.locks[id] = cl
	}
	cl.refs++
	l.mu.Unlock()

	select {
	case cl.token <- struct{}{}:
	case <-ctx.Done():
		l.unref(id, cl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-cl.token
			l.unref(id, cl)
		})
	}, nil
}

func (l *convLocks) unref(id string, cl *convLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl.refs--
	if cl.refs == 0 {
		delete(l.locks, id)
	}
}

func (l *convLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
