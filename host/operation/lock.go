package operation

import "sync"

// RunLock is the single token an operation must hold to run
type RunLock struct {
	token chan struct{}
}

// NewRunLock returns an unheld lock
func NewRunLock() *RunLock {
	l := &RunLock{token: make(chan struct{}, 1)}
	l.token <- struct{}{}
	return l
}

// TryAcquire takes the token without waiting
func (l *RunLock) TryAcquire() (*Lease, bool) {
	select {
	case <-l.token:
		return &Lease{lock: l}, true
	default:
		return nil, false
	}
}

// Held reports whether some lease currently holds the token
func (l *RunLock) Held() bool {
	return len(l.token) == 0
}

// Lease is proof of holding the RunLock. Release may be called any number
// of times; only the first returns the token.
type Lease struct {
	lock *RunLock
	once sync.Once
}

func (l *Lease) Release() {
	l.once.Do(func() {
		l.lock.token <- struct{}{}
	})
}
