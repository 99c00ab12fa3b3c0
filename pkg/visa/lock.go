package visa

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AccessMode is the lock request of Open and Lock, and the value of
// VI_ATTR_RSRC_LOCK_STATE.
type AccessMode uint32

const (
	NoLock        AccessMode = 0
	ExclusiveLock AccessMode = 1
	SharedLock    AccessMode = 2
	// LoadConfig is accepted by Open and has no effect.
	LoadConfig AccessMode = 4
)

func (m AccessMode) String() string {
	switch m {
	case NoLock:
		return "VI_NO_LOCK"
	case ExclusiveLock:
		return "VI_EXCLUSIVE_LOCK"
	case SharedLock:
		return "VI_SHARED_LOCK"
	case LoadConfig:
		return "VI_LOAD_CONFIG"
	}
	return fmt.Sprintf("AccessMode(%d)", uint32(m))
}

// resourceLock is the lock state of one canonical resource name.
type resourceLock struct {
	exclusive      *Session
	exclusiveDepth int
	sharedKey      string
	shared         map[*Session]int
}

func (l *resourceLock) free() bool {
	return l.exclusive == nil && len(l.shared) == 0
}

// lockTable holds the locks of every resource in the process. Sessions of
// different Resource Managers contend for the same entries.
type lockTable struct {
	mu      sync.Mutex
	locks   map[string]*resourceLock
	changed chan struct{}
}

var locks = newLockTable()

func newLockTable() *lockTable {
	return &lockTable{
		locks:   make(map[string]*resourceLock),
		changed: make(chan struct{}),
	}
}

func (t *lockTable) entryLocked(name string) *resourceLock {
	l, ok := t.locks[name]
	if !ok {
		l = &resourceLock{shared: make(map[*Session]int)}
		t.locks[name] = l
	}
	return l
}

func (t *lockTable) notifyLocked(name string) {
	if l, ok := t.locks[name]; ok && l.free() {
		delete(t.locks, name)
	}
	close(t.changed)
	t.changed = make(chan struct{})
}

// tryLocked attempts one acquisition. ok=false means the caller has to wait.
func (t *lockTable) tryLocked(s *Session, mode AccessMode, key string) (string, Status, bool) {
	l := t.entryLocked(s.name)

	switch mode {
	case ExclusiveLock:
		if l.exclusive == s {
			l.exclusiveDepth++
			return "", SuccessNestedExclusive, true
		}
		if l.exclusive != nil {
			return "", 0, false
		}
		for holder := range l.shared {
			if holder != s {
				return "", 0, false
			}
		}
		l.exclusive = s
		l.exclusiveDepth = 1
		return "", Success, true

	case SharedLock:
		if l.exclusive != nil && l.exclusive != s {
			return "", 0, false
		}
		if depth, ok := l.shared[s]; ok {
			l.shared[s] = depth + 1
			return l.sharedKey, SuccessNestedShared, true
		}
		if len(l.shared) > 0 {
			if key == "" || key != l.sharedKey {
				return "", 0, false
			}
			l.shared[s] = 1
			return l.sharedKey, Success, true
		}
		if key == "" {
			key = uuid.NewString()
		}
		l.sharedKey = key
		l.shared[s] = 1
		return key, Success, true
	}
	return "", ErrorInvLockType, true
}

// acquire waits up to timeout for the lock. A zero timeout fails at once
// with VI_ERROR_RSRC_LOCKED, expiry of a longer wait with VI_ERROR_TMO.
func (t *lockTable) acquire(s *Session, clk clock.Clock, mode AccessMode, timeout uint32, key string) (string, Status) {
	var expired <-chan time.Time
	if timeout != TmoInfinite && timeout != TmoImmediate {
		timer := clk.Timer(time.Duration(timeout) * time.Millisecond)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		t.mu.Lock()
		granted, st, ok := t.tryLocked(s, mode, key)
		changed := t.changed
		t.mu.Unlock()
		if ok {
			return granted, st
		}
		if timeout == TmoImmediate {
			return "", ErrorRsrcLocked
		}

		select {
		case <-changed:
		case <-expired:
			return "", ErrorTmo
		case <-s.done:
			return "", ErrorInvObject
		}
	}
}

// release drops one level of the session's lock, exclusive first.
func (t *lockTable) release(s *Session) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[s.name]
	if !ok {
		return ErrorSesnNLocked
	}
	defer t.notifyLocked(s.name)

	if l.exclusive == s {
		l.exclusiveDepth--
		if l.exclusiveDepth > 0 {
			return SuccessNestedExclusive
		}
		l.exclusive = nil
		if _, shared := l.shared[s]; shared {
			return SuccessNestedShared
		}
		return Success
	}
	depth, ok := l.shared[s]
	if !ok {
		return ErrorSesnNLocked
	}
	if depth > 1 {
		l.shared[s] = depth - 1
		return SuccessNestedShared
	}
	delete(l.shared, s)
	return Success
}

// releaseAll drops every lock level the session holds.
func (t *lockTable) releaseAll(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[s.name]
	if !ok {
		return
	}
	held := l.exclusive == s || l.shared[s] > 0
	if l.exclusive == s {
		l.exclusive = nil
		l.exclusiveDepth = 0
	}
	delete(l.shared, s)
	if held {
		Logger().Debug("released locks on close", zap.String("resource", s.name))
	}
	t.notifyLocked(s.name)
}

// owns reports whether s may perform I/O on its resource.
func (t *lockTable) owns(s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[s.name]
	if !ok || l.free() {
		return true
	}
	if l.exclusive != nil {
		return l.exclusive == s
	}
	_, ok = l.shared[s]
	return ok
}

// state reports the lock state of the resource.
func (t *lockTable) state(name string) AccessMode {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[name]
	switch {
	case !ok:
		return NoLock
	case l.exclusive != nil:
		return ExclusiveLock
	case len(l.shared) > 0:
		return SharedLock
	}
	return NoLock
}

// Lock acquires a lock on the session's resource. For SharedLock the
// returned key is the access key other sessions present to share the
// lock; an empty requestedKey generates one. Nested acquisitions report
// VI_SUCCESS_NESTED_EXCLUSIVE or VI_SUCCESS_NESTED_SHARED.
func (s *Session) Lock(mode AccessMode, timeout time.Duration, requestedKey string) (string, Status, error) {
	if err := s.check("Lock"); err != nil {
		return "", StatusOf(err), err
	}
	if mode != ExclusiveLock && mode != SharedLock {
		err := newError("Lock", s.name, ErrorInvLockType, nil)
		return "", err.Status, err
	}
	if mode == ExclusiveLock && requestedKey != "" {
		err := newError("Lock", s.name, ErrorInvAccessKey, nil)
		return "", err.Status, err
	}

	key, st := locks.acquire(s, s.rm.clk, mode, durationToTmo(timeout), requestedKey)
	if st.Failed() {
		err := newError("Lock", s.name, st, nil)
		return "", st, err
	}
	s.log.Debug("lock acquired", zap.Stringer("mode", mode), zap.Stringer("status", st))
	return key, st, nil
}

// Unlock releases one level of the session's lock.
func (s *Session) Unlock() (Status, error) {
	if err := s.check("Unlock"); err != nil {
		return StatusOf(err), err
	}
	st := locks.release(s)
	if st.Failed() {
		return st, newError("Unlock", s.name, st, nil)
	}
	return st, nil
}

// durationToTmo converts a Go timeout to VI_ATTR_TMO_VALUE milliseconds.
// Negative durations mean infinite.
func durationToTmo(d time.Duration) uint32 {
	switch {
	case d < 0:
		return TmoInfinite
	case d == 0:
		return TmoImmediate
	}
	ms := d.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	if ms >= int64(TmoInfinite) {
		return TmoInfinite - 1
	}
	return uint32(ms)
}

func tmoToDuration(tmo uint32) time.Duration {
	if tmo == TmoInfinite {
		return Infinite
	}
	return time.Duration(tmo) * time.Millisecond
}
