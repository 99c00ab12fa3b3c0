package visa

import (
	"io"
	"sync"
)

// FindList iterates the result of FindRsrc. The first match is returned
// by FindRsrc itself; Next yields the rest and then io.EOF.
type FindList struct {
	rm *ResourceManager

	mu     sync.Mutex
	names  []string
	next   int
	closed bool
}

// Count returns the number of matches, including the first.
func (l *FindList) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.names)
}

// Next returns the next resource name, or io.EOF when the list is
// exhausted.
func (l *FindList) Next() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", newError("FindNext", "", ErrorInvObject, nil)
	}
	if l.next >= len(l.names) {
		return "", io.EOF
	}
	name := l.names[l.next]
	l.next++
	return name, nil
}

// Names returns every match.
func (l *FindList) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

// Close releases the list. A second Close reports VI_ERROR_INV_OBJECT.
func (l *FindList) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return newError("Close", "", ErrorInvObject, nil)
	}
	l.closed = true
	l.mu.Unlock()
	l.rm.forgetList(l)
	return nil
}
