// Package visa implements the VISA access layer: a Resource Manager that
// finds and opens instrument resources, sessions with attributes,
// synchronous and asynchronous I/O, events and locking.
//
// Transports come from package driver; the Resource Manager tries its
// drivers in order when opening a resource.
package visa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/rsrc"
)

// DefaultTimeout is the initial VI_ATTR_TMO_VALUE of new sessions.
const DefaultTimeout = 2 * time.Second

// ResourceManager owns the sessions and find lists opened through it.
type ResourceManager struct {
	drivers        []driver.Driver
	aliases        map[string]string
	log            *zap.Logger
	clk            clock.Clock
	defaultTimeout time.Duration

	mu       sync.Mutex
	closed   bool
	sessions map[*Session]struct{}
	lists    map[*FindList]struct{}
}

// Option configures a Resource Manager.
type Option func(*ResourceManager)

// WithDrivers sets the transports, tried in order by Open.
func WithDrivers(drivers ...driver.Driver) Option {
	return func(rm *ResourceManager) {
		rm.drivers = append(rm.drivers, drivers...)
	}
}

// WithAliases maps alias names to resource strings.
func WithAliases(aliases map[string]string) Option {
	return func(rm *ResourceManager) {
		for alias, name := range aliases {
			rm.aliases[strings.ToUpper(alias)] = name
		}
	}
}

// WithLogger sets the logger of the Resource Manager and its sessions.
func WithLogger(l *zap.Logger) Option {
	return func(rm *ResourceManager) {
		rm.log = l
	}
}

// WithClock replaces the clock used for timeouts.
func WithClock(c clock.Clock) Option {
	return func(rm *ResourceManager) {
		rm.clk = c
	}
}

// WithDefaultTimeout sets the initial VI_ATTR_TMO_VALUE of sessions.
func WithDefaultTimeout(d time.Duration) Option {
	return func(rm *ResourceManager) {
		rm.defaultTimeout = d
	}
}

// OpenDefaultRM creates a Resource Manager.
func OpenDefaultRM(opts ...Option) (*ResourceManager, error) {
	rm := &ResourceManager{
		aliases:        make(map[string]string),
		log:            Logger(),
		clk:            clock.New(),
		defaultTimeout: DefaultTimeout,
		sessions:       make(map[*Session]struct{}),
		lists:          make(map[*FindList]struct{}),
	}
	for _, opt := range opts {
		opt(rm)
	}
	names := make([]string, len(rm.drivers))
	for i, d := range rm.drivers {
		names[i] = d.Name()
	}
	rm.log.Debug("resource manager opened", zap.Strings("drivers", names))
	return rm, nil
}

func (rm *ResourceManager) check(op string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return newError(op, "", ErrorInvObject, nil)
	}
	return nil
}

// Close closes every session and find list opened under rm. A second
// Close reports VI_ERROR_INV_OBJECT.
func (rm *ResourceManager) Close() error {
	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return newError("Close", "", ErrorInvObject, nil)
	}
	rm.closed = true
	sessions := make([]*Session, 0, len(rm.sessions))
	for s := range rm.sessions {
		sessions = append(sessions, s)
	}
	lists := make([]*FindList, 0, len(rm.lists))
	for l := range rm.lists {
		lists = append(lists, l)
	}
	rm.mu.Unlock()

	var err error
	for _, s := range sessions {
		if cerr := s.Close(); cerr != nil && !errors.Is(cerr, ErrInvalidObject) {
			err = multierr.Append(err, cerr)
		}
	}
	for _, l := range lists {
		if cerr := l.Close(); cerr != nil && !errors.Is(cerr, ErrInvalidObject) {
			err = multierr.Append(err, cerr)
		}
	}
	rm.log.Debug("resource manager closed", zap.Int("sessions", len(sessions)), zap.Int("lists", len(lists)))
	return err
}

// Sessions reports how many sessions are open under rm.
func (rm *ResourceManager) Sessions() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.sessions)
}

func (rm *ResourceManager) forget(s *Session) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.sessions, s)
}

func (rm *ResourceManager) forgetList(l *FindList) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.lists, l)
}

// StatusDesc returns the description of st.
func (rm *ResourceManager) StatusDesc(st Status) (string, error) {
	if err := rm.check("StatusDesc"); err != nil {
		return "", err
	}
	return st.Description(), nil
}

// resolve maps an alias to its resource string.
func (rm *ResourceManager) resolve(name string) (resolved, alias string) {
	if target, ok := rm.aliases[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return target, name
	}
	return name, ""
}

// ParseInfo is the result of ParseRsrcEx.
type ParseInfo struct {
	Interface rsrc.InterfaceType
	Board     int
	Class     rsrc.Class
	Expanded  string
	Alias     string
}

// ParseRsrc returns the interface type and board number of name.
func (rm *ResourceManager) ParseRsrc(name string) (rsrc.InterfaceType, int, error) {
	info, err := rm.ParseRsrcEx(name)
	if err != nil {
		return 0, 0, err
	}
	return info.Interface, info.Board, nil
}

// ParseRsrcEx parses name, resolving aliases first.
func (rm *ResourceManager) ParseRsrcEx(name string) (ParseInfo, error) {
	if err := rm.check("ParseRsrc"); err != nil {
		return ParseInfo{}, err
	}
	resolved, alias := rm.resolve(name)
	res, err := rsrc.Parse(resolved)
	if err != nil {
		return ParseInfo{}, newError("ParseRsrc", name, ErrorInvRsrcName, err)
	}
	return ParseInfo{
		Interface: res.Interface,
		Board:     res.Board,
		Class:     res.Class,
		Expanded:  res.String(),
		Alias:     alias,
	}, nil
}

// Open opens a session to name. mode may request an exclusive or shared
// lock, acquired within timeout before Open returns.
func (rm *ResourceManager) Open(ctx context.Context, name string, mode AccessMode, timeout time.Duration) (*Session, error) {
	if err := rm.check("Open"); err != nil {
		return nil, err
	}
	if mode&^(ExclusiveLock|SharedLock|LoadConfig) != 0 || mode&(ExclusiveLock|SharedLock) == ExclusiveLock|SharedLock {
		return nil, newError("Open", name, ErrorInvAccMode, fmt.Errorf("%d", mode))
	}

	resolved, _ := rm.resolve(name)
	res, err := rsrc.Parse(resolved)
	if err != nil {
		return nil, newError("Open", name, ErrorInvRsrcName, err)
	}

	var conn driver.Conn
	var drvName string
	for _, d := range rm.drivers {
		c, err := d.Open(ctx, res)
		if errors.Is(err, driver.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, wrapDriver("Open", res.String(), err)
		}
		conn, drvName = c, d.Name()
		break
	}
	if conn == nil {
		return nil, newError("Open", res.String(), ErrorRsrcNFound, nil)
	}

	s := newSession(rm, res, drvName, conn)
	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		_ = s.Close()
		return nil, newError("Open", res.String(), ErrorInvObject, nil)
	}
	rm.sessions[s] = struct{}{}
	rm.mu.Unlock()

	if lockMode := mode &^ LoadConfig; lockMode != NoLock {
		if _, _, err := s.Lock(lockMode, timeout, ""); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	s.log.Debug("session opened", zap.String("driver", drvName), zap.Stringer("mode", mode))
	return s, nil
}

// FindRsrc queries every driver in parallel and returns the resources
// matching expr together with the first match. No match is
// VI_ERROR_RSRC_NFOUND.
func (rm *ResourceManager) FindRsrc(ctx context.Context, expr string) (*FindList, string, error) {
	if err := rm.check("FindRsrc"); err != nil {
		return nil, "", err
	}
	pattern, err := rsrc.Compile(expr)
	if err != nil {
		return nil, "", newError("FindRsrc", "", ErrorInvExpr, err)
	}

	found := make([][]driver.Resource, len(rm.drivers))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range rm.drivers {
		g.Go(func() error {
			list, err := d.Find(gctx)
			if err != nil {
				rm.log.Warn("driver find failed", zap.String("driver", d.Name()), zap.Error(err))
				return nil
			}
			found[i] = list
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]bool)
	var names []string
	for _, list := range found {
		for _, r := range list {
			res, err := rsrc.Parse(r.Name)
			if err != nil {
				rm.log.Debug("skipping unparsable resource", zap.String("name", r.Name), zap.Error(err))
				continue
			}
			name := res.String()
			if seen[name] {
				continue
			}
			seen[name] = true

			attrs := res.Attributes()
			for k, v := range r.Attrs {
				attrs[k] = v
			}
			if pattern.Match(name, attrs) {
				names = append(names, name)
			}
		}
	}
	if len(names) == 0 {
		return nil, "", newError("FindRsrc", "", ErrorRsrcNFound, fmt.Errorf("no match for %q", expr))
	}
	sort.Strings(names)

	l := &FindList{rm: rm, names: names, next: 1}
	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return nil, "", newError("FindRsrc", "", ErrorInvObject, nil)
	}
	rm.lists[l] = struct{}{}
	rm.mu.Unlock()
	return l, names[0], nil
}

// Find returns every resource matching expr.
func (rm *ResourceManager) Find(ctx context.Context, expr string) ([]string, error) {
	l, first, err := rm.FindRsrc(ctx, expr)
	if err != nil {
		return nil, err
	}
	defer l.Close()

	names := []string{first}
	for {
		name, err := l.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return names, err
		}
		names = append(names, name)
	}
}
