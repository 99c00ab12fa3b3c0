package visa

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType identifies a VISA event (VI_EVENT_*).
type EventType uint32

const (
	EventIOCompletion   EventType = 0x3FFF2009
	EventTrigger        EventType = 0xBFFF200A
	EventServiceRequest EventType = 0x3FFF200B
	EventClear          EventType = 0x3FFF200D
	// AllEnabledEvents selects every event type in DisableEvent,
	// DiscardEvents and WaitOnEvent.
	AllEnabledEvents EventType = 0x3FFF7FFF
)

var eventNames = map[EventType]string{
	EventIOCompletion:   "VI_EVENT_IO_COMPLETION",
	EventTrigger:        "VI_EVENT_TRIG",
	EventServiceRequest: "VI_EVENT_SERVICE_REQ",
	EventClear:          "VI_EVENT_CLEAR",
	AllEnabledEvents:    "VI_ALL_ENABLED_EVENTS",
}

func (e EventType) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("EventType(0x%08X)", uint32(e))
}

func (e EventType) valid() bool {
	_, ok := eventNames[e]
	return ok && e != AllEnabledEvents
}

// Mechanism selects how events reach the application.
type Mechanism uint16

const (
	Queue          Mechanism = 1
	Handler        Mechanism = 2
	SuspendHandler Mechanism = 4
	// AllMechanisms selects every mechanism in DisableEvent and
	// DiscardEvents.
	AllMechanisms Mechanism = 0xFFFF
)

func (m Mechanism) String() string {
	switch m {
	case Queue:
		return "VI_QUEUE"
	case Handler:
		return "VI_HNDLR"
	case SuspendHandler:
		return "VI_SUSPEND_HNDLR"
	case AllMechanisms:
		return "VI_ALL_MECH"
	}
	return fmt.Sprintf("Mechanism(%d)", uint16(m))
}

// validEnable reports whether m is a mechanism combination EnableEvent
// accepts. Handler and SuspendHandler exclude each other.
func (m Mechanism) validEnable() bool {
	switch m {
	case Queue, Handler, SuspendHandler, Queue | Handler, Queue | SuspendHandler:
		return true
	}
	return false
}

// EventContext carries the attributes of one event occurrence. Receivers
// of queued events close it when done.
type EventContext struct {
	mu     sync.Mutex
	attrs  map[Attribute]any
	closed bool
}

func newEventContext(typ EventType, attrs map[Attribute]any) *EventContext {
	c := &EventContext{attrs: make(map[Attribute]any, len(attrs)+1)}
	for k, v := range attrs {
		c.attrs[k] = v
	}
	c.attrs[AttrEventType] = typ
	return c
}

// Get returns an event attribute.
func (c *EventContext) Get(attr Attribute) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, newError("GetAttribute", "", ErrorInvObject, nil)
	}
	v, ok := c.attrs[attr]
	if !ok {
		return nil, newError("GetAttribute", "", ErrorNsupAttr, fmt.Errorf("%s", attr))
	}
	return v, nil
}

// Close disposes the context. A second Close reports VI_ERROR_INV_OBJECT.
func (c *EventContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return newError("Close", "", ErrorInvObject, nil)
	}
	c.closed = true
	c.attrs = nil
	return nil
}

// Status returns VI_ATTR_STATUS of an I/O completion event.
func (c *EventContext) Status() Status {
	v, _ := c.Get(AttrStatus)
	st, _ := v.(Status)
	return st
}

// JobID returns VI_ATTR_JOB_ID of an I/O completion event.
func (c *EventContext) JobID() JobID {
	v, _ := c.Get(AttrJobID)
	id, _ := v.(uint32)
	return JobID(id)
}

// ReturnCount returns VI_ATTR_RET_COUNT of an I/O completion event.
func (c *EventContext) ReturnCount() int {
	v, _ := c.Get(AttrRetCount)
	n, _ := v.(uint32)
	return int(n)
}

// Buffer returns VI_ATTR_BUFFER of an I/O completion event.
func (c *EventContext) Buffer() []byte {
	v, _ := c.Get(AttrBuffer)
	b, _ := v.([]byte)
	return b
}

// STB returns the status byte of a service request event.
func (c *EventContext) STB() byte {
	v, _ := c.Get(AttrSTB)
	b, _ := v.(byte)
	return b
}

// Event is one event occurrence.
type Event struct {
	Type    EventType
	Context *EventContext
}

// HandlerFunc is called on the session's dispatch goroutine. Returning
// SuccessNChain stops later handlers from seeing the event. The event
// context is closed after the last handler returns.
type HandlerFunc func(s *Session, ev *Event, userData any) Status

// HandlerRef identifies an installed handler.
type HandlerRef uint64

// AnyHandler uninstalls every handler of an event type.
const AnyHandler HandlerRef = 0

type handlerEntry struct {
	ref      HandlerRef
	fn       HandlerFunc
	userData any
}

// eventState is the per-session event bookkeeping.
type eventState struct {
	mu        sync.Mutex
	enabled   map[EventType]Mechanism
	queue     []*Event
	arrived   chan struct{}
	overflow  bool
	handlers  map[EventType][]handlerEntry
	nextRef   HandlerRef
	suspended []*Event
	pending   []*Event
	wake      chan struct{}
}

func newEventState() *eventState {
	return &eventState{
		enabled:  make(map[EventType]Mechanism),
		arrived:  make(chan struct{}),
		handlers: make(map[EventType][]handlerEntry),
		wake:     make(chan struct{}, 1),
	}
}

func (e *eventState) signalDispatchLocked() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// post delivers an event to every enabled mechanism. Each mechanism gets
// its own context.
func (s *Session) post(typ EventType, attrs map[Attribute]any) {
	e := s.events
	limit := int(s.maxQueueLength())

	e.mu.Lock()
	defer e.mu.Unlock()

	mech := e.enabled[typ]
	if mech == 0 {
		return
	}
	if mech&Queue != 0 {
		if len(e.queue) >= limit {
			e.overflow = true
			metricEventsDropped.Inc()
			s.log.Warn("event queue overflow", zap.Stringer("event", typ), zap.Int("limit", limit))
		} else {
			e.queue = append(e.queue, &Event{Type: typ, Context: newEventContext(typ, attrs)})
			close(e.arrived)
			e.arrived = make(chan struct{})
		}
	}
	switch {
	case mech&Handler != 0:
		e.pending = append(e.pending, &Event{Type: typ, Context: newEventContext(typ, attrs)})
		e.signalDispatchLocked()
	case mech&SuspendHandler != 0:
		if len(e.suspended) >= limit {
			metricEventsDropped.Inc()
			s.log.Warn("suspended handler queue overflow", zap.Stringer("event", typ))
			return
		}
		e.suspended = append(e.suspended, &Event{Type: typ, Context: newEventContext(typ, attrs)})
	}
}

// dispatch runs handlers until the session closes.
func (s *Session) dispatch() {
	defer s.wg.Done()
	e := s.events
	for {
		select {
		case <-s.done:
			return
		case <-e.wake:
		}

		e.mu.Lock()
		batch := e.pending
		e.pending = nil
		e.mu.Unlock()

		for _, ev := range batch {
			e.mu.Lock()
			handlers := append([]handlerEntry(nil), e.handlers[ev.Type]...)
			e.mu.Unlock()

			// Most recently installed first.
			for i := len(handlers) - 1; i >= 0; i-- {
				h := handlers[i]
				if st := h.fn(s, ev, h.userData); st == SuccessNChain {
					break
				}
			}
			_ = ev.Context.Close()
		}
	}
}

// forwardServiceRequests posts a service request event for every status
// byte the transport reports.
func (s *Session) forwardServiceRequests(srq <-chan byte) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case stb, ok := <-srq:
			if !ok {
				return
			}
			s.post(EventServiceRequest, map[Attribute]any{AttrSTB: stb})
		}
	}
}

// EnableEvent enables delivery of ev through mech. It reports
// VI_SUCCESS_EVENT_EN when the event was already enabled for mech.
func (s *Session) EnableEvent(ev EventType, mech Mechanism) (Status, error) {
	if err := s.check("EnableEvent"); err != nil {
		return StatusOf(err), err
	}
	if !ev.valid() {
		return ErrorInvEvent, newError("EnableEvent", s.name, ErrorInvEvent, fmt.Errorf("%s", ev))
	}
	if !mech.validEnable() {
		return ErrorInvMech, newError("EnableEvent", s.name, ErrorInvMech, fmt.Errorf("%s", mech))
	}

	e := s.events
	e.mu.Lock()
	defer e.mu.Unlock()

	if mech&Handler != 0 && len(e.handlers[ev]) == 0 {
		return ErrorHndlrNInstalled, newError("EnableEvent", s.name, ErrorHndlrNInstalled, fmt.Errorf("%s", ev))
	}

	old := e.enabled[ev]
	if old&mech == mech {
		return SuccessEventEn, nil
	}
	next := old | mech
	switch {
	case mech&Handler != 0:
		next &^= SuspendHandler
		// Events held while suspended are delivered now.
		e.pending = append(e.pending, e.suspended...)
		e.suspended = nil
		e.signalDispatchLocked()
	case mech&SuspendHandler != 0:
		next &^= Handler
	}
	e.enabled[ev] = next
	s.log.Debug("event enabled", zap.Stringer("event", ev), zap.Stringer("mechanism", mech))
	return Success, nil
}

// DisableEvent stops delivery of ev through mech. ev may be
// AllEnabledEvents and mech AllMechanisms. Queued events stay queued.
func (s *Session) DisableEvent(ev EventType, mech Mechanism) (Status, error) {
	if err := s.check("DisableEvent"); err != nil {
		return StatusOf(err), err
	}
	if ev != AllEnabledEvents && !ev.valid() {
		return ErrorInvEvent, newError("DisableEvent", s.name, ErrorInvEvent, fmt.Errorf("%s", ev))
	}
	if mech != AllMechanisms && mech&^(Queue|Handler|SuspendHandler) != 0 || mech == 0 {
		return ErrorInvMech, newError("DisableEvent", s.name, ErrorInvMech, fmt.Errorf("%s", mech))
	}

	e := s.events
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := false
	for typ, old := range e.enabled {
		if ev != AllEnabledEvents && typ != ev {
			continue
		}
		if old&mech != 0 {
			changed = true
		}
		if next := old &^ mech; next == 0 {
			delete(e.enabled, typ)
		} else {
			e.enabled[typ] = next
		}
	}
	if !changed {
		return SuccessEventDis, nil
	}
	return Success, nil
}

// DiscardEvents drops pending occurrences of ev for mech: the event queue
// for Queue, held events for SuspendHandler. It reports
// VI_SUCCESS_QUEUE_EMPTY when nothing was discarded.
func (s *Session) DiscardEvents(ev EventType, mech Mechanism) (Status, error) {
	if err := s.check("DiscardEvents"); err != nil {
		return StatusOf(err), err
	}
	if ev != AllEnabledEvents && !ev.valid() {
		return ErrorInvEvent, newError("DiscardEvents", s.name, ErrorInvEvent, fmt.Errorf("%s", ev))
	}
	if mech != AllMechanisms && mech&^(Queue|Handler|SuspendHandler) != 0 || mech == 0 {
		return ErrorInvMech, newError("DiscardEvents", s.name, ErrorInvMech, fmt.Errorf("%s", mech))
	}

	e := s.events
	e.mu.Lock()
	defer e.mu.Unlock()

	match := func(typ EventType) bool { return ev == AllEnabledEvents || typ == ev }
	discarded := 0
	filter := func(list []*Event) []*Event {
		kept := list[:0]
		for _, item := range list {
			if match(item.Type) {
				_ = item.Context.Close()
				discarded++
				continue
			}
			kept = append(kept, item)
		}
		return kept
	}
	if mech&Queue != 0 {
		e.queue = filter(e.queue)
		e.overflow = false
	}
	if mech&SuspendHandler != 0 {
		e.suspended = filter(e.suspended)
	}
	if discarded == 0 {
		return SuccessQueueEmpty, nil
	}
	return Success, nil
}

// WaitOnEvent waits up to timeout for a queued occurrence of ev (or of any
// queue-enabled event for AllEnabledEvents). The status is
// VI_SUCCESS_QUEUE_NEMPTY when more matching events remain and
// VI_WARN_QUEUE_OVERFLOW when events were lost since the last wait. A
// negative timeout waits forever.
func (s *Session) WaitOnEvent(ev EventType, timeout time.Duration) (*Event, Status, error) {
	if err := s.check("WaitOnEvent"); err != nil {
		return nil, StatusOf(err), err
	}
	if ev != AllEnabledEvents && !ev.valid() {
		return nil, ErrorInvEvent, newError("WaitOnEvent", s.name, ErrorInvEvent, fmt.Errorf("%s", ev))
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := s.rm.clk.Timer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	e := s.events
	for {
		e.mu.Lock()
		if !e.queueEnabledLocked(ev) {
			e.mu.Unlock()
			return nil, ErrorNEnabled, newError("WaitOnEvent", s.name, ErrorNEnabled, fmt.Errorf("%s", ev))
		}
		if got, st, ok := e.takeLocked(ev); ok {
			e.mu.Unlock()
			return got, st, nil
		}
		arrived := e.arrived
		e.mu.Unlock()

		if timeout == 0 {
			return nil, ErrorTmo, newError("WaitOnEvent", s.name, ErrorTmo, nil)
		}
		select {
		case <-arrived:
		case <-expired:
			return nil, ErrorTmo, newError("WaitOnEvent", s.name, ErrorTmo, nil)
		case <-s.done:
			return nil, ErrorInvObject, newError("WaitOnEvent", s.name, ErrorInvObject, nil)
		}
	}
}

func (e *eventState) queueEnabledLocked(ev EventType) bool {
	if ev != AllEnabledEvents {
		return e.enabled[ev]&Queue != 0
	}
	for _, mech := range e.enabled {
		if mech&Queue != 0 {
			return true
		}
	}
	return false
}

func (e *eventState) takeLocked(ev EventType) (*Event, Status, bool) {
	for i, item := range e.queue {
		if ev != AllEnabledEvents && item.Type != ev {
			continue
		}
		e.queue = append(e.queue[:i], e.queue[i+1:]...)

		st := Success
		if e.overflow {
			e.overflow = false
			st = WarnQueueOverflow
		} else {
			for _, rest := range e.queue {
				if ev == AllEnabledEvents || rest.Type == ev {
					st = SuccessQueueNEmpty
					break
				}
			}
		}
		return item, st, true
	}
	return nil, 0, false
}

// InstallHandler registers fn for ev. The handler only runs once the
// Handler mechanism is enabled.
func (s *Session) InstallHandler(ev EventType, fn HandlerFunc, userData any) (HandlerRef, error) {
	if err := s.check("InstallHandler"); err != nil {
		return 0, err
	}
	if !ev.valid() {
		return 0, newError("InstallHandler", s.name, ErrorInvEvent, fmt.Errorf("%s", ev))
	}
	if fn == nil {
		return 0, newError("InstallHandler", s.name, ErrorInvHndlrRef, nil)
	}

	e := s.events
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextRef++
	e.handlers[ev] = append(e.handlers[ev], handlerEntry{ref: e.nextRef, fn: fn, userData: userData})
	return e.nextRef, nil
}

// UninstallHandler removes one handler, or all handlers of ev for
// AnyHandler.
func (s *Session) UninstallHandler(ev EventType, ref HandlerRef) error {
	if err := s.check("UninstallHandler"); err != nil {
		return err
	}
	if !ev.valid() {
		return newError("UninstallHandler", s.name, ErrorInvEvent, fmt.Errorf("%s", ev))
	}

	e := s.events
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.handlers[ev]
	if ref == AnyHandler {
		if len(list) == 0 {
			return newError("UninstallHandler", s.name, ErrorInvHndlrRef, nil)
		}
		delete(e.handlers, ev)
		return nil
	}
	for i, h := range list {
		if h.ref == ref {
			e.handlers[ev] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return newError("UninstallHandler", s.name, ErrorInvHndlrRef, fmt.Errorf("handler %d", ref))
}

// close disposes everything still queued.
func (e *eventState) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, list := range [][]*Event{e.queue, e.suspended, e.pending} {
		for _, ev := range list {
			_ = ev.Context.Close()
		}
	}
	e.queue, e.suspended, e.pending = nil, nil, nil
	e.enabled = make(map[EventType]Mechanism)
}
