package visa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/OpenTraceLab/OpenTraceVISA/pkg/driver"
	"github.com/OpenTraceLab/OpenTraceVISA/pkg/rsrc"
)

// Infinite is the Go form of TmoInfinite for Timeout, SetTimeout, Lock
// and Open.
const Infinite time.Duration = -1

const implVersion uint32 = 0x00100000

// readChunk is the buffer size ReadString grows by.
const readChunk = 4096

// Completion is the result of a transfer: the number of bytes moved and
// the completion code.
type Completion struct {
	Count  int
	Status Status
}

// Outcome classifies the completion code.
func (c Completion) Outcome() Outcome {
	return c.Status.Outcome()
}

// Truncated reports that a read filled the buffer before END or the
// termination character.
func (c Completion) Truncated() bool {
	return c.Status == SuccessMaxCnt
}

// Session is an open connection to one resource. Its methods are safe for
// concurrent use; I/O operations run one at a time.
type Session struct {
	rm     *ResourceManager
	name   string
	res    *rsrc.Resource
	conn   driver.Conn
	driver string
	log    *zap.Logger

	mu          sync.Mutex
	closed      bool
	tmo         uint32
	termChar    byte
	termCharEn  bool
	sendEnd     bool
	suppressEnd bool
	maxQueue    uint32
	userData    any
	static      map[string]any

	io     chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	events *eventState
	jobs   *jobTable
}

func newSession(rm *ResourceManager, res *rsrc.Resource, drv string, conn driver.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	name := res.String()
	s := &Session{
		rm:       rm,
		name:     name,
		res:      res,
		conn:     conn,
		driver:   drv,
		log:      rm.log.With(zap.String("resource", name)),
		tmo:      durationToTmo(rm.defaultTimeout),
		termChar: DefaultTermChar,
		// Streams have no END, so reads stop on the termination character.
		termCharEn: res.Class == rsrc.ClassSocket || res.Interface == rsrc.InterfaceASRL,
		sendEnd:    true,
		maxQueue:   DefaultMaxQueueLength,
		static:     res.Attributes(),
		io:         make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		events:     newEventState(),
		jobs:       newJobTable(),
	}
	if src, ok := conn.(driver.AttributeSource); ok {
		for k, v := range src.Attributes() {
			s.static[k] = v
		}
	}

	s.wg.Add(1)
	go s.dispatch()
	if srq, ok := conn.(driver.ServiceRequester); ok {
		s.wg.Add(1)
		go s.forwardServiceRequests(srq.ServiceRequests())
	}
	metricSessions.Inc()
	return s
}

// Name returns the canonical resource name.
func (s *Session) Name() string {
	return s.name
}

// Resource returns the parsed resource name.
func (s *Session) Resource() rsrc.Resource {
	return *s.res
}

func (s *Session) String() string {
	return s.name
}

// spawn runs f on a goroutine Close waits for. It reports false, without
// running f, once the session is closed.
func (s *Session) spawn(f func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
	return true
}

func (s *Session) check(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return newError(op, s.name, ErrorInvObject, nil)
	}
	return nil
}

// checkIO verifies the session is open and not locked out.
func (s *Session) checkIO(op string) error {
	if err := s.check(op); err != nil {
		return err
	}
	if !locks.owns(s) {
		return newError(op, s.name, ErrorRsrcLocked, nil)
	}
	return nil
}

// ioContext bounds an operation by VI_ATTR_TMO_VALUE.
func (s *Session) ioContext(parent context.Context) (context.Context, context.CancelFunc) {
	s.mu.Lock()
	tmo := s.tmo
	s.mu.Unlock()

	switch tmo {
	case TmoInfinite:
		return context.WithCancel(parent)
	case TmoImmediate:
		// The shortest wait that still lets buffered data through.
		return s.rm.clk.WithTimeout(parent, time.Millisecond)
	}
	return s.rm.clk.WithTimeout(parent, time.Duration(tmo)*time.Millisecond)
}

// acquireIO takes the session's I/O slot.
func (s *Session) acquireIO(ctx context.Context) error {
	select {
	case s.io <- struct{}{}:
		return nil
	case <-ctx.Done():
		return driver.ContextError(ctx.Err())
	}
}

func (s *Session) releaseIO() {
	<-s.io
}

// Write sends p. The completion count is the number of bytes the
// transport accepted; a short write is reported, never retried.
func (s *Session) Write(p []byte) (Completion, error) {
	return s.write(s.ctx, "Write", p)
}

func (s *Session) write(parent context.Context, op string, p []byte) (Completion, error) {
	if err := s.checkIO(op); err != nil {
		return Completion{Status: StatusOf(err)}, err
	}
	ctx, cancel := s.ioContext(parent)
	defer cancel()
	if err := s.acquireIO(ctx); err != nil {
		err = wrapDriver(op, s.name, err)
		observe(op, StatusOf(err))
		return Completion{Status: StatusOf(err)}, err
	}
	defer s.releaseIO()

	s.mu.Lock()
	end := s.sendEnd
	s.mu.Unlock()

	n, err := s.conn.Write(ctx, p, end)
	metricBytes.WithLabelValues("out").Add(float64(n))
	if err != nil {
		err = wrapDriver(op, s.name, err)
		st := StatusOf(err)
		observe(op, st)
		s.log.Debug("write failed", zap.Int("count", n), zap.Error(err))
		return Completion{Count: n, Status: st}, err
	}
	observe(op, Success)
	return Completion{Count: n, Status: Success}, nil
}

// Read fills p. The status is Success when the device signalled END,
// SuccessTermChar when the termination character ended the read and
// SuccessMaxCnt when p filled first. On timeout the partial count is
// returned with ErrorTmo.
func (s *Session) Read(p []byte) (Completion, error) {
	return s.read(s.ctx, "Read", p)
}

func (s *Session) read(parent context.Context, op string, p []byte) (Completion, error) {
	if err := s.checkIO(op); err != nil {
		return Completion{Status: StatusOf(err)}, err
	}
	if len(p) == 0 {
		return Completion{Status: SuccessMaxCnt}, nil
	}
	ctx, cancel := s.ioContext(parent)
	defer cancel()
	if err := s.acquireIO(ctx); err != nil {
		err = wrapDriver(op, s.name, err)
		observe(op, StatusOf(err))
		return Completion{Status: StatusOf(err)}, err
	}
	defer s.releaseIO()

	s.mu.Lock()
	term := driver.Termination{Char: s.termChar, Enabled: s.termCharEn}
	suppressEnd := s.suppressEnd
	s.mu.Unlock()

	total := 0
	for {
		n, reason, err := s.conn.Read(ctx, p[total:], term)
		total += n
		metricBytes.WithLabelValues("in").Add(float64(n))
		if err != nil {
			err = wrapDriver(op, s.name, err)
			st := StatusOf(err)
			observe(op, st)
			return Completion{Count: total, Status: st}, err
		}
		if reason == driver.ReasonEnd && suppressEnd && total < len(p) {
			continue
		}
		st := readStatus(reason)
		observe(op, st)
		return Completion{Count: total, Status: st}, nil
	}
}

func readStatus(reason driver.Reason) Status {
	switch reason {
	case driver.ReasonEnd:
		return Success
	case driver.ReasonTermChar:
		return SuccessTermChar
	}
	return SuccessMaxCnt
}

// WriteString sends data.
func (s *Session) WriteString(data string) (Completion, error) {
	return s.Write([]byte(data))
}

// ReadString reads until a completion other than SuccessMaxCnt.
func (s *Session) ReadString() (string, error) {
	var b strings.Builder
	buf := make([]byte, readChunk)
	for {
		c, err := s.Read(buf)
		b.Write(buf[:c.Count])
		if err != nil {
			return b.String(), err
		}
		if !c.Truncated() {
			return b.String(), nil
		}
	}
}

// Query writes cmd, terminated by a newline when it has none, and reads
// the response. A command the transport accepts only in part fails with
// VI_ERROR_IO wrapping io.ErrShortWrite and no read is attempted.
func (s *Session) Query(cmd string) (string, error) {
	if !strings.HasSuffix(cmd, "\n") {
		cmd += "\n"
	}
	c, err := s.WriteString(cmd)
	if err != nil {
		return "", err
	}
	if c.Count < len(cmd) {
		return "", ShortWrite("Query", s.name, c.Count, len(cmd))
	}
	return s.ReadString()
}

// ReadToFile reads up to count bytes like Read and stores them in path,
// creating or truncating the file.
func (s *Session) ReadToFile(path string, count int) (Completion, error) {
	if err := s.checkIO("ReadToFile"); err != nil {
		return Completion{Status: StatusOf(err)}, err
	}
	if count <= 0 {
		err := newError("ReadToFile", s.name, ErrorInvParameter, fmt.Errorf("count %d", count))
		return Completion{Status: err.Status}, err
	}

	f, err := os.Create(path)
	if err != nil {
		err := newError("ReadToFile", s.name, ErrorFileAccess, err)
		return Completion{Status: err.Status}, err
	}

	buf := make([]byte, count)
	c, readErr := s.read(s.ctx, "ReadToFile", buf)
	if _, err := f.Write(buf[:c.Count]); err != nil {
		f.Close()
		err := newError("ReadToFile", s.name, ErrorFileIO, err)
		return Completion{Count: c.Count, Status: err.Status}, err
	}
	if err := f.Close(); err != nil {
		err := newError("ReadToFile", s.name, ErrorFileIO, err)
		return Completion{Count: c.Count, Status: err.Status}, err
	}
	return c, readErr
}

// WriteFromFile sends up to count bytes from path.
func (s *Session) WriteFromFile(path string, count int) (Completion, error) {
	if err := s.check("WriteFromFile"); err != nil {
		return Completion{Status: StatusOf(err)}, err
	}
	if count <= 0 {
		err := newError("WriteFromFile", s.name, ErrorInvParameter, fmt.Errorf("count %d", count))
		return Completion{Status: err.Status}, err
	}

	f, err := os.Open(path)
	if err != nil {
		err := newError("WriteFromFile", s.name, ErrorFileAccess, err)
		return Completion{Status: err.Status}, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(count)))
	if err != nil {
		err := newError("WriteFromFile", s.name, ErrorFileIO, err)
		return Completion{Status: err.Status}, err
	}
	return s.write(s.ctx, "WriteFromFile", data)
}

// deviceOp runs a transport operation that needs the I/O slot.
func (s *Session) deviceOp(op string, fn func(ctx context.Context) error) error {
	if err := s.checkIO(op); err != nil {
		return err
	}
	ctx, cancel := s.ioContext(s.ctx)
	defer cancel()
	if err := s.acquireIO(ctx); err != nil {
		return wrapDriver(op, s.name, err)
	}
	defer s.releaseIO()

	err := wrapDriver(op, s.name, fn(ctx))
	observe(op, StatusOf(err))
	return err
}

// Clear sends a device clear.
func (s *Session) Clear() error {
	clearer, ok := s.conn.(driver.Clearer)
	if !ok {
		return newError("Clear", s.name, ErrorNsupOper, nil)
	}
	if err := s.deviceOp("Clear", clearer.Clear); err != nil {
		return err
	}
	s.post(EventClear, nil)
	return nil
}

// AssertTrigger sends a software trigger.
func (s *Session) AssertTrigger() error {
	trg, ok := s.conn.(driver.Triggerer)
	if !ok {
		return newError("AssertTrigger", s.name, ErrorNsupOper, nil)
	}
	if err := s.deviceOp("AssertTrigger", trg.Trigger); err != nil {
		return err
	}
	s.post(EventTrigger, nil)
	return nil
}

// ReadSTB serial polls the device.
func (s *Session) ReadSTB() (byte, error) {
	poller, ok := s.conn.(driver.StatusByteReader)
	if !ok {
		return 0, newError("ReadSTB", s.name, ErrorNsupOper, nil)
	}
	var stb byte
	err := s.deviceOp("ReadSTB", func(ctx context.Context) error {
		var err error
		stb, err = poller.ReadSTB(ctx)
		return err
	})
	return stb, err
}

// Timeout returns VI_ATTR_TMO_VALUE as a duration, Infinite when
// disabled.
func (s *Session) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tmoToDuration(s.tmo)
}

// SetTimeout sets VI_ATTR_TMO_VALUE. Negative durations disable it.
func (s *Session) SetTimeout(d time.Duration) error {
	return s.SetAttribute(AttrTmoValue, durationToTmo(d))
}

func (s *Session) maxQueueLength() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxQueue
}

// GetAttribute returns the value of attr. Reads are not affected by locks
// other sessions hold.
func (s *Session) GetAttribute(attr Attribute) (any, error) {
	if err := s.check("GetAttribute"); err != nil {
		return nil, err
	}
	def, ok := attrDefs[attr]
	if !ok {
		return nil, newError("GetAttribute", s.name, ErrorNsupAttr, fmt.Errorf("%s", attr))
	}

	s.mu.Lock()
	v, local := s.localAttrLocked(attr)
	raw, present := s.static[def.name]
	s.mu.Unlock()
	if local {
		return v, nil
	}

	switch attr {
	case AttrRsrcLockState:
		return locks.state(s.name), nil
	case AttrRsrcImplVersion:
		return implVersion, nil
	case AttrASRLBaud:
		if baud, ok := s.conn.(driver.BaudRateSetter); ok {
			return uint32(baud.BaudRate()), nil
		}
	}
	if present {
		if v, ok := def.convert(raw); ok {
			return v, nil
		}
	}
	return nil, newError("GetAttribute", s.name, ErrorNsupAttr, fmt.Errorf("%s", attr))
}

func (s *Session) localAttrLocked(attr Attribute) (any, bool) {
	switch attr {
	case AttrTmoValue:
		return s.tmo, true
	case AttrTermChar:
		return s.termChar, true
	case AttrTermCharEn:
		return s.termCharEn, true
	case AttrSendEndEn:
		return s.sendEnd, true
	case AttrSuppressEndEn:
		return s.suppressEnd, true
	case AttrMaxQueueLength:
		return s.maxQueue, true
	case AttrUserData:
		return s.userData, true
	}
	return nil, false
}

// SetAttribute changes a writable attribute. Values must have an integer,
// bool or string type matching the attribute; otherwise the status is
// VI_ERROR_NSUP_ATTR_STATE.
func (s *Session) SetAttribute(attr Attribute, value any) error {
	if err := s.check("SetAttribute"); err != nil {
		return err
	}
	def, ok := attrDefs[attr]
	if !ok || attr == AttrRsrcImplVersion || attr == AttrRsrcLockState {
		if ok {
			return newError("SetAttribute", s.name, ErrorAttrReadonly, fmt.Errorf("%s", attr))
		}
		return newError("SetAttribute", s.name, ErrorNsupAttr, fmt.Errorf("%s", attr))
	}
	if !def.writable {
		s.mu.Lock()
		_, present := s.static[def.name]
		s.mu.Unlock()
		if present {
			return newError("SetAttribute", s.name, ErrorAttrReadonly, fmt.Errorf("%s", attr))
		}
		return newError("SetAttribute", s.name, ErrorNsupAttr, fmt.Errorf("%s", attr))
	}

	v, ok := def.checkValue(value)
	if !ok {
		return newError("SetAttribute", s.name, ErrorNsupAttrState,
			fmt.Errorf("%s wants %s, got %T(%v)", attr, def.kind, value, value))
	}

	if attr == AttrASRLBaud {
		baud, ok := s.conn.(driver.BaudRateSetter)
		if !ok {
			return newError("SetAttribute", s.name, ErrorNsupAttr, fmt.Errorf("%s", attr))
		}
		if err := baud.SetBaudRate(int(v.(uint32))); err != nil {
			return newError("SetAttribute", s.name, ErrorNsupAttrState, err)
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch attr {
	case AttrTmoValue:
		s.tmo = v.(uint32)
	case AttrTermChar:
		s.termChar = v.(byte)
	case AttrTermCharEn:
		s.termCharEn = v.(bool)
	case AttrSendEndEn:
		s.sendEnd = v.(bool)
	case AttrSuppressEndEn:
		s.suppressEnd = v.(bool)
	case AttrMaxQueueLength:
		s.maxQueue = v.(uint32)
	case AttrUserData:
		s.userData = v
	}
	return nil
}

// Close aborts outstanding jobs, stops event delivery, releases locks and
// closes the transport. A second Close reports VI_ERROR_INV_OBJECT.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return newError("Close", s.name, ErrorInvObject, nil)
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.cancel()
	s.wg.Wait()

	s.events.close()
	locks.releaseAll(s)
	s.rm.forget(s)
	metricSessions.Dec()

	if err := s.conn.Close(); err != nil && !errors.Is(err, driver.ErrClosed) {
		return newError("Close", s.name, ErrorClosingFailed, err)
	}
	s.log.Debug("session closed")
	return nil
}
