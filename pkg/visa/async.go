package visa

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// JobID identifies an asynchronous transfer.
type JobID uint32

// JobAll makes Terminate abort every outstanding job of the session.
const JobAll JobID = 0

type job struct {
	id     JobID
	op     string
	cancel context.CancelFunc
}

type jobTable struct {
	mu   sync.Mutex
	next JobID
	jobs map[JobID]*job
}

func newJobTable() *jobTable {
	return &jobTable{jobs: make(map[JobID]*job)}
}

func (t *jobTable) add(op string, cancel context.CancelFunc) *job {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	if t.next == JobAll {
		t.next++
	}
	j := &job{id: t.next, op: op, cancel: cancel}
	t.jobs[j.id] = j
	return j
}

func (t *jobTable) finish(j *job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, j.id)
}

// ReadAsync starts reading into p and returns at once. Completion is
// posted as EventIOCompletion with VI_ATTR_BUFFER holding the bytes read.
// p must not be touched until then.
func (s *Session) ReadAsync(p []byte) (JobID, error) {
	return s.startJob("viReadAsync", p, s.read)
}

// WriteAsync starts writing p and returns at once.
func (s *Session) WriteAsync(p []byte) (JobID, error) {
	return s.startJob("viWriteAsync", p, s.write)
}

func (s *Session) startJob(op string, p []byte, transfer func(context.Context, string, []byte) (Completion, error)) (JobID, error) {
	if err := s.checkIO(op); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithCancel(s.ctx)
	j := s.jobs.add(op, cancel)

	started := s.spawn(func() {
		defer cancel()

		c, err := transfer(ctx, op, p)
		s.jobs.finish(j)
		// A Terminate that arrives after the transfer completed does not
		// change its outcome.
		if err != nil && errors.Is(ctx.Err(), context.Canceled) {
			c.Status = ErrorAbort
		}
		s.log.Debug("job complete",
			zap.Uint32("job", uint32(j.id)), zap.String("op", op),
			zap.Int("count", c.Count), zap.Stringer("status", c.Status))

		attrs := map[Attribute]any{
			AttrStatus:   c.Status,
			AttrJobID:    uint32(j.id),
			AttrRetCount: uint32(c.Count),
			AttrOperName: op,
		}
		if op == "viReadAsync" {
			attrs[AttrBuffer] = p[:c.Count]
		}
		s.post(EventIOCompletion, attrs)
	})
	if !started {
		s.jobs.finish(j)
		cancel()
		return 0, newError(op, s.name, ErrorInvObject, nil)
	}
	return j.id, nil
}

// Terminate aborts the job id, or every job for JobAll. A job whose
// transfer is cut short completes with VI_ERROR_ABORT.
func (s *Session) Terminate(id JobID) error {
	if err := s.check("Terminate"); err != nil {
		return err
	}

	s.jobs.mu.Lock()
	defer s.jobs.mu.Unlock()
	if id == JobAll {
		for _, j := range s.jobs.jobs {
			j.cancel()
		}
		return nil
	}
	j, ok := s.jobs.jobs[id]
	if !ok {
		return newError("Terminate", s.name, ErrorInvJobID, fmt.Errorf("job %d", id))
	}
	j.cancel()
	return nil
}
