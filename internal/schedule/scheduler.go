// Package schedule triggers ingestion cycles on a cron expression and
// keeps at most one cycle in flight.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultSpec fires at midnight on the 25th of every month. The first
// field is seconds.
const DefaultSpec = "0 0 0 25 * *"

// Job runs one cycle. It receives a context that is not cancelled by
// Stop, so a started cycle always reaches its end.
type Job func(ctx context.Context)

// Status is a point-in-time view of the scheduler.
type Status struct {
	Spec       string    `json:"spec"`
	Running    bool      `json:"running"`
	Runs       int       `json:"runs"`
	Skipped    int       `json:"skipped"`
	LastStart  time.Time `json:"last_start,omitzero"`
	LastFinish time.Time `json:"last_finish,omitzero"`
	Next       time.Time `json:"next,omitzero"`
}

// Scheduler owns the cron loop and the overlap guard.
type Scheduler struct {
	spec string
	job  Job
	cron *cron.Cron
	log  *zap.Logger

	running sync.Mutex // held for the duration of a cycle
	wg      sync.WaitGroup

	mu      sync.Mutex
	ctx     context.Context
	stopped bool
	status  Status
}

// New validates spec and prepares a scheduler evaluating it in loc.
func New(spec string, loc *time.Location, job Job) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSpec
	}
	if _, err := cron.Parse(spec); err != nil {
		return nil, eris.Wrapf(err, "schedule: parse %q", spec)
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		spec:   spec,
		job:    job,
		cron:   cron.NewWithLocation(loc),
		log:    zap.L().With(zap.String("component", "schedule")),
		ctx:    context.Background(),
		status: Status{Spec: spec},
	}, nil
}

// Start registers the job and starts the cron loop. Cycles run under a
// context derived from ctx without its cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	if err := s.cron.AddFunc(s.spec, func() { s.Trigger() }); err != nil {
		return eris.Wrapf(err, "schedule: add %q", s.spec)
	}
	s.cron.Start()
	s.log.Info("scheduler started", zap.String("spec", s.spec), zap.Time("next", s.next()))
	return nil
}

// Trigger runs the job now in the calling goroutine. It returns false
// without running if a cycle is already in flight or the scheduler is
// stopped.
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	if !s.running.TryLock() {
		s.status.Skipped++
		s.mu.Unlock()
		s.log.Warn("previous cycle still running, skipping trigger")
		return false
	}
	s.wg.Add(1)
	ctx := s.ctx
	s.status.Running = true
	s.status.LastStart = time.Now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.status.Running = false
		s.status.Runs++
		s.status.LastFinish = time.Now()
		s.mu.Unlock()
		s.running.Unlock()
		s.wg.Done()
	}()

	s.job(ctx)
	return true
}

// Stop halts the cron loop, refuses new triggers and waits for an
// in-flight cycle until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "schedule: wait for in-flight cycle")
	}
}

// Status reports run counters and the next fire time.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	st.Next = s.next()
	return st
}

func (s *Scheduler) next() time.Time {
	if entries := s.cron.Entries(); len(entries) > 0 {
		return entries[0].Next
	}
	return time.Time{}
}
