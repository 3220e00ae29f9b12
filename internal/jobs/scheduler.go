// Package jobs runs the catalog's periodic background work on a cron
// schedule: the pending upload sweeper and the expired API key reaper.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/wpdepot/wpdepot/internal/safego"
)

// Job is one unit of scheduled work
type Job interface {
	Name() string
	Run(ctx context.Context)
}

// Scheduler runs jobs on six-field (seconds first) cron expressions.
// Runs of the same job never overlap, including the immediate run.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	runNow  map[cron.EntryID]string
}

// NewScheduler creates a stopped scheduler
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add schedules job. runNow also triggers one run when the scheduler starts,
// or straight away if it already has.
func (s *Scheduler) Add(spec string, job Job, runNow bool) error {
	id, err := s.cron.AddFunc(spec, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, job.Name(), err)
	}
	slog.Info("background job scheduled", "job", job.Name(), "schedule", spec)
	if !runNow {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.trigger(id, job.Name())
	} else {
		if s.runNow == nil {
			s.runNow = map[cron.EntryID]string{}
		}
		s.runNow[id] = job.Name()
	}
	return nil
}

// trigger runs an entry's wrapped job once outside its schedule, so the
// overlap guard sees it like any scheduled run.
func (s *Scheduler) trigger(id cron.EntryID, name string) {
	entry := s.cron.Entry(id)
	if !entry.Valid() {
		return
	}
	s.wg.Add(1)
	safego.Go(name, func() {
		defer s.wg.Done()
		entry.WrappedJob.Run()
	})
}

func (s *Scheduler) run(job Job) {
	defer safego.Recover(job.Name())
	if s.ctx.Err() != nil {
		return
	}
	job.Run(s.ctx)
}

// Start begins firing schedules and runs the jobs added with runNow
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	for id, name := range s.runNow {
		s.trigger(id, name)
	}
	s.runNow = nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
}
