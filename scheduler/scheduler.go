package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"rental-hunter/logger"
	"rental-hunter/models"
	"rental-hunter/notify"
	"rental-hunter/source"
)

// ErrCycleInProgress is returned when a source is asked to poll while its
// previous cycle is still running
var ErrCycleInProgress = errors.New("cycle already in progress")

// State is the phase a source worker is in
type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateEvaluating State = "evaluating"
	StateNotifying  State = "notifying"
	StateBackoff    State = "backoff"
)

// Store is the seen-set the scheduler deduplicates against
type Store interface {
	Lookup(ctx context.Context, id models.Identity) (models.SeenRecord, bool, error)
	Record(ctx context.Context, id models.Identity, notified bool) error
	RecordFiltered(ctx context.Context, id models.Identity) error
	MarkNotified(ctx context.Context, id models.Identity) error
	SaveListing(ctx context.Context, listing models.Listing) error
}

// Notifier delivers a matched listing
type Notifier interface {
	Notify(ctx context.Context, listing models.Listing) (notify.Result, error)
}

// Matcher decides whether a listing fits the search criteria
type Matcher interface {
	Matches(listing models.Listing) bool
}

// SourceSchedule is one polled source and how often to poll it
type SourceSchedule struct {
	Adapter  source.Adapter
	Interval time.Duration
}

// Timeouts bound each blocking call of a cycle
type Timeouts struct {
	Fetch  time.Duration
	Store  time.Duration
	Notify time.Duration
}

// Config holds the collaborators and policies shared by all sources
type Config struct {
	Store    Store
	Notifier Notifier
	Filter   Matcher
	Logger   logger.Logger
	Timeouts Timeouts
	Backoff  BackoffPolicy
	Quiet    QuietHours
}

// CycleReport summarizes one poll of one source
type CycleReport struct {
	Source     string    `json:"source"`
	CycleID    string    `json:"cycle_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Attempts   int       `json:"attempts"`
	Candidates int       `json:"candidates"`
	Unparsed   int       `json:"unparsed"`
	Skipped    int       `json:"skipped"`
	New        int       `json:"new"`
	Filtered   int       `json:"filtered"`
	Notified   int       `json:"notified"`
	Pending    int       `json:"pending"`
	Deferred   int       `json:"deferred"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
}

// SourceStatus is a snapshot of one source worker
type SourceStatus struct {
	Source    string       `json:"source"`
	State     State        `json:"state"`
	Interval  string       `json:"interval"`
	LastCycle *CycleReport `json:"last_cycle,omitempty"`
	NextRun   *time.Time   `json:"next_run,omitempty"`
}

type worker struct {
	schedule SourceSchedule
	running  atomic.Bool

	mu      sync.Mutex
	state   State
	last    *CycleReport
	nextRun *time.Time
}

func (w *worker) name() string {
	return w.schedule.Adapter.Name()
}

func (w *worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *worker) finish(report CycleReport) {
	w.mu.Lock()
	w.state = StateIdle
	w.last = &report
	w.mu.Unlock()
}

func (w *worker) scheduleNext(t time.Time) {
	w.mu.Lock()
	w.nextRun = &t
	w.mu.Unlock()
}

// Scheduler polls every source on its own interval
type Scheduler struct {
	workers  []*worker
	store    Store
	notifier Notifier
	filter   Matcher
	log      logger.Logger
	timeouts Timeouts
	backoff  BackoffPolicy
	quiet    QuietHours

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a scheduler for the given sources
func New(schedules []SourceSchedule, cfg Config) (*Scheduler, error) {
	if cfg.Store == nil || cfg.Notifier == nil || cfg.Filter == nil {
		return nil, errors.New("scheduler: store, notifier and filter are required")
	}
	if len(schedules) == 0 {
		return nil, errors.New("scheduler: no sources to poll")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	names := make(map[string]bool, len(schedules))
	workers := make([]*worker, 0, len(schedules))
	for _, sched := range schedules {
		if sched.Adapter == nil {
			return nil, errors.New("scheduler: nil adapter")
		}
		name := sched.Adapter.Name()
		if names[name] {
			return nil, fmt.Errorf("scheduler: duplicate source %q", name)
		}
		names[name] = true
		if sched.Interval <= 0 {
			return nil, fmt.Errorf("scheduler: source %q: interval must be positive", name)
		}
		workers = append(workers, &worker{schedule: sched, state: StateIdle})
	}

	return &Scheduler{
		workers:  workers,
		store:    cfg.Store,
		notifier: cfg.Notifier,
		filter:   cfg.Filter,
		log:      cfg.Logger.WithFields(logger.Fields{"component": "scheduler"}),
		timeouts: cfg.Timeouts,
		backoff:  cfg.Backoff,
		quiet:    cfg.Quiet,
		now:      time.Now,
		wait:     sleepContext,
	}, nil
}

// Start launches one worker per source. Each worker polls immediately and
// then on every tick of its interval until ctx is cancelled or Shutdown is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, w := range s.workers {
		s.wg.Add(1)
		go s.loop(ctx, w)
	}
	s.log.Info("scheduler started", logger.Fields{"sources": len(s.workers)})
}

// Run starts the workers and blocks until ctx is cancelled and every
// worker has finished its current identity
func (s *Scheduler) Run(ctx context.Context) {
	s.Start(ctx)
	<-ctx.Done()
	s.Shutdown()
}

// Shutdown cancels the workers and waits for them to stop
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.log.Info("scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context, w *worker) {
	defer s.wg.Done()

	ticker := time.NewTicker(w.schedule.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.runCycle(ctx, w); errors.Is(err, ErrCycleInProgress) {
			s.log.Debug("skipping tick, previous cycle still running", logger.Fields{"source": w.name()})
		}
		w.scheduleNext(s.now().Add(w.schedule.Interval))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce polls every source once, concurrently, and returns the reports
// in source order. Errors of individual sources are joined.
func (s *Scheduler) RunOnce(ctx context.Context) ([]CycleReport, error) {
	reports := make([]CycleReport, len(s.workers))
	errs := make([]error, len(s.workers))

	var wg sync.WaitGroup
	for i, w := range s.workers {
		wg.Add(1)
		go func(i int, w *worker) {
			defer wg.Done()
			reports[i], errs[i] = s.runCycle(ctx, w)
		}(i, w)
	}
	wg.Wait()

	return reports, errors.Join(errs...)
}

// Status returns a snapshot of every source in configuration order
func (s *Scheduler) Status() []SourceStatus {
	statuses := make([]SourceStatus, 0, len(s.workers))
	for _, w := range s.workers {
		w.mu.Lock()
		st := SourceStatus{
			Source:   w.name(),
			State:    w.state,
			Interval: w.schedule.Interval.String(),
		}
		if w.last != nil {
			last := *w.last
			st.LastCycle = &last
		}
		if w.nextRun != nil {
			next := *w.nextRun
			st.NextRun = &next
		}
		w.mu.Unlock()
		statuses = append(statuses, st)
	}
	return statuses
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withTimeout applies d to ctx when d is positive
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
