package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"class-mirror-backend/internal/diff"
	"class-mirror-backend/internal/logging"
	"class-mirror-backend/internal/mirror"
	"class-mirror-backend/internal/model"
)

var (
	// ErrStopped is returned by Trigger once the loop gave up or was stopped.
	ErrStopped = errors.New("reconciliation loop stopped")
	// ErrCycleRunning is returned by Trigger while a cycle is in flight.
	ErrCycleRunning = errors.New("reconciliation cycle already running")
)

// State is the loop state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateRetrying
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateRetrying:
		return "RETRYING"
	case StateStopped:
		return "STOPPED"
	default:
		return "IDLE"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Cycler runs one full pass against a baseline.
type Cycler interface {
	Cycle(ctx context.Context, baseline []model.Lesson) ([]model.Lesson, CycleResult, error)
}

// Notifier receives cancellations and the fatal stop signal.
type Notifier interface {
	mirror.CancellationNotifier
	NotifyFatalFailure(ctx context.Context, err error)
}

// Options configures the loop timing.
type Options struct {
	Interval     time.Duration
	RetryBackoff time.Duration
	// MaxRetries is the number of retries after a failed attempt before the
	// loop stops; a tick makes at most MaxRetries+1 attempts.
	MaxRetries int
}

// Status is a point-in-time view of the loop.
type Status struct {
	State        State        `json:"state"`
	Retries      int          `json:"retries"`
	SnapshotSize int          `json:"snapshotSize"`
	LastSuccess  time.Time    `json:"lastSuccess,omitzero"`
	LastError    string       `json:"lastError,omitempty"`
	LastResult   *CycleResult `json:"lastResult,omitempty"`
	// ScheduleChangedAt is the end of the last cycle whose snapshot differed
	// from the baseline it replaced.
	ScheduleChangedAt time.Time `json:"scheduleChangedAt,omitzero"`
}

// Loop schedules cycles on a fixed interval with bounded retries.
//
// At most one cycle runs at a time; ticks and triggers that arrive while one
// is in flight are dropped. A started cycle always runs to completion, Stop
// only takes effect between attempts.
type Loop struct {
	cycler   Cycler
	notifier Notifier
	opts     Options
	logger   *log.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	running atomic.Bool
	wg      sync.WaitGroup

	mu          sync.Mutex
	state       State
	closed      bool
	retries     int
	baseline    []model.Lesson
	lastSuccess time.Time
	lastErr     error
	lastResult  *CycleResult
	changedAt   time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

// NewLoop creates a stopped-until-started loop with an empty baseline, so the
// first cycle re-diffs the whole window. notifier may be nil.
func NewLoop(c Cycler, notifier Notifier, opts Options, logger *log.Logger) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	return &Loop{
		cycler:   c,
		notifier: notifier,
		opts:     opts,
		logger:   logging.Component(logger, "loop"),
		sleep:    sleepContext,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start runs the first cycle immediately and then one per interval.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	l.logger.Info("starting reconciliation loop",
		"interval", l.opts.Interval, "max_retries", l.opts.MaxRetries, "backoff", l.opts.RetryBackoff)
	go l.run()
}

func (l *Loop) run() {
	defer close(l.done)

	l.tick()
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.quit:
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Loop) tick() {
	switch err := l.fire(); {
	case errors.Is(err, ErrCycleRunning):
		l.logger.Warn("previous cycle still running, tick dropped")
	case err != nil:
		l.logger.Debug("tick ignored", "err", err)
	}
}

// Trigger starts a cycle now unless one is running or the loop stopped.
func (l *Loop) Trigger() error {
	return l.fire()
}

func (l *Loop) fire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.state == StateStopped || l.ctx == nil {
		return ErrStopped
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrCycleRunning
	}
	ctx := l.ctx
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.running.Store(false)
		l.runCycle(ctx)
	}()
	return nil
}

// runCycle drives one tick through RUNNING and RETRYING until it succeeds,
// the retry budget is spent or the loop is stopped during backoff.
func (l *Loop) runCycle(ctx context.Context) {
	cycleCtx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			l.setState(StateIdle)
			return
		}

		l.mu.Lock()
		l.state = StateRunning
		baseline := l.baseline
		l.mu.Unlock()

		next, res, err := l.cycler.Cycle(cycleCtx, baseline)
		if err == nil {
			l.mu.Lock()
			l.state = StateIdle
			l.retries = 0
			if !diff.SnapshotEqual(l.baseline, next) {
				l.changedAt = res.FinishedAt
			}
			l.baseline = next
			l.lastSuccess = res.FinishedAt
			l.lastErr = nil
			l.lastResult = &res
			l.mu.Unlock()
			return
		}

		l.mu.Lock()
		l.retries++
		attempt := l.retries
		l.lastErr = err
		if attempt > l.opts.MaxRetries {
			l.state = StateStopped
			l.mu.Unlock()

			l.logger.Error("retry budget exhausted, stopping", "attempts", attempt, "err", err)
			l.halt()
			if l.notifier != nil {
				l.notifier.NotifyFatalFailure(cycleCtx, err)
			}
			return
		}
		l.state = StateRetrying
		l.mu.Unlock()

		l.logger.Warn("cycle failed, retrying", "attempt", attempt, "max_retries", l.opts.MaxRetries,
			"backoff", l.opts.RetryBackoff, "err", err)
		if err := l.sleep(ctx, l.opts.RetryBackoff); err != nil {
			l.setState(StateIdle)
			return
		}
	}
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	if l.state != StateStopped {
		l.state = s
	}
	l.mu.Unlock()
}

func (l *Loop) halt() {
	l.quitOnce.Do(func() { close(l.quit) })
}

// Stop ends the schedule, waits for an in-flight cycle and returns. A loop
// that was never started returns at once.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.closed = true
	cancel := l.cancel
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	l.halt()
	cancel()
	l.wg.Wait()
	<-l.done
	l.logger.Info("reconciliation loop stopped")
}

// Status reports the current loop state.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{
		State:        l.state,
		Retries:      l.retries,
		SnapshotSize: len(l.baseline),
		LastSuccess:  l.lastSuccess,
		LastResult:   l.lastResult,

		ScheduleChangedAt: l.changedAt,
	}
	if l.lastErr != nil {
		st.LastError = l.lastErr.Error()
	}
	return st
}
