package mirror

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"class-mirror-backend/internal/diff"
	"class-mirror-backend/internal/logging"
	"class-mirror-backend/internal/model"
)

// Applier turns lessons and detected changes into calendar mutations.
//
// It keeps an index of the mirrored events by lesson id. The index is filled
// by Load or Refresh and kept current after every create and update, so a
// second Upsert of the same lesson is a no-op.
type Applier struct {
	cal         Calendar
	notifier    CancellationNotifier
	parallelism int
	logger      *log.Logger
	now         func() time.Time

	mu    sync.RWMutex
	index map[int64]model.MirrorEvent
}

// NewApplier creates an Applier. notifier may be nil.
func NewApplier(cal Calendar, notifier CancellationNotifier, parallelism int, logger *log.Logger) *Applier {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Applier{
		cal:         cal,
		notifier:    notifier,
		parallelism: parallelism,
		logger:      logging.Component(logger, "applier"),
		now:         time.Now,
		index:       make(map[int64]model.MirrorEvent),
	}
}

// Load replaces the index with events.
func (a *Applier) Load(events []model.MirrorEvent) {
	index := make(map[int64]model.MirrorEvent, len(events))
	for _, ev := range events {
		if _, dup := index[ev.LessonID]; dup {
			a.logger.Warn("duplicate mirror event for lesson", "lesson_id", ev.LessonID, "mirror_id", ev.MirrorID)
			continue
		}
		index[ev.LessonID] = ev
	}
	a.mu.Lock()
	a.index = index
	a.mu.Unlock()
}

// Refresh lists the mirror from the given instant and loads the result.
func (a *Applier) Refresh(ctx context.Context, from time.Time) ([]model.MirrorEvent, error) {
	events, err := a.cal.ListEvents(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to list mirror events: %w", err)
	}
	a.Load(events)
	return events, nil
}

// Lookup returns the mirrored event for a lesson id.
func (a *Applier) Lookup(lessonID int64) (model.MirrorEvent, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ev, ok := a.index[lessonID]
	return ev, ok
}

// Len returns the number of indexed events.
func (a *Applier) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.index)
}

func (a *Applier) remember(ev model.MirrorEvent) {
	a.mu.Lock()
	a.index[ev.LessonID] = ev
	a.mu.Unlock()
}

// Upsert creates the event for a lesson that is not mirrored yet, or updates
// the fields that differ on the existing one.
func (a *Applier) Upsert(ctx context.Context, l model.Lesson) (Outcome, error) {
	var res Result
	return a.upsert(ctx, l, &res)
}

func (a *Applier) upsert(ctx context.Context, l model.Lesson, res *Result) (Outcome, error) {
	ev, ok := a.Lookup(l.ID)
	if !ok {
		return a.create(ctx, l, model.ChangeKindNew, res)
	}
	change, changed := diff.Classify(ev, l)
	if !changed {
		return Unchanged, nil
	}
	return a.apply(ctx, change, res)
}

// apply writes one detected change to the calendar. A cancellation is
// announced only after the update succeeded.
func (a *Applier) apply(ctx context.Context, c diff.Change, res *Result) (Outcome, error) {
	ev := model.NewMirrorEvent(c.Event.MirrorID, c.Lesson)
	if err := a.cal.UpdateEvent(ctx, c.Event.MirrorID, ev, c.Fields); err != nil {
		return Failed, fmt.Errorf("failed to update event %s for lesson %d: %w", c.Event.MirrorID, c.Lesson.ID, err)
	}
	a.remember(ev)

	now := a.now()
	for _, f := range c.Fields.Sorted() {
		oldV, newV := c.Values(f)
		a.logger.Info("lesson changed",
			"lesson_id", c.Lesson.ID, "subject", c.Lesson.Subject, "start", c.Lesson.Start,
			"field", f, "old", oldV, "new", newV)
		res.Records = append(res.Records, model.ChangeRecord{
			Kind:        model.ChangeKindUpdate,
			LessonID:    c.Lesson.ID,
			Subject:     c.Lesson.Subject,
			Field:       string(f),
			OldValue:    oldV,
			NewValue:    newV,
			LessonStart: c.Lesson.Start,
			DetectedAt:  now,
		})
	}

	if c.Cancelled {
		a.logger.Info("lesson cancelled", "lesson_id", c.Lesson.ID, "subject", c.Lesson.Subject, "start", c.Lesson.Start)
		res.Cancellations++
		res.Records = append(res.Records, model.ChangeRecord{
			Kind:        model.ChangeKindCancelled,
			LessonID:    c.Lesson.ID,
			Subject:     c.Lesson.Subject,
			LessonStart: c.Lesson.Start,
			DetectedAt:  now,
		})
		if a.notifier != nil {
			a.notifier.NotifyCancellation(ctx, c.Lesson.Subject, c.Lesson.Start)
		}
	}
	return Updated, nil
}

func (a *Applier) create(ctx context.Context, l model.Lesson, kind string, res *Result) (Outcome, error) {
	ev := model.NewMirrorEvent("", l)
	id, err := a.cal.CreateEvent(ctx, ev)
	if err != nil {
		res.Unmirrored = append(res.Unmirrored, l.ID)
		return Failed, fmt.Errorf("failed to create event for lesson %d: %w", l.ID, err)
	}
	ev.MirrorID = id
	a.remember(ev)

	a.logger.Info("new lesson", "lesson_id", l.ID, "subject", l.Subject, "start", l.Start, "mirror_id", id)
	res.Records = append(res.Records, model.ChangeRecord{
		Kind:        kind,
		LessonID:    l.ID,
		Subject:     l.Subject,
		NewValue:    l.Presentation().Location,
		LessonStart: l.Start,
		DetectedAt:  a.now(),
	})
	return Created, nil
}

// UpsertAll upserts every lesson. Failures are logged and counted; they do
// not stop the remaining lessons.
func (a *Applier) UpsertAll(ctx context.Context, lessons []model.Lesson) Result {
	return a.each("inserted events", len(lessons), func(i int, res *Result) (Outcome, error) {
		return a.upsert(ctx, lessons[i], res)
	})
}

// ApplyAll applies every change with the same isolation as UpsertAll.
func (a *Applier) ApplyAll(ctx context.Context, changes []diff.Change) Result {
	return a.each("checked events", len(changes), func(i int, res *Result) (Outcome, error) {
		return a.apply(ctx, changes[i], res)
	})
}

// InsertAll creates an event for every lesson without consulting the index.
// It is meant to follow DeleteFutureWindow.
func (a *Applier) InsertAll(ctx context.Context, lessons []model.Lesson) Result {
	return a.each("inserted events", len(lessons), func(i int, res *Result) (Outcome, error) {
		return a.create(ctx, lessons[i], model.ChangeKindRewrite, res)
	})
}

// DeleteFutureWindow removes every mirrored event starting at or after from.
// The deletion and any following insert are not atomic.
func (a *Applier) DeleteFutureWindow(ctx context.Context, from time.Time) (int, error) {
	n, err := a.cal.DeleteEventsFrom(ctx, from)
	if err != nil {
		return n, fmt.Errorf("failed to delete events from %s: %w", from.Format(time.DateOnly), err)
	}

	a.mu.Lock()
	for id, ev := range a.index {
		if !ev.Presentation.Start.Before(from) {
			delete(a.index, id)
		}
	}
	a.mu.Unlock()

	a.logger.Info("deleted future events", "from", from.Format(time.DateOnly), "count", n)
	return n, nil
}

// each runs fn for indices [0, n) on a bounded set of workers and merges the results.
func (a *Applier) each(progress string, n int, fn func(int, *Result) (Outcome, error)) Result {
	var (
		total Result
		mu    sync.Mutex
		done  atomic.Int64
		wg    sync.WaitGroup
	)
	if n == 0 {
		return total
	}

	jobs := make(chan int)
	workers := min(a.parallelism, n)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				var res Result
				outcome, err := fn(i, &res)
				if err != nil {
					a.logger.Error("mutation failed", "err", err)
				}
				res.count(outcome)

				mu.Lock()
				total.Add(res)
				mu.Unlock()

				a.logger.Debug(progress, "done", done.Add(1), "total", n)
			}
		}()
	}

	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	a.logger.Info(progress, "done", n, "total", n,
		"created", total.Created, "updated", total.Updated, "failed", total.Failed)
	return total
}
