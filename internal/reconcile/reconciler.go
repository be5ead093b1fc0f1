// Package reconcile runs fetch, diff and apply passes against the mirror.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"class-mirror-backend/internal/diff"
	"class-mirror-backend/internal/logging"
	"class-mirror-backend/internal/mirror"
	"class-mirror-backend/internal/model"
	"class-mirror-backend/internal/parse"
)

// Fetcher provides the authoritative source schedule.
type Fetcher interface {
	FetchWindow(ctx context.Context, start time.Time) ([]model.Lesson, error)
	FetchDay(ctx context.Context, day time.Time) ([]model.Lesson, error)
	Location() *time.Location
}

// Journal persists the audit trail of applied changes.
type Journal interface {
	RecordChanges(ctx context.Context, records []model.ChangeRecord) error
}

// CycleResult summarizes one pass.
type CycleResult struct {
	ID         string    `json:"id"`
	Mode       string    `json:"mode"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Lessons    int       `json:"lessons"`
	New        int       `json:"new"`
	Changed    int       `json:"changed"`
	mirror.Result
}

// Reconciler performs single passes; the Loop schedules them.
type Reconciler struct {
	fetcher Fetcher
	applier *mirror.Applier
	journal Journal
	logger  *log.Logger
	now     func() time.Time
	window  time.Duration
}

// NewReconciler creates a Reconciler. journal may be nil.
func NewReconciler(f Fetcher, a *mirror.Applier, journal Journal, logger *log.Logger) *Reconciler {
	return &Reconciler{
		fetcher: f,
		applier: a,
		journal: journal,
		logger:  logging.Component(logger, "reconciler"),
		now:     time.Now,
	}
}

// WithWindow limits passes to lessons starting within d of today, the span
// the calendar lists. Lessons further out wait until the window reaches them.
func (r *Reconciler) WithWindow(d time.Duration) *Reconciler {
	r.window = d
	return r
}

// inWindow drops lessons the calendar would not list back.
func (r *Reconciler) inWindow(lessons []model.Lesson, today time.Time) []model.Lesson {
	if r.window <= 0 {
		return lessons
	}
	end := today.Add(r.window)
	out := make([]model.Lesson, 0, len(lessons))
	for _, l := range lessons {
		if l.Start.Before(end) {
			out = append(out, l)
		}
	}
	return out
}

func (r *Reconciler) today() time.Time {
	return parse.StartOfDay(r.now(), r.fetcher.Location())
}

func (r *Reconciler) begin(mode string) CycleResult {
	return CycleResult{ID: uuid.NewString(), Mode: mode, StartedAt: r.now()}
}

// Cycle fetches the window starting today, inserts lessons missing from
// baseline, applies field changes found against the listed mirror and
// returns the snapshot to use as the next baseline.
//
// Only fetch and list errors fail the cycle. Lessons whose event could not
// be created are left out of the returned snapshot so the next cycle treats
// them as new again.
func (r *Reconciler) Cycle(ctx context.Context, baseline []model.Lesson) ([]model.Lesson, CycleResult, error) {
	res := r.begin("cycle")
	logger := r.logger.With("cycle", res.ID)
	today := r.today()

	lessons, err := r.fetcher.FetchWindow(ctx, today)
	if err != nil {
		return nil, res, fmt.Errorf("fetch window: %w", err)
	}
	lessons = r.inWindow(lessons, today)
	events, err := r.applier.Refresh(ctx, today)
	if err != nil {
		return nil, res, err
	}
	res.Lessons = len(lessons)

	added := diff.NewLessons(baseline, lessons)
	res.New = len(added)
	res.Add(r.applier.UpsertAll(ctx, added))

	isNew := make(map[int64]struct{}, len(added))
	for _, l := range added {
		isNew[l.ID] = struct{}{}
	}
	var changes []diff.Change
	for _, c := range diff.DetectChanges(events, lessons) {
		if _, ok := isNew[c.Lesson.ID]; !ok {
			changes = append(changes, c)
		}
	}
	res.Changed = len(changes)
	res.Add(r.applier.ApplyAll(ctx, changes))

	r.finish(ctx, logger, &res)
	return withoutLessons(lessons, res.Unmirrored), res, nil
}

// Rewrite fetches the window, deletes every mirrored event from today on
// and inserts the whole window again. The fetch happens first so a source
// outage leaves the mirror untouched; the delete and insert are not atomic.
func (r *Reconciler) Rewrite(ctx context.Context) ([]model.Lesson, CycleResult, error) {
	res := r.begin("rewrite")
	logger := r.logger.With("cycle", res.ID)
	today := r.today()

	lessons, err := r.fetcher.FetchWindow(ctx, today)
	if err != nil {
		return nil, res, fmt.Errorf("fetch window: %w", err)
	}
	lessons = r.inWindow(lessons, today)
	res.Lessons = len(lessons)

	if _, err := r.applier.Refresh(ctx, today); err != nil {
		return nil, res, err
	}
	deleted, err := r.applier.DeleteFutureWindow(ctx, today)
	res.Deleted = deleted
	if err != nil {
		return nil, res, err
	}

	res.New = len(lessons)
	res.Add(r.applier.InsertAll(ctx, lessons))

	r.finish(ctx, logger, &res)
	return withoutLessons(lessons, res.Unmirrored), res, nil
}

// Update checks the mirrored events starting at from day by day against the
// source and applies the differences. It does not insert new lessons.
func (r *Reconciler) Update(ctx context.Context, from time.Time) (CycleResult, error) {
	res := r.begin("update")
	logger := r.logger.With("cycle", res.ID)
	loc := r.fetcher.Location()
	from = parse.StartOfDay(from, loc)

	events, err := r.applier.Refresh(ctx, from)
	if err != nil {
		return res, err
	}

	byDay := make(map[int][]model.MirrorEvent)
	for _, ev := range events {
		key := parse.DateNumber(parse.StartOfDay(ev.Presentation.Start, loc))
		byDay[key] = append(byDay[key], ev)
	}
	keys := make([]int, 0, len(byDay))
	for k := range byDay {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	var changes []diff.Change
	for i, key := range keys {
		day := byDay[key][0].Presentation.Start
		lessons, err := r.fetcher.FetchDay(ctx, parse.StartOfDay(day, loc))
		if err != nil {
			return res, fmt.Errorf("fetch %d: %w", key, err)
		}
		res.Lessons += len(lessons)
		changes = append(changes, diff.DetectChanges(byDay[key], lessons)...)
		logger.Debug("checked day", "day", key, "done", i+1, "total", len(keys))
	}

	res.Changed = len(changes)
	res.Add(r.applier.ApplyAll(ctx, changes))
	r.finish(ctx, logger, &res)
	return res, nil
}

func (r *Reconciler) finish(ctx context.Context, logger *log.Logger, res *CycleResult) {
	res.FinishedAt = r.now()
	for i := range res.Records {
		res.Records[i].CycleID = res.ID
	}
	if r.journal != nil && len(res.Records) > 0 {
		if err := r.journal.RecordChanges(ctx, res.Records); err != nil {
			logger.Error("failed to record changes", "count", len(res.Records), "err", err)
		}
	}
	logger.Info("pass complete",
		"mode", res.Mode,
		"lessons", res.Lessons,
		"new", res.New,
		"changed", res.Changed,
		"created", res.Created,
		"updated", res.Updated,
		"failed", res.Failed,
		"cancellations", res.Cancellations,
		"deleted", res.Deleted,
		"took", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
}

func withoutLessons(lessons []model.Lesson, ids []int64) []model.Lesson {
	if len(ids) == 0 {
		return lessons
	}
	skip := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		skip[id] = struct{}{}
	}
	out := make([]model.Lesson, 0, len(lessons))
	for _, l := range lessons {
		if _, ok := skip[l.ID]; !ok {
			out = append(out, l)
		}
	}
	return out
}
