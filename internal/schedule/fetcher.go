package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"class-mirror-backend/internal/logging"
	"class-mirror-backend/internal/model"
	"class-mirror-backend/internal/parse"
	"class-mirror-backend/internal/untis"
)

// Fetcher retrieves and normalizes the source schedule.
type Fetcher struct {
	session    *Session
	normalizer *Normalizer
	maxDays    int
	logger     *log.Logger
}

// NewFetcher creates a Fetcher. maxDays bounds the window iteration in case
// the provider never reports the end of data.
func NewFetcher(session *Session, normalizer *Normalizer, maxDays int, logger *log.Logger) *Fetcher {
	if maxDays <= 0 {
		maxDays = 400
	}
	return &Fetcher{
		session:    session,
		normalizer: normalizer,
		maxDays:    maxDays,
		logger:     logging.Component(logger, "fetcher"),
	}
}

// Location returns the source timezone.
func (f *Fetcher) Location() *time.Location {
	return f.normalizer.Location()
}

// FetchWindow walks day by day from start until the provider reports the end
// of data and returns the lessons ordered by start time. Any other error
// aborts the whole window.
func (f *Fetcher) FetchWindow(ctx context.Context, start time.Time) ([]model.Lesson, error) {
	if err := f.session.Ensure(ctx); err != nil {
		return nil, err
	}

	day := parse.StartOfDay(start, f.Location())
	seen := make(map[int64]struct{})
	var lessons []model.Lesson

	for i := 0; ; i++ {
		if i >= f.maxDays {
			f.logger.Warn("window limit reached before end of data", "days", f.maxDays)
			break
		}
		raw, err := f.session.LessonsFor(ctx, day)
		if errors.Is(err, untis.ErrEndOfData) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", day.Format(time.DateOnly), err)
		}

		for _, l := range f.normalize(raw) {
			if _, dup := seen[l.ID]; dup {
				f.logger.Warn("duplicate lesson id in window, keeping first", "lesson_id", l.ID)
				continue
			}
			seen[l.ID] = struct{}{}
			lessons = append(lessons, l)
		}
		f.logger.Debug("gathered lessons", "day", day.Format(time.DateOnly), "total", len(lessons))
		day = day.AddDate(0, 0, 1)
	}

	sortLessons(lessons)
	f.logger.Info("gathered lessons", "count", len(lessons), "from", parse.StartOfDay(start, f.Location()).Format(time.DateOnly))
	return lessons, nil
}

// FetchDay returns the lessons of a single day ordered by start time. A day
// past the end of data yields an empty result.
func (f *Fetcher) FetchDay(ctx context.Context, day time.Time) ([]model.Lesson, error) {
	if err := f.session.Ensure(ctx); err != nil {
		return nil, err
	}

	raw, err := f.session.LessonsFor(ctx, parse.StartOfDay(day, f.Location()))
	if errors.Is(err, untis.ErrEndOfData) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", day.Format(time.DateOnly), err)
	}

	lessons := f.normalize(raw)
	sortLessons(lessons)
	return lessons, nil
}

func (f *Fetcher) normalize(raw []untis.RawEntry) []model.Lesson {
	lessons := make([]model.Lesson, 0, len(raw))
	for _, entry := range raw {
		l, err := f.normalizer.Normalize(entry)
		if errors.Is(err, ErrFiltered) {
			continue
		}
		if err != nil {
			f.logger.Warn("skipping malformed entry", "lesson_id", entry.ID, "err", err)
			continue
		}
		lessons = append(lessons, l)
	}
	return lessons
}

func sortLessons(lessons []model.Lesson) {
	sort.SliceStable(lessons, func(i, j int) bool {
		if !lessons[i].Start.Equal(lessons[j].Start) {
			return lessons[i].Start.Before(lessons[j].Start)
		}
		return lessons[i].ID < lessons[j].ID
	})
}
