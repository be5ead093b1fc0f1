// Package mirrortest provides an in-memory mirror.Calendar for tests.
package mirrortest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"class-mirror-backend/internal/mirror"
	"class-mirror-backend/internal/model"
)

// Op names a Calendar method, for call counting and fault injection.
type Op string

const (
	OpList        Op = "list"
	OpCreate      Op = "create"
	OpUpdate      Op = "update"
	OpDelete      Op = "delete"
	OpDeleteRange Op = "delete_range"
)

// Calendar keeps mirrored events in memory and counts calls.
type Calendar struct {
	mu     sync.Mutex
	events map[string]model.MirrorEvent
	seq    int
	calls  map[Op]int
	fields []model.FieldSet

	// Fail, when set, is consulted before every call. lessonID is zero for
	// list and range deletes.
	Fail func(op Op, lessonID int64) error

	// Window, when set, limits lists and range deletes to events starting
	// before from+Window, like the real providers.
	Window time.Duration
}

var _ mirror.Calendar = (*Calendar)(nil)

// NewCalendar returns an empty Calendar seeded with events.
func NewCalendar(events ...model.MirrorEvent) *Calendar {
	c := &Calendar{
		events: make(map[string]model.MirrorEvent),
		calls:  make(map[Op]int),
	}
	for _, ev := range events {
		if ev.MirrorID == "" {
			c.seq++
			ev.MirrorID = fmt.Sprintf("evt-%d", c.seq)
		}
		c.events[ev.MirrorID] = ev
	}
	return c
}

// Calls returns how often op was invoked, failed calls included.
func (c *Calendar) Calls(op Op) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// UpdatedFields returns the field sets passed to successful updates, in call order.
func (c *Calendar) UpdatedFields() []model.FieldSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.FieldSet(nil), c.fields...)
}

// Events returns the stored events ordered by start, then lesson id.
func (c *Calendar) Events() []model.MirrorEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sorted(time.Time{}, time.Time{})
}

func (c *Calendar) until(from time.Time) time.Time {
	if c.Window <= 0 {
		return time.Time{}
	}
	return from.Add(c.Window)
}

func (c *Calendar) sorted(from, until time.Time) []model.MirrorEvent {
	out := make([]model.MirrorEvent, 0, len(c.events))
	for _, ev := range c.events {
		if !from.IsZero() && ev.Presentation.Start.Before(from) {
			continue
		}
		if !until.IsZero() && !ev.Presentation.Start.Before(until) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Presentation.Start.Equal(b.Presentation.Start) {
			return a.Presentation.Start.Before(b.Presentation.Start)
		}
		return a.LessonID < b.LessonID
	})
	return out
}

func (c *Calendar) enter(op Op, lessonID int64) error {
	c.calls[op]++
	if c.Fail != nil {
		return c.Fail(op, lessonID)
	}
	return nil
}

func (c *Calendar) ListEvents(_ context.Context, from time.Time) ([]model.MirrorEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpList, 0); err != nil {
		return nil, err
	}
	return c.sorted(from, c.until(from)), nil
}

func (c *Calendar) CreateEvent(_ context.Context, ev model.MirrorEvent) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpCreate, ev.LessonID); err != nil {
		return "", err
	}
	c.seq++
	ev.MirrorID = fmt.Sprintf("evt-%d", c.seq)
	c.events[ev.MirrorID] = ev
	return ev.MirrorID, nil
}

func (c *Calendar) UpdateEvent(_ context.Context, mirrorID string, ev model.MirrorEvent, fields model.FieldSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpUpdate, ev.LessonID); err != nil {
		return err
	}
	if _, ok := c.events[mirrorID]; !ok {
		return mirror.ErrNotFound
	}
	ev.MirrorID = mirrorID
	c.events[mirrorID] = ev
	c.fields = append(c.fields, fields)
	return nil
}

func (c *Calendar) DeleteEvent(_ context.Context, mirrorID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := c.events[mirrorID]
	if err := c.enter(OpDelete, ev.LessonID); err != nil {
		return err
	}
	delete(c.events, mirrorID)
	return nil
}

func (c *Calendar) DeleteEventsFrom(_ context.Context, from time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(OpDeleteRange, 0); err != nil {
		return 0, err
	}
	events := c.sorted(from, c.until(from))
	for _, ev := range events {
		delete(c.events, ev.MirrorID)
	}
	return len(events), nil
}

// Notifier records cancellation notices.
type Notifier struct {
	mu            sync.Mutex
	Cancellations []string
	Fatal         []error
}

func (n *Notifier) NotifyCancellation(_ context.Context, subject string, start time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Cancellations = append(n.Cancellations, subject+"@"+start.Format(time.RFC3339))
}

func (n *Notifier) NotifyFatalFailure(_ context.Context, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Fatal = append(n.Fatal, err)
}

// Counts returns the number of cancellation and fatal notices.
func (n *Notifier) Counts() (cancellations, fatal int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Cancellations), len(n.Fatal)
}
