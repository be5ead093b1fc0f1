// Package diff classifies source lessons against the previous snapshot and
// against the mirrored calendar state.
package diff

import (
	"strings"
	"time"

	"class-mirror-backend/internal/model"
)

// NewLessons returns the lessons of current whose id does not occur in
// previous, in current's order. Field values are not compared.
func NewLessons(previous, current []model.Lesson) []model.Lesson {
	known := make(map[int64]struct{}, len(previous))
	for _, l := range previous {
		known[l.ID] = struct{}{}
	}

	var added []model.Lesson
	for _, l := range current {
		if _, ok := known[l.ID]; !ok {
			added = append(added, l)
		}
	}
	return added
}

// SnapshotEqual reports whether two snapshots hold the same lessons in the same order.
func SnapshotEqual(a, b []model.Lesson) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Change is a mirror event whose lesson differs on at least one field.
type Change struct {
	Lesson model.Lesson
	Event  model.MirrorEvent
	Fields model.FieldSet
	// Cancelled is set when the lesson moved into the cancelled state.
	Cancelled bool
}

// Values returns the mirrored and the current value of a field, for logging.
func (c Change) Values(f model.Field) (string, string) {
	switch f {
	case model.FieldSubject:
		return c.Event.Subject, c.Lesson.Subject
	case model.FieldRoom:
		return c.Event.Room, c.Lesson.Room
	case model.FieldTeacher:
		return c.Event.Teacher, c.Lesson.Teacher
	case model.FieldStatus:
		return string(c.Event.Status()), string(c.Lesson.Status)
	case model.FieldTime:
		return timeRange(c.Event.Presentation.Start, c.Event.Presentation.End), timeRange(c.Lesson.Start, c.Lesson.End)
	}
	return "", ""
}

// Compare returns the fields on which the event no longer matches the lesson.
// Strings are compared trimmed, case-sensitive and exact.
func Compare(ev model.MirrorEvent, l model.Lesson) model.FieldSet {
	fields := model.NewFieldSet()
	if !sameText(ev.Subject, l.Subject) {
		fields.Add(model.FieldSubject)
	}
	if !sameText(ev.Room, l.Room) {
		fields.Add(model.FieldRoom)
	}
	if !sameText(ev.Teacher, l.Teacher) {
		fields.Add(model.FieldTeacher)
	}
	if ev.Presentation.ColorTag != l.Status.ColorTag() {
		fields.Add(model.FieldStatus)
	}
	if !ev.Presentation.Start.Equal(l.Start) || !ev.Presentation.End.Equal(l.End) {
		fields.Add(model.FieldTime)
	}
	return fields
}

// Classify compares one joined pair. ok is false when nothing differs.
func Classify(ev model.MirrorEvent, l model.Lesson) (Change, bool) {
	fields := Compare(ev, l)
	if len(fields) == 0 {
		return Change{}, false
	}
	return Change{
		Lesson:    l,
		Event:     ev,
		Fields:    fields,
		Cancelled: fields.Has(model.FieldStatus) && l.Status == model.StatusCancelled,
	}, true
}

// DetectChanges joins events and lessons by lesson id and returns the pairs
// that differ. Events without a lesson and lessons without an event are not
// reported; the first belong to the staleness window, the second to NewLessons.
func DetectChanges(events []model.MirrorEvent, lessons []model.Lesson) []Change {
	byID := make(map[int64]model.Lesson, len(lessons))
	for _, l := range lessons {
		byID[l.ID] = l
	}

	var changes []Change
	for _, ev := range events {
		l, ok := byID[ev.LessonID]
		if !ok {
			continue
		}
		if c, changed := Classify(ev, l); changed {
			changes = append(changes, c)
		}
	}
	return changes
}

func sameText(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

func timeRange(start, end time.Time) string {
	return start.Format(time.RFC3339) + "/" + end.Format(time.RFC3339)
}
