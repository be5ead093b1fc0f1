package model

import (
	"sort"
	"strings"
	"time"
)

// Presentation is what a calendar user sees for a mirrored lesson.
type Presentation struct {
	Title    string
	Location string
	ColorTag string
	Note     string
	Start    time.Time
	End      time.Time
}

// MirrorEvent is the calendar-side projection of a Lesson.
//
// LessonID is read back from a provider-private field, never from the
// presentation text. Subject, Room and Teacher are stored in structured
// fields next to it so change detection does not have to parse Location.
type MirrorEvent struct {
	MirrorID     string
	LessonID     int64
	Subject      string
	Room         string
	Teacher      string
	Presentation Presentation
}

// Status returns the lesson status encoded in the event colour tag.
func (e MirrorEvent) Status() Status {
	return StatusFromColorTag(e.Presentation.ColorTag)
}

// NewMirrorEvent builds the event that mirrors the given lesson.
func NewMirrorEvent(mirrorID string, l Lesson) MirrorEvent {
	return MirrorEvent{
		MirrorID:     mirrorID,
		LessonID:     l.ID,
		Subject:      l.Subject,
		Room:         l.Room,
		Teacher:      l.Teacher,
		Presentation: l.Presentation(),
	}
}

// Field names a lesson attribute that change detection compares.
type Field string

const (
	FieldSubject Field = "subject"
	FieldRoom    Field = "room"
	FieldTeacher Field = "teacher"
	FieldStatus  Field = "status"
	FieldTime    Field = "time"
)

// FieldSet is a set of changed fields.
type FieldSet map[Field]struct{}

// NewFieldSet returns a set holding the given fields.
func NewFieldSet(fields ...Field) FieldSet {
	fs := make(FieldSet, len(fields))
	for _, f := range fields {
		fs[f] = struct{}{}
	}
	return fs
}

// Has reports whether f is in the set.
func (fs FieldSet) Has(f Field) bool {
	_, ok := fs[f]
	return ok
}

// Add inserts f into the set.
func (fs FieldSet) Add(f Field) {
	fs[f] = struct{}{}
}

// Sorted returns the fields in a stable order.
func (fs FieldSet) Sorted() []Field {
	out := make([]Field, 0, len(fs))
	for f := range fs {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (fs FieldSet) String() string {
	parts := make([]string, 0, len(fs))
	for _, f := range fs.Sorted() {
		parts = append(parts, string(f))
	}
	return strings.Join(parts, ",")
}
