package model

import (
	"strings"
	"time"
)

// Status is the normalized state of a single lesson occurrence.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusCancelled Status = "CANCELLED"
)

// Presentation colour tags. The values are Google Calendar colour ids.
const (
	ColorScheduled = "2"
	ColorCancelled = "4"
)

// StatusFromCode maps a provider status code to a Status. Unknown codes are scheduled.
func StatusFromCode(code string) Status {
	if strings.EqualFold(strings.TrimSpace(code), "cancelled") {
		return StatusCancelled
	}
	return StatusScheduled
}

// ColorTag returns the presentation tag derived from the status.
func (s Status) ColorTag() string {
	if s == StatusCancelled {
		return ColorCancelled
	}
	return ColorScheduled
}

// StatusFromColorTag is the inverse of ColorTag.
func StatusFromColorTag(tag string) Status {
	if tag == ColorCancelled {
		return StatusCancelled
	}
	return StatusScheduled
}

// Lesson is one scheduled class occurrence as reported by the source schedule.
type Lesson struct {
	ID          int64     `json:"id"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	SubjectCode string    `json:"subjectCode"`
	Subject     string    `json:"subject"`
	Room        string    `json:"room"`
	Teacher     string    `json:"teacher"`
	Status      Status    `json:"status"`
	// SubstitutionNote is free text attached by the provider, may be empty.
	SubstitutionNote string `json:"substitutionNote,omitempty"`
}

// Presentation derives the calendar-side presentation of the lesson.
func (l Lesson) Presentation() Presentation {
	return Presentation{
		Title:    l.Subject,
		Location: LocationText(l.Room, l.Teacher),
		ColorTag: l.Status.ColorTag(),
		Note:     l.SubstitutionNote,
		Start:    l.Start,
		End:      l.End,
	}
}

// Equal reports whether two lessons carry identical data.
func (l Lesson) Equal(o Lesson) bool {
	return l.ID == o.ID &&
		l.Start.Equal(o.Start) &&
		l.End.Equal(o.End) &&
		l.SubjectCode == o.SubjectCode &&
		l.Subject == o.Subject &&
		l.Room == o.Room &&
		l.Teacher == o.Teacher &&
		l.Status == o.Status &&
		l.SubstitutionNote == o.SubstitutionNote
}

// LocationText joins room and teacher the way they are shown in the calendar.
func LocationText(room, teacher string) string {
	return room + "/" + teacher
}
