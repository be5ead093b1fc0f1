package gcal

import (
	"strconv"
	"time"

	"class-mirror-backend/internal/model"
)

// Keys of the private extended properties written on every mirrored event.
const (
	propMirror  = "classMirror"
	propLesson  = "lessonId"
	propSubject = "subject"
	propRoom    = "room"
	propTeacher = "teacher"
)

type eventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
}

type extendedProperties struct {
	Private map[string]string `json:"private,omitempty"`
}

type event struct {
	ID                 string              `json:"id,omitempty"`
	Status             string              `json:"status,omitempty"`
	Summary            string              `json:"summary,omitempty"`
	Location           string              `json:"location,omitempty"`
	Description        string              `json:"description,omitempty"`
	ColorID            string              `json:"colorId,omitempty"`
	Start              *eventTime          `json:"start,omitempty"`
	End                *eventTime          `json:"end,omitempty"`
	ExtendedProperties *extendedProperties `json:"extendedProperties,omitempty"`
}

// eventPatch is the body of a partial update. Text fields are pointers so a
// field that became empty is sent as "" and cleared.
type eventPatch struct {
	Summary            *string             `json:"summary,omitempty"`
	Location           *string             `json:"location,omitempty"`
	Description        *string             `json:"description,omitempty"`
	ColorID            string              `json:"colorId,omitempty"`
	Start              *eventTime          `json:"start,omitempty"`
	End                *eventTime          `json:"end,omitempty"`
	ExtendedProperties *extendedProperties `json:"extendedProperties,omitempty"`
}

type eventList struct {
	Items         []event `json:"items"`
	NextPageToken string  `json:"nextPageToken"`
}

func private(ev model.MirrorEvent) *extendedProperties {
	return &extendedProperties{Private: map[string]string{
		propMirror:  "1",
		propLesson:  strconv.FormatInt(ev.LessonID, 10),
		propSubject: ev.Subject,
		propRoom:    ev.Room,
		propTeacher: ev.Teacher,
	}}
}

func timeOf(t time.Time) *eventTime {
	return &eventTime{DateTime: t.Format(time.RFC3339)}
}

// toEvent encodes the full event body used on insert.
func toEvent(ev model.MirrorEvent) event {
	p := ev.Presentation
	return event{
		Summary:            p.Title,
		Location:           p.Location,
		Description:        p.Note,
		ColorID:            p.ColorTag,
		Start:              timeOf(p.Start),
		End:                timeOf(p.End),
		ExtendedProperties: private(ev),
	}
}

// toPatch encodes only the changed fields. The description and the private
// properties are always sent so they stay in step with the presentation.
func toPatch(ev model.MirrorEvent, fields model.FieldSet) eventPatch {
	p := ev.Presentation
	patch := eventPatch{
		Description:        &p.Note,
		ExtendedProperties: private(ev),
	}
	if fields.Has(model.FieldSubject) {
		patch.Summary = &p.Title
	}
	if fields.Has(model.FieldRoom) || fields.Has(model.FieldTeacher) {
		patch.Location = &p.Location
	}
	if fields.Has(model.FieldStatus) {
		patch.ColorID = p.ColorTag
	}
	if fields.Has(model.FieldTime) {
		patch.Start = timeOf(p.Start)
		patch.End = timeOf(p.End)
	}
	return patch
}

// fromEvent decodes a listed event. ok is false for events that were not
// written by the mirror or carry no usable lesson id.
func fromEvent(e event) (model.MirrorEvent, bool) {
	if e.ExtendedProperties == nil || e.Status == "cancelled" {
		return model.MirrorEvent{}, false
	}
	props := e.ExtendedProperties.Private
	if props[propMirror] != "1" {
		return model.MirrorEvent{}, false
	}
	lessonID, err := strconv.ParseInt(props[propLesson], 10, 64)
	if err != nil {
		return model.MirrorEvent{}, false
	}
	start, ok := parseTime(e.Start)
	if !ok {
		return model.MirrorEvent{}, false
	}
	end, ok := parseTime(e.End)
	if !ok {
		return model.MirrorEvent{}, false
	}

	subject, ok := props[propSubject]
	if !ok {
		subject = e.Summary
	}
	colorID := e.ColorID
	if colorID == "" {
		colorID = model.ColorScheduled
	}

	return model.MirrorEvent{
		MirrorID: e.ID,
		LessonID: lessonID,
		Subject:  subject,
		Room:     props[propRoom],
		Teacher:  props[propTeacher],
		Presentation: model.Presentation{
			Title:    e.Summary,
			Location: e.Location,
			ColorTag: colorID,
			Note:     e.Description,
			Start:    start,
			End:      end,
		},
	}, true
}

func parseTime(t *eventTime) (time.Time, bool) {
	if t == nil || t.DateTime == "" {
		return time.Time{}, false
	}
	v, err := time.Parse(time.RFC3339, t.DateTime)
	if err != nil {
		return time.Time{}, false
	}
	return v, true
}
