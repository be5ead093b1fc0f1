package caldav

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"class-mirror-backend/internal/model"
)

// Custom properties carried by every mirrored VEVENT.
const (
	PropMirror   = "X-CLASS-MIRROR"
	PropLesson   = "X-CLASS-MIRROR-LESSON"
	PropSubject  = "X-CLASS-MIRROR-SUBJECT"
	PropRoom     = "X-CLASS-MIRROR-ROOM"
	PropTeacher  = "X-CLASS-MIRROR-TEACHER"
	PropColorTag = "X-CLASS-MIRROR-COLOR"
)

const productID = "-//class-mirror//mirrord//EN"

// objectName is the resource name of a lesson inside the calendar collection.
func objectName(lessonID int64) string {
	return fmt.Sprintf("class-mirror-%d.ics", lessonID)
}

func uid(lessonID int64) string {
	return fmt.Sprintf("class-mirror-%d@mirrord", lessonID)
}

// toCalendar encodes a mirror event as a single-event iCalendar object.
func toCalendar(ev model.MirrorEvent, now time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	p := ev.Presentation
	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid(ev.LessonID))
	event.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, p.Start.UTC())
	event.Props.SetDateTime(ical.PropDateTimeEnd, p.End.UTC())
	event.Props.SetText(ical.PropSummary, p.Title)
	event.Props.SetText(ical.PropLocation, p.Location)
	if p.Note != "" {
		event.Props.SetText(ical.PropDescription, p.Note)
	}
	if ev.Status() == model.StatusCancelled {
		event.Props.SetText(ical.PropStatus, "CANCELLED")
	} else {
		event.Props.SetText(ical.PropStatus, "CONFIRMED")
	}

	event.Props.SetText(PropMirror, "1")
	event.Props.SetText(PropLesson, strconv.FormatInt(ev.LessonID, 10))
	event.Props.SetText(PropSubject, ev.Subject)
	event.Props.SetText(PropRoom, ev.Room)
	event.Props.SetText(PropTeacher, ev.Teacher)
	event.Props.SetText(PropColorTag, p.ColorTag)

	cal.Children = append(cal.Children, event.Component)
	return cal
}

func propValue(props ical.Props, name string) (string, bool) {
	p := props.Get(name)
	if p == nil {
		return "", false
	}
	v, err := p.Text()
	if err != nil {
		return p.Value, true
	}
	return v, true
}

// fromObject decodes a calendar object written by toCalendar. ok is false
// for foreign or unreadable objects.
func fromObject(obj *caldav.CalendarObject) (model.MirrorEvent, bool) {
	if obj == nil || obj.Data == nil {
		return model.MirrorEvent{}, false
	}

	for _, child := range obj.Data.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		if v, _ := propValue(child.Props, PropMirror); v != "1" {
			return model.MirrorEvent{}, false
		}
		raw, _ := propValue(child.Props, PropLesson)
		lessonID, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return model.MirrorEvent{}, false
		}

		event := &ical.Event{Component: child}
		start, err := event.DateTimeStart(time.UTC)
		if err != nil {
			return model.MirrorEvent{}, false
		}
		end, err := event.DateTimeEnd(time.UTC)
		if err != nil {
			return model.MirrorEvent{}, false
		}

		title, _ := propValue(child.Props, ical.PropSummary)
		location, _ := propValue(child.Props, ical.PropLocation)
		note, _ := propValue(child.Props, ical.PropDescription)
		subject, ok := propValue(child.Props, PropSubject)
		if !ok {
			subject = title
		}
		room, _ := propValue(child.Props, PropRoom)
		teacher, _ := propValue(child.Props, PropTeacher)
		color, _ := propValue(child.Props, PropColorTag)
		if color == "" {
			color = model.ColorScheduled
		}

		return model.MirrorEvent{
			MirrorID: obj.Path,
			LessonID: lessonID,
			Subject:  subject,
			Room:     room,
			Teacher:  teacher,
			Presentation: model.Presentation{
				Title:    title,
				Location: location,
				ColorTag: color,
				Note:     note,
				Start:    start,
				End:      end,
			},
		}, true
	}
	return model.MirrorEvent{}, false
}
