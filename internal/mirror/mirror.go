// Package mirror applies schedule changes to the mirrored calendar.
package mirror

import (
	"context"
	"errors"
	"time"

	"class-mirror-backend/internal/model"
)

// ErrNotFound is returned by a Calendar when the addressed event does not exist.
var ErrNotFound = errors.New("mirror event not found")

// Calendar is the calendar-side capability set the applier mutates.
//
// Events carry the lesson id in a provider-private field; ListEvents must
// return it in MirrorEvent.LessonID and skip events that do not carry one.
type Calendar interface {
	ListEvents(ctx context.Context, from time.Time) ([]model.MirrorEvent, error)
	CreateEvent(ctx context.Context, ev model.MirrorEvent) (string, error)
	// UpdateEvent writes ev to the existing event. fields lists what changed;
	// providers that can patch send only those.
	UpdateEvent(ctx context.Context, mirrorID string, ev model.MirrorEvent, fields model.FieldSet) error
	DeleteEvent(ctx context.Context, mirrorID string) error
	// DeleteEventsFrom removes every mirrored event starting at or after from
	// and returns how many were removed.
	DeleteEventsFrom(ctx context.Context, from time.Time) (int, error)
}

// CancellationNotifier is told about lessons that became cancelled.
// Implementations must not block.
type CancellationNotifier interface {
	NotifyCancellation(ctx context.Context, subject string, start time.Time)
}

// Outcome is what happened to a single lesson during apply.
type Outcome int

const (
	Unchanged Outcome = iota
	Created
	Updated
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Failed:
		return "failed"
	default:
		return "unchanged"
	}
}

// Result summarizes a batch of mutations.
type Result struct {
	Created       int `json:"created"`
	Updated       int `json:"updated"`
	Unchanged     int `json:"unchanged"`
	Failed        int `json:"failed"`
	Cancellations int `json:"cancellations"`
	Deleted       int `json:"deleted,omitempty"`

	// Records holds one audit entry per applied change.
	Records []model.ChangeRecord `json:"-"`
	// Unmirrored lists lessons whose event could not be created.
	Unmirrored []int64 `json:"-"`
}

// Add folds o into r.
func (r *Result) Add(o Result) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Unchanged += o.Unchanged
	r.Failed += o.Failed
	r.Cancellations += o.Cancellations
	r.Deleted += o.Deleted
	r.Records = append(r.Records, o.Records...)
	r.Unmirrored = append(r.Unmirrored, o.Unmirrored...)
}

func (r *Result) count(o Outcome) {
	switch o {
	case Created:
		r.Created++
	case Updated:
		r.Updated++
	case Failed:
		r.Failed++
	default:
		r.Unchanged++
	}
}
