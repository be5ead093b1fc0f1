package diff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"class-mirror-backend/internal/model"
)

var base = time.Date(2024, time.March, 1, 8, 0, 0, 0, time.UTC)

func lesson(id int64, subject, room, teacher string) model.Lesson {
	return model.Lesson{
		ID:      id,
		Start:   base,
		End:     base.Add(50 * time.Minute),
		Subject: subject,
		Room:    room,
		Teacher: teacher,
		Status:  model.StatusScheduled,
	}
}

func ids(lessons []model.Lesson) []int64 {
	out := make([]int64, 0, len(lessons))
	for _, l := range lessons {
		out = append(out, l.ID)
	}
	return out
}

func TestNewLessons(t *testing.T) {
	testCases := []struct {
		name     string
		previous []model.Lesson
		current  []model.Lesson
		expected []int64
	}{
		{
			name:     "Empty baseline returns everything in order",
			current:  []model.Lesson{lesson(3, "", "", ""), lesson(1, "", "", ""), lesson(2, "", "", "")},
			expected: []int64{3, 1, 2},
		},
		{
			name:     "Only unknown ids, original order",
			previous: []model.Lesson{lesson(1, "", "", ""), lesson(2, "", "", "")},
			current:  []model.Lesson{lesson(4, "", "", ""), lesson(2, "", "", ""), lesson(3, "", "", ""), lesson(1, "", "", "")},
			expected: []int64{4, 3},
		},
		{
			name:     "Field changes are not new lessons",
			previous: []model.Lesson{lesson(1, "Math", "12", "A")},
			current:  []model.Lesson{lesson(1, "Math", "14", "B")},
			expected: []int64{},
		},
		{
			name:     "Removed lessons are ignored",
			previous: []model.Lesson{lesson(1, "", "", ""), lesson(2, "", "", "")},
			current:  []model.Lesson{lesson(2, "", "", "")},
			expected: []int64{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ids(NewLessons(tc.previous, tc.current)))
		})
	}
}

func TestCompare_IdenticalIsNoop(t *testing.T) {
	l := lesson(1, "Math", "12", "A")
	ev := model.NewMirrorEvent("evt-1", l)

	assert.Empty(t, Compare(ev, l))
	_, changed := Classify(ev, l)
	assert.False(t, changed)
	assert.Empty(t, DetectChanges([]model.MirrorEvent{ev}, []model.Lesson{l}))
}

func TestCompare_Fields(t *testing.T) {
	mirrored := lesson(1, "Math", "12", "A")
	ev := model.NewMirrorEvent("evt-1", mirrored)

	moved := mirrored
	moved.Start = moved.Start.Add(time.Hour)
	moved.End = moved.End.Add(time.Hour)

	cancelled := mirrored
	cancelled.Status = model.StatusCancelled

	testCases := []struct {
		name     string
		current  model.Lesson
		expected []model.Field
	}{
		{name: "Room", current: lesson(1, "Math", "14", "A"), expected: []model.Field{model.FieldRoom}},
		{name: "Teacher and subject", current: lesson(1, "Physics", "12", "B"), expected: []model.Field{model.FieldSubject, model.FieldTeacher}},
		{name: "Status", current: cancelled, expected: []model.Field{model.FieldStatus}},
		{name: "Time", current: moved, expected: []model.Field{model.FieldTime}},
		{name: "Whitespace is trimmed", current: lesson(1, " Math ", "12 ", "A"), expected: []model.Field{}},
		{name: "Case sensitive", current: lesson(1, "math", "12", "A"), expected: []model.Field{model.FieldSubject}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Compare(ev, tc.current).Sorted())
		})
	}
}

func TestClassify_Cancellation(t *testing.T) {
	scheduled := lesson(1, "Math", "12", "A")
	cancelled := scheduled
	cancelled.Status = model.StatusCancelled

	c, changed := Classify(model.NewMirrorEvent("e", scheduled), cancelled)
	require.True(t, changed)
	assert.True(t, c.Cancelled, "scheduled -> cancelled signals a cancellation")

	c, changed = Classify(model.NewMirrorEvent("e", cancelled), scheduled)
	require.True(t, changed)
	assert.False(t, c.Cancelled, "reinstated lesson is an update only")
	oldV, newV := c.Values(model.FieldStatus)
	assert.Equal(t, "CANCELLED", oldV)
	assert.Equal(t, "SCHEDULED", newV)

	moved := cancelled
	moved.Room = "99"
	c, changed = Classify(model.NewMirrorEvent("e", cancelled), moved)
	require.True(t, changed)
	assert.False(t, c.Cancelled, "already cancelled lesson does not notify again")
}

func TestDetectChanges_JoinsByID(t *testing.T) {
	events := []model.MirrorEvent{
		model.NewMirrorEvent("e1", lesson(1, "Math", "12", "A")),
		model.NewMirrorEvent("e2", lesson(2, "Math", "12", "A")),
		model.NewMirrorEvent("stale", lesson(99, "Old", "1", "Z")),
	}
	current := []model.Lesson{
		lesson(2, "Math", "14", "A"),
		lesson(1, "Math", "12", "A"),
		lesson(3, "New", "1", "B"),
	}

	changes := DetectChanges(events, current)
	require.Len(t, changes, 1)
	assert.Equal(t, int64(2), changes[0].Lesson.ID)
	assert.Equal(t, "e2", changes[0].Event.MirrorID)
	oldV, newV := changes[0].Values(model.FieldRoom)
	assert.Equal(t, "12", oldV)
	assert.Equal(t, "14", newV)
}

func TestSnapshotEqual(t *testing.T) {
	a := []model.Lesson{lesson(1, "Math", "12", "A"), lesson(2, "Math", "12", "A")}
	b := []model.Lesson{lesson(1, "Math", "12", "A"), lesson(2, "Math", "12", "A")}
	assert.True(t, SnapshotEqual(a, b))

	b[1].Room = "14"
	assert.False(t, SnapshotEqual(a, b))
	assert.False(t, SnapshotEqual(a, a[:1]))
}
