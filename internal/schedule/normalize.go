package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"class-mirror-backend/internal/model"
	"class-mirror-backend/internal/parse"
	"class-mirror-backend/internal/untis"
)

// ErrFiltered is returned for entries whose subject is not in the allow-list.
var ErrFiltered = errors.New("subject not in allow-list")

// Normalizer turns raw provider entries into Lessons.
type Normalizer struct {
	allow map[string]struct{}
	loc   *time.Location
}

// NewNormalizer creates a Normalizer. An empty subject list accepts every entry.
func NewNormalizer(subjects []string, loc *time.Location) *Normalizer {
	allow := make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		if s = strings.TrimSpace(s); s != "" {
			allow[s] = struct{}{}
		}
	}
	if loc == nil {
		loc = time.Local
	}
	return &Normalizer{allow: allow, loc: loc}
}

// Location returns the timezone lessons are normalized into.
func (n *Normalizer) Location() *time.Location {
	return n.loc
}

// Allowed reports whether a subject passes the allow-list. Both the short
// code and the long name are accepted as keys.
func (n *Normalizer) Allowed(code, name string) bool {
	if len(n.allow) == 0 {
		return true
	}
	if _, ok := n.allow[code]; ok && code != "" {
		return true
	}
	_, ok := n.allow[name]
	return ok && name != ""
}

// Normalize converts one raw entry. Missing subject, room or teacher records
// become empty strings. It returns ErrFiltered for entries outside the
// allow-list and a parse error when the entry's date or times are unusable.
func (n *Normalizer) Normalize(raw untis.RawEntry) (model.Lesson, error) {
	subject := first(raw.Subjects)
	code := strings.TrimSpace(subject.Name)
	name := longOrShort(subject)

	if !n.Allowed(code, name) {
		return model.Lesson{}, ErrFiltered
	}

	start, err := parse.Instant(raw.Date, raw.StartTime, n.loc)
	if err != nil {
		return model.Lesson{}, fmt.Errorf("lesson %d start: %w", raw.ID, err)
	}
	end, err := parse.Instant(raw.Date, raw.EndTime, n.loc)
	if err != nil {
		return model.Lesson{}, fmt.Errorf("lesson %d end: %w", raw.ID, err)
	}

	return model.Lesson{
		ID:               raw.ID,
		Start:            start,
		End:              end,
		SubjectCode:      code,
		Subject:          name,
		Room:             strings.TrimSpace(first(raw.Rooms).Name),
		Teacher:          longOrShort(first(raw.Teachers)),
		Status:           model.StatusFromCode(raw.Code),
		SubstitutionNote: note(raw.SubstText, raw.LsText),
	}, nil
}

func first(elems []untis.Element) untis.Element {
	if len(elems) == 0 {
		return untis.Element{}
	}
	return elems[0]
}

func longOrShort(e untis.Element) string {
	if s := strings.TrimSpace(e.LongName); s != "" {
		return s
	}
	return strings.TrimSpace(e.Name)
}

func note(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "; ")
}
