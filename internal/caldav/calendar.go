// Package caldav mirrors lessons into a CalDAV calendar collection.
package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/sony/gobreaker/v2"

	"class-mirror-backend/config"
	"class-mirror-backend/internal/logging"
	"class-mirror-backend/internal/mirror"
	"class-mirror-backend/internal/model"
)

// Calendar implements mirror.Calendar on one CalDAV collection. Every lesson
// lives in its own object whose path is the mirror id.
type Calendar struct {
	client  *caldav.Client
	window  time.Duration
	breaker *gobreaker.CircuitBreaker[any]
	logger  *log.Logger
	now     func() time.Time

	mu      sync.Mutex
	calPath string
}

var _ mirror.Calendar = (*Calendar)(nil)

// New creates a Calendar. The collection is discovered from the principal
// when calendar_path is empty.
func New(cfg config.CalendarConfig, logger *log.Logger) (*Calendar, error) {
	timeout := time.Duration(cfg.CalDAV.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := statusClient{
		next: webdav.HTTPClientWithBasicAuth(&http.Client{Timeout: timeout}, cfg.CalDAV.Username, cfg.CalDAV.Password),
	}

	client, err := caldav.NewClient(httpClient, cfg.CalDAV.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	l := logging.Component(logger, "caldav")
	threshold := cfg.Breaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	return &Calendar{
		client: client,
		window: time.Duration(cfg.WindowDays) * 24 * time.Hour,
		breaker: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:    "caldav",
			Timeout: time.Duration(cfg.Breaker.OpenTimeoutSeconds) * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, mirror.ErrNotFound)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				l.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		logger:  l,
		now:     time.Now,
		calPath: normalizePath(cfg.CalDAV.CalendarPath),
	}, nil
}

func normalizePath(p string) string {
	if p == "" || strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// statusClient turns 404 and 410 responses into mirror.ErrNotFound before
// the webdav client folds them into its own error type.
type statusClient struct {
	next webdav.HTTPClient
}

func (c statusClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.next.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, mirror.ErrNotFound)
	}
	return resp, nil
}

// run executes fn through the breaker. Missing objects are not failures.
func (c *Calendar) run(fn func() (any, error)) (any, error) {
	return c.breaker.Execute(fn)
}

func (c *Calendar) collection(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calPath != "" {
		return c.calPath, nil
	}

	principal, err := c.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal: %w", err)
	}
	homeSet, err := c.client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}
	cals, err := c.client.FindCalendars(ctx, homeSet)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}
	if len(cals) == 0 {
		return "", errors.New("no calendars found")
	}

	c.calPath = normalizePath(cals[0].Path)
	c.logger.Info("using calendar", "path", c.calPath, "name", cals[0].Name)
	return c.calPath, nil
}

func (c *Calendar) query(from time.Time) *caldav.CalendarQuery {
	filter := caldav.CompFilter{Name: "VEVENT", Start: from}
	if c.window > 0 {
		filter.End = from.Add(c.window)
	}
	return &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  "VCALENDAR",
			Props: []string{"VERSION"},
			Comps: []caldav.CalendarCompRequest{{
				Name:     "VEVENT",
				AllProps: true,
			}},
		},
		CompFilter: caldav.CompFilter{
			Name:  "VCALENDAR",
			Comps: []caldav.CompFilter{filter},
		},
	}
}

// ListEvents returns the mirrored events starting in the window that opens at from.
func (c *Calendar) ListEvents(ctx context.Context, from time.Time) ([]model.MirrorEvent, error) {
	calPath, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}

	v, err := c.run(func() (any, error) {
		return c.client.QueryCalendar(ctx, calPath, c.query(from))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}
	objects, _ := v.([]caldav.CalendarObject)

	events := make([]model.MirrorEvent, 0, len(objects))
	for i := range objects {
		ev, ok := fromObject(&objects[i])
		if !ok || ev.Presentation.Start.Before(from) {
			continue
		}
		events = append(events, ev)
	}
	c.logger.Debug("listed events", "from", from.Format(time.DateOnly), "count", len(events))
	return events, nil
}

func (c *Calendar) put(ctx context.Context, path string, ev model.MirrorEvent) error {
	_, err := c.run(func() (any, error) {
		return c.client.PutCalendarObject(ctx, path, toCalendar(ev, c.now()))
	})
	return err
}

// CreateEvent stores a new object and returns its path.
func (c *Calendar) CreateEvent(ctx context.Context, ev model.MirrorEvent) (string, error) {
	calPath, err := c.collection(ctx)
	if err != nil {
		return "", err
	}
	path := calPath + objectName(ev.LessonID)
	if err := c.put(ctx, path, ev); err != nil {
		return "", fmt.Errorf("failed to put %s: %w", path, err)
	}
	return path, nil
}

// UpdateEvent rewrites the whole object; CalDAV has no partial update.
func (c *Calendar) UpdateEvent(ctx context.Context, mirrorID string, ev model.MirrorEvent, _ model.FieldSet) error {
	if err := c.put(ctx, mirrorID, ev); err != nil {
		return fmt.Errorf("failed to put %s: %w", mirrorID, err)
	}
	return nil
}

// DeleteEvent removes an object. Objects that are already gone count as deleted.
func (c *Calendar) DeleteEvent(ctx context.Context, mirrorID string) error {
	_, err := c.run(func() (any, error) {
		return nil, c.client.RemoveAll(ctx, mirrorID)
	})
	if err != nil && !errors.Is(err, mirror.ErrNotFound) {
		return fmt.Errorf("failed to delete %s: %w", mirrorID, err)
	}
	return nil
}

// DeleteEventsFrom deletes every mirrored event in the window starting at from.
func (c *Calendar) DeleteEventsFrom(ctx context.Context, from time.Time) (int, error) {
	events, err := c.ListEvents(ctx, from)
	if err != nil {
		return 0, err
	}

	var (
		deleted int
		errs    []error
	)
	for _, ev := range events {
		if err := c.DeleteEvent(ctx, ev.MirrorID); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}
