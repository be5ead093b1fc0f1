// Package gcal mirrors lessons into a Google Calendar through its REST API.
package gcal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"

	"class-mirror-backend/config"
	"class-mirror-backend/internal/logging"
	"class-mirror-backend/internal/mirror"
	"class-mirror-backend/internal/model"
)

const (
	defaultBaseURL  = "https://www.googleapis.com/calendar/v3"
	defaultTokenURL = "https://oauth2.googleapis.com/token"
	pageSize        = 2500
)

// Calendar implements mirror.Calendar against one Google calendar.
type Calendar struct {
	baseURL    string
	calendarID string
	window     time.Duration
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	logger     *log.Logger
}

var _ mirror.Calendar = (*Calendar)(nil)

// New creates a Calendar that authenticates with the configured refresh token.
func New(cfg config.CalendarConfig, logger *log.Logger) *Calendar {
	tokenURL := cfg.Google.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		Scopes:       []string{"https://www.googleapis.com/auth/calendar"},
	}
	src := oauthCfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: cfg.Google.RefreshToken})
	return NewWithTokenSource(cfg, src, logger)
}

// NewWithTokenSource creates a Calendar that takes its tokens from src.
func NewWithTokenSource(cfg config.CalendarConfig, src oauth2.TokenSource, logger *log.Logger) *Calendar {
	baseURL := cfg.Google.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	calendarID := cfg.Google.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	timeout := time.Duration(cfg.Google.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	c := &Calendar{
		baseURL:    baseURL,
		calendarID: calendarID,
		window:     time.Duration(cfg.WindowDays) * 24 * time.Hour,
		client: &http.Client{
			Timeout: timeout,
			Transport: &oauth2.Transport{
				Base:   http.DefaultTransport,
				Source: oauth2.ReuseTokenSource(nil, src),
			},
		},
		logger: logging.Component(logger, "gcal"),
	}
	c.breaker = newBreaker("gcal", cfg.Breaker, c.logger)
	return c
}

func newBreaker(name string, cfg config.BreakerConfig, logger *log.Logger) *gobreaker.CircuitBreaker[*http.Response] {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    name,
		Timeout: time.Duration(cfg.OpenTimeoutSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

func (c *Calendar) eventsURL() string {
	return fmt.Sprintf("%s/calendars/%s/events", c.baseURL, url.PathEscape(c.calendarID))
}

func (c *Calendar) eventURL(mirrorID string) string {
	return c.eventsURL() + "/" + url.PathEscape(mirrorID)
}

// do sends a request through the breaker. Transport errors, 429 and 5xx
// count as breaker failures and come back as errors; any other response is
// returned for the caller to inspect.
func (c *Calendar) do(ctx context.Context, method, target string, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}

	return c.breaker.Execute(func() (*http.Response, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			defer resp.Body.Close()
			return nil, responseError(resp)
		}
		return resp, nil
	})
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("google calendar request failed: status=%d body=%s", resp.StatusCode, string(body))
}

func success(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func gone(resp *http.Response) bool {
	return resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone
}

// ListEvents returns the mirrored events starting in the window that opens at from.
func (c *Calendar) ListEvents(ctx context.Context, from time.Time) ([]model.MirrorEvent, error) {
	q := url.Values{}
	q.Set("privateExtendedProperty", propMirror+"=1")
	q.Set("timeMin", from.UTC().Format(time.RFC3339))
	if c.window > 0 {
		q.Set("timeMax", from.Add(c.window).UTC().Format(time.RFC3339))
	}
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")
	q.Set("maxResults", fmt.Sprint(pageSize))

	var events []model.MirrorEvent
	for {
		resp, err := c.do(ctx, http.MethodGet, c.eventsURL()+"?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to list events: %w", err)
		}
		var page eventList
		err = decode(resp, &page)
		if err != nil {
			return nil, fmt.Errorf("failed to list events: %w", err)
		}

		for _, e := range page.Items {
			ev, ok := fromEvent(e)
			if !ok || ev.Presentation.Start.Before(from) {
				continue
			}
			events = append(events, ev)
		}

		if page.NextPageToken == "" {
			break
		}
		q.Set("pageToken", page.NextPageToken)
	}

	c.logger.Debug("listed events", "from", from.Format(time.DateOnly), "count", len(events))
	return events, nil
}

func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if !success(resp) {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CreateEvent inserts the event and returns its Google id.
func (c *Calendar) CreateEvent(ctx context.Context, ev model.MirrorEvent) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, c.eventsURL(), toEvent(ev))
	if err != nil {
		return "", err
	}
	var created event
	if err := decode(resp, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", errors.New("google calendar returned an event without id")
	}
	return created.ID, nil
}

// UpdateEvent patches the changed fields of an existing event.
func (c *Calendar) UpdateEvent(ctx context.Context, mirrorID string, ev model.MirrorEvent, fields model.FieldSet) error {
	resp, err := c.do(ctx, http.MethodPatch, c.eventURL(mirrorID), toPatch(ev, fields))
	if err != nil {
		return err
	}
	if gone(resp) {
		resp.Body.Close()
		return fmt.Errorf("event %s: %w", mirrorID, mirror.ErrNotFound)
	}
	return decode(resp, nil)
}

// DeleteEvent removes an event. Events that are already gone count as deleted.
func (c *Calendar) DeleteEvent(ctx context.Context, mirrorID string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.eventURL(mirrorID), nil)
	if err != nil {
		return err
	}
	if gone(resp) {
		resp.Body.Close()
		return nil
	}
	return decode(resp, nil)
}

// DeleteEventsFrom deletes every mirrored event in the window starting at from.
// It keeps going after single failures and reports them together.
func (c *Calendar) DeleteEventsFrom(ctx context.Context, from time.Time) (int, error) {
	events, err := c.ListEvents(ctx, from)
	if err != nil {
		return 0, err
	}

	var (
		deleted int
		errs    []error
	)
	for i, ev := range events {
		if err := c.DeleteEvent(ctx, ev.MirrorID); err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", ev.MirrorID, err))
			continue
		}
		deleted++
		c.logger.Debug("deleted events", "done", i+1, "total", len(events))
	}
	return deleted, errors.Join(errs...)
}
