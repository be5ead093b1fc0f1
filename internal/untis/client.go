package untis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"class-mirror-backend/config"
	"class-mirror-backend/internal/logging"
	"class-mirror-backend/internal/parse"
)

// elementTypeClass is the provider's element type for a school class.
const elementTypeClass = 1

// Client talks to the schedule provider's JSON-RPC endpoint. It keeps one
// session at a time and paces outgoing requests with a rate limiter.
type Client struct {
	endpoint   string
	school     string
	username   string
	password   string
	clientName string
	http       *http.Client
	limiter    *rate.Limiter
	logger     *log.Logger

	mu      sync.Mutex
	session *authResult
}

// NewClient creates a provider client from the source configuration.
func NewClient(cfg config.SourceConfig, logger *log.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Limit(cfg.RateLimitPerSec)
	if cfg.RateLimitPerSec <= 0 {
		limit = rate.Inf
	}
	return &Client{
		endpoint:   strings.TrimRight(cfg.URL, "/") + "/WebUntis/jsonrpc.do?school=" + url.QueryEscape(cfg.School),
		school:     cfg.School,
		username:   cfg.Username,
		password:   cfg.Password,
		clientName: cfg.ClientName,
		http:       &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logging.Component(logger, "untis"),
	}
}

// Login authenticates and stores the new session.
func (c *Client) Login(ctx context.Context) error {
	params := map[string]string{
		"user":     c.username,
		"password": c.password,
		"client":   c.clientName,
	}
	var res authResult
	if err := c.call(ctx, "authenticate", params, &res); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if res.SessionID == "" {
		return errors.New("login failed: empty session id")
	}

	c.mu.Lock()
	c.session = &res
	c.mu.Unlock()

	c.logger.Debug("logged in", "school", c.school, "class_id", res.KlasseID)
	return nil
}

// Logout ends the current session. It is a no-op without a session.
func (c *Client) Logout(ctx context.Context) error {
	if c.currentSession() == nil {
		return nil
	}
	err := c.call(ctx, "logout", map[string]any{}, nil)

	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	return nil
}

// SessionValid checks the session with a cheap authenticated call.
func (c *Client) SessionValid(ctx context.Context) bool {
	if c.currentSession() == nil {
		return false
	}
	var importTime int64
	if err := c.call(ctx, "getLatestImportTime", map[string]any{}, &importTime); err != nil {
		c.logger.Debug("session check failed", "err", err)
		return false
	}
	return true
}

// LessonsFor returns the raw timetable entries of the own class for one day.
// ErrEndOfData signals that the provider has no data for that day.
func (c *Client) LessonsFor(ctx context.Context, day time.Time) ([]RawEntry, error) {
	sess := c.currentSession()
	if sess == nil {
		return nil, ErrNotAuthenticated
	}

	date := parse.DateNumber(day)
	params := map[string]any{
		"options": map[string]any{
			"id":            time.Now().UnixMilli(),
			"element":       map[string]any{"id": sess.KlasseID, "type": elementTypeClass},
			"startDate":     date,
			"endDate":       date,
			"showLsText":    true,
			"showSubstText": true,
			"klasseFields":  []string{"id", "name", "longname"},
			"roomFields":    []string{"id", "name", "longname"},
			"subjectFields": []string{"id", "name", "longname"},
			"teacherFields": []string{"id", "name", "longname"},
		},
	}

	var entries []RawEntry
	if err := c.call(ctx, "getTimetable", params, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) currentSession() *authResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// call performs one JSON-RPC request and decodes its result into out.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(rpcRequest{
		ID:      strconv.FormatInt(time.Now().UnixNano(), 10),
		Method:  method,
		Params:  params,
		JSONRPC: "2.0",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sess := c.currentSession(); sess != nil {
		req.AddCookie(&http.Cookie{Name: "JSESSIONID", Value: sess.SessionID})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("received non-200 status code: %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("failed to unmarshal rpc response: %w", err)
	}

	if rpcResp.Error != nil {
		switch rpcResp.Error.Code {
		case codeNoAllowedDate:
			return ErrEndOfData
		case codeNotAuthenticated:
			c.mu.Lock()
			c.session = nil
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotAuthenticated, rpcResp.Error.Message)
		default:
			return rpcResp.Error
		}
	}

	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return ErrEndOfData
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}
