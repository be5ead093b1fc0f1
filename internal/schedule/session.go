package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"class-mirror-backend/internal/logging"
	"class-mirror-backend/internal/untis"
)

// Provider is the source schedule capability set the engine depends on.
type Provider interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	LessonsFor(ctx context.Context, day time.Time) ([]untis.RawEntry, error)
	SessionValid(ctx context.Context) bool
}

// Session owns the provider login state and re-authenticates when the
// provider reports the session as no longer valid.
type Session struct {
	provider Provider
	logger   *log.Logger
	mu       sync.Mutex
}

// NewSession wraps a provider.
func NewSession(p Provider, logger *log.Logger) *Session {
	return &Session{provider: p, logger: logging.Component(logger, "session")}
}

// Ensure logs in unless the current session is still valid.
func (s *Session) Ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.provider.SessionValid(ctx) {
		return nil
	}
	s.logger.Info("session invalid, logging in")
	if err := s.provider.Login(ctx); err != nil {
		return fmt.Errorf("re-authentication failed: %w", err)
	}
	return nil
}

// LessonsFor fetches raw entries for one day. Callers run Ensure first.
func (s *Session) LessonsFor(ctx context.Context, day time.Time) ([]untis.RawEntry, error) {
	return s.provider.LessonsFor(ctx, day)
}

// Close logs out. Errors are logged, not returned, since the process is
// usually shutting down at this point.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.provider.Logout(ctx); err != nil {
		s.logger.Warn("logout failed", "err", err)
	}
}
