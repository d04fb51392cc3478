// Package security provides the default input validation, rate limiting and
// security event service consulted before an agent runs.
package security

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/nexus/internal/common/config"
	"github.com/kandev/nexus/internal/common/errors"
	"github.com/kandev/nexus/internal/common/logger"
)

// Input types understood by ValidateInput. Anything else is treated as text.
const (
	InputTypeText     = "text"
	InputTypeEmail    = "email"
	InputTypeURL      = "url"
	InputTypeFilename = "filename"
)

// Security event types.
const (
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventValidationFailed  = "validation_failed"
	EventPathTraversal     = "path_traversal"
	EventPermissionDenied  = "permission_denied"
)

var ErrPathTraversal = stderrors.New("path traversal detected")

// Service is the security collaborator injected into the executor.
type Service interface {
	// ValidateInput returns CONFIGURATION_INVALID for malformed input and
	// SECURITY_VIOLATION for input rejected on security grounds.
	ValidateInput(input string, inputType string) error
	// CheckRateLimit reports whether another request for key is allowed.
	CheckRateLimit(key string) bool
	LogSecurityEvent(eventType string, details string)
}

// EventPublisher forwards security events outside the process.
type EventPublisher interface {
	PublishSecurityEvent(ctx context.Context, eventType, details string)
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	ActiveRateLimiters int  `json:"active_rate_limiters"`
	RateLimitEnabled   bool `json:"rate_limit_enabled"`
	AuditEnabled       bool `json:"audit_enabled"`
}

// Manager is the default Service.
type Manager struct {
	cfg       config.SecurityConfig
	logger    *logger.Logger
	publisher EventPublisher
	now       func() time.Time

	mu        sync.Mutex
	limiters  map[string]*slidingWindow
	lastSweep time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher forwards every audited event to p.
func WithPublisher(p EventPublisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager from configuration.
func NewManager(cfg config.SecurityConfig, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "security")),
		now:      time.Now,
		limiters: make(map[string]*slidingWindow),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.logger.Info("security manager initialized",
		zap.Bool("rate_limit", cfg.RateLimit.Enabled),
		zap.Int("max_requests", cfg.RateLimit.MaxRequests),
		zap.Duration("window", cfg.RateLimit.TimeWindow()),
		zap.Bool("audit", cfg.Audit.Enabled))
	return m
}

// CheckRateLimit applies a per-key sliding window.
func (m *Manager) CheckRateLimit(key string) bool {
	if !m.cfg.RateLimit.Enabled {
		return true
	}

	m.mu.Lock()
	now := m.now()
	m.sweepLocked(now)
	w, ok := m.limiters[key]
	if !ok {
		w = &slidingWindow{max: m.cfg.RateLimit.MaxRequests, window: m.cfg.RateLimit.TimeWindow()}
		m.limiters[key] = w
	}
	allowed := w.allow(now)
	m.mu.Unlock()

	if !allowed {
		m.logger.Warn("rate limit exceeded", zap.String("key", key))
		m.LogSecurityEvent(EventRateLimitExceeded, "key: "+key)
	}
	return allowed
}

// ValidateInput checks length and type-specific format.
func (m *Manager) ValidateInput(input string, inputType string) error {
	if limit := m.cfg.Validation.MaxInputLength; limit > 0 && len(input) > limit {
		return errors.ConfigurationInvalid(fmt.Sprintf("Input validation failed for type %s: input too long: %d > %d", inputType, len(input), limit))
	}

	switch inputType {
	case InputTypeEmail:
		if !strings.Contains(input, "@") || !strings.Contains(input, ".") {
			return errors.ConfigurationInvalid("Input validation failed for type email: invalid email format")
		}
	case InputTypeURL:
		if !strings.HasPrefix(input, "http://") && !strings.HasPrefix(input, "https://") {
			return errors.ConfigurationInvalid("Input validation failed for type url: URL must start with http:// or https://")
		}
	case InputTypeFilename:
		if m.cfg.Validation.PathTraversalProtection && hasTraversal(input) {
			m.LogSecurityEvent(EventPathTraversal, "input: "+input)
			appErr := errors.SecurityViolation("Input validation failed for type filename: path traversal detected in filename")
			appErr.Err = ErrPathTraversal
			return appErr
		}
	}
	return nil
}

// LogSecurityEvent records an audit entry when auditing is enabled.
func (m *Manager) LogSecurityEvent(eventType string, details string) {
	if !m.cfg.Audit.Enabled {
		return
	}
	m.logger.Info("security event",
		zap.String("event_type", eventType),
		zap.String("details", details))
	if m.publisher != nil {
		m.publisher.PublishSecurityEvent(context.Background(), eventType, details)
	}
}

// Stats returns the current manager statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ActiveRateLimiters: len(m.limiters),
		RateLimitEnabled:   m.cfg.RateLimit.Enabled,
		AuditEnabled:       m.cfg.Audit.Enabled,
	}
}

// sweepLocked drops keys with no request inside the window, at most once per
// window.
func (m *Manager) sweepLocked(now time.Time) {
	window := m.cfg.RateLimit.TimeWindow()
	if now.Sub(m.lastSweep) < window {
		return
	}
	m.lastSweep = now
	cutoff := now.Add(-window)
	for key, w := range m.limiters {
		if w.idle(cutoff) {
			delete(m.limiters, key)
		}
	}
}

func hasTraversal(s string) bool {
	return strings.Contains(s, "../") || strings.Contains(s, `..\`)
}

// slidingWindow keeps the timestamps of accepted requests within the window.
type slidingWindow struct {
	max      int
	window   time.Duration
	requests []time.Time
}

func (w *slidingWindow) allow(now time.Time) bool {
	cutoff := now.Add(-w.window)
	kept := w.requests[:0]
	for _, t := range w.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.requests = kept

	if len(w.requests) >= w.max {
		return false
	}
	w.requests = append(w.requests, now)
	return true
}

func (w *slidingWindow) idle(cutoff time.Time) bool {
	return len(w.requests) == 0 || !w.requests[len(w.requests)-1].After(cutoff)
}
