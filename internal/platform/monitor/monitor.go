// Package monitor tracks the health of outbound dependencies with a
// per-service circuit breaker and deduplicated alerting.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opd/opd/internal/clock"
)

// BreakerState is the circuit breaker state for a tracked service.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned by Do when the breaker rejects a call.
var ErrCircuitOpen = errors.New("monitor: circuit open")

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
	defaultAlertCooldown    = 5 * time.Minute
	maxIncidents            = 50
)

// Config tunes the monitor. Zero values fall back to the defaults.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	AlertCooldown    time.Duration
}

// Incident is a recorded service failure kept for the health endpoint.
type Incident struct {
	Service    string    `json:"service"`
	Error      string    `json:"error"`
	State      string    `json:"state"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ServiceHealth is the per-service snapshot exposed by HealthStatus.
type ServiceHealth struct {
	State        BreakerState `json:"state"`
	Failures     int          `json:"consecutive_failures"`
	LastFailure  *time.Time   `json:"last_failure,omitempty"`
	LastSuccess  *time.Time   `json:"last_success,omitempty"`
	OpenedAt     *time.Time   `json:"opened_at,omitempty"`
	TotalCalls   int64        `json:"total_calls"`
	TotalErrors  int64        `json:"total_errors"`
	TotalTripped int64        `json:"total_rejected"`
}

type service struct {
	state       BreakerState
	failures    int
	lastFailure time.Time
	lastSuccess time.Time
	openedAt    time.Time
	lastAlert   time.Time
	totalCalls  int64
	totalErrors int64
	rejected    int64
}

// Monitor coordinates breaker state across tracked services. All methods
// are safe for concurrent use.
type Monitor struct {
	cfg Config
	clk clock.Clock
	log zerolog.Logger

	mu        sync.Mutex
	services  map[string]*service
	incidents []Incident
}

func New(cfg Config, clk clock.Clock, log zerolog.Logger) *Monitor {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = defaultAlertCooldown
	}
	return &Monitor{
		cfg:      cfg,
		clk:      clk,
		log:      log.With().Str("component", "monitor").Logger(),
		services: make(map[string]*service),
	}
}

// TrackService registers a service so it appears in HealthStatus before
// its first call.
func (m *Monitor) TrackService(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(name)
}

// get returns the tracked service, creating it closed. Caller holds mu.
func (m *Monitor) get(name string) *service {
	s, ok := m.services[name]
	if !ok {
		s = &service{state: StateClosed}
		m.services[name] = s
	}
	return s
}

// Allow reports whether a call to name may proceed, transitioning an open
// breaker to half-open once the cooldown has elapsed.
func (m *Monitor) Allow(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.get(name)
	switch s.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if m.clk.Now().Sub(s.openedAt) >= m.cfg.Cooldown {
			s.state = StateHalfOpen
			m.log.Info().Str("service", name).Msg("circuit half-open, allowing probe")
			return true
		}
		s.rejected++
		return false
	}
	return true
}

// Do runs op under the breaker for name. When the breaker is open the call
// is rejected with ErrCircuitOpen without invoking op.
func (m *Monitor) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	if !m.Allow(name) {
		return ErrCircuitOpen
	}
	if err := op(ctx); err != nil {
		m.RecordFailure(name, err)
		return err
	}
	m.RecordSuccess(name)
	return nil
}

// RecordSuccess resets the failure count and closes a half-open breaker.
func (m *Monitor) RecordSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.get(name)
	s.totalCalls++
	s.lastSuccess = m.clk.Now()
	s.failures = 0
	if s.state != StateClosed {
		m.log.Info().Str("service", name).Str("from", string(s.state)).Msg("circuit closed")
		s.state = StateClosed
		s.openedAt = time.Time{}
	}
}

// RecordFailure increments the failure count, trips the breaker at the
// threshold, and re-opens a half-open breaker on a failed probe.
func (m *Monitor) RecordFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	s := m.get(name)
	s.totalCalls++
	s.totalErrors++
	s.failures++
	s.lastFailure = now

	m.incidents = append(m.incidents, Incident{
		Service:    name,
		Error:      err.Error(),
		State:      string(s.state),
		OccurredAt: now,
	})
	if len(m.incidents) > maxIncidents {
		m.incidents = m.incidents[len(m.incidents)-maxIncidents:]
	}

	trip := false
	switch s.state {
	case StateHalfOpen:
		trip = true
	case StateClosed:
		trip = s.failures >= m.cfg.FailureThreshold
	}
	if trip {
		s.state = StateOpen
		s.openedAt = now
		m.alert(s, name, err, now)
	}
}

// alert logs a breaker-open alert unless one fired for this service within
// the alert cooldown. Caller holds mu.
func (m *Monitor) alert(s *service, name string, err error, now time.Time) {
	if !s.lastAlert.IsZero() && now.Sub(s.lastAlert) < m.cfg.AlertCooldown {
		m.log.Warn().Str("service", name).Err(err).Msg("circuit opened (alert suppressed)")
		return
	}
	s.lastAlert = now
	m.log.Error().
		Str("service", name).
		Int("consecutive_failures", s.failures).
		Err(err).
		Msg("circuit opened")
}

// State returns the current breaker state for name.
func (m *Monitor) State(name string) BreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(name).state
}

// HealthStatus returns a snapshot of every tracked service.
func (m *Monitor) HealthStatus() map[string]ServiceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]ServiceHealth, len(m.services))
	for name, s := range m.services {
		h := ServiceHealth{
			State:        s.state,
			Failures:     s.failures,
			TotalCalls:   s.totalCalls,
			TotalErrors:  s.totalErrors,
			TotalTripped: s.rejected,
		}
		if !s.lastFailure.IsZero() {
			t := s.lastFailure
			h.LastFailure = &t
		}
		if !s.lastSuccess.IsZero() {
			t := s.lastSuccess
			h.LastSuccess = &t
		}
		if !s.openedAt.IsZero() {
			t := s.openedAt
			h.OpenedAt = &t
		}
		out[name] = h
	}
	return out
}

// Incidents returns the most recent recorded failures, newest last.
func (m *Monitor) Incidents() []Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Incident, len(m.incidents))
	copy(out, m.incidents)
	return out
}
