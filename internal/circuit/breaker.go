// Package circuit provides a circuit breaker that stops hammering an object
// store endpoint once it starts failing.
package circuit

import (
	"context"
	stderr "errors"
	"sync"
	"time"

	"github.com/n5stream/n5stream/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets requests through
	StateClosed State = iota
	// StateOpen rejects requests until Timeout elapses
	StateOpen
	// StateHalfOpen lets MaxRequests probes through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// MaxRequests allowed through while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval after which closed-state counts are cleared
	Interval time.Duration `yaml:"interval"`

	// Timeout spent open before probing again
	Timeout time.Duration `yaml:"timeout"`

	// FailureThreshold is the number of consecutive failures that trips the
	// breaker when ReadyToTrip is not set
	FailureThreshold uint32 `yaml:"failure_threshold"`

	ReadyToTrip   func(counts Counts) bool                  `yaml:"-"`
	OnStateChange func(name string, from State, to State) `yaml:"-"`

	// IsSuccessful decides whether err counts against the endpoint
	IsSuccessful func(err error) bool `yaml:"-"`
}

// Counts holds the numbers of requests and their successes/failures
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// ErrOpenState is returned while the breaker rejects requests.
var ErrOpenState = errors.NewError(errors.ErrCodeServiceUnavailable, "circuit breaker is open").
	WithComponent("circuit").
	WithRetryable(false)

// ErrTooManyRequests is returned when the half-open probe budget is spent.
var ErrTooManyRequests = errors.NewError(errors.ErrCodeServiceUnavailable, "too many requests in half-open state").
	WithComponent("circuit").
	WithRetryable(false)

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a breaker, filling zero config values with defaults.
func New(name string, config Config) *Breaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.ReadyToTrip == nil {
		threshold := config.FailureThreshold
		config.ReadyToTrip = func(c Counts) bool {
			return c.ConsecutiveFailures >= threshold
		}
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = IsSuccessful
	}

	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
}

// IsSuccessful is the default outcome classifier. Missing objects, missing
// buckets and caller cancellation say nothing about endpoint health.
func IsSuccessful(err error) bool {
	if err == nil {
		return true
	}
	if stderr.Is(err, context.Canceled) {
		return true
	}
	var nerr *errors.N5Error
	if stderr.As(err, &nerr) {
		switch nerr.Code {
		case errors.ErrCodeObjectNotFound, errors.ErrCodeBucketNotFound,
			errors.ErrCodeAccessDenied, errors.ErrCodeOperationCanceled:
			return true
		}
	}
	return false
}

// Execute runs fn if the breaker allows it
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(time.Now())
	if state == StateOpen {
		return ErrOpenState
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests {
		return ErrTooManyRequests
	}

	b.counts.onRequest()
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)

	if b.config.IsSuccessful(err) {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.config.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts.clear()
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	prev := b.state
	if prev == state {
		return
	}

	b.state = state
	b.counts.clear()

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears its counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.clear()
	b.setState(StateClosed, time.Now())
}

// Name returns the name of the breaker
func (b *Breaker) Name() string {
	return b.name
}

func (c *Counts) onRequest() {
	c.Requests++
	c.LastActivity = time.Now()
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	*c = Counts{}
}

// Manager hands out one breaker per name, typically per bucket.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewManager creates a new breaker manager
func NewManager(config Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   config,
	}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b = New(name, m.config)
	m.breakers[name] = b
	return b
}

// Open lists the names of breakers currently open.
func (m *Manager) Open() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var open []string
	for name, b := range m.breakers {
		if b.State() == StateOpen {
			open = append(open, name)
		}
	}
	return open
}
