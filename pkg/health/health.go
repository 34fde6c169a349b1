// Package health tracks the health of n5stream components and reports it over
// HTTP next to the metrics endpoint.
package health

import (
	"encoding/json"
	stderr "errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/n5stream/n5stream/pkg/errors"
)

// State is the health of one component. Higher values are worse.
type State int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy State = iota

	// StateDegraded indicates requests are failing but some still succeed
	StateDegraded

	// StateReadOnly indicates writes are failing while reads still work
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Component is a snapshot of one tracked component.
type Component struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	LastStateChange   time.Time `json:"last_state_change"`
	LastCheck         time.Time `json:"last_check"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
}

// Config sets the error counts at which a component degrades.
type Config struct {
	// ErrorThreshold consecutive errors mark a component degraded (or
	// read-only when the last error was a write failure)
	ErrorThreshold int `yaml:"error_threshold"`

	// UnavailableThreshold consecutive errors mark a component unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold"`
}

// ChangeFunc is called after a component changes state.
type ChangeFunc func(component string, from, to State, err error)

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
	}
}

// Tracker tracks registered components. A nil *Tracker ignores all records.
type Tracker struct {
	mu         sync.RWMutex
	config     Config
	components map[string]*Component
	onChange   []ChangeFunc
}

// NewTracker creates a tracker, filling zero thresholds with defaults.
func NewTracker(config Config) *Tracker {
	def := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = def.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = max(def.UnavailableThreshold, config.ErrorThreshold)
	}
	return &Tracker{
		config:     config,
		components: make(map[string]*Component),
	}
}

// Register starts tracking name as healthy. Registering twice is a no-op.
func (t *Tracker) Register(name string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.components[name]; !ok {
		now := time.Now()
		t.components[name] = &Component{Name: name, State: StateHealthy, LastStateChange: now, LastCheck: now}
	}
}

// OnChange registers fn for state transitions.
func (t *Tracker) OnChange(fn ChangeFunc) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = append(t.onChange, fn)
}

// Record feeds the outcome of one operation into the component's state.
func (t *Tracker) Record(name string, err error) {
	if err == nil {
		t.RecordSuccess(name)
		return
	}
	t.RecordError(name, err)
}

// RecordSuccess clears the component's error streak and makes it healthy.
func (t *Tracker) RecordSuccess(name string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	c, ok := t.components[name]
	if !ok {
		t.mu.Unlock()
		return
	}
	c.LastCheck = time.Now()
	c.ConsecutiveErrors = 0
	from := c.State
	t.transition(c, StateHealthy, "")
	hooks := t.onChange
	t.mu.Unlock()

	notify(hooks, name, from, StateHealthy, nil)
}

// RecordError counts a failed operation against the component.
func (t *Tracker) RecordError(name string, err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	c, ok := t.components[name]
	if !ok {
		t.mu.Unlock()
		return
	}
	c.LastCheck = time.Now()
	c.ConsecutiveErrors++

	to := c.State
	switch {
	case c.ConsecutiveErrors >= t.config.UnavailableThreshold:
		to = StateUnavailable
	case c.ConsecutiveErrors >= t.config.ErrorThreshold:
		to = StateDegraded
		if isWriteError(err) {
			to = StateReadOnly
		}
	}
	from := c.State
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.transition(c, to, msg)
	hooks := t.onChange
	t.mu.Unlock()

	notify(hooks, name, from, to, err)
}

// Set forces a component into state, e.g. when its circuit breaker opens.
func (t *Tracker) Set(name string, state State, err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	c, ok := t.components[name]
	if !ok {
		t.mu.Unlock()
		return
	}
	from := c.State
	msg := c.LastError
	if err != nil {
		msg = err.Error()
	}
	if state == StateHealthy {
		c.ConsecutiveErrors = 0
	}
	t.transition(c, state, msg)
	hooks := t.onChange
	t.mu.Unlock()

	notify(hooks, name, from, state, err)
}

// must hold t.mu
func (t *Tracker) transition(c *Component, to State, lastErr string) {
	if to == StateHealthy {
		c.LastError = ""
	} else if lastErr != "" {
		c.LastError = lastErr
	}
	if c.State != to {
		c.State = to
		c.LastStateChange = time.Now()
	}
}

func notify(hooks []ChangeFunc, name string, from, to State, err error) {
	if from == to {
		return
	}
	for _, fn := range hooks {
		fn(name, from, to, err)
	}
}

// State returns the state of name; unknown components are unavailable.
func (t *Tracker) State(name string) State {
	if t == nil {
		return StateUnavailable
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.components[name]; ok {
		return c.State
	}
	return StateUnavailable
}

// CanRead reports whether name still serves reads.
func (t *Tracker) CanRead(name string) bool {
	return t.State(name) != StateUnavailable
}

// CanWrite reports whether name still accepts writes.
func (t *Tracker) CanWrite(name string) bool {
	s := t.State(name)
	return s == StateHealthy || s == StateDegraded
}

// Components returns snapshots of all components sorted by name.
func (t *Tracker) Components() []Component {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	out := make([]Component, 0, len(t.components))
	for _, c := range t.components {
		out = append(out, *c)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall is the worst state among all components.
func (t *Tracker) Overall() State {
	overall := StateHealthy
	for _, c := range t.Components() {
		if c.State > overall {
			overall = c.State
		}
	}
	return overall
}

// Report is the body served by Handler.
type Report struct {
	Status     State       `json:"status"`
	Service    string      `json:"service"`
	Components []Component `json:"components"`
}

// Handler serves a JSON Report. Unavailable answers 503; every other state
// answers 200 so read-only and degraded services stay in rotation.
func (t *Tracker) Handler(service string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := Report{Status: t.Overall(), Service: service, Components: t.Components()}
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StateUnavailable {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}

func isWriteError(err error) bool {
	var nerr *errors.N5Error
	if !stderr.As(err, &nerr) {
		return false
	}
	switch nerr.Code {
	case errors.ErrCodeStorageWrite, errors.ErrCodeAccessDenied:
		return true
	}
	return false
}
