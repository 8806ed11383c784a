// Package breaker wraps repeated task executions in a per-task-name
// circuit breaker so a task whose digest keeps failing stops hammering
// the executor.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Config tunes the trip condition and cooldown shared by every per-task
// breaker this Manager creates.
type Config struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// FailureThreshold trips the breaker once consecutive failures reach
	// this count.
	FailureThreshold uint32
}

// DefaultConfig trips after 5 consecutive failures and stays open for 30s
// before allowing a single trial request through.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// Manager owns one gobreaker.CircuitBreaker per task name, created lazily.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	log      *zap.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewManager constructs a Manager with cfg.
func NewManager(cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (m *Manager) breakerFor(taskName string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[taskName]; ok {
		return b
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        taskName,
		MaxRequests: m.cfg.MaxRequests,
		Interval:    m.cfg.Interval,
		Timeout:     m.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.log.Warn("task circuit breaker state change",
				zap.String("task", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	m.breakers[taskName] = b
	return b
}

// Execute runs fn through taskName's breaker, short-circuiting with
// gobreaker.ErrOpenState when the breaker is open.
func (m *Manager) Execute(taskName string, fn func() (interface{}, error)) (interface{}, error) {
	return m.breakerFor(taskName).Execute(fn)
}

// State reports the current state of taskName's breaker, or
// gobreaker.StateClosed if none has been created yet.
func (m *Manager) State(taskName string) gobreaker.State {
	m.mu.Lock()
	b, ok := m.breakers[taskName]
	m.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return b.State()
}
