package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type Manager struct {
	ready   atomic.Bool
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]Check
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{timeout: 2 * time.Second, checks: make(map[string]Check)}
	m.ready.Store(initialReady)
	return m
}

func (m *Manager) SetReady(ready bool) {
	m.ready.Store(ready)
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

// AddCheck registers a dependency probe run on every readiness request.
func (m *Manager) AddCheck(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Run executes every check and returns the failures by name.
func (m *Manager) Run(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(m.checks))
	for k, v := range m.checks {
		checks[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	failures := map[string]string{}
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	return failures
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.IsReady() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}
		if failures := m.Run(c.Request.Context()); len(failures) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": failures})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
