// Package lifecycle closes the daemon's resources in reverse order of
// their creation: journal before databases, databases before the
// socket's directory lock, and so on.
package lifecycle

import (
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Manager collects closers and releases them LIFO at shutdown.
type Manager struct {
	mu        sync.Mutex
	log       zerolog.Logger
	resources []resource
}

type resource struct {
	name   string
	closer io.Closer
}

// NewManager returns an empty manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{log: log}
}

// Register adds a resource to be closed at shutdown.
func (m *Manager) Register(name string, closer io.Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = append(m.resources, resource{name: name, closer: closer})
}

// RegisterFunc wraps a cleanup function as a closer.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.Register(name, closerFunc(fn))
}

// Close releases all registered resources, last registered first.  All
// closers run even when some fail; the first error is returned.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for i := len(m.resources) - 1; i >= 0; i-- {
		res := m.resources[i]
		if err := res.closer.Close(); err != nil {
			m.log.Error().Err(err).Str("resource", res.name).Msg("error closing resource")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	m.resources = nil
	return firstErr
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
