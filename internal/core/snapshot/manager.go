package snapshot

import (
	"sync"

	"github.com/voxtick/server/internal/core/stage"
)

// Manager fans CopySnapshot out to every registered container of one owner.
//
// Each container swap is atomic on its own. Readers that need several
// containers to agree with each other read through Read, which excludes a
// fan-out in progress.
type Manager struct {
	mu      sync.RWMutex
	copiers []Copier
}

func NewManager() *Manager {
	return &Manager{copiers: make([]Copier, 0, 8)}
}

// Register adds a container. Not safe to call during CopySnapshot.
func (m *Manager) Register(c Copier) {
	m.mu.Lock()
	m.copiers = append(m.copiers, c)
	m.mu.Unlock()
}

// Unregister removes a container and reports whether it was registered.
func (m *Manager) Unregister(c Copier) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, x := range m.copiers {
		if x == c {
			m.copiers = append(m.copiers[:i], m.copiers[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.copiers)
}

// CopySnapshot copies every registered container. It only runs during SNAPSHOT.
func (m *Manager) CopySnapshot(sc stage.Context) error {
	if err := sc.Require(stage.Of(stage.Snapshot)); err != nil {
		return err
	}
	m.mu.Lock()
	for _, c := range m.copiers {
		c.CopySnapshot()
	}
	m.mu.Unlock()
	return nil
}

// Read runs fn while no fan-out is in progress.
func (m *Manager) Read(fn func()) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn()
}
