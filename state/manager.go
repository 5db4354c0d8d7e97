package state

import (
	"sync"

	"cascade/core/events"
	"cascade/storage"
)

// Manager serialises access to deal state. Operations against the same deal
// run one at a time under a per-deal lock, which is what makes a yield
// snapshot and a balance transfer mutually exclusive; different deals proceed
// concurrently and independently.
type Manager struct {
	db storage.Database

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewManager wraps a key-value store.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, locks: make(map[string]*sync.RWMutex)}
}

func (m *Manager) dealLock(dealID string) *sync.RWMutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[dealID]
	if !ok {
		lock = &sync.RWMutex{}
		m.locks[dealID] = lock
	}
	return lock
}

// Update runs fn inside a buffered transaction under the deal's write lock.
// If fn returns an error nothing is persisted and no events are published;
// otherwise the overlay commits and the buffered events are returned for
// publication in emission order.
func (m *Manager) Update(dealID string, fn func(txn *Txn) error) ([]events.Event, error) {
	lock := m.dealLock(dealID)
	lock.Lock()
	defer lock.Unlock()
	txn := newTxn(m.db)
	if err := fn(txn); err != nil {
		return nil, err
	}
	if err := txn.commit(); err != nil {
		return nil, err
	}
	return txn.events, nil
}

// View runs fn against a read-only snapshot of the deal's state under the
// deal's read lock. Writes made by fn are discarded.
func (m *Manager) View(dealID string, fn func(txn *Txn) error) error {
	lock := m.dealLock(dealID)
	lock.RLock()
	defer lock.RUnlock()
	return fn(newTxn(m.db))
}
