// Package view provides the derived read-model consumed by the UI.
//
// The model tracks loading and error state independently per operation
// category, so a failure fetching the subscription status never blanks
// the patient list or vice versa. The patient projection recomputes
// reactively from a store subscription rather than by polling.
package view

import (
	"sync"

	"github.com/clinsync/clinsync/internal/model"
	"github.com/clinsync/clinsync/internal/store"
)

// Category partitions UI operations so their status flags stay isolated.
type Category string

const (
	CategoryPatients     Category = "patients"
	CategorySync         Category = "sync"
	CategoryProfile      Category = "profile"
	CategorySubscription Category = "subscription"
)

type status struct {
	loading bool
	err     error
}

// Model is the reactive cache over the local store.
type Model struct {
	st *store.Store

	mu          sync.RWMutex
	filter      store.Filter
	patients    []model.Patient
	status      map[Category]status
	unsubscribe func()
	listeners   []func()
}

// New creates a read-model bound to the store and subscribes to the
// initial filter. Call Close when the screen goes away.
func New(st *store.Store, filter store.Filter) *Model {
	m := &Model{
		st:     st,
		filter: filter,
		status: make(map[Category]status),
	}
	m.resubscribe(filter)
	return m
}

// Close cancels the store subscription.
func (m *Model) Close() {
	m.mu.Lock()
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// OnChange registers a listener invoked after each patient delivery.
// Listeners must not block; they run on the subscription goroutine.
func (m *Model) OnChange(fn func()) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// SetFilter swaps the patient projection's filter and resubscribes.
func (m *Model) SetFilter(filter store.Filter) {
	m.mu.Lock()
	old := m.unsubscribe
	m.filter = filter
	m.mu.Unlock()
	if old != nil {
		old()
	}
	m.resubscribe(filter)
}

func (m *Model) resubscribe(filter store.Filter) {
	m.StartLoading(CategoryPatients)
	unsub := m.st.Subscribe(filter, func(patients []model.Patient) {
		m.mu.Lock()
		m.patients = patients
		m.status[CategoryPatients] = status{} // loaded, no error
		listeners := append([]func(){}, m.listeners...)
		m.mu.Unlock()
		for _, fn := range listeners {
			fn()
		}
	})
	m.mu.Lock()
	m.unsubscribe = unsub
	m.mu.Unlock()
}

// Patients returns a copy of the current projection.
func (m *Model) Patients() []model.Patient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Patient, len(m.patients))
	copy(out, m.patients)
	return out
}

// StartLoading marks a category as in flight. Other categories are
// untouched.
func (m *Model) StartLoading(cat Category) {
	m.mu.Lock()
	m.status[cat] = status{loading: true, err: m.status[cat].err}
	m.mu.Unlock()
}

// FinishLoading clears a category's loading flag and error.
func (m *Model) FinishLoading(cat Category) {
	m.mu.Lock()
	m.status[cat] = status{}
	m.mu.Unlock()
}

// Fail records a category failure. The loading flag clears; the error
// sticks until the next FinishLoading or StartLoading+success.
func (m *Model) Fail(cat Category, err error) {
	m.mu.Lock()
	m.status[cat] = status{err: err}
	m.mu.Unlock()
}

// Loading reports whether a category has an operation in flight.
func (m *Model) Loading(cat Category) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status[cat].loading
}

// Err returns a category's recorded error, nil if none.
func (m *Model) Err(cat Category) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status[cat].err
}
