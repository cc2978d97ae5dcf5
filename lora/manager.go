// manager.go - the adapter lifecycle manager (spec.md §4.6 "Manager
// lifecycle"). Mutation is single-threaded (spec.md §5 "Adapter manager
// state: single-threaded mutation; all observers receive events
// synchronously after commit"): each method commits its state change
// under the mutex, releases it, then fires events synchronously on the
// caller's goroutine before returning — so observers see committed state
// and run in the same call, but must not re-enter the manager.
package lora

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// EventKind identifies which manager transition produced an Event.
type EventKind int

const (
	EventAdapterLoaded EventKind = iota
	EventAdapterEnabled
	EventAdapterDisabled
	EventAdapterUnloaded
	EventActiveAdaptersChanged
)

// Event is delivered synchronously to every observer after the manager
// commits the corresponding state mutation.
type Event struct {
	Kind      EventKind
	ID        string
	ActiveIDs []string
}

// Observer receives manager events; see Manager.Subscribe.
type Observer func(Event)

// ErrAlreadyLoaded, ErrNotFound, ErrBaseModelMismatch, and ErrInvalidWeight
// are the manager's failure sentinels (spec.md §4.6).
var (
	ErrAlreadyLoaded     = errors.New("lora: adapter already loaded")
	ErrNotFound          = errors.New("lora: adapter not found")
	ErrBaseModelMismatch = errors.New("lora: adapter base model mismatch")
	ErrInvalidWeight     = errors.New("lora: weight out of range")
)

// AdapterState is the manager's per-adapter record (spec.md §3).
type AdapterState struct {
	Adapter      Adapter
	Manifest     Manifest
	Enabled      bool
	Weight       float64
	LoadedAt     time.Time
	LastToggled  time.Time
}

// MergeStrategy selects how multiple active adapters combine into one
// composite delta (spec.md §3, §4.6).
type MergeStrategy string

const (
	MergeSum         MergeStrategy = "sum"
	MergeWeightedSum MergeStrategy = "weighted_sum"
	MergeSequential  MergeStrategy = "sequential"
)

// StackOptions configures multi-adapter composition.
type StackOptions struct {
	Strategy          MergeStrategy
	NormalizeWeights  bool
}

// AdapterLoader performs the I/O `load` needs but `register` skips:
// resolving path to a materialized Adapter and its Manifest.
type AdapterLoader interface {
	LoadAdapter(id, path string) (Adapter, Manifest, error)
}

// Manager owns the id -> AdapterState map, the ordered active-id list, and
// synchronous event fan-out (spec.md §4.6, §9 "model events as a typed
// observer list with synchronous fan-out after state commit").
type Manager struct {
	mu        sync.Mutex
	adapters  map[string]*AdapterState
	activeIDs []string
	observers []Observer

	loader     AdapterLoader
	wmin, wmax float64
	stack      StackOptions
}

// NewManager constructs an empty manager. wmin/wmax bound a legal adapter
// weight (spec.md §4.6 enable's "rejects weights outside [wmin,wmax]").
func NewManager(loader AdapterLoader, wmin, wmax float64, stack StackOptions) *Manager {
	return &Manager{
		adapters: make(map[string]*AdapterState),
		loader:   loader,
		wmin:     wmin,
		wmax:     wmax,
		stack:    stack,
	}
}

// Subscribe registers obs to receive every future event.
func (m *Manager) Subscribe(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

func (m *Manager) fire(ev Event) {
	for _, obs := range m.observers {
		obs(ev)
	}
}

// Load resolves path via the manager's AdapterLoader and registers the
// result under id. Fails with ErrAlreadyLoaded if id already exists.
func (m *Manager) Load(id, path string) error {
	m.mu.Lock()
	if _, exists := m.adapters[id]; exists {
		m.mu.Unlock()
		return ErrAlreadyLoaded
	}
	m.mu.Unlock()

	adapter, manifest, err := m.loader.LoadAdapter(id, path)
	if err != nil {
		return fmt.Errorf("lora: load adapter %q: %w", id, err)
	}
	return m.Register(id, adapter, manifest)
}

// Register inserts a pre-materialized adapter without performing I/O.
// Fails with ErrAlreadyLoaded if id already exists.
func (m *Manager) Register(id string, adapter Adapter, manifest Manifest) error {
	m.mu.Lock()
	if _, exists := m.adapters[id]; exists {
		m.mu.Unlock()
		return ErrAlreadyLoaded
	}
	now := time.Now()
	m.adapters[id] = &AdapterState{
		Adapter:  adapter,
		Manifest: manifest,
		Weight:   1,
		LoadedAt: now,
	}
	m.mu.Unlock()

	m.fire(Event{Kind: EventAdapterLoaded, ID: id})
	return nil
}

// EnableOptions parameterizes Enable.
type EnableOptions struct {
	Weight            *float64
	ExpectedBaseModel string
}

// Enable activates id. Fails with ErrNotFound or ErrBaseModelMismatch;
// rejects a weight outside [wmin,wmax] with ErrInvalidWeight; is a no-op
// (no error, no re-fired events) when id is already enabled.
func (m *Manager) Enable(id string, opts EnableOptions) error {
	m.mu.Lock()
	st, ok := m.adapters[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if opts.ExpectedBaseModel != "" && st.Manifest.BaseModel != opts.ExpectedBaseModel {
		m.mu.Unlock()
		return ErrBaseModelMismatch
	}
	if st.Enabled {
		m.mu.Unlock()
		return nil
	}
	weight := 1.0
	if opts.Weight != nil {
		weight = *opts.Weight
	}
	if weight < m.wmin || weight > m.wmax {
		m.mu.Unlock()
		return ErrInvalidWeight
	}

	st.Enabled = true
	st.Weight = weight
	st.LastToggled = time.Now()
	m.activeIDs = append(m.activeIDs, id)
	active := append([]string(nil), m.activeIDs...)
	m.mu.Unlock()

	m.fire(Event{Kind: EventAdapterEnabled, ID: id})
	m.fire(Event{Kind: EventActiveAdaptersChanged, ActiveIDs: active})
	return nil
}

// Disable deactivates id. Idempotent: a no-op if id is absent or already
// disabled.
func (m *Manager) Disable(id string) error {
	m.mu.Lock()
	st, ok := m.adapters[id]
	if !ok || !st.Enabled {
		m.mu.Unlock()
		return nil
	}
	st.Enabled = false
	st.LastToggled = time.Now()
	m.removeActive(id)
	active := append([]string(nil), m.activeIDs...)
	m.mu.Unlock()

	m.fire(Event{Kind: EventAdapterDisabled, ID: id})
	m.fire(Event{Kind: EventActiveAdaptersChanged, ActiveIDs: active})
	return nil
}

func (m *Manager) removeActive(id string) {
	out := m.activeIDs[:0]
	for _, a := range m.activeIDs {
		if a != id {
			out = append(out, a)
		}
	}
	m.activeIDs = out
}

// Toggle flips id's enabled state and returns the new state.
func (m *Manager) Toggle(id string) (bool, error) {
	m.mu.Lock()
	st, ok := m.adapters[id]
	if !ok {
		m.mu.Unlock()
		return false, ErrNotFound
	}
	wasEnabled := st.Enabled
	m.mu.Unlock()

	if wasEnabled {
		return false, m.Disable(id)
	}
	return true, m.Enable(id, EnableOptions{})
}

// DisableAll disables every currently-active adapter.
func (m *Manager) DisableAll() error {
	m.mu.Lock()
	ids := append([]string(nil), m.activeIDs...)
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Disable(id); err != nil {
			return err
		}
	}
	return nil
}

// EnableOnly disables every other active adapter, then enables id.
func (m *Manager) EnableOnly(id string, opts EnableOptions) error {
	m.mu.Lock()
	others := make([]string, 0, len(m.activeIDs))
	for _, a := range m.activeIDs {
		if a != id {
			others = append(others, a)
		}
	}
	m.mu.Unlock()
	for _, a := range others {
		if err := m.Disable(a); err != nil {
			return err
		}
	}
	return m.Enable(id, opts)
}

// Unload disables then removes id. No-op if absent.
func (m *Manager) Unload(id string) error {
	m.mu.Lock()
	if _, ok := m.adapters[id]; !ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.Disable(id); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.adapters, id)
	m.mu.Unlock()

	m.fire(Event{Kind: EventAdapterUnloaded, ID: id})
	return nil
}

// LoadedCount and EnabledCount support spec.md §8's lifecycle invariant
// ("after register -> enable -> disable -> unload, loadedCount == 0 and
// enabledCount == 0").
func (m *Manager) LoadedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.adapters)
}

func (m *Manager) EnabledCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeIDs)
}

// ActiveAdapterIDs returns the current ordered active-id list.
func (m *Manager) ActiveAdapterIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.activeIDs...)
}

// State returns a copy of id's state (for tests/introspection), or false
// if id is not loaded.
func (m *Manager) State(id string) (AdapterState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.adapters[id]
	if !ok {
		return AdapterState{}, false
	}
	return *st, true
}
