// Package registry implements the adapter registry (spec.md §4.12):
// register/get/list/updateMetadata/exportToJSON/importFromJSON over a
// small in-memory LRU fronting a persistent Storage.
//
// Grounded on app/store/database_core.go (the SQLite-backed store this
// package's Storage implementation wraps — schema-init-once, WAL mode,
// a single struct owning the *sql.DB) and
// server/internal/cache/blob/cache.go (an in-memory-in-front-of-disk
// cache shape, here an LRU of decoded Entry values instead of blob
// bytes).
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite-run/ignite/lora"
)

// Entry is one registered adapter: its manifest, where its weights
// live, and registry-owned bookkeeping (spec.md §3 "Registry entry").
type Entry struct {
	ID             string
	Manifest       lora.Manifest
	Location       string
	Tags           []string
	Metadata       map[string]string
	RegisteredAt   time.Time
	LastAccessedAt time.Time
	UpdatedAt      time.Time
}

// ErrNotFound is returned by Get/UpdateMetadata for an unknown id.
var ErrNotFound = fmt.Errorf("registry: adapter not found")

// Storage is the persistence boundary a Registry is built on (spec.md
// §4.12 "storage abstracted via getAll/get/set/delete/clear"). SQLite
// (sqliteStorage) is the only implementation here; anything satisfying
// this interface works.
type Storage interface {
	GetAll() (map[string]Entry, error)
	Get(id string) (Entry, bool, error)
	Set(id string, e Entry) error
	Delete(id string) error
	Clear() error
}

// Registry is the in-memory-LRU-fronted, SQLite-backed adapter catalog.
// Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	storage Storage
	cache   *lru
}

// New builds a Registry over storage with an LRU of the given capacity
// fronting reads (capacity <= 0 disables the LRU, so every read hits
// storage directly).
func New(storage Storage, lruCapacity int) *Registry {
	return &Registry{storage: storage, cache: newLRU(lruCapacity)}
}

// Register adds manifest at location to the catalog, assigning a fresh
// id when manifest.ID is empty (spec.md §4.12 register(manifest,
// location)).
func (r *Registry) Register(manifest lora.Manifest, location string, tags []string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := manifest.ID
	if id == "" {
		id = uuid.NewString()
		manifest.ID = id
	}

	now := stamp()
	e := Entry{
		ID:             id,
		Manifest:       manifest,
		Location:       location,
		Tags:           append([]string(nil), tags...),
		Metadata:       map[string]string{},
		RegisteredAt:   now,
		LastAccessedAt: now,
		UpdatedAt:      now,
	}
	if err := r.storage.Set(id, e); err != nil {
		return Entry{}, fmt.Errorf("registry: register %s: %w", id, err)
	}
	r.cache.put(id, e)
	return e, nil
}

// Get fetches an entry by id, touching its lastAccessedAt (spec.md
// §4.12 get(id) "touches lastAccessedAt").
func (r *Registry) Get(id string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.cache.get(id)
	if !ok {
		var err error
		e, ok, err = r.storage.Get(id)
		if err != nil {
			return Entry{}, fmt.Errorf("registry: get %s: %w", id, err)
		}
		if !ok {
			return Entry{}, ErrNotFound
		}
	}

	e.LastAccessedAt = stamp()
	if err := r.storage.Set(id, e); err != nil {
		return Entry{}, fmt.Errorf("registry: touch %s: %w", id, err)
	}
	r.cache.put(id, e)
	return e, nil
}

// ListQuery filters and orders List's results (spec.md §4.12 list(...)).
type ListQuery struct {
	BaseModel     string   // exact match, empty = any
	TargetModules []string // entry must contain every one of these (superset)
	Tags          []string // entry must contain at least one of these (intersection)
	SortBy        string   // "name" | "registeredAt" | "updatedAt" | "lastAccessedAt"
	Descending    bool
	Limit         int // <=0 means no limit
	Offset        int
}

// List returns entries matching q, sorted and paginated per q's fields
// (spec.md §4.12 "conjunctive filter, superset/intersection predicates,
// lexicographic/numeric/stable sorting").
func (r *Registry) List(q ListQuery) ([]Entry, error) {
	r.mu.Lock()
	all, err := r.storage.GetAll()
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}

	matched := make([]Entry, 0, len(all))
	for _, e := range all {
		if !matchesQuery(e, q) {
			continue
		}
		matched = append(matched, e)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if q.Descending {
			return lessBy(matched[j], matched[i], q.SortBy)
		}
		return lessBy(matched[i], matched[j], q.SortBy)
	})

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return []Entry{}, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func matchesQuery(e Entry, q ListQuery) bool {
	if q.BaseModel != "" && e.Manifest.BaseModel != q.BaseModel {
		return false
	}
	if len(q.TargetModules) > 0 {
		have := make(map[string]bool, len(e.Manifest.TargetModules))
		for _, m := range e.Manifest.TargetModules {
			have[string(m)] = true
		}
		for _, want := range q.TargetModules {
			if !have[want] {
				return false
			}
		}
	}
	if len(q.Tags) > 0 {
		have := make(map[string]bool, len(e.Tags))
		for _, t := range e.Tags {
			have[t] = true
		}
		found := false
		for _, want := range q.Tags {
			if have[want] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func lessBy(a, b Entry, sortBy string) bool {
	switch sortBy {
	case "registeredAt":
		return a.RegisteredAt.Before(b.RegisteredAt)
	case "updatedAt":
		return a.UpdatedAt.Before(b.UpdatedAt)
	case "lastAccessedAt":
		return a.LastAccessedAt.Before(b.LastAccessedAt)
	case "name", "":
		return strings.Compare(a.Manifest.Name, b.Manifest.Name) < 0
	default:
		return strings.Compare(a.ID, b.ID) < 0
	}
}

// UpdateMetadata shallow-merges patch into an entry's Metadata and
// stamps the entry's UpdatedAt (spec.md §4.12 updateMetadata(id, patch)).
// A patch value of "" deletes that key, matching a shallow-merge
// semantics where absence isn't distinguishable from empty-string.
func (r *Registry) UpdateMetadata(id string, patch map[string]string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok, err := r.storage.Get(id)
	if err != nil {
		return Entry{}, fmt.Errorf("registry: update metadata %s: %w", id, err)
	}
	if !ok {
		return Entry{}, ErrNotFound
	}

	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	for k, v := range patch {
		if v == "" {
			delete(e.Metadata, k)
			continue
		}
		e.Metadata[k] = v
	}
	e.UpdatedAt = stamp()

	if err := r.storage.Set(id, e); err != nil {
		return Entry{}, fmt.Errorf("registry: update metadata %s: %w", id, err)
	}
	r.cache.put(id, e)
	return e, nil
}

// exportDoc is the JSON envelope exportToJSON/importFromJSON exchange.
type exportDoc struct {
	Version  string  `json:"version"`
	Entries  []Entry `json:"entries"`
}

// ExportToJSON serializes the full catalog (spec.md §4.12
// exportToJSON).
func (r *Registry) ExportToJSON() ([]byte, error) {
	r.mu.Lock()
	all, err := r.storage.GetAll()
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("registry: export: %w", err)
	}

	doc := exportDoc{Version: "1.0.0"}
	for _, e := range all {
		doc.Entries = append(doc.Entries, e)
	}
	sort.Slice(doc.Entries, func(i, j int) bool { return doc.Entries[i].ID < doc.Entries[j].ID })

	return json.MarshalIndent(doc, "", "  ")
}

// ImportOptions controls conflict resolution during ImportFromJSON
// (spec.md §4.12 importFromJSON({overwrite?, merge?})).
type ImportOptions struct {
	Overwrite bool // replace an existing entry with the same id
	Merge     bool // shallow-merge Metadata/Tags into an existing entry instead of skipping
}

// ImportFromJSON loads entries from an ExportToJSON document, applying
// opts to any id already present in the catalog.
func (r *Registry) ImportFromJSON(data []byte, opts ImportOptions) (int, error) {
	var doc exportDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("registry: import: invalid document: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	imported := 0
	for _, e := range doc.Entries {
		existing, ok, err := r.storage.Get(e.ID)
		if err != nil {
			return imported, fmt.Errorf("registry: import %s: %w", e.ID, err)
		}
		if ok {
			switch {
			case opts.Merge:
				e = mergeEntries(existing, e)
			case opts.Overwrite:
				// e as-is replaces existing
			default:
				continue
			}
		}
		if err := r.storage.Set(e.ID, e); err != nil {
			return imported, fmt.Errorf("registry: import %s: %w", e.ID, err)
		}
		r.cache.put(e.ID, e)
		imported++
	}
	return imported, nil
}

func mergeEntries(existing, incoming Entry) Entry {
	out := existing
	tagSet := make(map[string]bool, len(existing.Tags)+len(incoming.Tags))
	for _, t := range existing.Tags {
		tagSet[t] = true
	}
	for _, t := range incoming.Tags {
		tagSet[t] = true
	}
	out.Tags = out.Tags[:0]
	for t := range tagSet {
		out.Tags = append(out.Tags, t)
	}
	sort.Strings(out.Tags)

	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	for k, v := range incoming.Metadata {
		out.Metadata[k] = v
	}
	out.UpdatedAt = stamp()
	return out
}

// stamp is the registry's single time source, kept as one function so
// tests can see where "now" is read.
func stamp() time.Time { return time.Now().UTC() }
