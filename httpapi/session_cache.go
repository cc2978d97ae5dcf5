package httpapi

import (
	"container/list"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ignite-run/ignite/bytetok"
	"github.com/ignite-run/ignite/generator"
	"github.com/ignite-run/ignite/gpubuf"
	"github.com/ignite-run/ignite/store"
	"github.com/ignite-run/ignite/weights"
)

// sessionCache is a fixed-capacity least-recently-used cache of loaded
// generator.Sessions keyed by model directory, the same container/list
// shape registry's lru uses for Entry values — this runtime has no
// third-party LRU dependency to reach for either.
type sessionCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type sessionItem struct {
	key     string
	session *generator.Session
}

func newSessionCache(capacity int) *sessionCache {
	return &sessionCache{capacity: capacity, ll: list.New(), items: make(map[string]*list.Element)}
}

// Get returns the cached session for modelDir, loading and inserting it
// on a miss via weights.Load/generator.NewSession.
func (c *sessionCache) Get(modelDir string) (*generator.Session, error) {
	c.mu.Lock()
	if el, ok := c.items[modelDir]; ok {
		c.ll.MoveToFront(el)
		s := el.Value.(*sessionItem).session
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	s, err := loadSession(modelDir)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[modelDir]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*sessionItem).session, nil
	}
	el := c.ll.PushFront(&sessionItem{key: modelDir, session: s})
	c.items[modelDir] = el
	if c.capacity > 0 && c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*sessionItem).key)
		}
	}
	return s, nil
}

func loadSession(modelDir string) (*generator.Session, error) {
	manifestBytes, err := store.ReadFile(modelDir, "manifest.json")
	if err != nil {
		return nil, fmt.Errorf("httpapi: load %s: %w", modelDir, err)
	}
	m, err := weights.ParseManifest(manifestBytes)
	if err != nil {
		return nil, fmt.Errorf("httpapi: load %s: %w", modelDir, err)
	}

	pool := gpubuf.New(nil)
	w, err := weights.Load(m, store.DiskShardLoader{Dir: modelDir, Manifest: m}, weights.LoadOptions{Pool: pool})
	if err != nil {
		return nil, fmt.Errorf("httpapi: load weights %s: %w", modelDir, err)
	}

	return generator.NewSession(generator.Config{
		Device:    &generator.Device{Pool: pool},
		Manifest:  m,
		Weights:   w,
		Tokenizer: bytetok.New(),
	})
}

// resolveModelDir joins a request's model id onto the server's models
// root, the same path-join resolution store.DiskShardLoader performs
// for shard filenames.
func resolveModelDir(modelsDir, modelID string) string {
	return filepath.Join(modelsDir, modelID)
}
