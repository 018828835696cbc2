// Package defcache is a read-through LRU for workflow definitions keyed by
// (definition id, version). Cached entries are immutable.
package defcache

import (
	"container/list"
	"context"
	"sync"

	"github.com/ronkeiser/wonder/cmd/coordinator/model"
)

// Fetcher loads a definition on cache miss
type Fetcher interface {
	GetWorkflowDef(ctx context.Context, id, version string) (*model.WorkflowDef, error)
}

type key struct {
	id      string
	version string
}

type entry struct {
	key key
	def *model.WorkflowDef
}

// Cache is a read-through LRU of workflow definitions
type Cache struct {
	fetcher Fetcher
	max     int

	mu      sync.Mutex
	order   *list.List // front = most recent
	entries map[key]*list.Element
}

// New creates a cache holding at most max definitions
func New(fetcher Fetcher, max int) *Cache {
	if max < 1 {
		max = 1
	}
	return &Cache{
		fetcher: fetcher,
		max:     max,
		order:   list.New(),
		entries: make(map[key]*list.Element),
	}
}

// Get returns the definition for (id, version), fetching it on first use
func (c *Cache) Get(ctx context.Context, id, version string) (*model.WorkflowDef, error) {
	k := key{id: id, version: version}

	c.mu.Lock()
	if el, ok := c.entries[k]; ok {
		c.order.MoveToFront(el)
		def := el.Value.(*entry).def
		c.mu.Unlock()
		return def, nil
	}
	c.mu.Unlock()

	def, err := c.fetcher.GetWorkflowDef(ctx, id, version)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[k]; ok {
		// Lost a concurrent fetch; keep the cached copy.
		c.order.MoveToFront(el)
		return el.Value.(*entry).def, nil
	}
	c.entries[k] = c.order.PushFront(&entry{key: k, def: def})
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).key)
	}
	return def, nil
}

// Len returns the number of cached definitions
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
