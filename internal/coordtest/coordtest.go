// Package coordtest provides an in-memory fake of types.Coordinator:
// persistent nodes, ephemeral-sequential children, one-shot watches,
// and session-expiry broadcast, enough to exercise lock.Lock and
// metadata.Store without a real coordinator.
package coordtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/streamlog/streamlog/types"
)

// Coordinator is an in-memory types.Coordinator.
type Coordinator struct {
	mu        sync.Mutex
	nodes     map[string][]byte
	watches   map[string][]func(types.WatchEvent)
	observers []types.SessionObserver
	seq       int64
}

// New creates an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{
		nodes:   make(map[string][]byte),
		watches: make(map[string][]func(types.WatchEvent)),
	}
}

func (c *Coordinator) CreateEphemeralSequential(ctx context.Context, parent string, value []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	path := fmt.Sprintf("%s/node-%020d", strings.TrimRight(parent, "/"), c.seq)
	c.nodes[path] = value
	return path, nil
}

func (c *Coordinator) Create(ctx context.Context, path string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[path]; ok {
		return fmt.Errorf("coordtest: node %q already exists", path)
	}
	c.nodes[path] = value
	return nil
}

func (c *Coordinator) Read(ctx context.Context, path string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.nodes[path]
	if !ok {
		return nil, fmt.Errorf("coordtest: node %q not found", path)
	}
	return v, nil
}

func (c *Coordinator) Write(ctx context.Context, path string, value []byte) error {
	c.mu.Lock()
	if _, ok := c.nodes[path]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("coordtest: node %q not found", path)
	}
	c.nodes[path] = value
	watchers := c.watches[path]
	delete(c.watches, path)
	c.mu.Unlock()

	for _, cb := range watchers {
		cb(types.WatchEvent{Deleted: false})
	}
	return nil
}

func (c *Coordinator) Children(ctx context.Context, parent string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := strings.TrimRight(parent, "/") + "/"
	var out []string
	for p := range c.nodes {
		if strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") {
			out = append(out, p[len(prefix):])
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *Coordinator) Delete(ctx context.Context, path string) error {
	c.mu.Lock()
	delete(c.nodes, path)
	watchers := c.watches[path]
	delete(c.watches, path)
	c.mu.Unlock()

	for _, cb := range watchers {
		cb(types.WatchEvent{Deleted: true})
	}
	return nil
}

func (c *Coordinator) Watch(ctx context.Context, path string, cb func(types.WatchEvent)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watches[path] = append(c.watches[path], cb)
	return nil
}

func (c *Coordinator) RegisterSessionObserver(obs types.SessionObserver) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, obs)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, o := range c.observers {
			if o == obs {
				c.observers = append(c.observers[:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// ExpireSession broadcasts a session-loss notification to every
// registered observer, simulating a coordinator disconnect.
func (c *Coordinator) ExpireSession() {
	c.mu.Lock()
	observers := append([]types.SessionObserver(nil), c.observers...)
	c.mu.Unlock()
	for _, o := range observers {
		o.OnSessionExpired()
	}
}
