// Package boltcoord is a bbolt-backed variant of coordtest's in-memory
// coordinator fake, used to exercise "reopen the metadata store after
// a crash" paths: unlike the plain in-memory fake, node data survives
// closing and reopening the Coordinator against the same database
// file.
package boltcoord

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/streamlog/streamlog/types"
)

var nodesBucket = []byte("nodes")

// Coordinator is a types.Coordinator backed by a bbolt database file.
// Watches and session observers are in-memory only, matching a real
// coordinator client's behavior on reconnect: watches do not survive
// a reopen and must be re-armed by the caller.
type Coordinator struct {
	db *bbolt.DB

	mu        sync.Mutex
	watches   map[string][]func(types.WatchEvent)
	observers []types.SessionObserver
	seq       int64
}

// Open opens (creating if necessary) a bbolt database at path and
// wraps it as a Coordinator.
func Open(path string) (*Coordinator, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltcoord: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(nodesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltcoord: init buckets: %w", err)
	}
	return &Coordinator{
		db:      db,
		watches: make(map[string][]func(types.WatchEvent)),
	}, nil
}

// Close closes the underlying database file.
func (c *Coordinator) Close() error {
	return c.db.Close()
}

func (c *Coordinator) CreateEphemeralSequential(ctx context.Context, parent string, value []byte) (string, error) {
	c.mu.Lock()
	c.seq++
	path := fmt.Sprintf("%s/node-%020d", strings.TrimRight(parent, "/"), c.seq)
	c.mu.Unlock()
	if err := c.Create(ctx, path, value); err != nil {
		return "", err
	}
	return path, nil
}

func (c *Coordinator) Create(ctx context.Context, path string, value []byte) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(nodesBucket)
		if b.Get([]byte(path)) != nil {
			return fmt.Errorf("boltcoord: node %q already exists", path)
		}
		return b.Put([]byte(path), value)
	})
}

func (c *Coordinator) Read(ctx context.Context, path string) ([]byte, error) {
	var out []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(nodesBucket).Get([]byte(path))
		if v == nil {
			return fmt.Errorf("boltcoord: node %q not found", path)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (c *Coordinator) Write(ctx context.Context, path string, value []byte) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(nodesBucket)
		if b.Get([]byte(path)) == nil {
			return fmt.Errorf("boltcoord: node %q not found", path)
		}
		return b.Put([]byte(path), value)
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	watchers := c.watches[path]
	delete(c.watches, path)
	c.mu.Unlock()
	for _, cb := range watchers {
		cb(types.WatchEvent{Deleted: false})
	}
	return nil
}

func (c *Coordinator) Children(ctx context.Context, parent string) ([]string, error) {
	prefix := strings.TrimRight(parent, "/") + "/"
	var out []string
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(nodesBucket).ForEach(func(k, _ []byte) error {
			key := string(k)
			if strings.HasPrefix(key, prefix) && !strings.Contains(key[len(prefix):], "/") {
				out = append(out, key[len(prefix):])
			}
			return nil
		})
	})
	sort.Strings(out)
	return out, err
}

func (c *Coordinator) Delete(ctx context.Context, path string) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(nodesBucket).Delete([]byte(path))
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
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

// ExpireSession broadcasts a session-loss notification, simulating a
// coordinator disconnect without closing the underlying database.
func (c *Coordinator) ExpireSession() {
	c.mu.Lock()
	observers := append([]types.SessionObserver(nil), c.observers...)
	c.mu.Unlock()
	for _, o := range observers {
		o.OnSessionExpired()
	}
}
