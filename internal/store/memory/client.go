// Package memory is an in-process storage engine. It keeps every row in maps
// guarded by one lock and reproduces the conditional write rules of the SQL
// engines, which makes it the engine of choice for tests and local runs.
package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"traceserver/internal/store"
)

var _ store.Store = (*Client)(nil)

type objKey struct{ project, objectID, digest string }

type aliasKey struct{ project, objectID, alias string }

type projKey struct{ project, digest string }

type callKey struct{ project, id string }

type objEntry struct {
	obj store.Object
	seq int64
}

type Client struct {
	mu  sync.RWMutex
	seq int64
	now func() time.Time

	projects map[string]bool
	objects  map[objKey]*objEntry
	aliases  map[aliasKey]string
	rows     map[projKey]json.RawMessage
	tables   map[projKey][]string
	calls    map[callKey]*store.Call
	feedback []store.Feedback
	costs    []store.Cost
	files    map[projKey]store.File
}

func New() *Client {
	return &Client{
		now:      time.Now,
		projects: map[string]bool{},
		objects:  map[objKey]*objEntry{},
		aliases:  map[aliasKey]string{},
		rows:     map[projKey]json.RawMessage{},
		tables:   map[projKey][]string{},
		calls:    map[callKey]*store.Call{},
		files:    map[projKey]store.File{},
	}
}

func (c *Client) Close(ctx context.Context) error { return nil }

func (c *Client) EnsureSchema(ctx context.Context) error { return nil }

func (c *Client) EnsureProject(ctx context.Context, entity, project string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projects[entity+"/"+project] = true
	return nil
}

func (c *Client) nextSeq() int64 {
	c.seq++
	return c.seq
}

// page applies offset and limit to n items and returns the bounds to slice with.
func page(n, offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}

func overlaps(a, b []string) bool {
	for _, v := range a {
		if slices.Contains(b, v) {
			return true
		}
	}
	return false
}
