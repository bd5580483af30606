package memory

import (
	"context"
	"slices"
	"sort"
	"strings"

	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

func (c *Client) PutObject(ctx context.Context, o store.Object) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := objKey{o.ProjectID, o.ObjectID, o.Digest}
	if _, ok := c.objects[key]; ok {
		return false, nil
	}

	o.VersionIndex = c.nextVersion(o.ProjectID, o.ObjectID)
	if o.CreatedAt.IsZero() {
		o.CreatedAt = c.now().UTC()
	}
	o.IsLatest = false
	c.objects[key] = &objEntry{obj: o, seq: c.nextSeq()}
	c.aliases[aliasKey{o.ProjectID, o.ObjectID, store.AliasLatest}] = o.Digest
	return true, nil
}

func (c *Client) nextVersion(project, objectID string) int {
	next := 0
	for k, e := range c.objects {
		if k.project == project && k.objectID == objectID && e.obj.VersionIndex >= next {
			next = e.obj.VersionIndex + 1
		}
	}
	return next
}

func (c *Client) GetObject(ctx context.Context, projectID, objectID, digest string) (*store.Object, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.objects[objKey{projectID, objectID, digest}]
	if !ok {
		return nil, traceerr.NotFoundf("object %s:%s", objectID, digest)
	}
	o := c.view(e)
	return &o, nil
}

func (c *Client) ResolveAlias(ctx context.Context, projectID, objectID, alias string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n, ok := store.VersionAlias(alias); ok {
		for k, e := range c.objects {
			if k.project == projectID && k.objectID == objectID && e.obj.VersionIndex == n {
				return k.digest, nil
			}
		}
		return "", traceerr.NotFoundf("object %s:%s", objectID, alias)
	}
	digest, ok := c.aliases[aliasKey{projectID, objectID, alias}]
	if !ok {
		return "", traceerr.NotFoundf("object %s:%s", objectID, alias)
	}
	return digest, nil
}

func (c *Client) SetAlias(ctx context.Context, projectID, objectID, alias, digest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.objects[objKey{projectID, objectID, digest}]; !ok {
		return traceerr.NotFoundf("object %s:%s", objectID, digest)
	}
	c.aliases[aliasKey{projectID, objectID, alias}] = digest
	return nil
}

func (c *Client) QueryObjects(ctx context.Context, q store.ObjectQuery) ([]store.Object, error) {
	c.mu.RLock()
	var entries []*objEntry
	for k, e := range c.objects {
		if k.project != q.ProjectID {
			continue
		}
		if c.matchObject(e, q) {
			entries = append(entries, e)
		}
	}
	out := make([]store.Object, 0, len(entries))
	sortObjects(entries, q)
	for _, e := range entries {
		o := c.view(e)
		if q.MetadataOnly {
			o.Val = nil
		}
		out = append(out, o)
	}
	c.mu.RUnlock()

	if q.LatestOnly {
		filtered := out[:0]
		for _, o := range out {
			if o.IsLatest {
				filtered = append(filtered, o)
			}
		}
		out = filtered
	}
	start, end := page(len(out), q.Offset, q.Limit)
	return out[start:end], nil
}

func (c *Client) matchObject(e *objEntry, q store.ObjectQuery) bool {
	o := e.obj
	switch {
	case len(q.ObjectIDs) > 0 && !slices.Contains(q.ObjectIDs, o.ObjectID):
		return false
	case q.ObjectIDPrefix != "" && !strings.HasPrefix(o.ObjectID, q.ObjectIDPrefix):
		return false
	case len(q.BaseObjectClasses) > 0 && !slices.Contains(q.BaseObjectClasses, o.BaseObjectClass):
		return false
	case len(q.LeafObjectClasses) > 0 && !slices.Contains(q.LeafObjectClasses, o.LeafObjectClass):
		return false
	case len(q.Digests) > 0 && !slices.Contains(q.Digests, o.Digest):
		return false
	case q.Kind != "" && o.Kind != q.Kind:
		return false
	}
	return true
}

func sortObjects(entries []*objEntry, q store.ObjectQuery) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if q.SortBy == store.SortObjectID && a.obj.ObjectID != b.obj.ObjectID {
			if q.Desc {
				return a.obj.ObjectID > b.obj.ObjectID
			}
			return a.obj.ObjectID < b.obj.ObjectID
		}
		if q.Desc {
			return a.seq > b.seq
		}
		return a.seq < b.seq
	})
}

func (c *Client) DeleteObjects(ctx context.Context, projectID, objectID string, digests []string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var deleted int64
	for k := range c.objects {
		if k.project != projectID || k.objectID != objectID {
			continue
		}
		if len(digests) > 0 && !slices.Contains(digests, k.digest) {
			continue
		}
		delete(c.objects, k)
		deleted++
	}
	if deleted == 0 {
		return 0, nil
	}

	for k, digest := range c.aliases {
		if k.project != projectID || k.objectID != objectID {
			continue
		}
		if _, ok := c.objects[objKey{projectID, objectID, digest}]; !ok {
			delete(c.aliases, k)
		}
	}

	latest := aliasKey{projectID, objectID, store.AliasLatest}
	if _, ok := c.aliases[latest]; !ok {
		best := -1
		for k, e := range c.objects {
			if k.project == projectID && k.objectID == objectID && e.obj.VersionIndex > best {
				best = e.obj.VersionIndex
				c.aliases[latest] = k.digest
			}
		}
	}
	return deleted, nil
}

// view returns a copy of e's object with IsLatest computed. Callers hold the lock.
func (c *Client) view(e *objEntry) store.Object {
	o := e.obj
	o.IsLatest = c.aliases[aliasKey{o.ProjectID, o.ObjectID, store.AliasLatest}] == o.Digest
	return o
}
