package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type artifact struct {
	name    string
	data    []byte
	created time.Time
}

// artifactStore holds finished snapshots for download. An artifact is
// released once its time is up, downloaded or not.
type artifactStore struct {
	mu           sync.RWMutex
	now          func() time.Time
	releaseAfter time.Duration
	data         map[string]artifact
}

func newArtifactStore(releaseAfter time.Duration, now func() time.Time) *artifactStore {
	if now == nil {
		now = time.Now
	}
	return &artifactStore{
		now:          now,
		releaseAfter: releaseAfter,
		data:         make(map[string]artifact),
	}
}

// Store keeps data under a new id.
func (c *artifactStore) Store(name string, data []byte) string {
	id := uuid.NewString()
	c.mu.Lock()
	c.sweepLocked()
	c.data[id] = artifact{name: name, data: data, created: c.now()}
	c.mu.Unlock()
	return id
}

// Save implements inline.Saver, the returned location is the download path.
func (c *artifactStore) Save(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return artifactPath(c.Store(name, data)), nil
}

func artifactPath(id string) string {
	return "/artifacts/" + id
}

// Select returns the artifact with id unless it was released.
func (c *artifactStore) Select(id string) (string, []byte, bool) {
	c.mu.RLock()
	entry, ok := c.data[id]
	c.mu.RUnlock()
	if !ok {
		return "", nil, false
	}
	if c.expired(entry) {
		c.mu.Lock()
		delete(c.data, id)
		c.mu.Unlock()
		return "", nil, false
	}
	return entry.name, entry.data, true
}

func (c *artifactStore) expired(a artifact) bool {
	return c.releaseAfter > 0 && c.now().Sub(a.created) >= c.releaseAfter
}

func (c *artifactStore) sweepLocked() {
	for id, a := range c.data {
		if c.expired(a) {
			delete(c.data, id)
		}
	}
}

// Sweep releases everything whose time is up.
func (c *artifactStore) Sweep() {
	c.mu.Lock()
	c.sweepLocked()
	c.mu.Unlock()
}

func (c *artifactStore) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
