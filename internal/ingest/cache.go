package ingest

import "sync"

// Cache holds the latest JPEG-encoded frame of each session, last write wins.
// The MJPEG preview endpoint reads from it at its own pace.
type Cache struct {
	mu     sync.RWMutex
	frames map[string][]byte
}

// NewCache creates an empty frame cache.
func NewCache() *Cache {
	return &Cache{frames: make(map[string][]byte)}
}

// Set stores the latest frame for a session, replacing any previous one.
func (c *Cache) Set(sessionID string, jpeg []byte) {
	c.mu.Lock()
	c.frames[sessionID] = jpeg
	c.mu.Unlock()
}

// Get returns the latest frame for a session, if any.
func (c *Cache) Get(sessionID string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	jpeg, exists := c.frames[sessionID]
	return jpeg, exists
}

// Clear drops the cached frame of a session during teardown.
func (c *Cache) Clear(sessionID string) {
	c.mu.Lock()
	delete(c.frames, sessionID)
	c.mu.Unlock()
}
