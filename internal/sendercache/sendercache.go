// Package sendercache maps bus sender names to unix uids, evicting
// entries when NameOwnerChanged reports the sender leaving the bus.
package sendercache

import (
	"sync"

	"github.com/ehrlich-b/go-ipcbus/internal/logging"
)

// Cache holds the sender-name to uid mapping. The owner wires eviction to
// the entitlement cache through the stopped callback.
type Cache struct {
	log     *logging.Logger
	stopped func(uid uint32)

	mu      sync.Mutex
	entries map[string]uint32
}

// New creates an empty cache. stopped, if non-nil, is invoked with the uid
// of every evicted sender.
func New(stopped func(uid uint32), log *logging.Logger) *Cache {
	if log == nil {
		log = logging.Default()
	}
	return &Cache{
		log:     log,
		stopped: stopped,
		entries: make(map[string]uint32),
	}
}

// UserID returns the cached uid for a sender.
func (c *Cache) UserID(sender string) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	uid, ok := c.entries[sender]
	return uid, ok
}

// Add caches a sender's uid.
func (c *Cache) Add(sender string, uid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Debugf("assigning %s to uid %d", sender, uid)
	c.entries[sender] = uid
}

// Remove evicts a sender, notifying the stopped callback first.
func (c *Cache) Remove(sender string) {
	c.mu.Lock()
	uid, ok := c.entries[sender]
	if ok {
		delete(c.entries, sender)
	}
	stopped := c.stopped
	c.mu.Unlock()

	if !ok {
		return
	}
	c.log.Infof("removing cached sender %s (uid %d)", sender, uid)
	if stopped != nil {
		stopped(uid)
	}
}

// NameOwnerChanged processes a NameOwnerChanged transition: a name leaving
// the bus (name == oldOwner, empty newOwner) evicts its entry.
func (c *Cache) NameOwnerChanged(name, oldOwner, newOwner string) {
	if name == oldOwner && newOwner == "" {
		c.log.Infof("bus client %q has left the bus", name)
		c.Remove(name)
	}
}
