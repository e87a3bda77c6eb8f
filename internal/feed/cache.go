package feed

import (
	"sort"
	"sync"

	"github.com/eldtechnologies/mcpcommons/internal/models"
)

// Cache is a bounded buffer of the most recent messages, newest first. It has
// a single writer, the feed consumer, and any number of readers.
type Cache struct {
	mu       sync.RWMutex
	size     int
	messages []models.Message
	ids      map[string]struct{}
}

// NewCache creates a cache holding at most size messages.
func NewCache(size int) *Cache {
	return &Cache{
		size: size,
		ids:  make(map[string]struct{}, size),
	}
}

// Reset replaces the contents with msgs.
func (c *Cache) Reset(msgs []models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = make([]models.Message, 0, c.size)
	c.ids = make(map[string]struct{}, c.size)
	for i := range msgs {
		c.insert(msgs[i])
	}
}

// Add records msg, ignoring duplicates and messages older than everything
// held in a full cache.
func (c *Cache) Add(msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insert(msg)
}

func (c *Cache) insert(msg models.Message) {
	if c.size <= 0 {
		return
	}
	if _, dup := c.ids[msg.ID]; dup {
		return
	}

	idx := sort.Search(len(c.messages), func(i int) bool {
		return c.messages[i].Before(&msg)
	})
	if idx >= c.size {
		return
	}

	c.messages = append(c.messages, models.Message{})
	copy(c.messages[idx+1:], c.messages[idx:])
	c.messages[idx] = msg
	c.ids[msg.ID] = struct{}{}

	if len(c.messages) > c.size {
		evicted := c.messages[len(c.messages)-1]
		delete(c.ids, evicted.ID)
		c.messages = c.messages[:c.size]
	}
}

// Recent returns up to limit messages, newest first. The slice is a copy.
func (c *Cache) Recent(limit int) []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if limit <= 0 || limit > len(c.messages) {
		limit = len(c.messages)
	}
	out := make([]models.Message, limit)
	copy(out, c.messages[:limit])
	return out
}

// Len returns the number of cached messages.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}
