package media

import (
	"encoding/base64"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the client-side attachment cache.
const DefaultCacheSize = 50

// Cache keeps data URLs for recently seen attachments, keyed by message id.
type Cache struct {
	entries *lru.Cache[string, string]
}

func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

// Put stores data for a message as a base64 data URL.
func (c *Cache) Put(messageID, contentType string, data []byte) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.entries.Add(messageID, "data:"+contentType+";base64,"+base64.StdEncoding.EncodeToString(data))
}

func (c *Cache) Get(messageID string) (string, bool) {
	if c == nil {
		return "", false
	}
	return c.entries.Get(messageID)
}

func (c *Cache) Len() int { return c.entries.Len() }
