package session

import (
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// PreviewHandle references a stored preview image.
type PreviewHandle string

// PreviewStore keeps preview images addressable by handle until released.
type PreviewStore interface {
	Put(data []byte) PreviewHandle
	Get(handle PreviewHandle) ([]byte, bool)
	Release(handle PreviewHandle)
}

// PreviewCache is an in-process PreviewStore. Entries expire after ttl even
// when never released, so a client that disappears cannot pin memory forever.
type PreviewCache struct {
	cache *gocache.Cache
}

// NewPreviewCache builds a cache with the given expiry.
func NewPreviewCache(ttl time.Duration) *PreviewCache {
	return &PreviewCache{cache: gocache.New(ttl, ttl/2+time.Second)}
}

// Put stores a copy of data.
func (p *PreviewCache) Put(data []byte) PreviewHandle {
	handle := PreviewHandle(uuid.NewString())
	p.cache.SetDefault(string(handle), append([]byte(nil), data...))
	return handle
}

// Get returns the preview bytes.
func (p *PreviewCache) Get(handle PreviewHandle) ([]byte, bool) {
	v, ok := p.cache.Get(string(handle))
	if !ok {
		return nil, false
	}
	data, ok := v.([]byte)
	return data, ok
}

// Release drops the preview.
func (p *PreviewCache) Release(handle PreviewHandle) {
	p.cache.Delete(string(handle))
}

// Len reports how many previews are held.
func (p *PreviewCache) Len() int {
	return p.cache.ItemCount()
}
