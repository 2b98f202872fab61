// Package kms manages data encryption keys. Documents are encrypted
// under per-document data keys; data keys are wrapped by a master key
// that never leaves the key service. Unwrapped keys live in a TTL cache
// and are zeroed when they leave it.
package kms

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"
)

// DataKeySize is the data key length in bytes (AES-256).
const DataKeySize = 32

// DefaultKeyCacheTTL is how long an unwrapped data key may be reused.
const DefaultKeyCacheTTL = time.Hour

// keyCacheLimit bounds the unwrapped-key cache.
const keyCacheLimit = 1024

// DataKey is a freshly generated data key: the plaintext for immediate
// use and the wrapped form for storage. Callers must Zero the key once
// encryption is done.
type DataKey struct {
	Plaintext []byte
	Wrapped   []byte
}

// Zero wipes the plaintext key material.
func (k *DataKey) Zero() {
	if k == nil {
		return
	}
	Zeroize(k.Plaintext)
}

// Zeroize overwrites a byte slice with zeros.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// KeyManager generates and unwraps data keys.
type KeyManager interface {
	// GenerateDataKey returns a new data key. The caller owns the
	// plaintext and must Zero it after use.
	GenerateDataKey(ctx context.Context) (*DataKey, error)

	// DecryptDataKey unwraps a stored data key. The caller owns the
	// returned plaintext and must Zeroize it after use.
	DecryptDataKey(ctx context.Context, wrapped []byte) ([]byte, error)

	// Close releases cached key material.
	Close() error
}

type cachedKey struct {
	plaintext []byte
	expires   time.Time
}

// keyCache caches unwrapped data keys by a digest of their wrapped
// form, so repeated reads of the same document skip the key service.
type keyCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[[32]byte]cachedKey
	now     func() time.Time
}

func newKeyCache(ttl time.Duration) *keyCache {
	if ttl <= 0 {
		ttl = DefaultKeyCacheTTL
	}
	return &keyCache{
		ttl:     ttl,
		entries: make(map[[32]byte]cachedKey),
		now:     time.Now,
	}
}

// get returns a copy of the cached plaintext for wrapped, if present
// and unexpired. Expired entries are zeroed on the spot.
func (c *keyCache) get(wrapped []byte) ([]byte, bool) {
	key := sha256.Sum256(wrapped)
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		Zeroize(entry.plaintext)
		delete(c.entries, key)
		return nil, false
	}

	out := make([]byte, len(entry.plaintext))
	copy(out, entry.plaintext)
	return out, true
}

// put stores a copy of plaintext keyed by the wrapped form.
func (c *keyCache) put(wrapped, plaintext []byte) {
	key := sha256.Sum256(wrapped)
	stored := make([]byte, len(plaintext))
	copy(stored, plaintext)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= keyCacheLimit {
		c.evictExpiredLocked()
	}
	if len(c.entries) >= keyCacheLimit {
		// Still full of live keys; do not cache rather than evict a
		// key something may be about to reuse.
		Zeroize(stored)
		return
	}
	if old, ok := c.entries[key]; ok {
		Zeroize(old.plaintext)
	}
	c.entries[key] = cachedKey{plaintext: stored, expires: c.now().Add(c.ttl)}
}

func (c *keyCache) evictExpiredLocked() {
	now := c.now()
	for k, entry := range c.entries {
		if now.After(entry.expires) {
			Zeroize(entry.plaintext)
			delete(c.entries, k)
		}
	}
}

// close wipes every cached key.
func (c *keyCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, entry := range c.entries {
		Zeroize(entry.plaintext)
		delete(c.entries, k)
	}
}
