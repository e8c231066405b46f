package cache

import (
	"sync"
	"time"
)

type CachedSecret struct {
	CourseID  string
	Secret    string
	ExpiresAt time.Time
}

// SecretCache holds resolved course secrets for a short TTL. Only hits are
// stored; an unconfigured course is looked up again on every request.
type SecretCache struct {
	mu      sync.RWMutex
	secrets map[string]*CachedSecret // key: course external id
	gen     uint64
	now     func() time.Time
}

func NewSecretCache() *SecretCache {
	return &SecretCache{
		secrets: make(map[string]*CachedSecret),
		now:     time.Now,
	}
}

func (c *SecretCache) Add(courseID, secret string, ttl time.Duration) {
	if ttl <= 0 || secret == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(courseID, secret, ttl)
}

// Generation changes on every Remove. Read it before loading a secret from
// storage and pass it to AddIfCurrent.
func (c *SecretCache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// AddIfCurrent caches secret only if no Remove happened since gen was read,
// so a value loaded before a rotation is never cached after it.
func (c *SecretCache) AddIfCurrent(courseID, secret string, ttl time.Duration, gen uint64) bool {
	if ttl <= 0 || secret == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		return false
	}
	c.put(courseID, secret, ttl)
	return true
}

func (c *SecretCache) put(courseID, secret string, ttl time.Duration) {
	c.secrets[courseID] = &CachedSecret{
		CourseID:  courseID,
		Secret:    secret,
		ExpiresAt: c.now().Add(ttl),
	}
}

func (c *SecretCache) Remove(courseID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	if _, exists := c.secrets[courseID]; exists {
		delete(c.secrets, courseID)
		return true
	}
	return false
}

func (c *SecretCache) Get(courseID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cs, exists := c.secrets[courseID]
	if !exists || c.now().After(cs.ExpiresAt) {
		return "", false
	}
	return cs.Secret, true
}

func (c *SecretCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.secrets)
}

// PurgeExpired drops expired entries and returns them.
func (c *SecretCache) PurgeExpired() []*CachedSecret {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*CachedSecret
	now := c.now()

	for id, cs := range c.secrets {
		if now.After(cs.ExpiresAt) {
			expired = append(expired, cs)
			delete(c.secrets, id)
		}
	}

	return expired
}
