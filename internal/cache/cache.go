package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	applog "poolcal/internal/log"
)

// Snapshot is the most recent encoded feed for one calendar identity.
// Snapshots are immutable once published; a refresh that changes the
// content replaces the snapshot wholesale.
type Snapshot struct {
	Identity    string
	Body        string
	Fingerprint string // sha256 hex of Body
	ETag        string // quoted fingerprint prefix, for If-None-Match

	// GeneratedAt is when this content was first produced; it only
	// advances when the fingerprint changes, so unchanged regenerations
	// do not churn Last-Modified.
	GeneratedAt time.Time
}

// Cache memoizes one Snapshot per calendar identity with a TTL.
// Concurrent misses for the same identity collapse into a single
// in-flight generation; late arrivals share that generation's result.
type Cache struct {
	ttl time.Duration

	mu          sync.RWMutex
	snapshots   map[string]*Snapshot
	refreshedAt map[string]time.Time

	group singleflight.Group

	now func() time.Time // test hook
}

// New creates a Cache whose snapshots stay fresh for ttl.
func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:         ttl,
		snapshots:   make(map[string]*Snapshot),
		refreshedAt: make(map[string]time.Time),
		now:         time.Now,
	}
}

// GetOrGenerate returns the identity's snapshot, invoking generate only
// when no snapshot exists or the stored one has outlived the TTL. If
// the regenerated content fingerprints identically to the stored
// snapshot, the old snapshot is kept (preserving GeneratedAt) and only
// its TTL clock resets.
func (c *Cache) GetOrGenerate(identity string, generate func() (string, error)) (*Snapshot, error) {
	if snap := c.freshSnapshot(identity); snap != nil {
		return snap, nil
	}
	return c.regenerate(identity, generate, false)
}

// Refresh regenerates the identity's snapshot regardless of TTL. A
// refresh that races an in-flight generation for the same identity
// joins it instead of fetching twice.
func (c *Cache) Refresh(identity string, generate func() (string, error)) (*Snapshot, error) {
	return c.regenerate(identity, generate, true)
}

// Peek returns the stored snapshot without freshness checks or
// generation, or nil if none exists.
func (c *Cache) Peek(identity string) *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshots[identity]
}

// Matches reports whether an If-None-Match header value matches the
// identity's current snapshot. The header may carry a comma-separated
// list of entity tags, optionally weak-prefixed, or "*" which matches
// any stored snapshot (RFC 9110 §8.8.3).
func (c *Cache) Matches(identity, header string) bool {
	if header == "" {
		return false
	}
	c.mu.RLock()
	snap := c.snapshots[identity]
	c.mu.RUnlock()
	if snap == nil {
		return false
	}
	for _, tag := range strings.Split(header, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if tag == "*" {
			return true
		}
		tag = strings.TrimPrefix(tag, "W/")
		if tag == snap.ETag || `"`+tag+`"` == snap.ETag {
			return true
		}
	}
	return false
}

func (c *Cache) freshSnapshot(identity string) *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := c.snapshots[identity]
	if snap == nil {
		return nil
	}
	if c.now().Sub(c.refreshedAt[identity]) >= c.ttl {
		return nil
	}
	return snap
}

func (c *Cache) regenerate(identity string, generate func() (string, error), force bool) (*Snapshot, error) {
	v, err, _ := c.group.Do(identity, func() (any, error) {
		if !force {
			// A concurrent flight may have refreshed while this caller
			// was queued behind the singleflight lock.
			if snap := c.freshSnapshot(identity); snap != nil {
				return snap, nil
			}
		}

		body, err := generate()
		if err != nil {
			return nil, err
		}
		return c.store(identity, body), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (c *Cache) store(identity, body string) *Snapshot {
	sum := sha256.Sum256([]byte(body))
	fp := hex.EncodeToString(sum[:])
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev := c.snapshots[identity]; prev != nil && prev.Fingerprint == fp {
		// Content unchanged: keep the old snapshot (and its
		// GeneratedAt) and only restart the TTL clock.
		c.refreshedAt[identity] = now
		applog.Debug("feed cache: content unchanged", "identity", identity, "fingerprint", fp[:12])
		return prev
	}

	snap := &Snapshot{
		Identity:    identity,
		Body:        body,
		Fingerprint: fp,
		ETag:        `"` + fp[:32] + `"`,
		GeneratedAt: now.UTC().Truncate(time.Second),
	}
	c.snapshots[identity] = snap
	c.refreshedAt[identity] = now
	applog.Info("feed cache: snapshot stored", "identity", identity, "fingerprint", fp[:12], "bytes", len(body))
	return snap
}
