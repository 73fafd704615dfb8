// Package auth translates ownership principals (UID:n, GID:n, SID:...)
// into display names. The cache is owned by the worker and injected into
// the metadata handlers; nothing here is process-global.
package auth

import (
	"os/user"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long a translation is trusted before re-resolving.
const DefaultTTL = 15 * time.Minute

// Resolver looks up one principal. kind is "UID", "GID" or "SID"; id is
// the numeric or string identity without the prefix.
type Resolver interface {
	Lookup(kind, id string) (string, error)
}

// OSResolver resolves UID and GID principals through the local account
// database.
type OSResolver struct{}

func (OSResolver) Lookup(kind, id string) (string, error) {
	switch kind {
	case "UID":
		u, err := user.LookupId(id)
		if err != nil {
			return "", err
		}
		return u.Username, nil
	case "GID":
		g, err := user.LookupGroupId(id)
		if err != nil {
			return "", err
		}
		return g.Name, nil
	}
	return "", user.UnknownUserError(id)
}

type entry struct {
	name string
	ts   time.Time
}

// Cache memoizes principal translations with a TTL.
type Cache struct {
	mu      sync.Mutex
	res     Resolver
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
}

// wellKnown principals are pinned and never expire.
var wellKnown = map[string]string{
	"SID:S-1-1-0": "Everyone",
	"SID:S-1-2-0": "Local",
	"SID:S-1-3-0": "Creator Owner",
	"SID:S-1-3-1": "Creator Group",
}

// NewCache creates a cache over the given resolver. A nil resolver falls
// back to the local account database.
func NewCache(res Resolver) *Cache {
	if res == nil {
		res = OSResolver{}
	}
	return &Cache{
		res:     res,
		ttl:     DefaultTTL,
		entries: map[string]entry{},
		now:     time.Now,
	}
}

// Translate maps a principal such as "UID:1000" to a display name. On
// resolution failure the principal itself is returned, so records always
// carry something useful. path is accepted for resolvers that scope
// identities by subtree; the default resolver ignores it.
func (c *Cache) Translate(principal, path string) string {
	if name, ok := wellKnown[principal]; ok {
		return name
	}
	kind, id, ok := strings.Cut(principal, ":")
	if !ok {
		return principal
	}

	c.mu.Lock()
	if e, ok := c.entries[principal]; ok && c.now().Sub(e.ts) < c.ttl {
		c.mu.Unlock()
		return e.name
	}
	c.mu.Unlock()

	name, err := c.res.Lookup(kind, id)
	if err != nil || name == "" {
		return principal
	}
	c.mu.Lock()
	c.entries[principal] = entry{name: name, ts: c.now()}
	c.mu.Unlock()
	return name
}
