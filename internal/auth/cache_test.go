package auth

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

// countingResolver counts lookups and can be told to fail.
type countingResolver struct {
	calls int
	fail  bool
}

func (r *countingResolver) Lookup(kind, id string) (string, error) {
	r.calls++
	if r.fail {
		return "", errors.New("no such principal")
	}
	return fmt.Sprintf("%s-%s", kind, id), nil
}

func TestCacheMemoizes(t *testing.T) {
	res := &countingResolver{}
	c := NewCache(res)

	if got := c.Translate("UID:1000", "/data"); got != "UID-1000" {
		t.Fatalf("translate = %q, want UID-1000", got)
	}
	for i := 0; i < 5; i++ {
		c.Translate("UID:1000", "/data")
	}
	if res.calls != 1 {
		t.Fatalf("resolver called %d times, want 1", res.calls)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	res := &countingResolver{}
	c := NewCache(res)

	clock := time.Now()
	c.now = func() time.Time { return clock }

	c.Translate("GID:42", "")
	clock = clock.Add(DefaultTTL + time.Second)
	c.Translate("GID:42", "")
	if res.calls != 2 {
		t.Fatalf("resolver called %d times after expiry, want 2", res.calls)
	}
}

func TestCacheFailureReturnsPrincipal(t *testing.T) {
	res := &countingResolver{fail: true}
	c := NewCache(res)

	if got := c.Translate("UID:9999", ""); got != "UID:9999" {
		t.Fatalf("translate = %q, want the principal back", got)
	}
	// Failures are not cached; the next call retries.
	c.Translate("UID:9999", "")
	if res.calls != 2 {
		t.Fatalf("resolver called %d times, want 2", res.calls)
	}
}

func TestCacheWellKnownSIDs(t *testing.T) {
	res := &countingResolver{}
	c := NewCache(res)

	if got := c.Translate("SID:S-1-1-0", ""); got != "Everyone" {
		t.Fatalf("translate = %q, want Everyone", got)
	}
	if res.calls != 0 {
		t.Fatalf("resolver called %d times for a well-known SID", res.calls)
	}
}

func TestCacheMalformedPrincipal(t *testing.T) {
	c := NewCache(&countingResolver{})
	if got := c.Translate("root", ""); got != "root" {
		t.Fatalf("translate = %q, want input unchanged", got)
	}
}
