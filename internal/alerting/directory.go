package alerting

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedDirectory memoizes account lookups for a bounded time. Unknown
// users are not cached, so a newly registered account is seen at once.
type CachedDirectory struct {
	next  Directory
	cache *expirable.LRU[string, Account]
}

// NewCachedDirectory wraps next with an LRU of size entries that expire
// after ttl.
func NewCachedDirectory(next Directory, size int, ttl time.Duration) *CachedDirectory {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedDirectory{
		next:  next,
		cache: expirable.NewLRU[string, Account](size, nil, ttl),
	}
}

func (d *CachedDirectory) LookupAccount(ctx context.Context, username string) (*Account, error) {
	if acct, ok := d.cache.Get(username); ok {
		return &acct, nil
	}
	acct, err := d.next.LookupAccount(ctx, username)
	if err != nil {
		return nil, err
	}
	d.cache.Add(username, *acct)
	return acct, nil
}
