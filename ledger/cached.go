package ledger

import (
	"context"
	"time"

	"github.com/blnkfinance/payouts/internal/cache"
	"github.com/sirupsen/logrus"
)

const postingCacheKeyPrefix = "payouts:ledger:posting:"

// CachedReader remembers positive HasPostings answers. Ledger postings are
// never deleted, so a hit stays true; misses are always re-read.
type CachedReader struct {
	Reader
	cache cache.Cache
	ttl   time.Duration
}

func NewCachedReader(reader Reader, c cache.Cache, ttl time.Duration) *CachedReader {
	return &CachedReader{Reader: reader, cache: c, ttl: ttl}
}

func (c *CachedReader) HasPostings(ctx context.Context, transactionID string) (bool, error) {
	key := postingCacheKeyPrefix + transactionID

	var posted bool
	found, err := c.cache.Get(ctx, key, &posted)
	if err != nil {
		logrus.Warnf("ledger posting cache read failed for %s: %v", transactionID, err)
	}
	if found && posted {
		return true, nil
	}

	posted, err = c.Reader.HasPostings(ctx, transactionID)
	if err != nil {
		return false, err
	}
	if posted {
		if err := c.cache.Set(ctx, key, true, c.ttl); err != nil {
			logrus.Warnf("ledger posting cache write failed for %s: %v", transactionID, err)
		}
	}
	return posted, nil
}
