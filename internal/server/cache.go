package server

import (
	"context"
	"strconv"
	"time"

	"github.com/karlseguin/ccache/v3"
)

// answerCache memoizes successful upstream answers for a TTL. Failures are
// never cached, so a transient timeout is retried on the next call.
type answerCache struct {
	next  Querier
	cache *ccache.Cache[string]
	ttl   time.Duration
}

// newAnswerCache wraps next with a cache of at most size entries. A ttl of
// zero or less disables caching and returns next unchanged.
func newAnswerCache(next Querier, ttl time.Duration, size int) Querier {
	if ttl <= 0 || size <= 0 {
		return next
	}
	prune := uint32(size / 10)
	if prune == 0 {
		prune = 1
	}
	return &answerCache{
		next:  next,
		cache: ccache.New(ccache.Configure[string]().MaxSize(int64(size)).ItemsToPrune(prune)),
		ttl:   ttl,
	}
}

func (c *answerCache) Query(ctx context.Context, input string, maxChars int) (string, error) {
	key := strconv.Itoa(maxChars) + ":" + input
	if it := c.cache.Get(key); it != nil && !it.Expired() {
		return it.Value(), nil
	}
	text, err := c.next.Query(ctx, input, maxChars)
	if err == nil && text != "" {
		c.cache.Set(key, text, c.ttl)
	}
	return text, err
}

// Stop releases the cache's background worker.
func (c *answerCache) Stop() { c.cache.Stop() }
