package datastore

import (
	"sync"

	"github.com/patrickmn/go-cache"

	"github.com/tphakala/iotalerts/internal/alerts"
)

// severityCache remembers LatestSeverity per topic. Entries never expire
// and the cleanup janitor is disabled; writers invalidate explicitly.
type severityCache struct {
	c *cache.Cache
}

func newSeverityCache() *severityCache {
	return &severityCache{c: cache.New(cache.NoExpiration, 0)}
}

func (sc *severityCache) get(topic string) (alerts.Severity, bool) {
	v, ok := sc.c.Get(topic)
	if !ok {
		return alerts.SeverityNone, false
	}
	sev, ok := v.(alerts.Severity)
	return sev, ok
}

func (sc *severityCache) set(topic string, sev alerts.Severity) {
	sc.c.Set(topic, sev, cache.NoExpiration)
}

func (sc *severityCache) invalidate(topic string) {
	sc.c.Delete(topic)
}

func (sc *severityCache) flush() {
	sc.c.Flush()
}

// topicLocks serializes read-modify-write sequences per topic while
// letting different topics proceed independently.
type topicLocks struct {
	m sync.Map // topic -> *sync.Mutex
}

func (l *topicLocks) lock(topic string) func() {
	v, _ := l.m.LoadOrStore(topic, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
