package coremain

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexxNica/pdns/pkg/packetcache"
	"github.com/AlexxNica/pdns/pkg/proxy"
)

// cacheCollector exposes the packet cache counters. The cache keeps plain
// atomic counters so it stays free of metric dependencies; this adapter
// reads them on scrape.
type cacheCollector struct {
	cache *packetcache.Cache

	size             *prometheus.Desc
	maxEntries       *prometheus.Desc
	hits             *prometheus.Desc
	misses           *prometheus.Desc
	insertCollisions *prometheus.Desc
	lookupCollisions *prometheus.Desc
	ttlTooShorts     *prometheus.Desc
	deferredInserts  *prometheus.Desc
	deferredLookups  *prometheus.Desc
}

func newCacheCollector(c *packetcache.Cache) *cacheCollector {
	return &cacheCollector{
		cache:            c,
		size:             prometheus.NewDesc("pdns_cache_entries", "Number of cached responses.", nil, nil),
		maxEntries:       prometheus.NewDesc("pdns_cache_max_entries", "Cache capacity.", nil, nil),
		hits:             prometheus.NewDesc("pdns_cache_hits_total", "Cache hits.", nil, nil),
		misses:           prometheus.NewDesc("pdns_cache_misses_total", "Cache misses.", nil, nil),
		insertCollisions: prometheus.NewDesc("pdns_cache_insert_collisions_total", "Inserts refused because a different question held the key.", nil, nil),
		lookupCollisions: prometheus.NewDesc("pdns_cache_lookup_collisions_total", "Lookups that found a different question under the key.", nil, nil),
		ttlTooShorts:     prometheus.NewDesc("pdns_cache_ttl_too_short_total", "Responses not cached because their TTL was below the minimum.", nil, nil),
		deferredInserts:  prometheus.NewDesc("pdns_cache_deferred_inserts_total", "Inserts dropped due to lock contention.", nil, nil),
		deferredLookups:  prometheus.NewDesc("pdns_cache_deferred_lookups_total", "Lookups dropped due to lock contention.", nil, nil),
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.maxEntries
	ch <- c.hits
	ch <- c.misses
	ch <- c.insertCollisions
	ch <- c.lookupCollisions
	ch <- c.ttlTooShorts
	ch <- c.deferredInserts
	ch <- c.deferredLookups
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(c.cache.Size()))
	ch <- prometheus.MustNewConstMetric(c.maxEntries, prometheus.GaugeValue, float64(c.cache.MaxEntries()))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(c.cache.Hits()))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(c.cache.Misses()))
	ch <- prometheus.MustNewConstMetric(c.insertCollisions, prometheus.CounterValue, float64(c.cache.InsertCollisions()))
	ch <- prometheus.MustNewConstMetric(c.lookupCollisions, prometheus.CounterValue, float64(c.cache.LookupCollisions()))
	ch <- prometheus.MustNewConstMetric(c.ttlTooShorts, prometheus.CounterValue, float64(c.cache.TTLTooShorts()))
	ch <- prometheus.MustNewConstMetric(c.deferredInserts, prometheus.CounterValue, float64(c.cache.DeferredInserts()))
	ch <- prometheus.MustNewConstMetric(c.deferredLookups, prometheus.CounterValue, float64(c.cache.DeferredLookups()))
}

type proxyCollector struct {
	proxy *proxy.Proxy

	queries         *prometheus.Desc
	backendFailures *prometheus.Desc
}

func newProxyCollector(p *proxy.Proxy) *proxyCollector {
	return &proxyCollector{
		proxy:           p,
		queries:         prometheus.NewDesc("pdns_queries_total", "Queries handled.", nil, nil),
		backendFailures: prometheus.NewDesc("pdns_backend_failures_total", "Queries answered SERVFAIL because every backend failed.", nil, nil),
	}
}

func (c *proxyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queries
	ch <- c.backendFailures
}

func (c *proxyCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.queries, prometheus.CounterValue, float64(c.proxy.Queries()))
	ch <- prometheus.MustNewConstMetric(c.backendFailures, prometheus.CounterValue, float64(c.proxy.BackendFailures()))
}
