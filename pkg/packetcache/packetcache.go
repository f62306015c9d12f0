package packetcache

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

const (
	defaultMaxEntries = 200000
	defaultShardCount = 20
)

// Opts configures a Cache. Zero values fall back to defaults where a
// default makes sense; TTL bounds of zero are kept as-is.
type Opts struct {
	// MaxEntries is the total capacity, divided evenly across shards.
	MaxEntries uint64

	// MaxTTL caps the effective TTL of a cached response.
	MaxTTL uint32

	// MinTTL rejects responses whose minimum record TTL is below it.
	MinTTL uint32

	// TempFailureTTL enables negative caching of SERVFAIL and REFUSED
	// responses. Zero disables it.
	TempFailureTTL uint32

	// StaleTTL is the budget used to age responses served past their
	// validity deadline.
	StaleTTL uint32

	// DontAge disables TTL aging on cache hits.
	DontAge bool

	// ShardCount is the number of independent shards.
	ShardCount uint32

	// DeferrableInsertLock makes inserts use a non-blocking write lock
	// and give up under contention.
	DeferrableInsertLock bool
}

func (opts *Opts) init() {
	if opts.MaxEntries == 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	if opts.ShardCount == 0 {
		opts.ShardCount = defaultShardCount
	}
	if uint64(opts.ShardCount) > opts.MaxEntries {
		opts.ShardCount = uint32(opts.MaxEntries)
	}
}

type entry struct {
	qname    string // canonical (lower-cased) wire-format name
	qtype    uint16
	qclass   uint16
	tcp      bool
	payload  []byte
	added    int64
	validity int64
}

func (e *entry) matches(qname []byte, qtype, qclass uint16, tcp bool) bool {
	return e.tcp == tcp && e.qtype == qtype && e.qclass == qclass && e.qname == string(qname)
}

func (e *entry) sameQuestion(other *entry) bool {
	return e.tcp == other.tcp && e.qtype == other.qtype && e.qclass == other.qclass && e.qname == other.qname
}

type shard struct {
	mu      sync.RWMutex
	entries map[uint32]entry

	// count mirrors len(entries) so Size() can read it without the lock.
	count atomic.Int64
}

// Cache is a sharded, bounded cache of complete DNS response packets keyed
// by a 32-bit hash of the query. Lookups never block on writers: contended
// read locks are given up and counted as deferred lookups.
type Cache struct {
	opts          Opts
	perShardLimit int64
	shards        []*shard

	// expungeIndex round-robins the shard PurgeExpired starts from.
	expungeIndex atomic.Uint32

	hits             atomic.Uint64
	misses           atomic.Uint64
	insertCollisions atomic.Uint64
	lookupCollisions atomic.Uint64
	ttlTooShorts     atomic.Uint64
	deferredInserts  atomic.Uint64
	deferredLookups  atomic.Uint64

	now func() int64
}

// New creates a Cache with the given opts.
func New(opts Opts) *Cache {
	opts.init()

	c := &Cache{
		opts:          opts,
		perShardLimit: int64(opts.MaxEntries / uint64(opts.ShardCount)),
		shards:        make([]*shard, opts.ShardCount),
		now:           func() int64 { return time.Now().Unix() },
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			entries: make(map[uint32]entry, c.perShardLimit+1),
		}
	}
	return c
}

// Query describes the cache-relevant identity of an incoming DNS query.
type Query struct {
	// Name is the wire-format qname, original case preserved.
	Name []byte

	Qtype  uint16
	Qclass uint16

	// TCP separates entries by transport.
	TCP bool

	// Packet is the full query packet, used to derive the key.
	Packet []byte
}

func (c *Cache) shardFor(key uint32) *shard {
	return c.shards[key%c.opts.ShardCount]
}

// Insert stores a response under key. It never fails loudly: malformed,
// uncacheable and capacity-exceeding responses are dropped silently.
// tempFailureTTL overrides the configured negative-caching TTL when non-nil.
func (c *Cache) Insert(key uint32, name []byte, qtype, qclass uint16, tcp bool, response []byte, rcode int, tempFailureTTL *uint32) {
	if len(response) < HeaderSize {
		return
	}

	var minTTL uint32
	if rcode == dns.RcodeServerFailure || rcode == dns.RcodeRefused {
		minTTL = c.opts.TempFailureTTL
		if tempFailureTTL != nil {
			minTTL = *tempFailureTTL
		}
		// Negative caching is opt-in.
		if minTTL == 0 {
			return
		}
	} else {
		minTTL = MinTTL(response)

		// No TTL found, we don't want to cache this.
		if minTTL == ttlSentinel {
			return
		}
		if minTTL > c.opts.MaxTTL {
			minTTL = c.opts.MaxTTL
		}
		if minTTL < c.opts.MinTTL {
			c.ttlTooShorts.Add(1)
			return
		}
	}

	sh := c.shardFor(key)
	if sh.count.Load() >= c.perShardLimit {
		return
	}

	now := c.now()
	payload := make([]byte, len(response))
	copy(payload, response)
	newEntry := entry{
		qname:    string(LowerName(name)),
		qtype:    qtype,
		qclass:   qclass,
		tcp:      tcp,
		payload:  payload,
		added:    now,
		validity: now + int64(minTTL),
	}

	if c.opts.DeferrableInsertLock {
		if !sh.mu.TryLock() {
			c.deferredInserts.Add(1)
			return
		}
	} else {
		sh.mu.Lock()
	}
	c.insertLocked(sh, key, newEntry, now)
	sh.mu.Unlock()
}

func (c *Cache) insertLocked(sh *shard, key uint32, newEntry entry, now int64) {
	// Check again now that we hold the lock to prevent a race.
	if int64(len(sh.entries)) >= c.perShardLimit {
		return
	}

	old, found := sh.entries[key]
	if !found {
		sh.entries[key] = newEntry
		sh.count.Add(1)
		return
	}

	// In case of collision, don't override the existing entry unless it
	// has expired.
	wasExpired := old.validity <= now
	if !wasExpired && !old.sameQuestion(&newEntry) {
		c.insertCollisions.Add(1)
		return
	}

	// If the existing entry has a longer TTD, keep it.
	if newEntry.validity <= old.validity {
		return
	}

	sh.entries[key] = newEntry
}

// Get looks up a cached response for q. The computed key is returned
// regardless of the outcome so that a miss can be followed by an Insert
// under the same key. On a hit the cached payload is written into buf with
// queryID spliced into the transaction-ID bytes, the qname case restored
// from q, and record TTLs aged in place unless skipAging or the cache-wide
// don't-age flag is set. allowExpired is the number of seconds past the
// validity deadline an entry may still be served (flagged stale).
//
// Get only fails with an error when q.Packet is too short to be a DNS
// query; normal traffic never triggers it.
func (c *Cache) Get(q *Query, consumed int, queryID uint16, buf []byte, allowExpired uint32, skipAging bool) (n int, key uint32, hit bool, err error) {
	lname := LowerName(q.Name)
	key, err = Key(lname, consumed, q.Packet, q.TCP)
	if err != nil {
		return 0, 0, false, err
	}

	sh := c.shardFor(key)
	now := c.now()

	n, age, hit := c.lookupLocked(sh, key, q, lname, queryID, buf, now, allowExpired)
	if !hit {
		return 0, key, false, nil
	}

	// The read lock is released; aging only mutates the caller's buffer.
	if !c.opts.DontAge && !skipAging {
		AgePacket(buf[:n], age)
	}
	c.hits.Add(1)
	return n, key, true, nil
}

func (c *Cache) lookupLocked(sh *shard, key uint32, q *Query, lname []byte, queryID uint16, buf []byte, now int64, allowExpired uint32) (n int, age uint32, hit bool) {
	// Lookups never wait behind writers.
	if !sh.mu.TryRLock() {
		c.deferredLookups.Add(1)
		return 0, 0, false
	}
	defer sh.mu.RUnlock()

	e, found := sh.entries[key]
	if !found {
		c.misses.Add(1)
		return 0, 0, false
	}

	stale := false
	if e.validity < now {
		if now-e.validity > int64(allowExpired) {
			c.misses.Add(1)
			return 0, 0, false
		}
		stale = true
	}

	if len(buf) < len(e.payload) || len(e.payload) < HeaderSize {
		return 0, 0, false
	}

	// Check for collision.
	if !e.matches(lname, q.Qtype, q.Qclass, q.TCP) {
		c.lookupCollisions.Add(1)
		return 0, 0, false
	}

	binary.BigEndian.PutUint16(buf[:2], queryID)
	copy(buf[2:HeaderSize], e.payload[2:HeaderSize])

	if len(e.payload) == HeaderSize {
		// DNS header only, our work here is done.
		return HeaderSize, 0, true
	}

	qnameLen := len(q.Name)
	if len(e.payload) < HeaderSize+qnameLen {
		return 0, 0, false
	}

	// Restore the qname case of the query.
	copy(buf[HeaderSize:], q.Name)
	copy(buf[HeaderSize+qnameLen:], e.payload[HeaderSize+qnameLen:])

	if !stale {
		age = uint32(now - e.added)
	} else {
		age = uint32(e.validity-e.added) - c.opts.StaleTTL
	}
	return len(e.payload), age, true
}

// PurgeExpired removes expired entries until the cache holds at most upTo
// entries. Shards are visited starting from a rotating index so that
// repeated calls cover all shards fairly.
func (c *Cache) PurgeExpired(upTo uint64) {
	now := c.now()
	size := c.Size()
	if upTo >= size {
		return
	}
	toRemove := size - upTo

	var scanned uint32
	for toRemove > 0 && scanned < c.opts.ShardCount {
		sh := c.shards[(c.expungeIndex.Add(1)-1)%c.opts.ShardCount]
		sh.mu.Lock()
		for k, e := range sh.entries {
			if toRemove == 0 {
				break
			}
			if e.validity < now {
				delete(sh.entries, k)
				sh.count.Add(-1)
				toRemove--
			}
		}
		sh.mu.Unlock()
		scanned++
	}
}

// Expunge removes entries regardless of freshness until the cache holds at
// most upTo entries. The deletion budget is spread across shards in index
// order; an under-sized shard is emptied and the shortfall rolls forward.
func (c *Cache) Expunge(upTo uint64) {
	size := c.Size()
	if upTo >= size {
		return
	}
	toRemove := size - upTo

	var removed uint64
	for i, sh := range c.shards {
		sh.mu.Lock()
		target := (toRemove - removed) / uint64(len(c.shards)-i)
		if uint64(len(sh.entries)) >= target {
			var n uint64
			for k := range sh.entries {
				if n >= target {
					break
				}
				delete(sh.entries, k)
				n++
			}
			sh.count.Add(-int64(n))
			removed += n
		} else {
			removed += uint64(len(sh.entries))
			sh.entries = make(map[uint32]entry)
			sh.count.Store(0)
		}
		sh.mu.Unlock()
	}
}

// ExpungeByName removes every entry whose qname equals name, or is a
// subdomain of name when suffixMatch is set, and whose qtype equals qtype
// or qtype is ANY.
func (c *Cache) ExpungeByName(name []byte, qtype uint16, suffixMatch bool) {
	lname := LowerName(name)
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if (e.qname == string(lname) || (suffixMatch && NameIsSubDomain([]byte(e.qname), lname))) &&
				(qtype == dns.TypeANY || qtype == e.qtype) {
				delete(sh.entries, k)
				sh.count.Add(-1)
			}
		}
		sh.mu.Unlock()
	}
}

// Size returns the number of cached entries. The value is a sum of
// per-shard counters read without locks and may be slightly stale.
func (c *Cache) Size() uint64 {
	var count uint64
	for _, sh := range c.shards {
		count += uint64(sh.count.Load())
	}
	return count
}

// Full reports whether the cache has reached its configured capacity.
func (c *Cache) Full() bool {
	return c.Size() >= c.opts.MaxEntries
}

func (c *Cache) String() string {
	return fmt.Sprintf("%d/%d", c.Size(), c.opts.MaxEntries)
}

// MaxEntries returns the configured capacity.
func (c *Cache) MaxEntries() uint64 { return c.opts.MaxEntries }

func (c *Cache) Hits() uint64             { return c.hits.Load() }
func (c *Cache) Misses() uint64           { return c.misses.Load() }
func (c *Cache) InsertCollisions() uint64 { return c.insertCollisions.Load() }
func (c *Cache) LookupCollisions() uint64 { return c.lookupCollisions.Load() }
func (c *Cache) TTLTooShorts() uint64     { return c.ttlTooShorts.Load() }
func (c *Cache) DeferredInserts() uint64  { return c.deferredInserts.Load() }
func (c *Cache) DeferredLookups() uint64  { return c.deferredLookups.Load() }
