package coremain

import (
	"github.com/AlexxNica/pdns/mlog"
)

type Config struct {
	Log      mlog.LogConfig `yaml:"log"`
	Cache    CacheConfig    `yaml:"cache"`
	Backends BackendsConfig `yaml:"backends"`
	Servers  []ServerConfig `yaml:"servers"`
	API      APIConfig      `yaml:"api"`
}

// CacheConfig is the packet cache section.
type CacheConfig struct {
	// MaxEntries is the total capacity, divided across shards.
	MaxEntries uint64 `yaml:"max_entries"`

	// Shards is the number of independent cache shards.
	Shards uint32 `yaml:"shards"`

	MaxTTL uint32 `yaml:"max_ttl"` // (sec) cap on the effective TTL
	MinTTL uint32 `yaml:"min_ttl"` // (sec) responses below this are not cached

	// TempFailureTTL enables negative caching of SERVFAIL/REFUSED
	// responses for this many seconds. Zero disables it.
	TempFailureTTL uint32 `yaml:"temp_failure_ttl"`

	// StaleTTL is the aging budget applied when serving expired
	// entries. Default is 60.
	StaleTTL uint32 `yaml:"stale_ttl"`

	// ServeStale allows expired entries to be served for this many
	// seconds past their deadline. Zero disables stale serving.
	ServeStale uint32 `yaml:"serve_stale"`

	// DontAge disables TTL aging on cache hits.
	DontAge bool `yaml:"dont_age"`

	// DeferrableInsertLock makes inserts give up under lock contention
	// instead of blocking.
	DeferrableInsertLock bool `yaml:"deferrable_insert_lock"`

	// CleanerInterval is the seconds between expired-entry sweeps.
	// Default is 60. Negative disables the sweeper.
	CleanerInterval int `yaml:"cleaner_interval"`
}

func (c *CacheConfig) init() {
	if c.MaxTTL == 0 {
		c.MaxTTL = 86400
	}
	if c.StaleTTL == 0 {
		c.StaleTTL = 60
	}
	if c.CleanerInterval == 0 {
		c.CleanerInterval = 60
	}
}

// BackendsConfig lists the resolvers queries are balanced over.
type BackendsConfig struct {
	// Policy is the selection policy: "roundrobin" (default), "random"
	// or "leastload".
	Policy string `yaml:"policy"`

	// Timeout is the per-exchange timeout in seconds. Default is 3.
	Timeout uint `yaml:"timeout"`

	// Addrs are the backend "host:port" addresses.
	Addrs []string `yaml:"addrs"`
}

type ServerConfig struct {
	// Protocol can be:
	// "", "udp" -> udp
	// "tcp" -> tcp
	// "dot", "tls" -> dns over tls
	// "doq", "quic" -> dns over quic (rfc 9250)
	Protocol string `yaml:"protocol"`

	// Addr is the "host:port" listen address. Required.
	Addr string `yaml:"addr"`

	Cert string `yaml:"cert"` // certificate path, used by dot, doq
	Key  string `yaml:"key"`  // certificate key path, used by dot, doq

	// IdleTimeout is the stream-connection idle timeout in seconds.
	IdleTimeout uint `yaml:"idle_timeout"`

	// ProxyProtocol accepts the PROXY protocol on tcp and dot
	// listeners.
	ProxyProtocol bool `yaml:"proxy_protocol"`
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}
