package coremain

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AlexxNica/pdns/mlog"
	"github.com/AlexxNica/pdns/pkg/packetcache"
)

const testConfig = `
log:
  level: debug
cache:
  max_entries: 50000
  shards: 8
  max_ttl: 3600
  temp_failure_ttl: 30
  serve_stale: 120
backends:
  policy: leastload
  timeout: 2
  addrs:
    - "127.0.0.1:5301"
    - "127.0.0.1:5302"
servers:
  - protocol: udp
    addr: "127.0.0.1:5353"
  - protocol: tcp
    addr: "127.0.0.1:5353"
    proxy_protocol: true
api:
  http: "127.0.0.1:8080"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, testConfig)

	cfg, fileUsed, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, path, fileUsed)

	require.Equal(t, "debug", cfg.Log.Level)
	require.EqualValues(t, 50000, cfg.Cache.MaxEntries)
	require.EqualValues(t, 8, cfg.Cache.Shards)
	require.EqualValues(t, 3600, cfg.Cache.MaxTTL)
	require.EqualValues(t, 30, cfg.Cache.TempFailureTTL)
	require.EqualValues(t, 120, cfg.Cache.ServeStale)
	require.Equal(t, "leastload", cfg.Backends.Policy)
	require.Len(t, cfg.Backends.Addrs, 2)
	require.Len(t, cfg.Servers, 2)
	require.True(t, cfg.Servers[1].ProxyProtocol)
	require.Equal(t, "127.0.0.1:8080", cfg.API.HTTP)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, testConfig+"\nnot_a_real_key: true\n")
	_, _, err := loadConfig(path)
	require.Error(t, err)
}

func TestCacheConfigDefaults(t *testing.T) {
	var c CacheConfig
	c.init()
	require.EqualValues(t, 86400, c.MaxTTL)
	require.EqualValues(t, 60, c.StaleTTL)
	require.Equal(t, 60, c.CleanerInterval)
}

func testPdns(t *testing.T) *Pdns {
	t.Helper()
	return &Pdns{
		logger:     mlog.Nop(),
		cache:      packetcache.New(packetcache.Opts{MaxEntries: 100, ShardCount: 2, MaxTTL: 3600}),
		httpAPIMux: http.NewServeMux(),
	}
}

func TestCacheStatusAPI(t *testing.T) {
	m := testPdns(t)
	m.registerCacheAPI()

	req := httptest.NewRequest(http.MethodGet, "/api/cache", nil)
	rec := httptest.NewRecorder()
	m.httpAPIMux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"max_entries":100`)
}

func TestCacheExpungeAPI(t *testing.T) {
	m := testPdns(t)
	m.registerCacheAPI()

	body := strings.NewReader(`{"name": "example.com", "qtype": "A", "suffix": true}`)
	req := httptest.NewRequest(http.MethodPost, "/api/cache/expunge", body)
	rec := httptest.NewRecorder()
	m.httpAPIMux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "0/100\n", rec.Body.String())

	// Bad qtype.
	body = strings.NewReader(`{"name": "example.com", "qtype": "NOPE"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/cache/expunge", body)
	rec = httptest.NewRecorder()
	m.httpAPIMux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Capacity trim.
	body = strings.NewReader(`{"keep": 0}`)
	req = httptest.NewRequest(http.MethodPost, "/api/cache/expunge", body)
	rec = httptest.NewRecorder()
	m.httpAPIMux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// GET is not allowed.
	req = httptest.NewRequest(http.MethodGet, "/api/cache/expunge", nil)
	rec = httptest.NewRecorder()
	m.httpAPIMux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
