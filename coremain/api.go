package coremain

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

type cacheStatus struct {
	Entries          uint64 `json:"entries"`
	MaxEntries       uint64 `json:"max_entries"`
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	InsertCollisions uint64 `json:"insert_collisions"`
	LookupCollisions uint64 `json:"lookup_collisions"`
	TTLTooShorts     uint64 `json:"ttl_too_shorts"`
	DeferredInserts  uint64 `json:"deferred_inserts"`
	DeferredLookups  uint64 `json:"deferred_lookups"`
}

type expungeRequest struct {
	// Name invalidates entries for this domain.
	Name string `json:"name"`

	// Qtype limits the invalidation to one record type. Empty or "ANY"
	// matches all types.
	Qtype string `json:"qtype"`

	// Suffix also invalidates every subdomain of Name.
	Suffix bool `json:"suffix"`

	// Keep shrinks the cache to at most this many entries instead of
	// invalidating by name. Only read when Name is empty.
	Keep *uint64 `json:"keep"`
}

// registerCacheAPI is the operator surface for the cache: status and
// targeted invalidation after out-of-band changes.
func (m *Pdns) registerCacheAPI() {
	m.httpAPIMux.HandleFunc("/api/cache", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&cacheStatus{
			Entries:          m.cache.Size(),
			MaxEntries:       m.cache.MaxEntries(),
			Hits:             m.cache.Hits(),
			Misses:           m.cache.Misses(),
			InsertCollisions: m.cache.InsertCollisions(),
			LookupCollisions: m.cache.LookupCollisions(),
			TTLTooShorts:     m.cache.TTLTooShorts(),
			DeferredInserts:  m.cache.DeferredInserts(),
			DeferredLookups:  m.cache.DeferredLookups(),
		})
	})

	m.httpAPIMux.HandleFunc("/api/cache/expunge", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var er expungeRequest
		if err := json.NewDecoder(req.Body).Decode(&er); err != nil {
			http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
			return
		}

		if len(er.Name) == 0 {
			if er.Keep == nil {
				http.Error(w, "name or keep is required", http.StatusBadRequest)
				return
			}
			m.cache.Expunge(*er.Keep)
			m.logger.Info("cache expunged", zap.Uint64("keep", *er.Keep), zap.String("cache", m.cache.String()))
			fmt.Fprintf(w, "%s\n", m.cache.String())
			return
		}

		wireName, err := packName(er.Name)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid name: %v", err), http.StatusBadRequest)
			return
		}

		qtype := dns.TypeANY
		if len(er.Qtype) > 0 && er.Qtype != "ANY" {
			t, ok := dns.StringToType[er.Qtype]
			if !ok {
				http.Error(w, fmt.Sprintf("unknown qtype %q", er.Qtype), http.StatusBadRequest)
				return
			}
			qtype = t
		}

		m.cache.ExpungeByName(wireName, qtype, er.Suffix)
		m.logger.Info("cache entries expunged",
			zap.String("name", er.Name),
			zap.String("qtype", er.Qtype),
			zap.Bool("suffix", er.Suffix))
		fmt.Fprintf(w, "%s\n", m.cache.String())
	})
}

func packName(name string) ([]byte, error) {
	buf := make([]byte, 256)
	off, err := dns.PackDomainName(dns.Fqdn(name), buf, 0, nil, false)
	if err != nil {
		return nil, err
	}
	return buf[:off], nil
}
