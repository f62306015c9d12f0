package proxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/AlexxNica/pdns/pkg/backend"
	"github.com/AlexxNica/pdns/pkg/dnsutils"
	"github.com/AlexxNica/pdns/pkg/packetcache"
	"github.com/AlexxNica/pdns/pkg/pool"
	"github.com/AlexxNica/pdns/pkg/query_context"
)

const maxExchangeAttempts = 3

var (
	ErrAllBackendsFailed = errors.New("all backends failed")

	nopLogger = zap.NewNop()
)

// Opts configures a Proxy.
type Opts struct {
	// Logger is optional; nil disables logging.
	Logger *zap.Logger

	// Cache is the packet cache answering on the hot path. Required.
	Cache *packetcache.Cache

	// Upstreams are the backend resolvers. At least one is required.
	Upstreams []*backend.Upstream

	// Picker selects a backend per query. Default is round robin.
	Picker backend.Picker

	// AllowExpired is the number of seconds past its validity deadline
	// a cached answer may still be served (flagged stale). Zero
	// disables stale serving.
	AllowExpired uint32
}

func (opts *Opts) init() error {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Cache == nil {
		return errors.New("proxy requires a cache")
	}
	if len(opts.Upstreams) == 0 {
		return errors.New("proxy requires at least one backend")
	}
	if opts.Picker == nil {
		p, err := backend.NewPicker("")
		if err != nil {
			return err
		}
		opts.Picker = p
	}
	return nil
}

// Proxy routes raw DNS queries: cache hit answers are rewritten in place,
// misses are forwarded to a backend picked by the configured policy and
// the backend's response is cached on the way out. Identical misses in
// flight are coalesced into a single backend exchange.
type Proxy struct {
	opts Opts

	exchangeSF singleflight.Group

	queries         atomic.Uint64
	backendFailures atomic.Uint64
}

func New(opts Opts) (*Proxy, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	return &Proxy{opts: opts}, nil
}

func (p *Proxy) Queries() uint64         { return p.queries.Load() }
func (p *Proxy) BackendFailures() uint64 { return p.backendFailures.Load() }

// ServeRawDNS implements server.Handler.
func (p *Proxy) ServeRawDNS(ctx context.Context, qCtx *query_context.Context) error {
	p.queries.Add(1)

	q := qCtx.Q()
	hdr, err := dnsutils.ParseHeader(q)
	if err != nil {
		// Not even a header; nothing to respond to.
		return nil
	}
	if hdr.QR || hdr.Opcode != dns.OpcodeQuery || hdr.QDCount != 1 {
		qCtx.SetResponse(makeRcodeResponse(q, dns.RcodeRefused))
		return nil
	}

	question, err := dnsutils.SplitQuestion(q)
	if err != nil {
		qCtx.SetResponse(makeRcodeResponse(q, dns.RcodeFormatError))
		return nil
	}

	tcp := qCtx.ReqMeta().IsStream()
	cq := &packetcache.Query{
		Name:   question.Name,
		Qtype:  question.Qtype,
		Qclass: question.Qclass,
		TCP:    tcp,
		Packet: q,
	}

	respBuf := pool.GetBuf(dns.MaxMsgSize)
	n, key, hit, err := p.opts.Cache.Get(cq, question.Consumed, hdr.ID, respBuf.Bytes(), p.opts.AllowExpired, false)
	if err != nil {
		respBuf.Release()
		return fmt.Errorf("cache lookup: %w", err)
	}
	if hit {
		n = p.clampUDP(respBuf.Bytes(), n, question.Consumed, q, tcp)
		qCtx.SetResponse(respBuf, n)
		return nil
	}

	wire, err := p.exchange(ctx, qCtx, question, key, tcp)
	if err != nil {
		respBuf.Release()
		p.backendFailures.Add(1)
		p.opts.Logger.Warn("backend exchange failed", qCtx.InfoField(), zap.Error(err))

		// Negative-cache the synthesized failure so a dead backend set
		// is not hammered per query. The cache drops it unless a
		// temp-failure TTL is configured.
		failBuf, failLen := makeRcodeResponse(q, dns.RcodeServerFailure)
		p.opts.Cache.Insert(key, question.Name, question.Qtype, question.Qclass, tcp, failBuf.Bytes()[:failLen], dns.RcodeServerFailure, nil)
		qCtx.SetResponse(failBuf, failLen)
		return nil
	}

	if len(wire) > len(respBuf.Bytes()) {
		respBuf.Release()
		return fmt.Errorf("backend response of %d bytes exceeds message limit", len(wire))
	}
	n = copy(respBuf.Bytes(), wire)
	binary.BigEndian.PutUint16(respBuf.Bytes()[:2], hdr.ID)
	n = p.clampUDP(respBuf.Bytes(), n, question.Consumed, q, tcp)
	qCtx.SetResponse(respBuf, n)
	return nil
}

// exchange forwards the query to a backend, retrying on failure, and
// inserts the response into the cache. Concurrent misses under the same
// cache key share one exchange; the returned wire bytes are shared and
// must not be mutated.
func (p *Proxy) exchange(ctx context.Context, qCtx *query_context.Context, question dnsutils.Question, key uint32, tcp bool) ([]byte, error) {
	v, err, _ := p.exchangeSF.Do(sfKey(question, key, tcp), func() (interface{}, error) {
		m := pool.GetMsg()
		defer pool.ReleaseMsg(m)
		if err := m.Unpack(qCtx.Q()); err != nil {
			return nil, fmt.Errorf("unpack query: %w", err)
		}

		r, err := p.exchangeUpstreams(ctx, m)
		if err != nil {
			return nil, err
		}

		wire, err := r.Pack()
		if err != nil {
			return nil, fmt.Errorf("pack response: %w", err)
		}

		p.opts.Cache.Insert(key, question.Name, question.Qtype, question.Qclass, tcp, wire, r.Rcode, nil)
		return wire, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (p *Proxy) exchangeUpstreams(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	attempts := maxExchangeAttempts
	if len(p.opts.Upstreams) < attempts {
		attempts = len(p.opts.Upstreams)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		u := p.opts.Picker.Pick(p.opts.Upstreams)
		r, err := u.Exchange(ctx, m)
		if err == nil {
			return r, nil
		}
		lastErr = err
		p.opts.Logger.Debug("upstream exchange failed", zap.String("addr", u.Address()), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = ErrAllBackendsFailed
	}
	return nil, fmt.Errorf("%w: %v", ErrAllBackendsFailed, lastErr)
}

// clampUDP truncates an oversized UDP response to the size the client can
// take and sets the TC bit. Stream transports are never truncated.
func (p *Proxy) clampUDP(resp []byte, n int, consumed int, q []byte, tcp bool) int {
	if tcp {
		return n
	}
	maxSize := dnsutils.UDPSize(q, consumed)
	if n <= maxSize {
		return n
	}
	resp[2] |= 0x02 // TC
	return maxSize
}

// makeRcodeResponse builds a minimal response for q: the query with QR set,
// the rcode filled in and the answer and authority counts zeroed.
func makeRcodeResponse(q []byte, rcode int) (*pool.Buffer, int) {
	buf := pool.GetBuf(len(q))
	b := buf.Bytes()
	copy(b, q)
	b[2] |= 0x80 // QR
	b[3] = b[3]&0xF0 | byte(rcode)
	for i := 6; i < 10; i++ {
		b[i] = 0 // ANCOUNT, NSCOUNT
	}
	return buf, len(q)
}

// sfKey spells out the full question identity. The 32-bit cache key alone
// would let two colliding questions share one backend exchange.
func sfKey(question dnsutils.Question, key uint32, tcp bool) string {
	b := make([]byte, 0, len(question.Name)+16)
	b = strconv.AppendUint(b, uint64(key), 16)
	b = append(b, '/')
	b = strconv.AppendUint(b, uint64(question.Qtype), 16)
	b = append(b, '/')
	b = strconv.AppendUint(b, uint64(question.Qclass), 16)
	if tcp {
		b = append(b, 't')
	} else {
		b = append(b, 'u')
	}
	b = append(b, question.Name...)
	return string(b)
}
