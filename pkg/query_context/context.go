package query_context

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/AlexxNica/pdns/pkg/pool"
)

const (
	ProtocolUDP  = "udp"
	ProtocolTCP  = "tcp"
	ProtocolTLS  = "tls"
	ProtocolQUIC = "quic"
)

// RequestMeta carries transport metadata about a request.
type RequestMeta struct {
	clientAddr netip.Addr
	serverName string
	protocol   string
}

func NewRequestMeta(addr netip.Addr) *RequestMeta {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	return &RequestMeta{clientAddr: addr}
}

func (m *RequestMeta) SetProtocol(protocol string)     { m.protocol = protocol }
func (m *RequestMeta) SetServerName(serverName string) { m.serverName = serverName }

func (m *RequestMeta) GetClientAddr() netip.Addr { return m.clientAddr }
func (m *RequestMeta) GetProtocol() string       { return m.protocol }
func (m *RequestMeta) GetServerName() string     { return m.serverName }

// IsStream reports whether the request arrived over a stream transport.
// TCP and UDP traffic never share cache entries.
func (m *RequestMeta) IsStream() bool {
	return m.protocol != ProtocolUDP
}

// Context carries one raw query through the handler chain. The query and
// the response both stay in wire format; nothing on this path unpacks a
// packet unless it has to.
type Context struct {
	startTime time.Time
	q         []byte
	reqMeta   *RequestMeta
	id        uint32

	resp    *pool.Buffer
	respLen int
}

var (
	contextUID      atomic.Uint32
	zeroRequestMeta = &RequestMeta{}
)

// NewContext creates a Context for the raw query q. q must be at least a
// DNS header.
func NewContext(q []byte, meta *RequestMeta) *Context {
	if meta == nil {
		meta = zeroRequestMeta
	}
	return &Context{
		startTime: time.Now(),
		q:         q,
		reqMeta:   meta,
		id:        contextUID.Add(1),
	}
}

// Q returns the raw query packet.
func (ctx *Context) Q() []byte {
	return ctx.q
}

// ReqMeta returns the request metadata.
func (ctx *Context) ReqMeta() *RequestMeta {
	return ctx.reqMeta
}

// SetResponse stores the ready-to-send response. buf owns the bytes;
// n is the response length within it.
func (ctx *Context) SetResponse(buf *pool.Buffer, n int) {
	if ctx.resp != nil {
		ctx.resp.Release()
	}
	ctx.resp = buf
	ctx.respLen = n
}

// Response returns the ready-to-send response bytes, or nil.
func (ctx *Context) Response() []byte {
	if ctx.resp == nil {
		return nil
	}
	return ctx.resp.Bytes()[:ctx.respLen]
}

// ReleaseResponse returns the response buffer to its pool. Must be called
// once the response has been written out.
func (ctx *Context) ReleaseResponse() {
	if ctx.resp != nil {
		ctx.resp.Release()
		ctx.resp = nil
		ctx.respLen = 0
	}
}

// Id returns the Context id.
func (ctx *Context) Id() uint32 {
	return ctx.id
}

// StartTime returns the time when the Context was created.
func (ctx *Context) StartTime() time.Time {
	return ctx.startTime
}

func (ctx *Context) String() string {
	return fmt.Sprintf("%s %s %d", ctx.reqMeta.clientAddr, ctx.reqMeta.protocol, ctx.id)
}

// InfoField returns a zap.Field identifying this query.
func (ctx *Context) InfoField() zap.Field {
	return zap.Stringer("query", ctx)
}
