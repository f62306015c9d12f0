package backend

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const defaultExchangeTimeout = time.Second * 3

var nopLogger = zap.NewNop()

// UpstreamOpts configures a backend resolver.
type UpstreamOpts struct {
	// Addr is the backend "host:port" address. Required.
	Addr string

	// Timeout bounds a single exchange. Default is 3s.
	Timeout time.Duration

	// Logger is optional; nil disables logging.
	Logger *zap.Logger
}

func (opts *UpstreamOpts) init() error {
	if len(opts.Addr) == 0 {
		return fmt.Errorf("upstream addr is required")
	}
	if _, _, err := net.SplitHostPort(opts.Addr); err != nil {
		return fmt.Errorf("invalid upstream addr %q: %w", opts.Addr, err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultExchangeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Upstream is one backend resolver. Queries go out over UDP and fall back
// to TCP when the response comes back truncated.
type Upstream struct {
	opts      UpstreamOpts
	udpClient *dns.Client
	tcpClient *dns.Client

	inflight atomic.Int64
}

func NewUpstream(opts UpstreamOpts) (*Upstream, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	return &Upstream{
		opts:      opts,
		udpClient: &dns.Client{Net: "udp", Timeout: opts.Timeout, UDPSize: dns.MaxMsgSize},
		tcpClient: &dns.Client{Net: "tcp", Timeout: opts.Timeout},
	}, nil
}

func (u *Upstream) Address() string {
	return u.opts.Addr
}

// Inflight returns the number of exchanges currently outstanding. The
// least-load picker reads this.
func (u *Upstream) Inflight() int64 {
	return u.inflight.Load()
}

// Exchange forwards q to the backend and returns its response.
func (u *Upstream) Exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	u.inflight.Add(1)
	defer u.inflight.Add(-1)

	r, _, err := u.udpClient.ExchangeContext(ctx, q, u.opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("udp exchange with %s: %w", u.opts.Addr, err)
	}
	if r.Truncated {
		u.opts.Logger.Debug("response truncated, retrying over tcp", zap.String("addr", u.opts.Addr))
		r, _, err = u.tcpClient.ExchangeContext(ctx, q, u.opts.Addr)
		if err != nil {
			return nil, fmt.Errorf("tcp exchange with %s: %w", u.opts.Addr, err)
		}
	}
	return r, nil
}
