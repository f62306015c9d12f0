package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AlexxNica/pdns/pkg/query_context"
)

var (
	ErrServerClosed      = errors.New("server closed")
	errMissingDNSHandler = errors.New("missing dns handler")
)

var nopLogger = zap.NewNop()

// Handler handles one raw DNS query. Implementations put the ready-to-send
// wire response into qCtx; the server writes it out and releases it.
type Handler interface {
	ServeRawDNS(ctx context.Context, qCtx *query_context.Context) error
}

type ServerOpts struct {
	// Logger optionally specifies a logger for the server logging.
	// A nil Logger disables logging.
	Logger *zap.Logger

	// Handler is required by all transports.
	Handler Handler

	// IdleTimeout limits the maximum time period that a stream
	// connection can idle.
	IdleTimeout time.Duration
}

func (opts *ServerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

type Server struct {
	opts ServerOpts

	m             sync.Mutex
	closed        bool
	closerTracker map[io.Closer]struct{}
	wg            sync.WaitGroup
}

func NewServer(opts ServerOpts) *Server {
	opts.init()
	return &Server{
		opts: opts,
	}
}

// Closed returns true if server was closed.
func (s *Server) Closed() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closed
}

// trackCloser adds or removes c and reports whether the server is still
// open. Listeners and connections register here so Close can reach them.
func (s *Server) trackCloser(c io.Closer, add bool) bool {
	s.m.Lock()
	defer s.m.Unlock()

	if s.closerTracker == nil {
		s.closerTracker = make(map[io.Closer]struct{})
	}

	if add {
		if s.closed {
			return false
		}
		s.closerTracker[c] = struct{}{}
	} else {
		delete(s.closerTracker, c)
	}
	return true
}

// Close closes the Server and all its inner listeners and connections,
// then waits for the per-query goroutines of UDP and DoQ to exit. TCP
// connection goroutines are not waited for.
func (s *Server) Close() {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return
	}
	s.closed = true

	// Copy the closers out so their Close calls run without the lock;
	// a closer may call back into the server.
	closers := make([]io.Closer, 0, len(s.closerTracker))
	for c := range s.closerTracker {
		closers = append(closers, c)
	}
	s.closerTracker = nil
	s.m.Unlock()

	for _, c := range closers {
		_ = c.Close()
	}
	s.wg.Wait()
}

func addrFromNetAddr(addr net.Addr) netip.Addr {
	switch v := addr.(type) {
	case *net.UDPAddr:
		a, _ := netip.AddrFromSlice(v.IP)
		return a
	case *net.TCPAddr:
		a, _ := netip.AddrFromSlice(v.IP)
		return a
	}
	if ap, err := netip.ParseAddrPort(addr.String()); err == nil {
		return ap.Addr()
	}
	return netip.Addr{}
}
