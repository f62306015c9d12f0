package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/AlexxNica/pdns/pkg/dnsutils"
	"github.com/AlexxNica/pdns/pkg/pool"
	C "github.com/AlexxNica/pdns/pkg/query_context"
)

const (
	defaultTCPIdleTimeout = time.Second * 10
	tcpFirstReadTimeout   = time.Millisecond * 500
)

// ServeTCP serves queries over l. When l hands out *tls.Conn connections
// (DoT), the handshake runs under the idle timeout and the SNI is recorded
// in the request metadata.
func (s *Server) ServeTCP(l net.Listener) error {
	defer l.Close()

	handler := s.opts.Handler
	if handler == nil {
		return errMissingDNSHandler
	}

	if ok := s.trackCloser(l, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(l, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		c, err := l.Accept()
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			if err, ok := err.(net.Error); ok && err.Timeout() {
				continue
			}
			return fmt.Errorf("unexpected listener err: %w", err)
		}

		go s.handleConnectionTCP(ctx, c)
	}
}

func (s *Server) handleConnectionTCP(ctx context.Context, c net.Conn) {
	defer c.Close()

	if !s.trackCloser(c, true) {
		return
	}
	defer s.trackCloser(c, false)

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	idleTimeout := s.opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultTCPIdleTimeout
	}

	meta := C.NewRequestMeta(addrFromNetAddr(c.RemoteAddr()))
	protocol := C.ProtocolTCP
	if tlsConn, ok := c.(*tls.Conn); ok {
		handshakeCtx, cancel := context.WithTimeout(connCtx, idleTimeout)
		err := tlsConn.HandshakeContext(handshakeCtx)
		cancel()
		if err != nil {
			s.opts.Logger.Debug("handshake failed", zap.Stringer("from", c.RemoteAddr()), zap.Error(err))
			return
		}
		meta.SetServerName(tlsConn.ConnectionState().ServerName)
		protocol = C.ProtocolTLS
	}
	meta.SetProtocol(protocol)

	firstRead := idleTimeout
	if firstRead > tcpFirstReadTimeout {
		firstRead = tcpFirstReadTimeout
	}
	c.SetReadDeadline(time.Now().Add(firstRead))

	for {
		qBuf, err := dnsutils.ReadRawMsgFromTCP(c)
		if err != nil {
			return
		}

		s.handleQueryTCP(connCtx, c, meta, qBuf, idleTimeout)
		qBuf.Release()

		c.SetReadDeadline(time.Now().Add(idleTimeout))
	}
}

func (s *Server) handleQueryTCP(ctx context.Context, c net.Conn, meta *C.RequestMeta, qBuf *pool.Buffer, timeout time.Duration) {
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	qCtx := C.NewContext(qBuf.Bytes(), meta)
	defer qCtx.ReleaseResponse()

	if err := s.opts.Handler.ServeRawDNS(queryCtx, qCtx); err != nil {
		s.opts.Logger.Debug("handler err", qCtx.InfoField(), zap.Error(err))
		return
	}

	r := qCtx.Response()
	if r == nil {
		return
	}
	if _, err := dnsutils.WriteRawMsgToTCP(c, r); err != nil {
		s.opts.Logger.Debug("failed to write response", zap.Stringer("client", c.RemoteAddr()), zap.Error(err))
	}
}
