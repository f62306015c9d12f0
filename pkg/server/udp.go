package server

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/AlexxNica/pdns/pkg/pool"
	C "github.com/AlexxNica/pdns/pkg/query_context"
)

// ServeUDP reads queries from c and serves each in its own goroutine.
// Queries stay in wire format end to end.
func (s *Server) ServeUDP(c net.PacketConn) error {
	defer c.Close()

	handler := s.opts.Handler
	if handler == nil {
		return errMissingDNSHandler
	}

	if ok := s.trackCloser(c, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(c, false)

	listenerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readBuf := pool.GetBuf(64 * 1024)
	defer readBuf.Release()
	rb := readBuf.Bytes()

	for {
		n, remoteAddr, err := c.ReadFrom(rb)
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			return fmt.Errorf("unexpected read err: %w", err)
		}
		if n < 12 {
			continue
		}

		// rb is reused by the next read; the query must be copied out
		// before the goroutine takes over.
		qBuf := pool.GetBuf(n)
		copy(qBuf.Bytes(), rb[:n])

		s.wg.Add(1)
		go func(remoteAddr net.Addr) {
			defer s.wg.Done()
			defer qBuf.Release()

			meta := C.NewRequestMeta(addrFromNetAddr(remoteAddr))
			meta.SetProtocol(C.ProtocolUDP)
			qCtx := C.NewContext(qBuf.Bytes(), meta)
			defer qCtx.ReleaseResponse()

			if err := handler.ServeRawDNS(listenerCtx, qCtx); err != nil {
				s.opts.Logger.Warn("handler err", qCtx.InfoField(), zap.Error(err))
				return
			}

			r := qCtx.Response()
			if r == nil {
				return
			}
			if _, err := c.WriteTo(r, remoteAddr); err != nil {
				s.opts.Logger.Warn("failed to write response", zap.Stringer("client", remoteAddr), zap.Error(err))
			}
		}(remoteAddr)
	}
}
