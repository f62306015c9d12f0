package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/AlexxNica/pdns/pkg/dnsutils"
	C "github.com/AlexxNica/pdns/pkg/query_context"
)

const defaultQUICIdleTimeout = time.Second * 30

type quicCloser struct {
	closed bool
	conn   *quic.Conn
}

func (c *quicCloser) Close() error {
	return c.close(1)
}

func (c *quicCloser) close(code quic.ApplicationErrorCode) error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.CloseWithError(code, "")
}

// ServeQUIC serves DoQ (RFC 9250) from l: one query per stream, message
// IDs must be zero on the wire.
func (s *Server) ServeQUIC(l *quic.EarlyListener) error {
	defer l.Close()

	handler := s.opts.Handler
	if handler == nil {
		return errMissingDNSHandler
	}

	if ok := s.trackCloser(l, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(l, false)

	idleTimeout := s.opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultQUICIdleTimeout
	}

	listenerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		c, err := l.Accept(listenerCtx)
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			return fmt.Errorf("unexpected listener err: %w", err)
		}

		go s.handleConnectionQUIC(listenerCtx, c, idleTimeout)
	}
}

func (s *Server) handleConnectionQUIC(ctx context.Context, c *quic.Conn, idleTimeout time.Duration) {
	closer := &quicCloser{conn: c}
	defer closer.close(0)

	if !s.trackCloser(closer, true) {
		return
	}
	defer s.trackCloser(closer, false)

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	meta := C.NewRequestMeta(addrFromNetAddr(c.RemoteAddr()))
	meta.SetProtocol(C.ProtocolQUIC)
	meta.SetServerName(c.ConnectionState().TLS.ServerName)

	timeout := time.AfterFunc(idleTimeout, cancelConn)
	defer timeout.Stop()

	for {
		stream, err := c.AcceptStream(connCtx)
		if err != nil {
			closer.close(1)
			return
		}
		timeout.Reset(idleTimeout)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer stream.Close()

			qBuf, err := dnsutils.ReadRawMsgFromTCP(stream)
			if err != nil {
				stream.CancelRead(1)
				stream.CancelWrite(1)
				return
			}
			defer qBuf.Release()
			stream.CancelRead(0)

			// RFC 9250 4.2.1: the message ID must be zero.
			if binary.BigEndian.Uint16(qBuf.Bytes()[:2]) != 0 {
				stream.CancelWrite(1)
				closer.close(1)
				return
			}

			qCtx := C.NewContext(qBuf.Bytes(), meta)
			defer qCtx.ReleaseResponse()

			if err := s.opts.Handler.ServeRawDNS(connCtx, qCtx); err != nil {
				stream.CancelWrite(1)
				s.opts.Logger.Debug("handler err", qCtx.InfoField(), zap.Error(err))
				return
			}

			r := qCtx.Response()
			if r == nil {
				stream.CancelWrite(1)
				return
			}
			if _, err := dnsutils.WriteRawMsgToTCP(stream, r); err != nil {
				stream.CancelWrite(1)
				s.opts.Logger.Debug("failed to write response", zap.Stringer("client", c.RemoteAddr()), zap.Error(err))
			}
		}()
	}
}
