package dnsutils

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/AlexxNica/pdns/pkg/pool"
)

// ReadRawMsgFromTCP reads a length-prefixed DNS message from c. The
// returned buffer holds exactly the message bytes and MUST be released by
// the caller.
func ReadRawMsgFromTCP(c io.Reader) (*pool.Buffer, error) {
	var lb [2]byte
	if _, err := io.ReadFull(c, lb[:]); err != nil {
		return nil, err
	}
	l := binary.BigEndian.Uint16(lb[:])
	if l < 12 {
		return nil, ErrInvalidDNSMsg
	}

	buf := pool.GetBuf(int(l))
	if _, err := io.ReadFull(c, buf.Bytes()); err != nil {
		buf.Release()
		return nil, err
	}
	return buf, nil
}

// WriteRawMsgToTCP writes b to c with the 2-byte length prefix required on
// stream transports.
func WriteRawMsgToTCP(c io.Writer, b []byte) (int, error) {
	if len(b) > 65535 {
		return 0, fmt.Errorf("payload length %d is too large", len(b))
	}

	buf := pool.GetBuf(len(b) + 2)
	defer buf.Release()

	wb := buf.Bytes()
	binary.BigEndian.PutUint16(wb[:2], uint16(len(b)))
	copy(wb[2:], b)
	return c.Write(wb)
}
