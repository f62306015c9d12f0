package pool

import (
	"sync"

	"github.com/miekg/dns"
)

var msgPool = sync.Pool{
	New: func() interface{} {
		return new(dns.Msg)
	},
}

// GetMsg returns a zero-valued *dns.Msg from the pool (ReleaseMsg zeroes
// msgs before pooling them). The caller MUST call ReleaseMsg after use.
func GetMsg() *dns.Msg {
	return msgPool.Get().(*dns.Msg)
}

// ReleaseMsg returns a *dns.Msg to the pool. The msg is zeroed so the pool
// holds no references to old data. The caller MUST NOT access it afterwards.
func ReleaseMsg(m *dns.Msg) {
	*m = dns.Msg{}
	msgPool.Put(m)
}

// PackBuffer packs m into a pooled buffer. On success it returns the wire
// bytes and the backing *Buffer, which the caller MUST release once the
// bytes are no longer needed. The wire slice may point outside the buffer
// when the size estimate of m was too small; releasing the buffer stays
// correct either way.
func PackBuffer(m *dns.Msg) ([]byte, *Buffer, error) {
	buf := GetBuf(m.Len() + 1)
	wire, err := m.PackBuffer(buf.Bytes())
	if err != nil {
		buf.Release()
		return nil, nil, err
	}
	return wire, buf, nil
}
