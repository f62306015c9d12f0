package server

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/AlexxNica/pdns/pkg/dnsutils"
	"github.com/AlexxNica/pdns/pkg/pool"
	"github.com/AlexxNica/pdns/pkg/query_context"
)

// echoHandler answers every query with itself, QR bit set.
type echoHandler struct{}

func (echoHandler) ServeRawDNS(_ context.Context, qCtx *query_context.Context) error {
	q := qCtx.Q()
	buf := pool.GetBuf(len(q))
	copy(buf.Bytes(), q)
	buf.Bytes()[2] |= 0x80
	qCtx.SetResponse(buf, len(q))
	return nil
}

func testQuery(t *testing.T, id uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion("www.example.com.", dns.TypeA)
	m.Id = id
	wire, err := m.Pack()
	if err != nil {
		t.Fatal(err)
	}
	return wire
}

func TestServeUDP(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := NewServer(ServerOpts{Handler: echoHandler{}})
	go s.ServeUDP(pc)
	defer s.Close()

	c, err := net.Dial("udp", pc.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	q := testQuery(t, 0x0102)
	if _, err := c.Write(q); err != nil {
		t.Fatal(err)
	}

	c.SetReadDeadline(time.Now().Add(time.Second * 3))
	rb := make([]byte, 65535)
	n, err := c.Read(rb)
	if err != nil {
		t.Fatal(err)
	}

	want := make([]byte, len(q))
	copy(want, q)
	want[2] |= 0x80
	if !bytes.Equal(rb[:n], want) {
		t.Fatal("unexpected response")
	}
}

func TestServeTCP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := NewServer(ServerOpts{Handler: echoHandler{}, IdleTimeout: time.Second * 5})
	go s.ServeTCP(l)
	defer s.Close()

	c, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// Two queries over one connection.
	for _, id := range []uint16{0x0102, 0x0304} {
		q := testQuery(t, id)
		if _, err := dnsutils.WriteRawMsgToTCP(c, q); err != nil {
			t.Fatal(err)
		}

		c.SetReadDeadline(time.Now().Add(time.Second * 3))
		buf, err := dnsutils.ReadRawMsgFromTCP(c)
		if err != nil {
			t.Fatal(err)
		}

		want := make([]byte, len(q))
		copy(want, q)
		want[2] |= 0x80
		if !bytes.Equal(buf.Bytes(), want) {
			t.Fatal("unexpected response")
		}
		buf.Release()
	}
}

func TestServerClose(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := NewServer(ServerOpts{Handler: echoHandler{}})
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.ServeUDP(pc)
	}()

	time.Sleep(time.Millisecond * 50)
	s.Close()

	select {
	case err := <-errChan:
		if err != ErrServerClosed {
			t.Fatalf("err = %v, want ErrServerClosed", err)
		}
	case <-time.After(time.Second * 3):
		t.Fatal("server did not stop")
	}
}
