package backend

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func testUpstreams(t *testing.T, n int) []*Upstream {
	t.Helper()
	us := make([]*Upstream, 0, n)
	for i := 0; i < n; i++ {
		u, err := NewUpstream(UpstreamOpts{Addr: "127.0.0.1:5300"})
		if err != nil {
			t.Fatal(err)
		}
		us = append(us, u)
	}
	return us
}

func TestNewUpstreamValidation(t *testing.T) {
	if _, err := NewUpstream(UpstreamOpts{}); err == nil {
		t.Fatal("expected an error for a missing addr")
	}
	if _, err := NewUpstream(UpstreamOpts{Addr: "no-port"}); err == nil {
		t.Fatal("expected an error for an addr without a port")
	}
}

func TestRoundRobinPicker(t *testing.T) {
	us := testUpstreams(t, 3)
	p, err := NewPicker("roundrobin")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 9; i++ {
		if got := p.Pick(us); got != us[i%3] {
			t.Fatalf("pick %d: got upstream %v", i, got.Address())
		}
	}
}

func TestLeastLoadPicker(t *testing.T) {
	us := testUpstreams(t, 3)
	p, err := NewPicker("leastload")
	if err != nil {
		t.Fatal(err)
	}

	us[0].inflight.Store(5)
	us[1].inflight.Store(1)
	us[2].inflight.Store(3)
	if got := p.Pick(us); got != us[1] {
		t.Fatalf("picked %s, want the least loaded", got.Address())
	}

	// Ties go to the earlier upstream.
	us[1].inflight.Store(5)
	us[2].inflight.Store(5)
	if got := p.Pick(us); got != us[0] {
		t.Fatalf("picked %s, want the first on a tie", got.Address())
	}
}

func TestRandomPicker(t *testing.T) {
	us := testUpstreams(t, 3)
	p, err := NewPicker("random")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 32; i++ {
		if p.Pick(us) == nil {
			t.Fatal("random picker returned nil")
		}
	}
}

func TestUnknownPolicy(t *testing.T) {
	if _, err := NewPicker("fastest"); err == nil {
		t.Fatal("expected an error for an unknown policy")
	}
}

// testDNSServer runs a resolver on a loopback port answering every A query
// with 192.0.2.1.
func testDNSServer(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			r := new(dns.Msg)
			r.SetReply(req)
			r.Answer = []dns.RR{&dns.A{
				Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
				A:   net.IPv4(192, 0, 2, 1).To4(),
			}}
			w.WriteMsg(r)
		}),
	}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestExchange(t *testing.T) {
	addr := testDNSServer(t)
	u, err := NewUpstream(UpstreamOpts{Addr: addr, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}

	q := new(dns.Msg)
	q.SetQuestion("www.example.com.", dns.TypeA)

	r, err := u.Exchange(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Answer) != 1 {
		t.Fatalf("answers = %d, want 1", len(r.Answer))
	}
	if u.Inflight() != 0 {
		t.Fatalf("inflight = %d, want 0 after the exchange", u.Inflight())
	}
}
