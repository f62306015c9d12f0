package dnsutils

import (
	"bytes"
	"testing"

	"github.com/miekg/dns"
)

func packQuery(t *testing.T, name string, qtype uint16, id uint16, edns bool) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.Id = id
	if edns {
		m.SetEdns0(1232, false)
	}
	wire, err := m.Pack()
	if err != nil {
		t.Fatalf("failed to pack query: %v", err)
	}
	return wire
}

func TestParseHeader(t *testing.T) {
	wire := packQuery(t, "www.example.com.", dns.TypeA, 0xBEEF, false)

	hdr, err := ParseHeader(wire)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.ID != 0xBEEF {
		t.Fatalf("id = %#x, want 0xBEEF", hdr.ID)
	}
	if hdr.QR {
		t.Fatal("a query must not have QR set")
	}
	if hdr.Opcode != dns.OpcodeQuery {
		t.Fatalf("opcode = %d, want query", hdr.Opcode)
	}
	if hdr.QDCount != 1 {
		t.Fatalf("qdcount = %d, want 1", hdr.QDCount)
	}

	// Flip the QR bit.
	wire[2] |= 0x80
	hdr, err = ParseHeader(wire)
	if err != nil {
		t.Fatal(err)
	}
	if !hdr.QR {
		t.Fatal("QR bit not seen")
	}

	if _, err := ParseHeader(wire[:11]); err == nil {
		t.Fatal("expected an error for a short header")
	}
}

func TestSplitQuestion(t *testing.T) {
	wire := packQuery(t, "www.example.com.", dns.TypeAAAA, 1, false)

	q, err := SplitQuestion(wire)
	if err != nil {
		t.Fatal(err)
	}

	wantName := make([]byte, 256)
	off, err := dns.PackDomainName("www.example.com.", wantName, 0, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(q.Name, wantName[:off]) {
		t.Fatalf("name = % x, want % x", q.Name, wantName[:off])
	}
	if q.Consumed != off {
		t.Fatalf("consumed = %d, want %d", q.Consumed, off)
	}
	if q.Qtype != dns.TypeAAAA || q.Qclass != dns.ClassINET {
		t.Fatalf("qtype/qclass = %d/%d", q.Qtype, q.Qclass)
	}
}

func TestSplitQuestionMalformed(t *testing.T) {
	wire := packQuery(t, "www.example.com.", dns.TypeA, 1, false)

	// Truncated inside the qname.
	if _, err := SplitQuestion(wire[:15]); err == nil {
		t.Fatal("expected an error for a truncated question")
	}

	// Truncated before qtype/qclass.
	if _, err := SplitQuestion(wire[:len(wire)-3]); err == nil {
		t.Fatal("expected an error for missing qtype/qclass")
	}

	// A compression pointer in the question section.
	bad := make([]byte, len(wire))
	copy(bad, wire)
	bad[12] = 0xC0
	if _, err := SplitQuestion(bad); err == nil {
		t.Fatal("expected an error for a compressed qname")
	}
}

func TestNameToString(t *testing.T) {
	wire := packQuery(t, "www.example.com.", dns.TypeA, 1, false)
	q, err := SplitQuestion(wire)
	if err != nil {
		t.Fatal(err)
	}
	if s := NameToString(q.Name); s != "www.example.com." {
		t.Fatalf("NameToString = %q", s)
	}
	if s := NameToString([]byte{0}); s != "." {
		t.Fatalf("NameToString(root) = %q", s)
	}
}

func TestUDPSize(t *testing.T) {
	plain := packQuery(t, "www.example.com.", dns.TypeA, 1, false)
	q, err := SplitQuestion(plain)
	if err != nil {
		t.Fatal(err)
	}
	if s := UDPSize(plain, q.Consumed); s != dns.MinMsgSize {
		t.Fatalf("UDPSize = %d, want %d", s, dns.MinMsgSize)
	}

	edns := packQuery(t, "www.example.com.", dns.TypeA, 1, true)
	if s := UDPSize(edns, q.Consumed); s != 1232 {
		t.Fatalf("UDPSize = %d, want 1232", s)
	}
}

func TestTCPFraming(t *testing.T) {
	wire := packQuery(t, "www.example.com.", dns.TypeA, 1, false)

	var b bytes.Buffer
	if _, err := WriteRawMsgToTCP(&b, wire); err != nil {
		t.Fatal(err)
	}

	buf, err := ReadRawMsgFromTCP(&b)
	if err != nil {
		t.Fatal(err)
	}
	defer buf.Release()
	if !bytes.Equal(buf.Bytes(), wire) {
		t.Fatal("framing roundtrip mismatch")
	}
}

func TestTCPFramingRejectsRunts(t *testing.T) {
	var b bytes.Buffer
	b.Write([]byte{0, 4, 1, 2, 3, 4})
	if _, err := ReadRawMsgFromTCP(&b); err == nil {
		t.Fatal("expected an error for a sub-header message")
	}
}
