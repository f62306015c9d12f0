package pool

import (
	"testing"

	"github.com/miekg/dns"
)

func TestAllocator(t *testing.T) {
	a := NewAllocator(8) // up to 256 bytes pooled

	for _, size := range []int{0, 1, 5, 127, 128, 256, 257, 10000} {
		buf := a.Get(size)
		if len(buf.Bytes()) != size {
			t.Fatalf("len = %d, want %d", len(buf.Bytes()), size)
		}
		buf.Release()
	}
}

func TestAllocatorDoubleReleaseIsSafe(t *testing.T) {
	a := NewAllocator(8)
	buf := a.Get(16)
	buf.Release()
	buf.Release()
}

func TestShardBits(t *testing.T) {
	cases := []struct {
		size, want int
	}{
		{1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {1024, 10}, {1025, 11},
	}
	for _, tc := range cases {
		if got := shardBits(tc.size); got != tc.want {
			t.Fatalf("shardBits(%d) = %d, want %d", tc.size, got, tc.want)
		}
	}
}

func TestPackBuffer(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("www.example.com.", dns.TypeA)

	wire, buf, err := PackBuffer(m)
	if err != nil {
		t.Fatal(err)
	}
	defer buf.Release()

	m2 := new(dns.Msg)
	if err := m2.Unpack(wire); err != nil {
		t.Fatalf("packed bytes do not unpack: %v", err)
	}
	if m2.Question[0].Name != "www.example.com." {
		t.Fatal("question mismatch")
	}
}

func TestMsgPool(t *testing.T) {
	m := GetMsg()
	m.SetQuestion("www.example.com.", dns.TypeA)
	ReleaseMsg(m)

	m = GetMsg()
	defer ReleaseMsg(m)
	if len(m.Question) != 0 {
		t.Fatal("pooled msg was not zeroed")
	}
}
