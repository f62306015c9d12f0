package dnsutils

import (
	"encoding/binary"

	"github.com/miekg/dns"
)

// UDPSize returns the maximum UDP response size advertised by a raw query:
// the class field of its OPT record when one follows the question section,
// otherwise the classic 512-byte limit. consumed must be the qname length
// previously reported by SplitQuestion.
func UDPSize(msg []byte, consumed int) int {
	size := dns.MinMsgSize

	// A query carrying EDNS has exactly one additional record: the OPT
	// RR, sitting right after the question section with the root owner
	// name.
	off := 12 + consumed + 4
	if off+11 > len(msg) || msg[off] != 0 {
		return size
	}
	if binary.BigEndian.Uint16(msg[off+1:off+3]) != dns.TypeOPT {
		return size
	}
	if s := int(binary.BigEndian.Uint16(msg[off+3 : off+5])); s > size {
		size = s
	}
	return size
}
