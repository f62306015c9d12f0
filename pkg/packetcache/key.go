package packetcache

import "errors"

// ErrShortPacket is returned by Key when the packet cannot contain a DNS
// header or the declared qname. It indicates a caller bug, not traffic.
var ErrShortPacket = errors.New("packet too short to compute cache key")

// hashBytes feeds b into a Jenkins one-at-a-time hash seeded with h.
// The same function must be used for inserts and lookups of a cache
// instance so the two sides agree on keys.
func hashBytes(b []byte, h uint32) uint32 {
	for _, c := range b {
		h += uint32(c)
		h += h << 10
		h ^= h >> 6
	}
	h += h << 3
	h ^= h >> 11
	h += h << 15
	return h
}

// Key derives the 32-bit cache key for a query packet. name must be the
// lower-cased wire-format qname and consumed the number of bytes the qname
// occupies in the packet. The transaction ID (first two bytes) never
// influences the key; everything after the question section (EDNS OPT,
// additional records) does, as does the transport.
func Key(name []byte, consumed int, packet []byte, tcp bool) (uint32, error) {
	if len(packet) < HeaderSize {
		return 0, ErrShortPacket
	}
	// Skip the query ID.
	h := hashBytes(packet[2:HeaderSize], 0)
	h = hashBytes(name, h)
	if len(packet) < HeaderSize+consumed {
		return 0, ErrShortPacket
	}
	if len(packet) > HeaderSize+consumed {
		h = hashBytes(packet[HeaderSize+consumed:], h)
	}
	if tcp {
		h = hashBytes([]byte{1}, h)
	} else {
		h = hashBytes([]byte{0}, h)
	}
	return h, nil
}

// LowerName lower-cases a wire-format DNS name. The input slice is
// returned unchanged when it is already lower-case.
func LowerName(name []byte) []byte {
	for i, c := range name {
		if c >= 'A' && c <= 'Z' {
			l := make([]byte, len(name))
			copy(l, name[:i])
			for j := i; j < len(name); j++ {
				c := name[j]
				if c >= 'A' && c <= 'Z' {
					c += 'a' - 'A'
				}
				l[j] = c
			}
			return l
		}
	}
	return name
}

// NameIsSubDomain reports whether the wire-format name child equals parent
// or sits below it in the DNS tree. Both names must be lower-cased and
// uncompressed.
func NameIsSubDomain(child, parent []byte) bool {
	if len(parent) > len(child) {
		return false
	}
	// Walk child label by label until the remaining suffix can line up
	// with parent. Matching on a label boundary is what makes this a DNS
	// subdomain check rather than a byte-suffix check.
	off := 0
	for {
		if len(child)-off == len(parent) {
			return string(child[off:]) == string(parent)
		}
		if off >= len(child) || child[off] == 0 {
			return false
		}
		off += int(child[off]) + 1
	}
}
