package packetcache

import (
	"encoding/binary"
	"errors"

	"github.com/miekg/dns"
)

// HeaderSize is the fixed size of a DNS message header.
const HeaderSize = 12

// ttlSentinel marks "no TTL found" in a min-TTL scan. Responses carrying
// it are never cached.
const ttlSentinel = ^uint32(0)

var errMalformedPacket = errors.New("malformed dns packet")

// ttlOffsets returns the byte offsets of the TTL fields of every RR in the
// answer, authority and additional sections, skipping OPT records whose
// TTL field carries extended rcode and flags instead of a lifetime.
// It performs a minimal parse without RR allocations.
func ttlOffsets(msg []byte) ([]uint16, error) {
	if len(msg) < HeaderSize {
		return nil, errMalformedPacket
	}

	qdCount := int(binary.BigEndian.Uint16(msg[4:6]))
	totalRRs := int(binary.BigEndian.Uint16(msg[6:8])) +
		int(binary.BigEndian.Uint16(msg[8:10])) +
		int(binary.BigEndian.Uint16(msg[10:12]))

	off := HeaderSize
	var err error

	for i := 0; i < qdCount; i++ {
		off, err = skipName(msg, off)
		if err != nil {
			return nil, err
		}
		off += 4 // Type(2) + Class(2)
	}
	if off > len(msg) {
		return nil, errMalformedPacket
	}
	if totalRRs == 0 {
		return nil, nil
	}

	offsets := make([]uint16, 0, totalRRs)
	for i := 0; i < totalRRs; i++ {
		off, err = skipName(msg, off)
		if err != nil {
			return nil, err
		}
		if off+10 > len(msg) {
			return nil, errMalformedPacket
		}

		rrType := binary.BigEndian.Uint16(msg[off : off+2])
		if rrType != dns.TypeOPT {
			offsets = append(offsets, uint16(off+4))
		}

		rdLen := int(binary.BigEndian.Uint16(msg[off+8 : off+10]))
		off += 10 + rdLen
		if off > len(msg) {
			return nil, errMalformedPacket
		}
	}
	return offsets, nil
}

func skipName(msg []byte, off int) (int, error) {
	for {
		if off >= len(msg) {
			return 0, errMalformedPacket
		}
		c := msg[off]
		if c == 0 {
			return off + 1, nil
		}
		if c&0xC0 == 0xC0 { // compression pointer
			if off+2 > len(msg) {
				return 0, errMalformedPacket
			}
			return off + 2, nil
		}
		if c&0xC0 != 0 {
			return 0, errMalformedPacket
		}
		l := int(c)
		if l > 63 || off+1+l > len(msg) {
			return 0, errMalformedPacket
		}
		off += l + 1
	}
}

// MinTTL returns the minimum record TTL in msg. It returns the sentinel
// (unsigned 32-bit max) when no RR carries a TTL or when the packet cannot
// be walked to completion, so callers decline to cache either way.
func MinTTL(msg []byte) uint32 {
	offsets, err := ttlOffsets(msg)
	if err != nil || len(offsets) == 0 {
		return ttlSentinel
	}
	min := ttlSentinel
	for _, off := range offsets {
		ttl := binary.BigEndian.Uint32(msg[off : off+4])
		if ttl < min {
			min = ttl
		}
	}
	return min
}

// AgePacket subtracts age from every record TTL in msg in place, clamping
// at zero. OPT records are left untouched. A packet that cannot be walked
// to completion is left unchanged.
func AgePacket(msg []byte, age uint32) {
	if age == 0 {
		return
	}
	offsets, err := ttlOffsets(msg)
	if err != nil {
		return
	}
	for _, off := range offsets {
		ttl := binary.BigEndian.Uint32(msg[off : off+4])
		if ttl > age {
			ttl -= age
		} else {
			ttl = 0
		}
		binary.BigEndian.PutUint32(msg[off:off+4], ttl)
	}
}
