package dnsutils

import (
	"encoding/binary"
	"errors"
	"strconv"

	"github.com/miekg/dns"
)

var ErrInvalidDNSMsg = errors.New("invalid dns message")

// Header is the fixed 12-byte DNS message header, parsed without
// allocations.
type Header struct {
	ID      uint16
	QR      bool
	Opcode  int
	Rcode   int
	QDCount uint16
	ANCount uint16
}

// ParseHeader reads the header of a raw DNS message.
func ParseHeader(msg []byte) (Header, error) {
	if len(msg) < 12 {
		return Header{}, ErrInvalidDNSMsg
	}
	return Header{
		ID:      binary.BigEndian.Uint16(msg[0:2]),
		QR:      msg[2]&0x80 != 0,
		Opcode:  int(msg[2] >> 3 & 0xF),
		Rcode:   int(msg[3] & 0xF),
		QDCount: binary.BigEndian.Uint16(msg[4:6]),
		ANCount: binary.BigEndian.Uint16(msg[6:8]),
	}, nil
}

// Question is the first question of a raw DNS message.
type Question struct {
	// Name is the wire-format qname, case preserved, pointing into the
	// original message.
	Name []byte

	// Consumed is the number of bytes the qname occupies in the message.
	Consumed int

	Qtype  uint16
	Qclass uint16
}

// SplitQuestion extracts the first question from a raw DNS message.
// Question-section names are never compressed; a compression pointer here
// is treated as malformed.
func SplitQuestion(msg []byte) (Question, error) {
	off := 12
	for {
		if off >= len(msg) {
			return Question{}, ErrInvalidDNSMsg
		}
		c := msg[off]
		if c == 0 {
			off++
			break
		}
		if c&0xC0 != 0 {
			return Question{}, ErrInvalidDNSMsg
		}
		l := int(c)
		if l > 63 || off+1+l > len(msg) {
			return Question{}, ErrInvalidDNSMsg
		}
		off += l + 1
	}
	if off+4 > len(msg) {
		return Question{}, ErrInvalidDNSMsg
	}

	return Question{
		Name:     msg[12:off],
		Consumed: off - 12,
		Qtype:    binary.BigEndian.Uint16(msg[off : off+2]),
		Qclass:   binary.BigEndian.Uint16(msg[off+2 : off+4]),
	}, nil
}

// NameToString converts a wire-format name to its dotted presentation
// form for logging. Malformed names come back as "." rather than an error;
// log output is not worth failing a query over.
func NameToString(name []byte) string {
	if len(name) == 0 || name[0] == 0 {
		return "."
	}
	b := make([]byte, 0, len(name)+1)
	off := 0
	for off < len(name) && name[off] != 0 {
		l := int(name[off])
		if l > 63 || off+1+l > len(name) {
			return "."
		}
		b = append(b, name[off+1:off+1+l]...)
		b = append(b, '.')
		off += l + 1
	}
	return string(b)
}

func QtypeToString(u uint16) string {
	return uint16Conv(u, dns.TypeToString)
}

func QclassToString(u uint16) string {
	return uint16Conv(u, dns.ClassToString)
}

func uint16Conv(u uint16, m map[uint16]string) string {
	if s, ok := m[u]; ok {
		return s
	}
	return strconv.Itoa(int(u))
}
