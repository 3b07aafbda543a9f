// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
	"strings"
)

// Flags is the TCP control bit set (lower byte of header byte 13 plus NS unused).
type Flags uint8

const (
	FlagFIN Flags = 0x01
	FlagSYN Flags = 0x02
	FlagRST Flags = 0x04
	FlagPSH Flags = 0x08
	FlagACK Flags = 0x10
	FlagURG Flags = 0x20
	FlagECE Flags = 0x40
	FlagCWR Flags = 0x80
)

// Has reports whether every bit of f2 is set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Any reports whether at least one bit of f2 is set.
func (f Flags) Any(f2 Flags) bool { return f&f2 != 0 }

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagCWR, "CWR"}, {FlagECE, "ECE"}, {FlagURG, "URG"}, {FlagACK, "ACK"},
	{FlagPSH, "PSH"}, {FlagRST, "RST"}, {FlagSYN, "SYN"}, {FlagFIN, "FIN"},
}

func (f Flags) String() string {
	if f == 0 {
		return "<none>"
	}
	parts := make([]string, 0, 4)
	for _, fn := range flagNames {
		if f.Has(fn.f) {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, ",")
}

// PacketID is the stable identity of a captured packet (1-based frame number).
type PacketID uint64

// Endpoint is one side of a connection.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// Less orders endpoints by address then port.
func (e Endpoint) Less(o Endpoint) bool {
	if c := e.Addr.Compare(o.Addr); c != 0 {
		return c < 0
	}
	return e.Port < o.Port
}

// FlowKey identifies one direction of a connection.
type FlowKey struct {
	Src Endpoint
	Dst Endpoint
}

// Reverse returns the key of the opposite direction.
func (k FlowKey) Reverse() FlowKey {
	return FlowKey{Src: k.Dst, Dst: k.Src}
}

// Canonical returns the direction-independent form of the key, with the lower
// endpoint first.
func (k FlowKey) Canonical() FlowKey {
	if k.Dst.Less(k.Src) {
		return k.Reverse()
	}
	return k
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s -> %s", k.Src, k.Dst)
}

// SACKBlock is one selective-acknowledgment range [Left, Right).
type SACKBlock struct {
	Left  uint32
	Right uint32
}

// NoWindowScale marks a segment that carried no window scale option.
const NoWindowScale int8 = -1

// TCPHeaderMinLen is the minimum legal TCP header length in bytes.
const TCPHeaderMinLen = 20
