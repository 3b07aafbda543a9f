package capture

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/segscope/internal/core"
)

// Decoder turns link-layer frames into TCP segments. It reuses its layers
// between calls and is not safe for concurrent use.
type Decoder struct {
	parsers map[gopacket.LayerType]*gopacket.DecodingLayerParser

	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	sll     layers.LinuxSLL
	lo      layers.Loopback
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	payload gopacket.Payload

	decoded   []gopacket.LayerType
	fragments *fragmentReassembler
}

func NewDecoder() *Decoder {
	return &Decoder{
		parsers:   make(map[gopacket.LayerType]*gopacket.DecodingLayerParser),
		fragments: newFragmentReassembler(DefaultFragmentTimeout),
	}
}

func (d *Decoder) parser(first gopacket.LayerType) *gopacket.DecodingLayerParser {
	if p, ok := d.parsers[first]; ok {
		return p
	}
	p := gopacket.NewDecodingLayerParser(first,
		&d.eth, &d.dot1q, &d.sll, &d.lo, &d.ip4, &d.ip6, &d.tcp, &d.payload)
	p.IgnoreUnsupported = true
	d.parsers[first] = p
	return p
}

// Raw IP link types not all gopacket releases name.
const (
	linkTypeRawAlt layers.LinkType = 12
	linkTypeIPv4   layers.LinkType = 228
	linkTypeIPv6   layers.LinkType = 229
)

// firstLayer maps a capture link type to the layer frames start with.
func firstLayer(lt layers.LinkType, data []byte) (gopacket.LayerType, error) {
	switch lt {
	case layers.LinkTypeEthernet:
		return layers.LayerTypeEthernet, nil
	case layers.LinkTypeLinuxSLL:
		return layers.LayerTypeLinuxSLL, nil
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		return layers.LayerTypeLoopback, nil
	case layers.LinkTypeRaw, linkTypeRawAlt, linkTypeIPv4, linkTypeIPv6:
		if len(data) > 0 && data[0]>>4 == 6 {
			return layers.LayerTypeIPv6, nil
		}
		return layers.LayerTypeIPv4, nil
	default:
		return gopacket.LayerTypeZero, fmt.Errorf("unsupported link type %s", lt)
	}
}

// Decode extracts the TCP segment of one frame. It returns core.ErrNotTCP
// for frames without TCP. Fragmented IPv4 datagrams are reassembled and the
// segment is returned with the frame that completes it. A TCP header
// declaring less than the minimum length yields a segment with only the
// fixed fields set, so that it can be reported as malformed.
func (d *Decoder) Decode(id core.PacketID, lt layers.LinkType, data []byte, ci gopacket.CaptureInfo) (*core.Segment, error) {
	first, err := firstLayer(lt, data)
	if err != nil {
		return nil, err
	}
	d.decoded = d.decoded[:0]
	decodeErr := d.parser(first).DecodeLayers(data, &d.decoded)

	var (
		src, dst  netip.Addr
		ipPayload []byte
		hasIP     bool
		hasTCP    bool
		fragPart  bool
	)
	for _, layer := range d.decoded {
		switch layer {
		case layers.LayerTypeIPv4:
			if d.ip4.Protocol != layers.IPProtocolTCP {
				return nil, core.ErrNotTCP
			}
			src, dst = addr(d.ip4.SrcIP), addr(d.ip4.DstIP)
			ipPayload, hasIP = d.ip4.Payload, true
			fragPart = isFragment(&d.ip4)
		case layers.LayerTypeIPv6:
			if d.ip6.NextHeader != layers.IPProtocolTCP {
				return nil, core.ErrNotTCP
			}
			src, dst = addr(d.ip6.SrcIP), addr(d.ip6.DstIP)
			ipPayload, hasIP = d.ip6.Payload, true
		case layers.LayerTypeTCP:
			hasTCP = true
		}
	}
	if !hasIP {
		if decodeErr != nil {
			return nil, fmt.Errorf("decode frame: %w", decodeErr)
		}
		return nil, core.ErrNotTCP
	}
	if fragPart {
		full, err := d.fragments.add(&d.ip4, ci.Timestamp)
		if err != nil {
			return nil, err
		}
		ipPayload = full
		hasTCP = d.tcp.DecodeFromBytes(full, gopacket.NilDecodeFeedback) == nil
	}

	seg := &core.Segment{
		ID:          id,
		Timestamp:   ci.Timestamp,
		WindowScale: core.NoWindowScale,
		Truncated:   ci.CaptureLength < ci.Length,
	}
	if !hasTCP {
		if err := decodeShortHeader(seg, ipPayload); err != nil {
			return nil, err
		}
	} else {
		fillSegment(seg, &d.tcp)
	}
	seg.Flow = core.FlowKey{
		Src: core.Endpoint{Addr: src, Port: seg.Flow.Src.Port},
		Dst: core.Endpoint{Addr: dst, Port: seg.Flow.Dst.Port},
	}
	return seg, nil
}

func addr(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}

func fillSegment(seg *core.Segment, tcp *layers.TCP) {
	seg.Flow.Src.Port = uint16(tcp.SrcPort)
	seg.Flow.Dst.Port = uint16(tcp.DstPort)
	seg.Seq, seg.Ack = tcp.Seq, tcp.Ack
	seg.Window = tcp.Window
	seg.HeaderLen = int(tcp.DataOffset) * 4

	var f core.Flags
	for _, b := range []struct {
		set  bool
		flag core.Flags
	}{
		{tcp.FIN, core.FlagFIN}, {tcp.SYN, core.FlagSYN}, {tcp.RST, core.FlagRST}, {tcp.PSH, core.FlagPSH},
		{tcp.ACK, core.FlagACK}, {tcp.URG, core.FlagURG}, {tcp.ECE, core.FlagECE}, {tcp.CWR, core.FlagCWR},
	} {
		if b.set {
			f |= b.flag
		}
	}
	seg.Flags = f

	for _, opt := range tcp.Options {
		switch opt.OptionType {
		case layers.TCPOptionKindWindowScale:
			if len(opt.OptionData) == 1 {
				seg.WindowScale = int8(opt.OptionData[0])
			}
		case layers.TCPOptionKindMSS:
			if len(opt.OptionData) == 2 {
				seg.MSS = binary.BigEndian.Uint16(opt.OptionData)
			}
		case layers.TCPOptionKindSACK:
			for b := opt.OptionData; len(b) >= 8; b = b[8:] {
				seg.SACK = append(seg.SACK, core.SACKBlock{
					Left:  binary.BigEndian.Uint32(b),
					Right: binary.BigEndian.Uint32(b[4:]),
				})
			}
		}
	}

	if len(tcp.Payload) > 0 {
		seg.Payload = append([]byte(nil), tcp.Payload...)
	}
}

// decodeShortHeader reads the fixed TCP fields gopacket refuses to decode
// when the data offset is below the minimum.
func decodeShortHeader(seg *core.Segment, b []byte) error {
	if len(b) < 14 {
		return fmt.Errorf("tcp header of %d bytes: %w", len(b), core.ErrSegmentMalformed)
	}
	seg.Flow.Src.Port = binary.BigEndian.Uint16(b[0:])
	seg.Flow.Dst.Port = binary.BigEndian.Uint16(b[2:])
	seg.Seq = binary.BigEndian.Uint32(b[4:])
	seg.Ack = binary.BigEndian.Uint32(b[8:])
	seg.HeaderLen = int(b[12]>>4) * 4
	seg.Flags = core.Flags(b[13])
	if seg.HeaderLen >= core.TCPHeaderMinLen {
		return fmt.Errorf("tcp header not decodable: %w", core.ErrSegmentMalformed)
	}
	return nil
}
