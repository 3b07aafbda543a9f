package capture

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/google/gopacket/layers"
)

// DefaultFragmentTimeout bounds how long, in capture time, fragments of one
// datagram are kept waiting for the rest.
const DefaultFragmentTimeout = 30 * time.Second

// errFragmentPending is returned while a datagram is still incomplete.
var errFragmentPending = errors.New("waiting for more fragments")

type fragmentKey struct {
	src, dst netip.Addr
	id       uint16
	proto    layers.IPProtocol
}

type fragment struct {
	offset int
	data   []byte
}

type fragmentBuffer struct {
	fragments []fragment
	total     int // payload length, known once the last fragment arrived
	firstSeen time.Time
}

// fragmentReassembler rebuilds fragmented IPv4 datagrams.
type fragmentReassembler struct {
	buffers map[fragmentKey]*fragmentBuffer
	timeout time.Duration
}

func newFragmentReassembler(timeout time.Duration) *fragmentReassembler {
	if timeout <= 0 {
		timeout = DefaultFragmentTimeout
	}
	return &fragmentReassembler{
		buffers: make(map[fragmentKey]*fragmentBuffer),
		timeout: timeout,
	}
}

func isFragment(ip4 *layers.IPv4) bool {
	return ip4.Flags&layers.IPv4MoreFragments != 0 || ip4.FragOffset != 0
}

// add stores one fragment and returns the datagram payload once every byte
// of it has been seen.
func (r *fragmentReassembler) add(ip4 *layers.IPv4, ts time.Time) ([]byte, error) {
	r.expire(ts)

	key := fragmentKey{src: addr(ip4.SrcIP), dst: addr(ip4.DstIP), id: ip4.Id, proto: ip4.Protocol}
	buf, ok := r.buffers[key]
	if !ok {
		buf = &fragmentBuffer{firstSeen: ts}
		r.buffers[key] = buf
	}

	offset := int(ip4.FragOffset) * 8
	for _, f := range buf.fragments {
		if f.offset == offset {
			return nil, fmt.Errorf("duplicate fragment at offset %d", offset)
		}
	}
	buf.fragments = append(buf.fragments, fragment{offset: offset, data: append([]byte(nil), ip4.Payload...)})
	if ip4.Flags&layers.IPv4MoreFragments == 0 {
		buf.total = offset + len(ip4.Payload)
	}

	if buf.total == 0 || !buf.complete() {
		return nil, errFragmentPending
	}
	delete(r.buffers, key)
	return buf.assemble()
}

func (b *fragmentBuffer) complete() bool {
	sort.Slice(b.fragments, func(i, j int) bool { return b.fragments[i].offset < b.fragments[j].offset })
	covered := 0
	for _, f := range b.fragments {
		if f.offset > covered {
			return false
		}
		if end := f.offset + len(f.data); end > covered {
			covered = end
		}
	}
	return covered >= b.total
}

func (b *fragmentBuffer) assemble() ([]byte, error) {
	payload := make([]byte, b.total)
	for _, f := range b.fragments {
		if f.offset+len(f.data) > b.total {
			return nil, fmt.Errorf("fragment overflow: offset=%d, len=%d, total=%d", f.offset, len(f.data), b.total)
		}
		copy(payload[f.offset:], f.data)
	}
	return payload, nil
}

func (r *fragmentReassembler) expire(now time.Time) {
	for key, buf := range r.buffers {
		if now.Sub(buf.firstSeen) > r.timeout {
			delete(r.buffers, key)
		}
	}
}

// pending returns the number of incomplete datagrams.
func (r *fragmentReassembler) pending() int { return len(r.buffers) }
