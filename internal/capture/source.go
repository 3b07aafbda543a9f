// Package capture reads TCP segments from pcap and pcapng files and from
// live network interfaces.
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/log"
	"firestige.xyz/segscope/internal/metrics"
)

const (
	pcapngMagic    = 0x0A0D0D0A
	defaultSnapLen = 262144
)

// Options configures a Source.
type Options struct {
	// Filter is a tcpdump-style expression applied before decoding.
	Filter  string
	SnapLen int
	// MaxPackets stops the source after that many frames; 0 reads all.
	MaxPackets uint64

	// Promiscuous and Timeout apply to live captures only.
	Promiscuous bool
	Timeout     time.Duration
}

// Stats counts what a Source has read so far.
type Stats struct {
	Packets   uint64
	TCP       uint64
	Filtered  uint64
	NonTCP    uint64
	Malformed uint64
	// Fragments counts frames held back until their datagram completes.
	Fragments uint64
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Source yields the TCP segments of a capture in file order. Packet IDs are
// frame numbers, so skipped frames leave holes in the ID sequence.
type Source struct {
	r       packetReader
	closer  io.Closer
	filter  *Filter
	decoder *Decoder

	maxPackets uint64
	frame      uint64
	packets    atomic.Uint64
	tcp        atomic.Uint64
	filtered   atomic.Uint64
	nonTCP     atomic.Uint64
	malformed  atomic.Uint64
	fragments  atomic.Uint64
}

// Open opens a capture file.
func Open(path string, opts Options) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	s, err := NewSource(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

// NewSource reads a pcap or pcapng stream, detected from its magic number.
func NewSource(r io.Reader, opts Options) (*Source, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	var pr packetReader
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		pr, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		pr, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	if opts.SnapLen <= 0 {
		opts.SnapLen = defaultSnapLen
	}
	filter, err := CompileFilter(opts.Filter, pr.LinkType(), opts.SnapLen)
	if err != nil {
		return nil, err
	}
	if _, err := firstLayer(pr.LinkType(), nil); err != nil {
		return nil, err
	}

	return &Source{r: pr, filter: filter, decoder: NewDecoder(), maxPackets: opts.MaxPackets}, nil
}

// LinkType returns the link type of the capture.
func (s *Source) LinkType() layers.LinkType { return s.r.LinkType() }

// Frame is one captured frame as read, before filtering and decoding.
type Frame struct {
	Number uint64
	Info   gopacket.CaptureInfo
	Data   []byte
}

// NextFrame returns the next raw frame. The filter is not applied.
func (s *Source) NextFrame() (Frame, error) {
	if s.maxPackets > 0 && s.frame >= s.maxPackets {
		return Frame{}, io.EOF
	}
	data, ci, err := s.r.ReadPacketData()
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return Frame{}, io.EOF
	case errors.Is(err, pcap.NextErrorTimeoutExpired):
		return Frame{}, core.ErrCaptureTimeout
	default:
		return Frame{}, fmt.Errorf("read packet %d: %w", s.frame+1, err)
	}
	s.frame++
	s.packets.Add(1)
	return Frame{Number: s.frame, Info: ci, Data: data}, nil
}

// Next returns the next TCP segment. Frames that are filtered out or carry
// no TCP are skipped. It returns io.EOF at the end of the capture and, on a
// live capture, core.ErrCaptureTimeout when no packet arrived in time.
func (s *Source) Next() (*core.Segment, error) {
	logger := log.GetLogger()
	for {
		f, err := s.NextFrame()
		if err != nil {
			return nil, err
		}
		data, ci := f.Data, f.Info

		if !s.filter.Match(data) {
			s.filtered.Add(1)
			metrics.CapturePacketsTotal.WithLabelValues("filtered").Inc()
			continue
		}

		seg, err := s.decoder.Decode(core.PacketID(f.Number), s.r.LinkType(), data, ci)
		switch {
		case err == nil:
		case errors.Is(err, core.ErrNotTCP):
			s.nonTCP.Add(1)
			metrics.CapturePacketsTotal.WithLabelValues("non_tcp").Inc()
			continue
		case errors.Is(err, errFragmentPending):
			s.fragments.Add(1)
			metrics.CapturePacketsTotal.WithLabelValues("fragment").Inc()
			continue
		default:
			s.malformed.Add(1)
			metrics.CapturePacketsTotal.WithLabelValues("malformed").Inc()
			logger.WithField("packet", s.frame).WithError(err).Debug("skipping undecodable frame")
			continue
		}

		if seg.Malformed() {
			s.malformed.Add(1)
			metrics.CapturePacketsTotal.WithLabelValues("malformed").Inc()
		} else {
			s.tcp.Add(1)
			metrics.CapturePacketsTotal.WithLabelValues("tcp").Inc()
		}
		return seg, nil
	}
}

// Stats returns a snapshot of the counters.
func (s *Source) Stats() Stats {
	return Stats{
		Packets:   s.packets.Load(),
		TCP:       s.tcp.Load(),
		Filtered:  s.filtered.Load(),
		NonTCP:    s.nonTCP.Load(),
		Malformed: s.malformed.Load(),
		Fragments: s.fragments.Load(),
	}
}

func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
