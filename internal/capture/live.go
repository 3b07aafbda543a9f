package capture

import (
	"fmt"
	"time"

	"github.com/google/gopacket/pcap"
)

// DefaultLiveTimeout is how long a live read waits before Next reports
// core.ErrCaptureTimeout.
const DefaultLiveTimeout = 500 * time.Millisecond

// OpenLive captures from a network interface. The filter is installed in the
// kernel rather than evaluated per frame.
func OpenLive(iface string, opts Options) (*Source, error) {
	if iface == "" {
		return nil, fmt.Errorf("open live capture: no interface given")
	}
	if opts.SnapLen <= 0 {
		opts.SnapLen = defaultSnapLen
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultLiveTimeout
	}

	h, err := pcap.OpenLive(iface, int32(opts.SnapLen), opts.Promiscuous, opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("open live capture on %s: %w", iface, err)
	}
	if opts.Filter != "" {
		if err := h.SetBPFFilter(opts.Filter); err != nil {
			h.Close()
			return nil, fmt.Errorf("compile filter %q: %w", opts.Filter, err)
		}
	}
	if _, err := firstLayer(h.LinkType(), nil); err != nil {
		h.Close()
		return nil, err
	}

	return &Source{
		r:          h,
		closer:     handleCloser{h},
		decoder:    NewDecoder(),
		maxPackets: opts.MaxPackets,
	}, nil
}

type handleCloser struct{ h *pcap.Handle }

func (c handleCloser) Close() error {
	c.h.Close()
	return nil
}
