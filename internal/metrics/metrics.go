// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CapturePacketsTotal counts packets read from a capture by outcome
	CapturePacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segscope_capture_packets_total",
			Help: "Total number of packets read from captures",
		},
		[]string{"result"}, // tcp, filtered, non_tcp, fragment, malformed
	)

	// SegmentsTotal counts segments processed by the engine
	SegmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "segscope_segments_total",
			Help: "Total number of TCP segments analyzed",
		},
	)

	// SegmentTagsTotal counts classifier diagnoses by tag
	SegmentTagsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segscope_segment_tags_total",
			Help: "Total number of sequence analysis diagnoses",
		},
		[]string{"tag"},
	)

	// ConversationsTotal counts conversations by how they started
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segscope_conversations_total",
			Help: "Total number of TCP conversations tracked",
		},
		[]string{"kind"}, // new, reused_ports
	)

	// OutOfOrderBuffered tracks segments held behind a sequence gap
	OutOfOrderBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "segscope_out_of_order_buffered_segments",
			Help: "Number of segments held in out-of-order buffers",
		},
	)

	// BufferOverflows counts out-of-order buffer overflows
	BufferOverflows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "segscope_out_of_order_overflows_total",
			Help: "Total number of out-of-order buffer overflows",
		},
	)

	// UnackedCapped counts flows whose unacked list hit its cap
	UnackedCapped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "segscope_unacked_capped_total",
			Help: "Total number of flows whose unacked segment list reached its cap",
		},
	)

	// MessagesOpen tracks multi-segment messages awaiting bytes
	MessagesOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "segscope_messages_open",
			Help: "Number of multi-segment messages awaiting bytes",
		},
	)

	// MessagesReassembled counts multi-segment messages handed to a decoder
	MessagesReassembled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "segscope_messages_reassembled_total",
			Help: "Total number of reassembled multi-segment messages",
		},
	)

	// DecodedMessagesTotal counts decoder results by decoder and outcome
	DecodedMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segscope_decoded_messages_total",
			Help: "Total number of decoder invocations",
		},
		[]string{"decoder", "result"}, // consumed, need_more, error
	)

	// ReassembledMessageBytes tracks the size distribution of reassembled messages
	ReassembledMessageBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segscope_reassembled_message_bytes",
			Help:    "Size of messages delivered to decoders after reassembly",
			Buckets: prometheus.ExponentialBuckets(64, 2, 14), // 64B to 512KiB
		},
		[]string{"decoder"},
	)
)
