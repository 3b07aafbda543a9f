// Package analysis implements per-direction TCP flow state and the sequence
// classifier that diagnoses each segment.
package analysis

import (
	"strings"

	"firestige.xyz/segscope/internal/core"
)

// Tag is one diagnosis produced by the classifier.
type Tag uint8

const (
	TagReusedPorts Tag = iota
	TagLostSegment
	TagAckedUnseen
	TagZeroWindowProbe
	TagZeroWindowProbeAck
	TagZeroWindow
	TagWindowFull
	TagWindowUpdate
	TagKeepAlive
	TagKeepAliveAck
	TagDuplicateAck
	TagSpuriousRetransmission
	TagFastRetransmission
	TagOutOfOrder
	TagRetransmission

	tagCount
)

var tagNames = [tagCount]string{
	TagReusedPorts:            "reused_ports",
	TagLostSegment:            "lost_segment",
	TagAckedUnseen:            "acked_unseen_segment",
	TagZeroWindowProbe:        "zero_window_probe",
	TagZeroWindowProbeAck:     "zero_window_probe_ack",
	TagZeroWindow:             "zero_window",
	TagWindowFull:             "window_full",
	TagWindowUpdate:           "window_update",
	TagKeepAlive:              "keep_alive",
	TagKeepAliveAck:           "keep_alive_ack",
	TagDuplicateAck:           "duplicate_ack",
	TagSpuriousRetransmission: "spurious_retransmission",
	TagFastRetransmission:     "fast_retransmission",
	TagOutOfOrder:             "out_of_order",
	TagRetransmission:         "retransmission",
}

func (t Tag) String() string {
	if t >= tagCount {
		return "unknown"
	}
	return tagNames[t]
}

// Severity returns the expert severity of the tag.
func (t Tag) Severity() core.Severity {
	switch t {
	case TagWindowUpdate:
		return core.SeverityChat
	case TagLostSegment, TagAckedUnseen, TagZeroWindow, TagWindowFull, TagOutOfOrder:
		return core.SeverityWarning
	default:
		return core.SeverityNote
	}
}

// ParseTag returns the tag with the given name.
func ParseTag(name string) (Tag, bool) {
	for i, n := range tagNames {
		if n == name {
			return Tag(i), true
		}
	}
	return 0, false
}

// TagSet is an ordered set of tags.
type TagSet uint32

// primaryTags are the retransmission/ordering diagnoses; a segment keeps at most one.
const primaryTags = TagSet(1<<TagSpuriousRetransmission | 1<<TagFastRetransmission |
	1<<TagOutOfOrder | 1<<TagRetransmission)

func (s TagSet) Has(t Tag) bool { return s&(1<<t) != 0 }

func (s TagSet) With(t Tag) TagSet { return s | 1<<t }

func (s TagSet) Without(t Tag) TagSet { return s &^ (1 << t) }

func (s TagSet) Empty() bool { return s == 0 }

// Tags returns the members in enumeration order.
func (s TagSet) Tags() []Tag {
	var out []Tag
	for t := Tag(0); t < tagCount; t++ {
		if s.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

// Strings returns the member names in enumeration order.
func (s TagSet) Strings() []string {
	tags := s.Tags()
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t.String()
	}
	return out
}

func (s TagSet) String() string {
	return strings.Join(s.Strings(), ",")
}

// Primary returns the single retransmission/ordering tag, if any.
func (s TagSet) Primary() (Tag, bool) {
	for t := Tag(0); t < tagCount; t++ {
		if primaryTags.Has(t) && s.Has(t) {
			return t, true
		}
	}
	return 0, false
}

// keepPrimary drops every primary tag except the first in enumeration order.
func (s TagSet) keepPrimary() TagSet {
	p, ok := s.Primary()
	if !ok {
		return s
	}
	return (s &^ primaryTags).With(p)
}
