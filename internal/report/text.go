package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"firestige.xyz/segscope/internal/analysis"
	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/engine"
)

type textWriter struct {
	w        io.Writer
	opts     Options
	start    time.Time
	reported atomic.Uint64
}

func (t *textWriter) Write(out *engine.Output) error {
	if out == nil {
		return fmt.Errorf("nil output")
	}
	if t.start.IsZero() {
		t.start = out.Time
	}
	t.reported.Add(1)

	var b strings.Builder
	if out.EndOfCapture {
		fmt.Fprintf(&b, "-- end of capture, stream %d direction %d\n", out.Stream, out.Direction)
	} else {
		t.header(&b, out)
	}
	if out.Identity != out.Flow && out.Identity.Src.Addr.IsValid() {
		fmt.Fprintf(&b, "    identity %s\n", out.Identity)
	}
	for _, m := range out.Messages {
		fmt.Fprintf(&b, "    %s%s: %s", strings.Repeat("  ", m.Depth), m.Decoder, m.Summary)
		if m.Reassembled {
			fmt.Fprintf(&b, " [%d bytes reassembled from %s]", m.Len, packetList(m.Packets))
		}
		b.WriteByte('\n')
	}
	for _, r := range out.Raw {
		fmt.Fprintf(&b, "    %d bytes at seq %d: %s\n", r.Len, r.Seq, r.Reason)
	}
	for _, a := range out.Annotations {
		fmt.Fprintf(&b, "    ! %s/%s: %s\n", a.Severity, a.Group, a.Text)
	}
	_, err := io.WriteString(t.w, b.String())
	return err
}

func (t *textWriter) header(b *strings.Builder, out *engine.Output) {
	res := &out.Analysis
	seq, ack := out.Seq, out.Ack
	if t.opts.Relative {
		seq, ack = res.RelSeq, res.RelAck
	}
	fmt.Fprintf(b, "%d %.6f %s [%s] Seq=%d", out.Packet, out.Time.Sub(t.start).Seconds(), out.Flow, out.Flags, seq)
	if out.Flags.Has(core.FlagACK) {
		fmt.Fprintf(b, " Ack=%d", ack)
	}
	fmt.Fprintf(b, " Win=%d Len=%d", res.WindowSize, out.Len)
	if res.HasRTT {
		fmt.Fprintf(b, " RTT=%s", res.RTT)
	}
	if out.Malformed {
		b.WriteString(" [Malformed]")
	}
	for _, tag := range res.Tags.Tags() {
		fmt.Fprintf(b, " [%s]", tagTitle(tag))
	}
	b.WriteByte('\n')
}

func tagTitle(t analysis.Tag) string {
	words := strings.Split(t.String(), "_")
	for i, w := range words {
		switch w {
		case "ack":
			words[i] = "ACK"
		default:
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return "TCP " + strings.Join(words, " ")
}

func packetList(ids []core.PacketID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}

func (t *textWriter) Close(s *Summary) error {
	if s == nil {
		return nil
	}
	var b strings.Builder
	b.WriteString("\nExpert summary\n")
	fmt.Fprintf(&b, "  packets:     %d (%d malformed)\n", s.Packets, s.Malformed)
	fmt.Fprintf(&b, "  messages:    %d (%d reassembled)\n", s.Messages, s.Reassembled)
	fmt.Fprintf(&b, "  raw bytes:   %d\n", s.RawBytes)

	if len(s.Severities) > 0 {
		b.WriteString("  severity:\n")
		for _, sev := range severityOrder {
			if n := s.Severities[sev.String()]; n > 0 {
				fmt.Fprintf(&b, "    %-8s %d\n", sev, n)
			}
		}
	}
	writeCounts(&b, "tags", s.Tags)
	writeCounts(&b, "groups", s.Groups)

	if len(s.Conversations) > 0 {
		b.WriteString("  conversations:\n")
		for _, c := range s.Conversations {
			fmt.Fprintf(&b, "    %d %s -> %s [%s] packets=%d bytes=%d", c.Stream, c.Client, c.Server, c.Completeness, c.Packets, c.Bytes)
			if c.IRTT != "" {
				fmt.Fprintf(&b, " irtt=%s", c.IRTT)
			}
			if c.ReusedPorts {
				b.WriteString(" reused-ports")
			}
			b.WriteByte('\n')
		}
	}
	_, err := io.WriteString(t.w, b.String())
	return err
}

func writeCounts(b *strings.Builder, title string, counts map[string]uint64) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(b, "  %s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(b, "    %-24s %d\n", k, counts[k])
	}
}

func (t *textWriter) Reported() uint64 { return t.reported.Load() }
