package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"

	"firestige.xyz/segscope/internal/analysis"
	"firestige.xyz/segscope/internal/conversation"
	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/desegment"
	"firestige.xyz/segscope/internal/engine"
)

var (
	start = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	flow  = core.FlowKey{
		Src: core.Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: 40000},
		Dst: core.Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 5060},
	}
)

func plain() *engine.Output {
	return &engine.Output{
		Packet: 4, Time: start, Flow: flow, Identity: flow,
		Seq: 1101, Ack: 2001, Flags: core.FlagACK | core.FlagPSH, Len: 10,
		Analysis: analysis.Result{
			RelSeq: 1, RelAck: 1, RelNextSeq: 11, WindowSize: 65535,
			BytesInFlight: 10, HasBytesInFlight: true,
		},
		Completeness: conversation.SeenSYN | conversation.SeenSYNACK | conversation.SeenACK | conversation.SeenData,
		Messages: []engine.Message{{
			Decoder: "sip", Seq: 1, Len: 10, FirstPacket: 4, Packets: []core.PacketID{4},
			Summary: "OPTIONS sip:a@b SIP/2.0",
		}},
	}
}

func retransmitted() *engine.Output {
	out := plain()
	out.Packet = 6
	out.Time = start.Add(30 * time.Millisecond)
	out.Analysis.Tags = analysis.TagSet(0).With(analysis.TagRetransmission)
	out.Analysis.RetransmissionRef = 4
	out.Analysis.RetransmissionDelay = 30 * time.Millisecond
	out.Analysis.HasBytesInFlight = false
	out.Messages = []engine.Message{{
		Decoder: "sip", Seq: 1, Len: 30, Reassembled: true, FirstPacket: 4,
		Packets: []core.PacketID{4, 5}, Summary: "INVITE sip:a@b SIP/2.0",
	}}
	out.Raw = []engine.RawRange{{Seq: 31, Len: 4, Reason: engine.RawSegmentOfPDU}}
	out.Annotations = []engine.Annotation{
		{Severity: core.SeverityNote, Group: core.GroupSequence, Text: "retransmission of packet 4"},
		{Severity: core.SeverityWarning, Group: core.GroupReassembly, Text: "out-of-order buffer full"},
	}
	return out
}

func TestNewRecord(t *testing.T) {
	r := NewRecord(plain())
	assert.Equal(t, core.PacketID(4), r.Packet)
	assert.Equal(t, "10.0.0.1:40000", r.Src)
	assert.Equal(t, "10.0.0.2:5060", r.Dst)
	assert.Empty(t, r.Identity)
	assert.Equal(t, "ACK,PSH", r.Flags)
	assert.Equal(t, uint32(11), r.NextSeq)
	require.NotNil(t, r.BytesInFlight)
	assert.Equal(t, uint32(10), *r.BytesInFlight)
	assert.Equal(t, "SYN,SYN-ACK,ACK,DATA", r.Completeness)
	assert.Empty(t, r.Severity)
	assert.Empty(t, r.Tags)

	r = NewRecord(retransmitted())
	assert.Equal(t, []string{"retransmission"}, r.Tags)
	assert.Equal(t, core.PacketID(4), r.RetransmissionOf)
	assert.Equal(t, "30ms", r.RetransmissionGap)
	assert.Nil(t, r.BytesInFlight)
	assert.Equal(t, "warning", r.Severity)

	tunnel := plain()
	tunnel.Identity = core.FlowKey{
		Src: core.Endpoint{Addr: netip.MustParseAddr("192.168.1.1"), Port: 1},
		Dst: core.Endpoint{Addr: netip.MustParseAddr("192.168.1.2"), Port: 2},
	}
	assert.Equal(t, "192.168.1.1:1 -> 192.168.1.2:2", NewRecord(tunnel).Identity)
}

func TestSummary(t *testing.T) {
	s := NewSummary()
	s.Add(plain())
	s.Add(retransmitted())
	s.Add(&engine.Output{Packet: 7, Malformed: true, Annotations: []engine.Annotation{
		{Severity: core.SeverityError, Group: core.GroupMalformed, Text: "bogus TCP header length"},
	}})
	s.Add(&engine.Output{EndOfCapture: true, Raw: []engine.RawRange{{Seq: 40, Len: 6, Reason: engine.RawIncomplete}}})

	assert.Equal(t, uint64(3), s.Packets)
	assert.Equal(t, uint64(1), s.Malformed)
	assert.Equal(t, uint64(2), s.Messages)
	assert.Equal(t, uint64(1), s.Reassembled)
	assert.Equal(t, uint64(10), s.RawBytes)
	assert.Equal(t, map[string]uint64{"retransmission": 1}, s.Tags)
	assert.Equal(t, map[string]uint64{"note": 1, "warning": 1, "error": 1}, s.Severities)
	assert.Equal(t, map[string]uint64{"sequence": 1, "reassembly": 1, "malformed": 1}, s.Groups)
}

func TestSummaryConversations(t *testing.T) {
	table := conversation.NewTable(desegment.StreamConfig{})
	seg := &core.Segment{
		ID: 1, Flow: flow, Timestamp: start, Seq: 100, Flags: core.FlagSYN,
		HeaderLen: core.TCPHeaderMinLen, WindowScale: core.NoWindowScale,
	}
	conv, dir := table.Lookup(seg)
	conv.Observe(seg, dir)

	s := NewSummary()
	s.AddConversations(table.All())
	require.Len(t, s.Conversations, 1)
	c := s.Conversations[0]
	assert.Equal(t, uint64(0), c.Stream)
	assert.Equal(t, "10.0.0.1:40000", c.Client)
	assert.Equal(t, "10.0.0.2:5060", c.Server)
	assert.Equal(t, "SYN", c.Completeness)
	assert.Equal(t, uint64(1), c.Packets)
}

func TestTextWriter(t *testing.T) {
	var buf bytes.Buffer
	w, err := New("TEXT", &buf, Options{Relative: true})
	require.NoError(t, err)

	require.NoError(t, w.Write(plain()))
	require.NoError(t, w.Write(retransmitted()))
	require.NoError(t, w.Write(&engine.Output{Stream: 0, Direction: 1, EndOfCapture: true,
		Raw: []engine.RawRange{{Seq: 40, Len: 6, Reason: engine.RawIncomplete}}}))

	s := NewSummary()
	s.Add(retransmitted())
	require.NoError(t, w.Close(s))
	assert.Equal(t, uint64(3), w.Reported())

	want := "" +
		"4 0.000000 10.0.0.1:40000 -> 10.0.0.2:5060 [ACK,PSH] Seq=1 Ack=1 Win=65535 Len=10\n" +
		"    sip: OPTIONS sip:a@b SIP/2.0\n" +
		"6 0.030000 10.0.0.1:40000 -> 10.0.0.2:5060 [ACK,PSH] Seq=1 Ack=1 Win=65535 Len=10 [TCP Retransmission]\n" +
		"    sip: INVITE sip:a@b SIP/2.0 [30 bytes reassembled from 4,5]\n" +
		"    4 bytes at seq 31: segment of a reassembled PDU\n" +
		"    ! note/sequence: retransmission of packet 4\n" +
		"    ! warning/reassembly: out-of-order buffer full\n" +
		"-- end of capture, stream 0 direction 1\n" +
		"    6 bytes at seq 40: incomplete message\n" +
		"\nExpert summary\n" +
		"  packets:     1 (0 malformed)\n" +
		"  messages:    1 (1 reassembled)\n" +
		"  raw bytes:   4\n" +
		"  severity:\n" +
		"    warning  1\n" +
		"    note     1\n" +
		"  tags:\n" +
		"    retransmission           1\n" +
		"  groups:\n" +
		"    reassembly               1\n" +
		"    sequence                 1\n"
	assert.Equal(t, want, buf.String())
}

func TestTextWriterAbsoluteSequence(t *testing.T) {
	var buf bytes.Buffer
	w, err := New(FormatText, &buf, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Write(plain()))
	assert.True(t, strings.HasPrefix(buf.String(), "4 0.000000 10.0.0.1:40000 -> 10.0.0.2:5060 [ACK,PSH] Seq=1101 Ack=2001 "))
}

func TestJSONWriter(t *testing.T) {
	var buf bytes.Buffer
	w, err := New(FormatJSON, &buf, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Write(plain()))
	require.NoError(t, w.Write(retransmitted()))
	s := NewSummary()
	s.Add(retransmitted())
	require.NoError(t, w.Close(s))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, float64(6), rec["packet"])
	assert.Equal(t, []any{"retransmission"}, rec["tags"])
	anns := rec["annotations"].([]any)
	assert.Equal(t, "warning", anns[1].(map[string]any)["severity"])

	var doc summaryDoc
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &doc))
	require.NotNil(t, doc.Summary)
	assert.Equal(t, uint64(1), doc.Summary.Packets)
}

func TestYAMLWriter(t *testing.T) {
	var buf bytes.Buffer
	w, err := New(FormatYAML, &buf, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Write(plain()))
	require.NoError(t, w.Close(NewSummary()))

	dec := yaml.NewDecoder(&buf)
	var rec Record
	require.NoError(t, dec.Decode(&rec))
	assert.Equal(t, core.PacketID(4), rec.Packet)
	assert.Equal(t, "ACK,PSH", rec.Flags)
	require.Len(t, rec.Messages, 1)
	assert.Equal(t, "sip", rec.Messages[0].Decoder)

	var doc summaryDoc
	require.NoError(t, dec.Decode(&doc))
	require.NotNil(t, doc.Summary)
	assert.Equal(t, uint64(0), doc.Summary.Packets)
}

func TestMsgpackWriter(t *testing.T) {
	var buf bytes.Buffer
	w, err := New(FormatMsgpack, &buf, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Write(retransmitted()))
	require.NoError(t, w.Close(NewSummary()))

	dec := msgpack.NewDecoder(&buf)
	var rec Record
	require.NoError(t, dec.Decode(&rec))
	assert.Equal(t, core.PacketID(6), rec.Packet)
	assert.Equal(t, []string{"retransmission"}, rec.Tags)
	assert.True(t, start.Add(30*time.Millisecond).Equal(rec.Time))

	var doc summaryDoc
	require.NoError(t, dec.Decode(&doc))
	require.NotNil(t, doc.Summary)

	var rest Record
	assert.True(t, errors.Is(dec.Decode(&rest), io.EOF))
}

func TestNewInvalidFormat(t *testing.T) {
	_, err := New("xml", io.Discard, Options{})
	assert.Error(t, err)
}
