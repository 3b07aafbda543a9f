package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/segscope/internal/config"
)

const sipBody = "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\n"

var sipInvite = "INVITE sip:bob@example.com SIP/2.0\r\n" +
	"Via: SIP/2.0/TCP 10.0.0.1:40000;branch=z9hG4bK776asdhds\r\n" +
	"Max-Forwards: 70\r\n" +
	"To: Bob <sip:bob@example.com>\r\n" +
	"From: Alice <sip:alice@example.com>;tag=1928301774\r\n" +
	"Call-ID: a84b4c76e66710@pc33.example.com\r\n" +
	"CSeq: 314159 INVITE\r\n" +
	"Contact: <sip:alice@10.0.0.1>\r\n" +
	"Content-Type: application/sdp\r\n" +
	"Content-Length: " + strconv.Itoa(len(sipBody)) + "\r\n\r\n" + sipBody

const sipOK = "SIP/2.0 200 OK\r\n" +
	"Via: SIP/2.0/TCP 10.0.0.1:40000;branch=z9hG4bK776asdhds\r\n" +
	"To: Bob <sip:bob@example.com>;tag=a6c85cf\r\n" +
	"From: Alice <sip:alice@example.com>;tag=1928301774\r\n" +
	"Call-ID: a84b4c76e66710@pc33.example.com\r\n" +
	"CSeq: 314159 INVITE\r\n" +
	"Content-Length: 0\r\n\r\n"

type pkt struct {
	fromClient bool
	seq, ack   uint32
	syn, fin   bool
	payload    string
}

// writeCall writes a SIP call over TCP: handshake, an INVITE split across
// two segments, the 200 OK and a close.
func writeCall(t *testing.T) string {
	t.Helper()
	split := 120
	pkts := []pkt{
		{fromClient: true, seq: 1000, syn: true},
		{fromClient: false, seq: 5000, ack: 1001, syn: true},
		{fromClient: true, seq: 1001, ack: 5001},
		{fromClient: true, seq: 1001, ack: 5001, payload: sipInvite[:split]},
		{fromClient: true, seq: 1001 + uint32(split), ack: 5001, payload: sipInvite[split:]},
		{fromClient: false, seq: 5001, ack: 1001 + uint32(len(sipInvite)), payload: sipOK},
		{fromClient: true, seq: 1001 + uint32(len(sipInvite)), ack: 5001 + uint32(len(sipOK)), fin: true},
	}

	path := filepath.Join(t.TempDir(), "call.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, p := range pkts {
		data := frame(t, p)
		ci := gopacket.CaptureInfo{
			Timestamp:     base.Add(time.Duration(i) * 10 * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func frame(t *testing.T, p pkt) []byte {
	t.Helper()
	client, server := net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2)
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: client, DstIP: server}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 5060, Seq: p.seq, Ack: p.ack, Window: 65535,
		SYN: p.syn, FIN: p.fin, ACK: p.ack != 0, PSH: p.payload != ""}
	if !p.fromClient {
		ip.SrcIP, ip.DstIP = server, client
		tcp.SrcPort, tcp.DstPort = 5060, 40000
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(p.payload)))
	return buf.Bytes()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c, err := config.Load("")
	require.NoError(t, err)
	c.Decoders = []config.DecoderConfig{{Name: "sip", Ports: []uint16{5060}}}
	return c
}

func TestRunAnalyzeJSON(t *testing.T) {
	var buf bytes.Buffer
	opts := analyzeOptions{Capture: writeCall(t), Format: "json", Replay: 2}
	require.NoError(t, runAnalyze(context.Background(), testConfig(t), opts, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 8, "seven packets and the summary")

	var invite struct {
		Packet   uint64 `json:"packet"`
		Messages []struct {
			Decoder     string            `json:"decoder"`
			Reassembled bool              `json:"reassembled"`
			FirstPacket uint64            `json:"first_packet"`
			Labels      map[string]string `json:"labels"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[4]), &invite))
	assert.Equal(t, uint64(5), invite.Packet)
	require.Len(t, invite.Messages, 1)
	assert.Equal(t, "sip", invite.Messages[0].Decoder)
	assert.True(t, invite.Messages[0].Reassembled)
	assert.Equal(t, uint64(4), invite.Messages[0].FirstPacket)

	var summary struct {
		Summary struct {
			Packets       uint64 `json:"packets"`
			Messages      uint64 `json:"messages"`
			Reassembled   uint64 `json:"reassembled"`
			Conversations []struct {
				Completeness string `json:"completeness"`
			} `json:"conversations"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[7]), &summary))
	assert.Equal(t, uint64(7), summary.Summary.Packets)
	assert.Equal(t, uint64(2), summary.Summary.Messages)
	assert.Equal(t, uint64(1), summary.Summary.Reassembled)
	require.Len(t, summary.Summary.Conversations, 1)
	assert.Equal(t, "SYN,SYN-ACK,ACK,DATA,FIN", summary.Summary.Conversations[0].Completeness)
}

func TestRunAnalyzeTextToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "report.txt")
	opts := analyzeOptions{Capture: writeCall(t), Output: out}
	require.NoError(t, runAnalyze(context.Background(), testConfig(t), opts, nil))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "sip: INVITE sip:bob@example.com SIP/2.0 [")
	assert.Contains(t, text, "sip: SIP/2.0 200 OK")
	assert.Contains(t, text, "Expert summary")
}

func TestRunAnalyzeErrors(t *testing.T) {
	c := testConfig(t)
	var buf bytes.Buffer

	err := runAnalyze(context.Background(), c, analyzeOptions{Capture: writeCall(t), Replay: -1}, &buf)
	assert.Error(t, err)

	err = runAnalyze(context.Background(), c, analyzeOptions{Capture: "/nonexistent.pcap"}, &buf)
	assert.Error(t, err)

	err = runAnalyze(context.Background(), c, analyzeOptions{Capture: writeCall(t), Format: "xml"}, &buf)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = runAnalyze(ctx, c, analyzeOptions{Capture: writeCall(t)}, &buf)
	assert.ErrorIs(t, err, context.Canceled)

	err = runAnalyze(context.Background(), c, analyzeOptions{Capture: writeCall(t), Interface: "eth0"}, &buf)
	assert.ErrorContains(t, err, "not both")

	err = runAnalyze(context.Background(), c, analyzeOptions{Capture: writeCall(t), Frames: "2-1"}, &buf)
	assert.ErrorContains(t, err, "reversed")

	err = runAnalyze(context.Background(), c, analyzeOptions{Interface: "segscope-missing0"}, &buf)
	assert.ErrorContains(t, err, "segscope-missing0")
}

func TestRunAnalyzeFrames(t *testing.T) {
	var buf bytes.Buffer
	opts := analyzeOptions{Capture: writeCall(t), Format: "json", Frames: "4-5"}
	require.NoError(t, runAnalyze(context.Background(), testConfig(t), opts, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3, "two selected packets and the summary")
	for i, want := range []uint64{4, 5} {
		var rec struct {
			Packet uint64 `json:"packet"`
		}
		require.NoError(t, json.Unmarshal([]byte(lines[i]), &rec))
		assert.Equal(t, want, rec.Packet)
	}

	var summary struct {
		Summary struct {
			Packets uint64 `json:"packets"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &summary))
	assert.Equal(t, uint64(7), summary.Summary.Packets, "every packet is analyzed")
}

func TestRunHexdump(t *testing.T) {
	path := writeCall(t)
	c := testConfig(t)

	var buf bytes.Buffer
	require.NoError(t, runHexdump(context.Background(), c, hexdumpOptions{Capture: path, Frames: "1,4"}, &buf))
	text := buf.String()
	synLen := len(frame(t, pkt{fromClient: true, seq: 1000, syn: true}))
	assert.True(t, strings.HasPrefix(text, fmt.Sprintf("Frame 1: %d bytes on wire, %d bytes captured\n", synLen, synLen)+
		"0000  02 00 00 00 00 02 02 00 00 00 00 01 08 00 45 00  ..............E.\n"), text)
	assert.Contains(t, text, "\nFrame 4: 174 bytes on wire, 174 bytes captured\n")
	assert.NotContains(t, text, "Frame 2:")

	buf.Reset()
	require.NoError(t, runHexdump(context.Background(), c, hexdumpOptions{Capture: path, Frames: "7", Format: "json"}, &buf))
	var dump struct {
		Frame  uint64   `json:"frame"`
		Offset []string `json:"offset"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &dump))
	assert.Equal(t, uint64(7), dump.Frame)
	assert.Equal(t, []string{"0000", "0010", "0020", "0030"}, dump.Offset)

	err := runHexdump(context.Background(), c, hexdumpOptions{Capture: path, Frames: "6-9"}, &buf)
	assert.ErrorContains(t, err, "the capture has 7 frame(s)")

	err = runHexdump(context.Background(), c, hexdumpOptions{Capture: path}, &buf)
	assert.ErrorContains(t, err, "no frames selected")
}

func TestRunFollow(t *testing.T) {
	path := writeCall(t)
	var buf bytes.Buffer
	require.NoError(t, runFollow(context.Background(), testConfig(t), followOptions{Capture: path}, &buf))

	text := buf.String()
	assert.Contains(t, text, "Node 0: 10.0.0.1:40000\n")
	assert.Contains(t, text, "Node 1: 10.0.0.2:5060\n")
	assert.Contains(t, text, strconv.Itoa(len(sipInvite)-120)+"\n")
	assert.Contains(t, text, "\t"+strconv.Itoa(len(sipOK))+"\n\tSIP/2.0 200 OK\n")

	buf.Reset()
	require.NoError(t, runFollow(context.Background(), testConfig(t), followOptions{Capture: path, JSON: true}, &buf))
	var doc struct {
		Stream uint64    `json:"stream"`
		Bytes  [2]uint64 `json:"bytes"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, [2]uint64{uint64(len(sipInvite)), uint64(len(sipOK))}, doc.Bytes)

	err := runFollow(context.Background(), testConfig(t), followOptions{Capture: path, Stream: 3}, &buf)
	assert.ErrorContains(t, err, "stream 3 not found")
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yml")
	require.NoError(t, os.WriteFile(good, []byte(`
segscope:
  decoders:
    - name: sip
      ports: [5060, 5080]
    - name: lenprefix
      ports: [9000]
      options:
        width: 4
        inner: sip
  output:
    format: json
`), 0o644))

	var buf bytes.Buffer
	require.NoError(t, runValidate(good, &buf))
	assert.Equal(t, "VALID: 2 decoder(s) on 3 port(s), output json, max depth 4\n", buf.String())

	bad := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte(`
segscope:
  decoders:
    - name: nosuch
      ports: [5060]
`), 0o644))
	err := runValidate(bad, &buf)
	assert.ErrorContains(t, err, "INVALID")

	badOptions := filepath.Join(dir, "options.yml")
	require.NoError(t, os.WriteFile(badOptions, []byte(`
segscope:
  decoders:
    - name: sip
      ports: [5060]
      options:
        unknown_key: 1
`), 0o644))
	assert.Error(t, runValidate(badOptions, &buf))
}
