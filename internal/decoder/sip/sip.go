// Package sip decodes SIP messages carried over TCP. Messages are framed by
// the blank line ending the headers plus the Content-Length body, then
// parsed with gosip.
package sip

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"

	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/decoder"
	"firestige.xyz/segscope/internal/engine"
	"firestige.xyz/segscope/internal/log"
)

const Name = "sip"

const defaultMaxMessageSize = 64 * 1024

var (
	headerEnd = []byte("\r\n\r\n")

	ErrMessageTooLarge  = errors.New("sip message exceeds maximum size")
	ErrBadContentLength = errors.New("invalid Content-Length")
)

// Config holds the decoder options.
type Config struct {
	// MaxMessageSize bounds headers plus body.
	MaxMessageSize int `mapstructure:"max_message_size"`
}

type Decoder struct {
	cfg    Config
	parser *parser.PacketParser
}

func New(cfg Config) *Decoder {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	l := log.GetLogger().WithField("decoder", Name)
	return &Decoder{cfg: cfg, parser: parser.NewPacketParser(newLoggerAdapter(l))}
}

// Factory builds a decoder from raw options.
func Factory(options map[string]any) (engine.Decoder, error) {
	var cfg Config
	if err := decoder.DecodeOptions(options, &cfg); err != nil {
		return nil, err
	}
	return New(cfg), nil
}

func (d *Decoder) Name() string { return Name }

func (d *Decoder) Decode(_ *engine.DecodeContext, data []byte) engine.Verdict {
	if n := keepAliveLen(data); n > 0 {
		return engine.Consumed(n, "keep-alive", nil)
	}

	end := bytes.Index(data, headerEnd)
	if end < 0 {
		if len(data) > d.cfg.MaxMessageSize {
			return engine.Failed(0, ErrMessageTooLarge)
		}
		return engine.Verdict{Need: engine.NeedOneMoreSegment}
	}
	hdrLen := end + len(headerEnd)

	bodyLen, err := contentLength(data[:hdrLen])
	if err != nil {
		return engine.Failed(0, err)
	}
	total := hdrLen + bodyLen
	if total > d.cfg.MaxMessageSize {
		return engine.Failed(0, ErrMessageTooLarge)
	}
	if len(data) < total {
		return engine.NeedMore(0, total-len(data))
	}

	msg, err := d.parser.ParseMessage(data[:total])
	if err != nil {
		return engine.Failed(0, fmt.Errorf("parse sip message: %w", err))
	}
	summary, labels := describe(msg, bodyLen)
	return engine.Consumed(total, summary, labels)
}

// keepAliveLen returns the length of a leading CRLF keep-alive run.
func keepAliveLen(data []byte) int {
	n := 0
	for n+1 < len(data) && data[n] == '\r' && data[n+1] == '\n' {
		n += 2
	}
	return n
}

// contentLength reads Content-Length (or its compact form "l") from the
// header block. A missing header means no body.
func contentLength(headers []byte) (int, error) {
	for _, line := range bytes.Split(headers, []byte("\r\n")) {
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := bytes.TrimSpace(line[:colon])
		if !bytes.EqualFold(name, []byte("Content-Length")) && !bytes.EqualFold(name, []byte("l")) {
			continue
		}
		n, err := strconv.Atoi(string(bytes.TrimSpace(line[colon+1:])))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %q", ErrBadContentLength, line[colon+1:])
		}
		return n, nil
	}
	return 0, nil
}

func describe(msg sip.Message, bodyLen int) (string, core.Labels) {
	labels := core.Labels{
		core.LabelSIPBodyLen: strconv.Itoa(bodyLen),
	}
	if id, ok := msg.CallID(); ok {
		labels[core.LabelSIPCallID] = id.Value()
	}
	if cseq, ok := msg.CSeq(); ok {
		labels[core.LabelSIPCSeq] = cseq.Value()
	}
	switch m := msg.(type) {
	case sip.Request:
		labels[core.LabelSIPMethod] = string(m.Method())
	case sip.Response:
		labels[core.LabelSIPStatusCode] = strconv.Itoa(int(m.StatusCode()))
	}
	return msg.StartLine(), labels
}
