package decoder

import (
	"bytes"

	"firestige.xyz/segscope/internal/engine"
)

// Candidate pairs a content check with the decoder to use when it matches.
type Candidate struct {
	Detect  func(data []byte) bool
	Decoder engine.Decoder
}

// Sniffer picks a decoder from the content of the bytes themselves. Bytes no
// candidate recognises are left undecoded.
type Sniffer struct {
	candidates []Candidate
}

func NewSniffer(candidates ...Candidate) *Sniffer {
	return &Sniffer{candidates: candidates}
}

func (s *Sniffer) Name() string { return "auto" }

func (s *Sniffer) Decode(ctx *engine.DecodeContext, data []byte) engine.Verdict {
	for _, c := range s.candidates {
		if c.Detect(data) {
			return c.Decoder.Decode(ctx, data)
		}
	}
	return engine.Verdict{}
}

var sipMethods = [][]byte{
	[]byte("INVITE"), []byte("ACK"), []byte("BYE"), []byte("CANCEL"),
	[]byte("REGISTER"), []byte("OPTIONS"), []byte("PRACK"), []byte("SUBSCRIBE"),
	[]byte("NOTIFY"), []byte("PUBLISH"), []byte("INFO"), []byte("REFER"),
	[]byte("MESSAGE"), []byte("UPDATE"),
}

var sipVersion = []byte("SIP/2.0")

// LooksLikeSIP reports whether data starts like a SIP request or response,
// or is a CRLF keep-alive.
func LooksLikeSIP(data []byte) bool {
	if bytes.HasPrefix(data, []byte("\r\n")) {
		return true
	}
	if bytes.HasPrefix(data, sipVersion) {
		return true
	}
	for _, method := range sipMethods {
		if bytes.HasPrefix(data, method) && len(data) > len(method) && data[len(method)] == ' ' {
			return true
		}
	}
	return false
}
