// Package core defines core types.
package core

// Labels represents key-value metadata attached to decoded messages.
type Labels map[string]string

// Label naming constants following {protocol}.{field} convention.
const (
	LabelSIPMethod     = "sip.method"
	LabelSIPCallID     = "sip.call_id"
	LabelSIPCSeq       = "sip.cseq"
	LabelSIPStatusCode = "sip.status_code"
	LabelSIPBodyLen    = "sip.content_length"

	LabelFrameLen = "frame.length" // length-prefixed framing payload size
	LabelEOFBytes = "eof.bytes"    // bytes collected until stream end
)
