package follow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const separator = "==================================================================="

// WriteText prints a stream the way a follow-stream dialog shows it: each
// chunk prefixed by its length, the second peer indented by a tab, and
// non-printable bytes replaced by dots.
func WriteText(w io.Writer, st *Stream) error {
	var b strings.Builder
	fmt.Fprintln(&b, separator)
	fmt.Fprintln(&b, "Follow: tcp,ascii")
	fmt.Fprintf(&b, "Filter: tcp.stream eq %d\n", st.Index)
	if st.Nodes[0].Addr.IsValid() {
		fmt.Fprintf(&b, "Node 0: %s\n", st.Nodes[0])
		fmt.Fprintf(&b, "Node 1: %s\n", st.Nodes[1])
	}
	for _, c := range st.Chunks {
		indent := ""
		if c.Peer == 1 {
			indent = "\t"
		}
		fmt.Fprintf(&b, "%s%d\n", indent, len(c.Data))
		lines := bytes.SplitAfter(c.Data, []byte("\n"))
		for _, line := range lines {
			if len(line) == 0 {
				continue
			}
			b.WriteString(indent)
			b.WriteString(printable(bytes.TrimRight(line, "\r\n")))
			b.WriteByte('\n')
		}
	}
	fmt.Fprintln(&b, separator)
	_, err := io.WriteString(w, b.String())
	return err
}

func printable(data []byte) string {
	out := make([]byte, len(data))
	for i, c := range data {
		if c == '\t' || (c >= 0x20 && c < 0x7f) {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}

type jsonStream struct {
	Stream uint64    `json:"stream"`
	Nodes  []string  `json:"nodes,omitempty"`
	Bytes  [2]uint64 `json:"bytes"`
	Chunks []Chunk   `json:"chunks"`
}

// WriteJSON prints a stream as JSON; chunk payloads are base64 encoded.
func WriteJSON(w io.Writer, st *Stream) error {
	out := jsonStream{Stream: st.Index, Bytes: st.Bytes, Chunks: st.Chunks}
	if st.Nodes[0].Addr.IsValid() {
		out.Nodes = []string{st.Nodes[0].String(), st.Nodes[1].String()}
	}
	if out.Chunks == nil {
		out.Chunks = []Chunk{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
