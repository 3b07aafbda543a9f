package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

const hexRowLen = 16

// FrameDump is the hex dump of one captured frame, split in rows of 16 bytes.
type FrameDump struct {
	Frame    uint64    `json:"frame" yaml:"frame" msgpack:"frame"`
	Time     time.Time `json:"time" yaml:"time" msgpack:"time"`
	Length   int       `json:"length" yaml:"length" msgpack:"length"`
	Captured int       `json:"captured" yaml:"captured" msgpack:"captured"`
	Offset   []string  `json:"offset" yaml:"offset" msgpack:"offset"`
	Hex      []string  `json:"hex" yaml:"hex" msgpack:"hex"`
	ASCII    []string  `json:"ascii" yaml:"ascii" msgpack:"ascii"`
}

// NewFrameDump renders data captured from a frame of length bytes on the wire.
func NewFrameDump(frame uint64, ts time.Time, length int, data []byte) FrameDump {
	d := FrameDump{Frame: frame, Time: ts, Length: length, Captured: len(data)}
	for off := 0; off < len(data); off += hexRowLen {
		row := data[off:min(off+hexRowLen, len(data))]

		hex := make([]string, len(row))
		ascii := make([]byte, len(row))
		for i, b := range row {
			hex[i] = fmt.Sprintf("%02x", b)
			ascii[i] = '.'
			if b >= 0x20 && b < 0x7f {
				ascii[i] = b
			}
		}
		d.Offset = append(d.Offset, fmt.Sprintf("%04x", off))
		d.Hex = append(d.Hex, strings.Join(hex, " "))
		d.ASCII = append(d.ASCII, string(ascii))
	}
	return d
}

// WriteFrameDumps writes dumps in the given format.
func WriteFrameDumps(format string, w io.Writer, dumps []FrameDump) error {
	var enc encoder
	switch strings.ToLower(format) {
	case "", FormatText:
		return writeFrameDumpsText(w, dumps)
	case FormatJSON:
		enc = json.NewEncoder(w)
	case FormatYAML:
		y := yaml.NewEncoder(w)
		y.SetIndent(2)
		defer y.Close()
		enc = y
	case FormatMsgpack:
		enc = msgpack.NewEncoder(w)
	default:
		return fmt.Errorf("invalid format %q, must be one of %s", format, strings.Join(Formats, ", "))
	}
	for i := range dumps {
		if err := enc.Encode(&dumps[i]); err != nil {
			return fmt.Errorf("encode frame %d: %w", dumps[i].Frame, err)
		}
	}
	return nil
}

func writeFrameDumpsText(w io.Writer, dumps []FrameDump) error {
	for i, d := range dumps {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "Frame %d: %d bytes on wire, %d bytes captured\n", d.Frame, d.Length, d.Captured); err != nil {
			return err
		}
		for r := range d.Offset {
			if _, err := fmt.Fprintf(w, "%s  %-47s  %s\n", d.Offset[r], d.Hex[r], d.ASCII[r]); err != nil {
				return err
			}
		}
	}
	return nil
}
