package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"

	"firestige.xyz/segscope/internal/engine"
)

// Output formats.
const (
	FormatText    = "text"
	FormatJSON    = "json"
	FormatYAML    = "yaml"
	FormatMsgpack = "msgpack"
)

// Formats lists the supported output formats.
var Formats = []string{FormatText, FormatJSON, FormatYAML, FormatMsgpack}

// Options tune a writer.
type Options struct {
	// Relative prints sequence numbers relative to the flow's base in text output.
	Relative bool
}

// Writer renders engine outputs followed by a summary.
type Writer interface {
	Write(out *engine.Output) error
	// Close writes the summary and flushes the writer.
	Close(s *Summary) error
	Reported() uint64
}

// New returns a writer for the given format.
func New(format string, w io.Writer, opts Options) (Writer, error) {
	switch strings.ToLower(format) {
	case "", FormatText:
		return &textWriter{w: w, opts: opts}, nil
	case FormatJSON:
		return &docWriter{enc: json.NewEncoder(w)}, nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		return &docWriter{enc: enc, closer: enc}, nil
	case FormatMsgpack:
		return &docWriter{enc: msgpack.NewEncoder(w)}, nil
	default:
		return nil, fmt.Errorf("invalid format %q, must be one of %s", format, strings.Join(Formats, ", "))
	}
}

type encoder interface {
	Encode(v interface{}) error
}

// summaryDoc wraps the summary so that it can be told apart from records in
// a document stream.
type summaryDoc struct {
	Summary *Summary `json:"summary" yaml:"summary" msgpack:"summary"`
}

// docWriter emits one document per output: JSON lines, a YAML document
// stream or consecutive msgpack values.
type docWriter struct {
	enc      encoder
	closer   io.Closer
	reported atomic.Uint64
}

func (d *docWriter) Write(out *engine.Output) error {
	if out == nil {
		return fmt.Errorf("nil output")
	}
	if err := d.enc.Encode(NewRecord(out)); err != nil {
		return fmt.Errorf("encode packet %d: %w", out.Packet, err)
	}
	d.reported.Add(1)
	return nil
}

func (d *docWriter) Close(s *Summary) error {
	if s != nil {
		if err := d.enc.Encode(summaryDoc{Summary: s}); err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
	}
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}

func (d *docWriter) Reported() uint64 { return d.reported.Load() }
