package core

import "fmt"

// Severity is the level of an analysis finding.
type Severity int

const (
	SeverityChat    Severity = iota // normal behaviour worth noting
	SeverityNote                    // notable, not necessarily a problem
	SeverityWarning                 // potential problem
	SeverityError                   // definite problem
)

func (s Severity) String() string {
	switch s {
	case SeverityChat:
		return "chat"
	case SeverityNote:
		return "note"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Group is the category of a finding.
type Group string

const (
	GroupSequence   Group = "sequence"
	GroupReassembly Group = "reassembly"
	GroupProtocol   Group = "protocol"
	GroupMalformed  Group = "malformed"
	GroupChecksum   Group = "checksum"
)

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	for c := SeverityChat; c <= SeverityError; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", b)
}
