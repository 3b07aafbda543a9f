package capture

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

// Filter matches raw frames against a classic BPF program.
type Filter struct {
	expr string
	vm   *bpf.VM
}

// CompileFilter compiles a tcpdump-style expression for frames of the given
// link type. An empty expression yields a nil filter, which matches
// everything.
func CompileFilter(expr string, linkType layers.LinkType, snapLen int) (*Filter, error) {
	if expr == "" {
		return nil, nil
	}
	compiled, err := pcap.CompileBPFFilter(linkType, snapLen, expr)
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", expr, err)
	}
	raw := make([]bpf.RawInstruction, len(compiled))
	for i, ins := range compiled {
		raw[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	prog, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("compile filter %q: program contains unknown instructions", expr)
	}
	f, err := NewFilter(prog)
	if err != nil {
		return nil, err
	}
	f.expr = expr
	return f, nil
}

// NewFilter wraps an already assembled program.
func NewFilter(prog []bpf.Instruction) (*Filter, error) {
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return nil, fmt.Errorf("load filter: %w", err)
	}
	return &Filter{vm: vm}, nil
}

// Match reports whether the program accepts the frame.
func (f *Filter) Match(data []byte) bool {
	if f == nil {
		return true
	}
	n, err := f.vm.Run(data)
	return err == nil && n > 0
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}
