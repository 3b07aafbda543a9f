package decoder

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/segscope/internal/config"
	"firestige.xyz/segscope/internal/core"
	"firestige.xyz/segscope/internal/engine"
)

type stubDecoder struct{ name string }

func (s stubDecoder) Name() string { return s.name }

func (s stubDecoder) Decode(_ *engine.DecodeContext, data []byte) engine.Verdict {
	return engine.Consumed(len(data), s.name, nil)
}

func stubFactory(name string) Factory {
	return func(map[string]any) (engine.Decoder, error) { return stubDecoder{name: name}, nil }
}

func init() {
	Register("stub-a", stubFactory("stub-a"))
	Register("stub-b", stubFactory("stub-b"))
}

func TestRegistry(t *testing.T) {
	d, err := Build("stub-a", nil)
	require.NoError(t, err)
	assert.Equal(t, "stub-a", d.Name())

	_, err = Build("missing", nil)
	assert.ErrorIs(t, err, core.ErrDecoderNotFound)

	assert.Subset(t, Registered(), []string{"stub-a", "stub-b"})
	assert.Panics(t, func() { Register("stub-a", stubFactory("again")) })
}

func TestDecodeOptions(t *testing.T) {
	var cfg struct {
		Size    int           `mapstructure:"size"`
		Timeout time.Duration `mapstructure:"timeout"`
	}
	require.NoError(t, DecodeOptions(map[string]any{"size": "12", "timeout": "2s"}, &cfg))
	assert.Equal(t, 12, cfg.Size)
	assert.Equal(t, 2*time.Second, cfg.Timeout)

	err := DecodeOptions(map[string]any{"sise": 1}, &cfg)
	assert.ErrorContains(t, err, "invalid options")
}

func TestPortSelector(t *testing.T) {
	fallback := stubDecoder{name: "fallback"}
	s, err := NewPortSelector([]config.DecoderConfig{
		{Name: "stub-a", Ports: []uint16{5060}},
		{Name: "stub-b", Ports: []uint16{9000, 9001}},
	}, fallback)
	require.NoError(t, err)

	flow := func(src, dst uint16) core.FlowKey {
		return core.FlowKey{
			Src: core.Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: src},
			Dst: core.Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: dst},
		}
	}
	assert.Equal(t, "stub-a", s.Select(flow(40000, 5060)).Name())
	assert.Equal(t, "stub-b", s.Select(flow(9001, 40000)).Name(), "client port is a fallback")
	assert.Equal(t, "stub-a", s.Select(flow(9000, 5060)).Name(), "server port wins")
	assert.Equal(t, "fallback", s.Select(flow(1, 2)).Name())

	_, err = NewPortSelector([]config.DecoderConfig{{Name: "missing", Ports: []uint16{1}}}, nil)
	assert.Error(t, err)

	_, err = NewPortSelector([]config.DecoderConfig{
		{Name: "stub-a", Ports: []uint16{1}},
		{Name: "stub-b", Ports: []uint16{1}},
	}, nil)
	assert.ErrorContains(t, err, "bound twice")

	none, err := NewPortSelector(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, none.Select(flow(1, 2)))
}

func TestSniffer(t *testing.T) {
	s := NewSniffer(Candidate{Detect: LooksLikeSIP, Decoder: stubDecoder{name: "sip"}})

	v := s.Decode(&engine.DecodeContext{}, []byte("OPTIONS sip:a@b SIP/2.0\r\n"))
	assert.Equal(t, "sip", v.Summary)

	v = s.Decode(&engine.DecodeContext{}, []byte("\x16\x03\x01\x02\x00"))
	assert.Zero(t, v.Consumed)
	assert.Equal(t, engine.NeedNone, v.Need)
}

func TestLooksLikeSIP(t *testing.T) {
	tests := []struct {
		data string
		want bool
	}{
		{"INVITE sip:bob@example.com SIP/2.0", true},
		{"SIP/2.0 180 Ringing", true},
		{"\r\n\r\n", true},
		{"INVITEX", false},
		{"ACK", false},
		{"GET / HTTP/1.1", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LooksLikeSIP([]byte(tt.data)), "%q", tt.data)
	}
}
