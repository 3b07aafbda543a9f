package raw

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"firestige.xyz/segscope/internal/engine"
)

func TestDecode(t *testing.T) {
	v := New().Decode(&engine.DecodeContext{}, []byte("abc"))
	assert.Equal(t, 3, v.Consumed)
	assert.Equal(t, "3 bytes", v.Summary)
}
