package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame(t *testing.T) {
	assert.Equal(t, []byte("STS\r"), Frame("STS"))
	assert.Equal(t, []byte{'H', 'I', 'V', ' ', '8', '0', 0x0D}, Frame("HIV 80"))
}

func TestReadFrame(t *testing.T) {
	t.Run("split reply", func(t *testing.T) {
		p := newFakePort()
		p.reads = []string{"SW", "S 1 5\r"}
		text, err := readFrame(p, make([]byte, 40))
		require.NoError(t, err)
		assert.Equal(t, "SWS 1 5", text)
	})

	t.Run("timeout returns partial", func(t *testing.T) {
		p := newFakePort()
		p.reads = []string{"SBT 0", ""}
		text, err := readFrame(p, make([]byte, 40))
		require.NoError(t, err)
		assert.Equal(t, "SBT 0", text)
	})

	t.Run("empty", func(t *testing.T) {
		p := newFakePort()
		text, err := readFrame(p, make([]byte, 40))
		require.NoError(t, err)
		assert.Empty(t, text)
	})

	t.Run("buffer full", func(t *testing.T) {
		p := newFakePort()
		p.reads = []string{"ZTR 1 2 3 4"}
		text, err := readFrame(p, make([]byte, 8))
		require.NoError(t, err)
		assert.Equal(t, "ZTR 1 2 ", text)
	})
}

func TestIsOffCommand(t *testing.T) {
	assert.True(t, isOffCommand("XOF"))
	assert.False(t, isOffCommand("XON"))
	assert.False(t, isOffCommand("STS"))
}
