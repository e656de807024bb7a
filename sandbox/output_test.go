package sandbox

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapturedOutput(t *testing.T) {
	t.Run("UnderLimit", func(t *testing.T) {
		out := newCapturedOutput(64)

		n, err := out.Write([]byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		assert.Equal(t, []byte("hello"), out.Bytes())
		assert.False(t, out.Truncated())
	})

	t.Run("ExactLimit", func(t *testing.T) {
		out := newCapturedOutput(5)

		_, err := out.Write([]byte("hello"))
		require.NoError(t, err)

		assert.Equal(t, []byte("hello"), out.Bytes())
		assert.False(t, out.Truncated())
	})

	t.Run("OverLimitDropsAndFlags", func(t *testing.T) {
		out := newCapturedOutput(5)

		// Write never errors: the producer must not see a broken pipe.
		n, err := out.Write([]byte("hello world"))
		require.NoError(t, err)
		assert.Equal(t, len("hello world"), n)

		assert.Equal(t, []byte("hello"), out.Bytes())
		assert.True(t, out.Truncated())
	})

	t.Run("OverLimitAcrossWrites", func(t *testing.T) {
		out := newCapturedOutput(8)

		for i := 0; i < 4; i++ {
			_, err := out.Write([]byte("abc"))
			require.NoError(t, err)
		}

		assert.Equal(t, []byte("abcabcab"), out.Bytes())
		assert.True(t, out.Truncated())
	})

	t.Run("DefaultLimit", func(t *testing.T) {
		out := newCapturedOutput(0)

		big := bytes.Repeat([]byte("x"), int(DefaultOutputLimit)+10)
		_, err := out.Write(big)
		require.NoError(t, err)

		assert.Len(t, out.Bytes(), int(DefaultOutputLimit))
		assert.True(t, out.Truncated())
	})

	t.Run("BytesReturnsCopy", func(t *testing.T) {
		out := newCapturedOutput(16)
		_, err := out.Write([]byte("data"))
		require.NoError(t, err)

		first := out.Bytes()
		first[0] = 'X'
		assert.Equal(t, []byte("data"), out.Bytes())
	})
}
