package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateEnum(t *testing.T) {
	require.Nil(t, validateEnum(0, 0, 1))
	require.Nil(t, validateEnum(1, 0, 1))
	require.Error(t, validateEnum(2, 0, 1))
}

func TestDupIsIndependentCopy(t *testing.T) {
	in := []byte{1, 2, 3}
	out := dup(in)
	require.Equal(t, in, out)
	out[0] = 0xFF
	require.NotEqual(t, in[0], out[0])
}

func TestDupOfNilIsNil(t *testing.T) {
	require.Nil(t, dup(nil))
}

func TestZeroize(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	zeroize(b)
	require.Equal(t, []byte{0, 0, 0, 0}, b)
}

func TestConcat(t *testing.T) {
	got := concat([]byte("a"), []byte("bc"), []byte("def"))
	require.Equal(t, []byte("abcdef"), got)
}
