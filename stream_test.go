package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadStreamRoundTrip(t *testing.T) {
	ws := NewWriteStream()
	require.Nil(t, ws.WriteAll(uint8(7), uint64(42)))
	require.Equal(t, 9, len(ws.Data()))

	rs := NewReadStream(ws.Data())
	var a uint8
	var b uint64
	n, err := rs.ReadAll(&a, &b)
	require.Nil(t, err)
	require.Equal(t, 9, n)
	require.Equal(t, uint8(7), a)
	require.Equal(t, uint64(42), b)
	require.Equal(t, 9, rs.Consumed())
}

func TestWriteStreamAppend(t *testing.T) {
	ws := NewWriteStream()
	ws.Append([]byte{1, 2, 3})
	ws.Append([]byte{4, 5})
	require.Equal(t, []byte{1, 2, 3, 4, 5}, ws.Data())
}

func TestMarshalUnmarshalTLSHelpers(t *testing.T) {
	data, err := marshalTLS(uint32(0xdeadbeef))
	require.Nil(t, err)
	require.Equal(t, 4, len(data))

	var out uint32
	n, err := unmarshalTLS(data, &out)
	require.Nil(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, uint32(0xdeadbeef), out)
}

func TestUnmarshalTLSErrorWraps(t *testing.T) {
	var out uint64
	_, err := unmarshalTLS([]byte{1, 2}, &out)
	require.Error(t, err)
}
