package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS7NumericRoundTrip(t *testing.T) {
	buf := make([]byte, 4)

	PutFloat32(buf, 1.25)
	assert.Equal(t, []byte{0x3f, 0xa0, 0x00, 0x00}, buf)
	assert.Equal(t, float32(1.25), Float32At(buf))

	PutInt16(buf, -2)
	assert.Equal(t, int16(-2), Int16At(buf))

	PutInt32(buf, 100000)
	assert.Equal(t, int32(100000), Int32At(buf))
}

func TestBits(t *testing.T) {
	b := SetBit(0, 3, true)
	assert.Equal(t, byte(0x08), b)
	assert.True(t, BitAt(b, 3))
	assert.False(t, BitAt(b, 2))
	assert.Equal(t, byte(0), SetBit(b, 3, false))
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("1700000000000")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), UnixMillis(ts))

	ts, err = ParseTimestamp("1700000000")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), ts.Unix())

	ts, err = ParseTimestamp("2024-03-01T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), ts.UTC())

	_, err = ParseTimestamp("ontem")
	assert.Error(t, err)
}
