package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedParserExtractsOneBlock(t *testing.T) {
	p, err := NewFixedParser(FixedConfig{PacketSize: 16})
	require.NoError(t, err)

	buf := make([]byte, 16)
	for i := range buf {
		buf[i] = byte(i)
	}

	packet, remaining, err := p.Parse(buf)
	require.NoError(t, err)
	assert.Equal(t, buf, packet)
	assert.Empty(t, remaining)
}

func TestFixedParserLeavesTrailingPartialBlock(t *testing.T) {
	p, err := NewFixedParser(FixedConfig{PacketSize: 16})
	require.NoError(t, err)

	buf := make([]byte, 20)
	packet, remaining, err := p.Parse(buf)
	require.NoError(t, err)
	assert.Len(t, packet, 16)
	assert.Len(t, remaining, 4)
}

func TestFixedParserIncompleteBlock(t *testing.T) {
	p, err := NewFixedParser(FixedConfig{PacketSize: 16})
	require.NoError(t, err)

	buf := make([]byte, 10)
	packet, remaining, err := p.Parse(buf)
	assert.ErrorIs(t, err, ErrIncompletePacket)
	assert.Nil(t, packet)
	assert.Equal(t, buf, remaining)
}

func TestFixedParserValidate(t *testing.T) {
	p, err := NewFixedParser(FixedConfig{PacketSize: 16})
	require.NoError(t, err)

	assert.NoError(t, p.Validate(make([]byte, 16)))
	assert.ErrorIs(t, p.Validate(make([]byte, 8)), ErrInvalidPacket)
}

func TestNewFixedParserRejectsZeroSize(t *testing.T) {
	_, err := NewFixedParser(FixedConfig{PacketSize: 0})
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestBufferWithFixedParserAssemblesMultipleBlocks(t *testing.T) {
	p, err := NewFixedParser(FixedConfig{PacketSize: 16})
	require.NoError(t, err)

	buf := NewBuffer(1024, p)
	require.NoError(t, buf.Write(make([]byte, 32)))

	packets, err := buf.ParseAll()
	require.NoError(t, err)
	assert.Len(t, packets, 2)
}
