package xhash

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashNullState(t *testing.T) {
	assert.True(t, Null.IsNull())
	assert.Equal(t, AlgoNone, Null.Algo())
}

func TestHashEqualityAndOrder(t *testing.T) {
	h1 := SumAll(AlgoMD5, []byte("hello"))
	h2 := SumAll(AlgoMD5, []byte("hello"))
	h3 := SumAll(AlgoMD5, []byte("world"))

	assert.True(t, h1.Equal(h2))
	assert.False(t, h1.Equal(h3))
	assert.NotEqual(t, 0, h1.Compare(h3))
	assert.Equal(t, 0, h1.Compare(h2))
}

func TestHashAlgoWidths(t *testing.T) {
	assert.Equal(t, 16, AlgoMD4.Width())
	assert.Equal(t, 16, AlgoMD5.Width())
	assert.Equal(t, 20, AlgoSHA1.Width())
	assert.Equal(t, 16, AlgoED2K.Width())
}

func TestNewRejectsWrongWidth(t *testing.T) {
	_, err := New(AlgoSHA1, make([]byte, 16))
	require.Error(t, err)
}

func TestED2KSingleChunk(t *testing.T) {
	data := bytes.Repeat([]byte{0xAA}, 1000)
	h := SumAll(AlgoED2K, data)
	require.False(t, h.IsNull())

	// single-chunk file hash equals the plain MD4 of the data
	md4h := SumAll(AlgoMD4, data)
	assert.True(t, h.Equal(md4h))
}

func TestED2KMultiChunkStreaming(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, ED2KChunkSize+500)

	whole := SumAll(AlgoED2K, data)

	// Feed in small writes to ensure chunk boundary crossing works.
	d := NewDigest(AlgoED2K)
	chunkFeed := 4096
	for i := 0; i < len(data); i += chunkFeed {
		end := i + chunkFeed
		if end > len(data) {
			end = len(data)
		}
		d.Write(data[i:end])
	}
	streamed := d.Sum()

	assert.True(t, whole.Equal(streamed))
	assert.NotEqual(t, AlgoMD4, whole.Algo())
}

func TestHashKeyDistinguishesAlgo(t *testing.T) {
	digest := make([]byte, 16)
	h1 := MustNew(AlgoMD4, digest)
	h2 := MustNew(AlgoMD5, digest)
	assert.NotEqual(t, h1.Key(), h2.Key())
}
