package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("stream-log-payload "), 200)
	for _, alg := range []Algorithm{None, Gzip, Zstd} {
		t.Run(alg.String(), func(t *testing.T) {
			enc, err := alg.Compress(payload)
			require.NoError(t, err)
			if alg != None {
				assert.Less(t, len(enc), len(payload))
			}
			dec, err := alg.Decompress(enc)
			require.NoError(t, err)
			assert.Equal(t, payload, dec)
		})
	}
}

func TestParse(t *testing.T) {
	a, err := Parse("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, Zstd, a)

	a, err = Parse("")
	require.NoError(t, err)
	assert.Equal(t, None, a)

	_, err = Parse("lz4")
	require.Error(t, err)

	var b Algorithm
	require.NoError(t, b.UnmarshalText([]byte("gzip")))
	assert.Equal(t, Gzip, b)
}
