package hybrid

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	rng := rand.New(rand.NewSource(42))
	_, err := rng.Read(data)
	require.NoError(t, err)
	return data
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		chunkSize int
	}{
		{"single chunk", 512, DefaultChunkSize},
		{"exact chunk boundary", 1024, 1024},
		{"multiple chunks", 500 * 1024, 64 * 1024},
		{"uneven last chunk", 1000, 333},
		{"mask pattern boundary", 4096, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := randomBytes(t, tt.size)

			envelopes, err := EncodeChunked(data, tt.chunkSize)
			require.NoError(t, err)

			wantChunks := (tt.size + tt.chunkSize - 1) / tt.chunkSize
			assert.Len(t, envelopes, wantChunks)
			for i, env := range envelopes {
				assert.Equal(t, i, env.ChunkIndex)
				assert.Equal(t, wantChunks, env.ChunkCount)

				start := i * tt.chunkSize
				end := min(start+tt.chunkSize, len(data))
				assert.NotEqual(t, data[start:end], env.Payload, "payload must be masked")
			}

			decoded, err := Decode(envelopes)
			require.NoError(t, err)
			assert.Equal(t, data, decoded)
		})
	}
}

func TestEncodeDeterministic(t *testing.T) {
	data := randomBytes(t, 2048)

	a, err := EncodeChunked(data, 512)
	require.NoError(t, err)
	b, err := EncodeChunked(data, 512)
	require.NoError(t, err)

	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i], b[i])
	}
}

func TestDecodeUnordered(t *testing.T) {
	data := randomBytes(t, 2000)
	envelopes, err := EncodeChunked(data, 500)
	require.NoError(t, err)
	require.Len(t, envelopes, 4)

	shuffled := []*Envelope{envelopes[2], envelopes[0], envelopes[3], envelopes[1]}
	decoded, err := Decode(shuffled)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestDecodeTamperDetection(t *testing.T) {
	data := randomBytes(t, 1500)
	envelopes, err := EncodeChunked(data, 512)
	require.NoError(t, err)

	for chunk := range envelopes {
		for _, bit := range []int{0, 3, 7} {
			tampered := make([]*Envelope, len(envelopes))
			for i, env := range envelopes {
				clone := *env
				clone.Payload = append([]byte(nil), env.Payload...)
				tampered[i] = &clone
			}
			tampered[chunk].Payload[len(tampered[chunk].Payload)/2] ^= 1 << bit

			_, err := Decode(tampered)
			assert.ErrorIs(t, err, ErrIntegrity, "chunk %d bit %d", chunk, bit)
		}
	}
}

func TestDecodeRejectsBadSets(t *testing.T) {
	data := randomBytes(t, 2000)
	envelopes, err := EncodeChunked(data, 500)
	require.NoError(t, err)

	t.Run("empty set", func(t *testing.T) {
		_, err := Decode(nil)
		assert.ErrorIs(t, err, ErrEmptySet)
	})

	t.Run("missing chunk", func(t *testing.T) {
		_, err := Decode(envelopes[:3])
		assert.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("duplicate chunk", func(t *testing.T) {
		dup := []*Envelope{envelopes[0], envelopes[1], envelopes[1], envelopes[3]}
		_, err := Decode(dup)
		assert.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("foreign chunk", func(t *testing.T) {
		other, err := EncodeChunked(randomBytes(t, 500), 500)
		require.NoError(t, err)

		mixed := []*Envelope{envelopes[0], envelopes[1], envelopes[2], other[0]}
		_, err = Decode(mixed)
		assert.ErrorIs(t, err, ErrIntegrity)
	})

	t.Run("tampered chunk hash", func(t *testing.T) {
		clone := *envelopes[0]
		clone.ChunkHash = "deadbeef"
		_, err := Decode([]*Envelope{&clone, envelopes[1], envelopes[2], envelopes[3]})
		assert.ErrorIs(t, err, ErrIntegrity)
	})
}

func TestValidateSize(t *testing.T) {
	sizeMargin := float64(SizeMargin)
	tests := []struct {
		name    string
		size    int64
		wantErr error
	}{
		{"zero", 0, ErrFileTooSmall},
		{"below minimum", MinFileSize - 1, ErrFileTooSmall},
		{"at minimum", MinFileSize, nil},
		{"typical", 500 * 1024, nil},
		{"just under margin", int64(float64(MaxFileSize) / sizeMargin), nil},
		{"over margin", MaxFileSize, ErrFileTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSize(tt.size)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestEncodeRejectsOutOfClassSizes(t *testing.T) {
	_, err := Encode(make([]byte, 10))
	assert.ErrorIs(t, err, ErrFileTooSmall)

	_, err = EncodeChunked(randomBytes(t, 1024), 0)
	assert.Error(t, err)
}
