// Package hybrid implements the Hybrid envelope codec. File contents are
// split into bounded chunks and byte-masked so the stored payloads are not
// recognizable as image data by the storage substrate. The mask is a fixed,
// keyless, reversible transform: anyone holding an envelope can decode it.
package hybrid

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

const (
	// DefaultChunkSize is bounded by the storage substrate's maximum
	// attachment size, with headroom for envelope metadata.
	DefaultChunkSize = 8 * 1024 * 1024

	// MaxFileSize is the upper bound of the supported size class.
	MaxFileSize = 10 * 1024 * 1024

	// SizeMargin accounts for envelope overhead on top of raw content.
	SizeMargin = 1.02

	// MinFileSize filters out files too small to be worth sharing.
	MinFileSize = 200
)

var (
	ErrIntegrity    = errors.New("hybrid: integrity check failed")
	ErrFileTooSmall = errors.New("hybrid: file below minimum size")
	ErrFileTooLarge = errors.New("hybrid: file exceeds maximum size")
	ErrEmptySet     = errors.New("hybrid: no envelopes to decode")
)

// Envelope is one chunk of masked payload plus integrity and sequencing
// metadata. A file is reconstructible only when all ChunkCount envelopes
// for its OriginalHash are present and every ChunkHash verifies.
type Envelope struct {
	OriginalHash string `json:"ohs" msgpack:"ohs"`
	ChunkIndex   int    `json:"idx" msgpack:"idx"`
	ChunkCount   int    `json:"cnt" msgpack:"cnt"`
	ChunkHash    string `json:"chs" msgpack:"chs"`
	Payload      []byte `json:"pld" msgpack:"pld"`
}

// maskPattern is the fixed rolling XOR mask applied to every payload byte.
// Not cryptographic. It only breaks magic bytes and content sniffing.
var maskPattern = [16]byte{
	0xa7, 0x3c, 0x5e, 0x91, 0xd2, 0x48, 0xb6, 0x0f,
	0x63, 0xe9, 0x1a, 0x84, 0xf5, 0x2b, 0x7d, 0xc0,
}

// ValidateSize reports whether a content size is within the supported
// size class before any encoding work is done.
func ValidateSize(size int64) error {
	if size < MinFileSize {
		return fmt.Errorf("%w: %d bytes", ErrFileTooSmall, size)
	}
	if float64(size)*SizeMargin > MaxFileSize {
		return fmt.Errorf("%w: %d bytes", ErrFileTooLarge, size)
	}
	return nil
}

// Encode splits data into chunkSize-bounded envelopes. It is deterministic
// for identical input and chunk size.
func Encode(data []byte) ([]*Envelope, error) {
	return EncodeChunked(data, DefaultChunkSize)
}

func EncodeChunked(data []byte, chunkSize int) ([]*Envelope, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("hybrid: invalid chunk size %d", chunkSize)
	}
	if err := ValidateSize(int64(len(data))); err != nil {
		return nil, err
	}

	originalHash := hashHex(data)
	chunkCount := (len(data) + chunkSize - 1) / chunkSize

	envelopes := make([]*Envelope, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		start := i * chunkSize
		end := min(start+chunkSize, len(data))

		payload := applyMask(data[start:end], start)
		envelopes = append(envelopes, &Envelope{
			OriginalHash: originalHash,
			ChunkIndex:   i,
			ChunkCount:   chunkCount,
			ChunkHash:    hashHex(payload),
			Payload:      payload,
		})
	}

	return envelopes, nil
}

// Decode reassembles the original bytes from a complete envelope set.
// Any missing, duplicate, foreign or tampered chunk fails with an error
// wrapping ErrIntegrity; corrupted data is never returned.
func Decode(envelopes []*Envelope) ([]byte, error) {
	if len(envelopes) == 0 {
		return nil, ErrEmptySet
	}

	first := envelopes[0]
	if first.ChunkCount != len(envelopes) {
		return nil, fmt.Errorf("%w: have %d of %d chunks", ErrIntegrity, len(envelopes), first.ChunkCount)
	}

	sorted := make([]*Envelope, len(envelopes))
	copy(sorted, envelopes)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ChunkIndex < sorted[j].ChunkIndex
	})

	var size int
	for i, env := range sorted {
		if env.OriginalHash != first.OriginalHash {
			return nil, fmt.Errorf("%w: mixed envelope sets (%s != %s)", ErrIntegrity, env.OriginalHash, first.OriginalHash)
		}
		if env.ChunkCount != first.ChunkCount {
			return nil, fmt.Errorf("%w: inconsistent chunk count", ErrIntegrity)
		}
		if env.ChunkIndex != i {
			return nil, fmt.Errorf("%w: missing or duplicate chunk %d", ErrIntegrity, i)
		}
		if hashHex(env.Payload) != env.ChunkHash {
			return nil, fmt.Errorf("%w: chunk %d hash mismatch", ErrIntegrity, env.ChunkIndex)
		}
		size += len(env.Payload)
	}

	data := make([]byte, 0, size)
	for _, env := range sorted {
		data = append(data, applyMask(env.Payload, len(data))...)
	}

	if hashHex(data) != first.OriginalHash {
		return nil, fmt.Errorf("%w: reassembled content hash mismatch", ErrIntegrity)
	}

	return data, nil
}

// applyMask XORs data against the rolling mask, offset by the chunk's
// position in the original content. XOR makes it its own inverse.
func applyMask(data []byte, offset int) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ maskPattern[(offset+i)%len(maskPattern)]
	}
	return out
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
