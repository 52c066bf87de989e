package transfer

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// IsZero reports whether h is the zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the hex encoding of h.
func (h Hash) String() string {
	return FormatHash(h)
}

// domainKey is a 32-byte BLAKE3 key used for domain separation. A chunk
// digest can never collide with an item digest over the same bytes.
type domainKey [32]byte

var (
	chunkDomainKey = domainKey{
		'u', 'n', 'i', 't', 'm', 'o', 'v', 'e', 'r', '.',
		't', 'r', 'a', 'n', 's', 'f', 'e', 'r', '.',
		'c', 'h', 'u', 'n', 'k', 0, 0, 0, 0, 0, 0, 0, 0,
	}
	itemDomainKey = domainKey{
		'u', 'n', 'i', 't', 'm', 'o', 'v', 'e', 'r', '.',
		't', 'r', 'a', 'n', 's', 'f', 'e', 'r', '.',
		'i', 't', 'e', 'm', 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

func keyedHash(key domainKey, data []byte) Hash {
	hasher := newHasher(key)
	hasher.Write(data)
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

func newHasher(key domainKey) *blake3.Hasher {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// Only fails on a key that is not 32 bytes.
		panic("blake3.NewKeyed: " + err.Error())
	}
	return hasher
}

// HashChunk computes the digest carried with a single chunk.
func HashChunk(data []byte) Hash {
	return keyedHash(chunkDomainKey, data)
}

// HashItem computes the aggregate digest over an item's full content.
func HashItem(data []byte) Hash {
	return keyedHash(itemDomainKey, data)
}

// itemHasher accumulates an item digest across chunks in index order.
type itemHasher struct {
	h      *blake3.Hasher
	length uint64
}

func newItemHasher() *itemHasher {
	return &itemHasher{h: newHasher(itemDomainKey)}
}

func (ih *itemHasher) Write(p []byte) {
	ih.h.Write(p)
	ih.length += uint64(len(p))
}

func (ih *itemHasher) Sum() Hash {
	var h Hash
	copy(h[:], ih.h.Sum(nil))
	return h
}

// FormatHash returns the lowercase hex encoding of h.
func FormatHash(h Hash) string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != 64 {
		return h, fmt.Errorf("hash must be 64 hex characters, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decoding hash: %w", err)
	}
	copy(h[:], b)
	return h, nil
}
