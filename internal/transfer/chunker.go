package transfer

import (
	"unitmover.io/unitmover/internal/domain"
)

// Chunk is one fragment of an item as sent to PutChunk.
type Chunk struct {
	Index uint32
	Data  []byte
	Hash  Hash
}

// ItemManifest describes a whole item so the destination can check the
// reassembled bytes at commit time.
type ItemManifest struct {
	ItemID         string `json:"item_id" cbor:"1,keyasint"`
	ExpectedHash   Hash   `json:"expected_hash" cbor:"2,keyasint"`
	ExpectedLength uint64 `json:"expected_length" cbor:"3,keyasint"`
	ChunkCount     uint32 `json:"chunk_count" cbor:"4,keyasint"`
}

// Split cuts an item into chunks of at most chunkSize bytes and builds its
// manifest. An empty item yields no chunks and a zero chunk count. Chunk
// data aliases item.Data.
func Split(item domain.Item, chunkSize int) ([]Chunk, ItemManifest) {
	if chunkSize <= 0 {
		chunkSize = len(item.Data)
	}

	var chunks []Chunk
	for off := 0; off < len(item.Data); off += chunkSize {
		end := min(off+chunkSize, len(item.Data))
		data := item.Data[off:end]
		chunks = append(chunks, Chunk{
			Index: uint32(len(chunks)),
			Data:  data,
			Hash:  HashChunk(data),
		})
	}

	return chunks, ItemManifest{
		ItemID:         item.ID,
		ExpectedHash:   HashItem(item.Data),
		ExpectedLength: uint64(len(item.Data)),
		ChunkCount:     uint32(len(chunks)),
	}
}

// Totals returns the declared item count and byte total for a session
// that will carry items.
func Totals(items []domain.Item) (int, uint64) {
	var total uint64
	for _, it := range items {
		total += uint64(len(it.Data))
	}
	return len(items), total
}
