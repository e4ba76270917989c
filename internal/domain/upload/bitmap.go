package upload

// ChunkBitmap tracks which chunks of a session have been received, one bit
// per chunk. Bit i lives at bits[i/8], position i%8 counting from the least
// significant bit, which matches PostgreSQL's set_bit/get_bit addressing on
// bytea so the repository can flip bits server-side.
type ChunkBitmap struct {
	bits  []byte
	total int
}

// NewChunkBitmap returns an empty bitmap sized for total chunks.
func NewChunkBitmap(total int) *ChunkBitmap {
	if total < 0 {
		total = 0
	}
	return &ChunkBitmap{
		bits:  make([]byte, (total+7)/8),
		total: total,
	}
}

// BitmapFromBytes reconstructs a bitmap from its stored byte form. Short
// input is padded; excess bytes are ignored.
func BitmapFromBytes(data []byte, total int) *ChunkBitmap {
	b := NewChunkBitmap(total)
	copy(b.bits, data)
	return b
}

// Set marks chunk i as received. Out-of-range indices are ignored.
func (b *ChunkBitmap) Set(i int) {
	if i < 0 || i >= b.total {
		return
	}
	b.bits[i/8] |= 1 << (i % 8)
}

// Test reports whether chunk i has been received.
func (b *ChunkBitmap) Test(i int) bool {
	if i < 0 || i >= b.total {
		return false
	}
	return b.bits[i/8]&(1<<(i%8)) != 0
}

// Count returns the number of received chunks.
func (b *ChunkBitmap) Count() int {
	n := 0
	for i := 0; i < b.total; i++ {
		if b.bits[i/8]&(1<<(i%8)) != 0 {
			n++
		}
	}
	return n
}

// Complete reports whether every chunk has been received.
func (b *ChunkBitmap) Complete() bool {
	return b.Count() == b.total
}

// Missing returns the indices of chunks not yet received, up to limit
// entries (limit <= 0 means no cap).
func (b *ChunkBitmap) Missing(limit int) []int {
	var missing []int
	for i := 0; i < b.total; i++ {
		if b.bits[i/8]&(1<<(i%8)) == 0 {
			missing = append(missing, i)
			if limit > 0 && len(missing) >= limit {
				break
			}
		}
	}
	return missing
}

// Bytes returns a copy of the bitmap's stored form.
func (b *ChunkBitmap) Bytes() []byte {
	return append([]byte(nil), b.bits...)
}

// Total returns the number of chunks the bitmap tracks.
func (b *ChunkBitmap) Total() int {
	return b.total
}
