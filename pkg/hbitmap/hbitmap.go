// Package hbitmap implements the granular bitmap underlying dirty
// bitmaps: one logical bit per 2^granularity sectors, stored packed in
// 64-bit words. Marking any sector within a granule sets the granule.
package hbitmap

import "math/bits"

const wordBits = 64

// Bitmap tracks which granules of a sector range have been touched.
type Bitmap struct {
	size        int64 // tracked range, in sectors
	granularity uint  // log2 sectors per granule
	words       []uint64
	count       int64 // set granules
}

// New creates a bitmap covering size sectors with 2^granularity sectors
// per bit.
func New(size int64, granularity uint) *Bitmap {
	b := &Bitmap{size: size, granularity: granularity}
	b.words = make([]uint64, wordsFor(b.granules()))
	return b
}

func wordsFor(granules int64) int64 {
	return (granules + wordBits - 1) / wordBits
}

func (b *Bitmap) granules() int64 {
	return (b.size + (1 << b.granularity) - 1) >> b.granularity
}

// Size returns the tracked range in sectors.
func (b *Bitmap) Size() int64 { return b.size }

// Granularity returns log2 of sectors per granule.
func (b *Bitmap) Granularity() uint { return b.granularity }

// Count returns the number of set granules.
func (b *Bitmap) Count() int64 { return b.count }

// Set marks nb sectors starting at sector as dirty.
func (b *Bitmap) Set(sector, nb int64) {
	if nb <= 0 {
		return
	}
	first := sector >> b.granularity
	last := (sector + nb - 1) >> b.granularity
	if max := b.granules() - 1; last > max {
		last = max
	}
	for g := first; g <= last; g++ {
		if !b.testGranule(g) {
			b.words[g/wordBits] |= 1 << uint(g%wordBits)
			b.count++
		}
	}
}

// Reset clears nb sectors starting at sector. Only whole granules fully
// inside the range are cleared.
func (b *Bitmap) Reset(sector, nb int64) {
	if nb <= 0 {
		return
	}
	gran := int64(1) << b.granularity
	first := (sector + gran - 1) >> b.granularity
	last := (sector + nb) >> b.granularity // exclusive
	for g := first; g < last && g < b.granules(); g++ {
		if b.testGranule(g) {
			b.words[g/wordBits] &^= 1 << uint(g%wordBits)
			b.count--
		}
	}
}

// Clear resets the whole bitmap.
func (b *Bitmap) Clear() {
	for i := range b.words {
		b.words[i] = 0
	}
	b.count = 0
}

// Get reports whether the granule containing sector is set.
func (b *Bitmap) Get(sector int64) bool {
	g := sector >> b.granularity
	if g >= b.granules() {
		return false
	}
	return b.testGranule(g)
}

func (b *Bitmap) testGranule(g int64) bool {
	return b.words[g/wordBits]&(1<<uint(g%wordBits)) != 0
}

// Merge ORs other into b. Fails (returns false) when the geometries
// differ; no partial merge happens.
func (b *Bitmap) Merge(other *Bitmap) bool {
	if b.size != other.size || b.granularity != other.granularity {
		return false
	}
	b.count = 0
	for i := range b.words {
		b.words[i] |= other.words[i]
		b.count += int64(bits.OnesCount64(b.words[i]))
	}
	return true
}

// Truncate resizes the tracked range to size sectors. Bits below the new
// boundary are preserved; on growth the new granules start clear; on
// shrink, bits beyond the boundary are discarded.
func (b *Bitmap) Truncate(size int64) {
	old := b.words
	b.size = size
	granules := b.granules()
	words := make([]uint64, wordsFor(granules))
	copy(words, old)

	// Mask partial bits in the last word past the new granule count.
	if rem := granules % wordBits; rem != 0 && len(words) > 0 {
		words[len(words)-1] &= (1 << uint(rem)) - 1
	}

	b.words = words
	b.count = 0
	for _, w := range b.words {
		b.count += int64(bits.OnesCount64(w))
	}
}

// Clone returns an independent copy.
func (b *Bitmap) Clone() *Bitmap {
	out := &Bitmap{size: b.size, granularity: b.granularity, count: b.count}
	out.words = make([]uint64, len(b.words))
	copy(out.words, b.words)
	return out
}

// Equal reports whether two bitmaps have identical geometry and bits.
func (b *Bitmap) Equal(other *Bitmap) bool {
	if b.size != other.size || b.granularity != other.granularity {
		return false
	}
	for i := range b.words {
		if b.words[i] != other.words[i] {
			return false
		}
	}
	return true
}

// Words exposes the packed words for serialization. The slice is a copy.
func (b *Bitmap) Words() []uint64 {
	out := make([]uint64, len(b.words))
	copy(out, b.words)
	return out
}

// SetWords overwrites the packed words from a serialized form, truncating
// or zero-extending to the bitmap's geometry.
func (b *Bitmap) SetWords(words []uint64) {
	for i := range b.words {
		if i < len(words) {
			b.words[i] = words[i]
		} else {
			b.words[i] = 0
		}
	}
	if rem := b.granules() % wordBits; rem != 0 && len(b.words) > 0 {
		b.words[len(b.words)-1] &= (1 << uint(rem)) - 1
	}
	b.count = 0
	for _, w := range b.words {
		b.count += int64(bits.OnesCount64(w))
	}
}
