package partdata

import (
	"sort"

	"github.com/swarmcore/hydracore/pkg/xhash"
)

// Chunk is one element of a ChunkGrid: a fixed-position byte range that can
// be independently hash-verified (spec §3).
type Chunk struct {
	Begin, End uint64 // inclusive
	IdealSize  uint32
	RefHash    xhash.Hash

	Verified     bool
	Partial      bool
	complete     bool
	Availability uint32
	UseCount     uint32
}

// Len returns the chunk's actual byte length (may be less than IdealSize
// for the final chunk of a grid).
func (c *Chunk) Len() uint64 { return c.End - c.Begin + 1 }

// IsComplete reports the chunk's completion flag. Set by Verify and when
// Load restores a verified chunk.
func (c *Chunk) IsComplete() bool { return c.complete }

// HasAvail reports whether any source has reported availability for this
// chunk — equivalent to the original's Chunk::hasAvail().
func (c *Chunk) HasAvail() bool { return c.Availability > 0 }

// chunkGrid is one (chunkSize) tiling of the file, per spec §3's
// "ChunkMap may carry multiple overlapping chunk grids simultaneously".
type chunkGrid struct {
	chunkSize uint32
	chunks    []*Chunk // sorted ascending by Begin; tile [0,size) contiguously
}

// newChunkGrid tiles [0, size) into chunks of chunkSize, optionally
// assigning refHash[i] to chunk i when refHashes is non-nil.
func newChunkGrid(size uint64, chunkSize uint32, refHashes []xhash.Hash) *chunkGrid {
	g := &chunkGrid{chunkSize: chunkSize}
	if size == 0 {
		return g
	}
	var begin uint64
	i := 0
	for begin < size {
		end := begin + uint64(chunkSize) - 1
		if end >= size {
			end = size - 1
		}
		c := &Chunk{Begin: begin, End: end, IdealSize: chunkSize}
		if refHashes != nil && i < len(refHashes) {
			c.RefHash = refHashes[i]
		}
		g.chunks = append(g.chunks, c)
		begin = end + 1
		i++
	}
	return g
}

// chunkAt returns the chunk covering byte position pos, or nil.
func (g *chunkGrid) chunkAt(pos uint64) *Chunk {
	idx := sort.Search(len(g.chunks), func(i int) bool { return g.chunks[i].End >= pos })
	if idx < len(g.chunks) && g.chunks[idx].Begin <= pos {
		return g.chunks[idx]
	}
	return nil
}

// chunksIn returns every chunk overlapping [begin,end].
func (g *chunkGrid) chunksIn(begin, end uint64) []*Chunk {
	var out []*Chunk
	for _, c := range g.chunks {
		if c.Begin <= end && begin <= c.End {
			out = append(out, c)
		}
	}
	return out
}

// allVerified reports whether every chunk in the grid is verified — the
// condition PartData.IsComplete checks for each grid.
func (g *chunkGrid) allVerified() bool {
	if len(g.chunks) == 0 {
		return false
	}
	for _, c := range g.chunks {
		if !c.Verified {
			return false
		}
	}
	return true
}

// selectNext implements the ChunkMap selector: complete chunks and chunks
// with no reported availability are skipped, as are chunks the caller's
// availability mask (if any) rejects and chunks whose use count is not below
// maxUseCountPerChunk. The rest are ordered by (useCount asc, partial desc,
// availability asc). Returns nil if nothing qualifies (NoNeededParts).
//
// The comparator is recomputed from live chunk fields on every call rather
// than cached in an index node, which sidesteps the open question in
// spec §9 about mutating indexed fields in place: there is no stale index
// entry to desynchronize because there is no cached index entry at all.
func (g *chunkGrid) selectNext(availMask func(begin, end uint64) bool, maxUseCountPerChunk uint32) *Chunk {
	var best *Chunk
	for _, c := range g.chunks {
		if c.complete {
			continue
		}
		if !c.HasAvail() {
			continue
		}
		if c.UseCount >= maxUseCountPerChunk {
			continue
		}
		if availMask != nil && !availMask(c.Begin, c.End) {
			continue
		}
		if best == nil || lessChunk(c, best) {
			best = c
		}
	}
	return best
}

// lessChunk reports whether a sorts before b under the selector ordering,
// given both already passed the complete/hasAvail/useLimit/availability
// filters in selectNext.
func lessChunk(a, b *Chunk) bool {
	if a.UseCount != b.UseCount {
		return a.UseCount < b.UseCount
	}
	if a.Partial != b.Partial {
		return a.Partial // true (partial) sorts first
	}
	return a.Availability < b.Availability // rarest first
}
