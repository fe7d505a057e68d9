package partdata

import (
	"fmt"

	"github.com/swarmcore/hydracore/pkg/errs"
	"github.com/swarmcore/hydracore/pkg/rangeset"
)

// UsedRange is a reservation of one or more chunks handed to a caller by
// GetRange (spec §4.2). It is the outer of the two-layer range-reservation
// protocol: a caller holds a UsedRange for as long as it is actively
// transferring from a given source, and carves out LockedRanges for the
// individual sub-requests it issues.
//
// UsedRange holds a strong reference to its parent PartData and is itself
// only referenced weakly from PartData.usedRanges, per the "cyclic pointer
// graphs" design note (spec §9) — releasing every LockedRange and then the
// UsedRange drops the last strong reference back to PartData's bookkeeping.
type UsedRange struct {
	parent    *PartData
	begin, end uint64
	chunkSize uint32
	chunks    []*Chunk

	locks    *rangeset.RangeList // sub-ranges currently checked out as LockedRanges
	released bool
}

func newEmptyRangeTracker() *rangeset.RangeList {
	return rangeset.NewRangeList()
}

// Begin returns the first byte covered by this reservation.
func (ur *UsedRange) Begin() uint64 { return ur.begin }

// End returns the last byte covered by this reservation.
func (ur *UsedRange) End() uint64 { return ur.end }

// ChunkSize returns the grid this reservation was drawn from.
func (ur *UsedRange) ChunkSize() uint32 { return ur.chunkSize }

// Chunks returns the chunks backing this reservation, in ascending order.
func (ur *UsedRange) Chunks() []*Chunk {
	out := make([]*Chunk, len(ur.chunks))
	copy(out, ur.chunks)
	return out
}

// GetLock reserves [begin,end] within the UsedRange's bounds for exclusive
// writing, enforcing P3 (no two live LockedRanges over the same UsedRange
// may overlap).
func (ur *UsedRange) GetLock(begin, end uint64) (*LockedRange, error) {
	ur.parent.mu.Lock()
	defer ur.parent.mu.Unlock()

	if ur.released {
		return nil, fmt.Errorf("partdata: UsedRange already released")
	}
	if begin < ur.begin || end > ur.end || begin > end {
		return nil, &errs.RangeConflict{Op: "GetLock", Begin: begin, End: end}
	}
	if ur.locks.Contains(rangeset.Range{Begin: begin, End: end}) {
		return nil, &errs.RangeConflict{Op: "GetLock", Begin: begin, End: end}
	}
	for _, existing := range ur.locks.Ranges() {
		if existing.Overlaps(rangeset.Range{Begin: begin, End: end}) {
			return nil, &errs.RangeConflict{Op: "GetLock", Begin: begin, End: end}
		}
	}

	ur.locks.Merge(rangeset.Range{Begin: begin, End: end})

	return &LockedRange{
		parent:  ur,
		begin:   begin,
		end:     end,
		written: rangeset.NewRangeList(),
	}, nil
}

// Release returns the reservation to PartData, decrementing every backing
// chunk's use count. Calling Release twice is a no-op.
func (ur *UsedRange) Release() {
	ur.parent.mu.Lock()
	if ur.released {
		ur.parent.mu.Unlock()
		return
	}
	ur.released = true
	ur.parent.mu.Unlock()
	ur.parent.releaseUsedRange(ur)
}

// LockedRange is an exclusive write lease on a sub-range of a UsedRange
// (spec §4.2). A caller accumulates writes into it, then releases it; bytes
// outside of what was actually written are simply left unreserved for the
// next lock.
type LockedRange struct {
	parent   *UsedRange
	begin, end uint64
	written  *rangeset.RangeList
	released bool
}

// Begin returns the first byte this lock may write.
func (lr *LockedRange) Begin() uint64 { return lr.begin }

// End returns the last byte this lock may write.
func (lr *LockedRange) End() uint64 { return lr.end }

// Write appends data at offset, which must fall within [Begin,End] and not
// run past it. Bytes reach PartData's working file directly; Write also
// tracks which sub-ranges have been written so IsComplete can answer
// without rereading the file.
func (lr *LockedRange) Write(offset uint64, data []byte) error {
	if lr.released {
		return fmt.Errorf("partdata: LockedRange already released")
	}
	if len(data) == 0 {
		return nil
	}
	end := offset + uint64(len(data)) - 1
	if offset < lr.begin || end > lr.end {
		return &errs.RangeConflict{Op: "Write", Begin: offset, End: end}
	}
	if err := lr.parent.parent.write(offset, data); err != nil {
		return err
	}
	lr.written.Merge(rangeset.Range{Begin: offset, End: end})
	return nil
}

// IsComplete reports whether every byte in [Begin,End] has been written
// through this lock.
func (lr *LockedRange) IsComplete() bool {
	return lr.written.Contains(rangeset.Range{Begin: lr.begin, End: lr.end})
}

// Release frees [Begin,End] back to the owning UsedRange so a later caller
// may lock it again. Calling Release twice is a no-op.
func (lr *LockedRange) Release() {
	if lr.released {
		return
	}
	lr.released = true
	lr.parent.parent.mu.Lock()
	lr.parent.locks.Subtract(rangeset.Range{Begin: lr.begin, End: lr.end})
	lr.parent.parent.mu.Unlock()
}
