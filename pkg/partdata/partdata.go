// Package partdata implements PartData, Chunk, ChunkMap, UsedRange and
// LockedRange — the partial-file engine and range reservation protocol of
// spec §4.1/§4.2. It is the authoritative owner of partial-file state on
// disk, the chunk grid(s), the verified/unverified bitmap, buffering, and
// the signals that drive the rest of hydracore.
//
// Ownership follows the "Cyclic pointer graphs" design note (spec §9): a
// strict tree of owners (PartData owns its grids owns its Chunks);
// UsedRange and LockedRange are non-tree nodes, released by explicit Release
// calls, holding a strong reference upward to their owner, never the reverse.
package partdata

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/swarmcore/hydracore/pkg/errs"
	"github.com/swarmcore/hydracore/pkg/hashset"
	"github.com/swarmcore/hydracore/pkg/xhash"
)

// EventHandler receives PartData lifecycle notifications. Any of its
// methods may be nil; PartData checks before calling.
type EventHandler struct {
	DataAdded  func(offset uint64, length int)
	Completed  func()
	Corrupted  func(begin, end uint64)
	Stopped    func(err error)
}

// PartData is a partially downloaded file (spec §3/§4.1).
type PartData struct {
	mu sync.Mutex

	destPath    string
	workingPath string
	size        uint64
	completed   uint64

	grids map[uint32]*chunkGrid // keyed by chunk size

	usedRanges []*UsedRange // weak bookkeeping set, per design note §9

	state State

	file         *os.File
	pendingBytes uint64
	bufferCap    uint64

	maxUseCountPerChunk uint32
	adjacentChunkBound  int

	moveFile func(src, dst string) error

	handler EventHandler
}

// Option configures a PartData at Create time.
type Option func(*PartData)

// WithEventHandler installs the callbacks PartData notifies on state
// transitions and data arrival.
func WithEventHandler(h EventHandler) Option {
	return func(pd *PartData) { pd.handler = h }
}

// WithMaxUseCountPerChunk overrides DefaultMaxUseCountPerChunk.
func WithMaxUseCountPerChunk(n uint32) Option {
	return func(pd *PartData) { pd.maxUseCountPerChunk = n }
}

// WithWriteBufferCap overrides DefaultWriteBufferCap.
func WithWriteBufferCap(n uint64) Option {
	return func(pd *PartData) { pd.bufferCap = n }
}

// WithAdjacentChunkBound overrides DefaultAdjacentChunkBound.
func WithAdjacentChunkBound(n int) Option {
	return func(pd *PartData) { pd.adjacentChunkBound = n }
}

// defaultMoveFile renames src to dst, falling back to copy+delete across
// devices (spec §4.1 "Completion").
func defaultMoveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// workingPathFor derives the sparse-file path from the destination path,
// mirroring the source's convention of a temp location beside the final
// destination.
func workingPathFor(destPath string) string {
	return destPath + ".part"
}

// Create allocates a sparse working file for a new download of the given
// size, initializing one chunk grid per supplied HashSet (spec §4.1
// "create"). State starts Running.
func Create(destPath string, size uint64, hashsets []hashset.HashSet, opts ...Option) (*PartData, error) {
	working := workingPathFor(destPath)
	if dir := filepath.Dir(working); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &errs.DiskError{Path: working, Err: err}
		}
	}
	f, err := os.Create(working)
	if err != nil {
		return nil, &errs.DiskError{Path: working, Err: err}
	}
	if size > 0 {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, &errs.DiskError{Path: working, Err: err}
		}
	}

	pd := &PartData{
		destPath:            destPath,
		workingPath:         working,
		size:                size,
		grids:               make(map[uint32]*chunkGrid),
		state:               Running,
		file:                f,
		bufferCap:           DefaultWriteBufferCap,
		maxUseCountPerChunk: DefaultMaxUseCountPerChunk,
		adjacentChunkBound:  DefaultAdjacentChunkBound,
		moveFile:            defaultMoveFile,
	}
	for _, opt := range opts {
		opt(pd)
	}
	for _, hs := range hashsets {
		pd.grids[hs.ChunkSize] = newChunkGrid(size, hs.ChunkSize, hs.Chunks)
	}
	return pd, nil
}

// DestPath returns the final destination path.
func (pd *PartData) DestPath() string { return pd.destPath }

// WorkingPath returns the sparse working file's path.
func (pd *PartData) WorkingPath() string { return pd.workingPath }

// Size returns the total file size.
func (pd *PartData) Size() uint64 { return pd.size }

// Completed returns the number of bytes currently accounted complete.
func (pd *PartData) Completed() uint64 {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.completed
}

// State returns the current lifecycle state.
func (pd *PartData) State() State {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.state
}

// ensureGrid returns the grid for chunkSize, creating a fresh (unverifying,
// no refHash) tiling over [0,size) if none exists yet — this is how a
// protocol module that doesn't carry a HashSet (e.g. raw HTTP ranges) gets
// a usable chunk grid, per spec §4.2 "A PartData may carry multiple
// overlapping chunk grids simultaneously".
func (pd *PartData) ensureGrid(chunkSize uint32) *chunkGrid {
	if g, ok := pd.grids[chunkSize]; ok {
		return g
	}
	g := newChunkGrid(pd.size, chunkSize, nil)
	pd.grids[chunkSize] = g
	return g
}

// MarkAvailable records that a remote source reports having chunk data
// covering [begin,end] in the chunkSize grid, incrementing each covered
// chunk's availability counter. Protocol modules call this from their
// availability-announce handling (out of core scope) before calling
// GetRange so rarest-first selection has data to work with.
func (pd *PartData) MarkAvailable(chunkSize uint32, begin, end uint64) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	g := pd.ensureGrid(chunkSize)
	for _, c := range g.chunksIn(begin, end) {
		c.Availability++
	}
}

// GetRange selects a region to assign to a peer-session, per the composite
// selector described in spec §4.1/§4.2. availMask, if non-nil, reports
// whether the peer has data covering [begin,end] — pass nil to consider
// only global availability.
func (pd *PartData) GetRange(chunkSize uint32, availMask func(begin, end uint64) bool) (*UsedRange, error) {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	if pd.state != Running {
		return nil, &errs.NoNeededParts{}
	}

	g := pd.ensureGrid(chunkSize)
	first := g.selectNext(availMask, pd.maxUseCountPerChunk)
	if first == nil {
		return nil, &errs.NoNeededParts{}
	}

	chosen := []*Chunk{first}
	// Extend to adjacent incomplete, eligible chunks up to the bound, to
	// amortize per-request protocol overhead (spec §4.1).
	idx := indexOfChunk(g, first)
	for i := idx + 1; i < len(g.chunks) && len(chosen)-1 < pd.adjacentChunkBound; i++ {
		c := g.chunks[i]
		if c.complete || c.UseCount >= pd.maxUseCountPerChunk {
			break
		}
		if availMask != nil && !availMask(c.Begin, c.End) {
			break
		}
		chosen = append(chosen, c)
	}

	for _, c := range chosen {
		c.UseCount++
	}

	ur := &UsedRange{
		parent:    pd,
		begin:     chosen[0].Begin,
		end:       chosen[len(chosen)-1].End,
		chunkSize: chunkSize,
		chunks:    chosen,
		locks:     newEmptyRangeTracker(),
	}
	pd.usedRanges = append(pd.usedRanges, ur)
	return ur, nil
}

func indexOfChunk(g *chunkGrid, c *Chunk) int {
	for i, x := range g.chunks {
		if x == c {
			return i
		}
	}
	return -1
}

// releaseUsedRange removes ur from the bookkeeping set and decrements the
// use-count increments it was responsible for (spec §4.2).
func (pd *PartData) releaseUsedRange(ur *UsedRange) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	for _, c := range ur.chunks {
		if c.UseCount > 0 {
			c.UseCount--
		}
	}
	for i, x := range pd.usedRanges {
		if x == ur {
			pd.usedRanges = append(pd.usedRanges[:i], pd.usedRanges[i+1:]...)
			break
		}
	}
}

// write is the only path by which bytes reach the working file; called
// exclusively through LockedRange.Write.
func (pd *PartData) write(offset uint64, data []byte) error {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	if pd.state != Running {
		return &errs.RangeConflict{Op: "write", Begin: offset, End: offset + uint64(len(data)) - 1}
	}

	if _, err := pd.file.WriteAt(data, int64(offset)); err != nil {
		pd.state = Stopped
		if pd.handler.Stopped != nil {
			pd.handler.Stopped(err)
		}
		return &errs.DiskError{Path: pd.workingPath, Err: err}
	}

	pd.completed += uint64(len(data))
	pd.pendingBytes += uint64(len(data))

	for _, g := range pd.grids {
		for _, c := range g.chunksIn(offset, offset+uint64(len(data))-1) {
			c.Partial = true
		}
	}

	if pd.handler.DataAdded != nil {
		pd.handler.DataAdded(offset, len(data))
	}

	if pd.pendingBytes >= pd.bufferCap {
		pd.pendingBytes = 0
		pd.file.Sync()
	}
	return nil
}

// VerifyOutcome is the result of a range verification.
type VerifyOutcome int

const (
	VerifyFailed VerifyOutcome = iota
	VerifyVerified
)

// Verify synchronously hashes [begin,end] in the working file and compares
// it against refHash, updating chunk flags per spec §4.1. save flushes the
// write buffer first. On success every chunk fully inside the range becomes
// verified+complete (P4); on mismatch Corruption is invoked (P5).
//
// The source describes verification as asynchronous (offloaded to the hash
// worker, spec §4.4); hydracore's asynchronous entry point is
// hashpipeline-driven (see pkg/hashpipeline), but the deterministic
// hash-compare-and-update step itself lives here so both the synchronous
// and asynchronous callers share one implementation.
func (pd *PartData) Verify(begin, end uint64, refHash xhash.Hash, save bool) (VerifyOutcome, error) {
	pd.mu.Lock()
	if save {
		pd.file.Sync()
		pd.pendingBytes = 0
	}
	path := pd.workingPath
	pd.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return VerifyFailed, &errs.FatalHashError{Path: path, Err: err}
	}
	defer f.Close()

	length := end - begin + 1
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, int64(begin)); err != nil && err != io.EOF {
		return VerifyFailed, &errs.FatalHashError{Path: path, Err: err}
	}

	got := xhash.SumAll(refHash.Algo(), buf)
	if !got.Equal(refHash) {
		pd.Corruption(begin, end)
		return VerifyFailed, &errs.HashMismatch{Begin: begin, End: end}
	}

	pd.mu.Lock()
	for _, g := range pd.grids {
		for _, c := range g.chunksIn(begin, end) {
			if c.Begin >= begin && c.End <= end {
				c.Verified = true
				c.complete = true
			}
		}
	}
	completedNow := pd.isCompleteLocked()
	pd.mu.Unlock()

	if completedNow {
		pd.finishMove()
	}
	return VerifyVerified, nil
}

// Corruption re-opens [begin,end] for download (spec §4.1): chunks fully
// inside the range are reset to unverified/incomplete, completed is
// decremented by the range length, and the Corrupted hook fires.
func (pd *PartData) Corruption(begin, end uint64) {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	length := end - begin + 1
	if length > pd.completed {
		length = pd.completed
	}
	pd.completed -= length

	for _, g := range pd.grids {
		for _, c := range g.chunksIn(begin, end) {
			if c.Begin >= begin && c.End <= end {
				c.Verified = false
				c.Partial = false
				c.complete = false
			}
		}
	}
	if pd.handler.Corrupted != nil {
		pd.handler.Corrupted(begin, end)
	}
}

// isCompleteLocked implements IsComplete: true iff every chunk of at least
// one grid is verified. A file whose bytes are all written but whose chunks
// are not all verified is not complete; there is no whole-file hash path.
func (pd *PartData) isCompleteLocked() bool {
	for _, g := range pd.grids {
		if g.allVerified() {
			return true
		}
	}
	return false
}

// IsComplete reports whether the file is fully verified.
func (pd *PartData) IsComplete() bool {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.isCompleteLocked()
}

// finishMove transitions Running -> Moving -> Complete, flushing and
// renaming the sparse file to its destination (spec §4.1 "Completion").
func (pd *PartData) finishMove() {
	pd.mu.Lock()
	if pd.state == Complete || pd.state == Moving {
		pd.mu.Unlock()
		return
	}
	pd.state = Moving
	pd.file.Sync()
	working := pd.workingPath
	dest := pd.destPath
	mover := pd.moveFile
	pd.mu.Unlock()

	if err := pd.file.Close(); err != nil {
		pd.mu.Lock()
		pd.state = Stopped
		pd.mu.Unlock()
		if pd.handler.Stopped != nil {
			pd.handler.Stopped(err)
		}
		return
	}

	if err := mover(working, dest); err != nil {
		pd.mu.Lock()
		pd.state = Stopped
		pd.mu.Unlock()
		if pd.handler.Stopped != nil {
			pd.handler.Stopped(err)
		}
		return
	}

	pd.mu.Lock()
	pd.state = Complete
	pd.mu.Unlock()
	if pd.handler.Completed != nil {
		pd.handler.Completed()
	}
}

// Pause blocks GetRange while leaving the file and locks intact.
func (pd *PartData) Pause() error {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.state != Running {
		return fmt.Errorf("partdata: cannot pause from state %s", pd.state)
	}
	pd.state = Paused
	return nil
}

// Resume returns from Paused/Stopped to Running.
func (pd *PartData) Resume() error {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.state != Paused && pd.state != Stopped {
		return fmt.Errorf("partdata: cannot resume from state %s", pd.state)
	}
	pd.state = Running
	return nil
}

// Stop additionally releases outstanding locks/ranges beyond what Pause does.
func (pd *PartData) Stop() error {
	pd.mu.Lock()
	if pd.state != Running && pd.state != Paused {
		pd.mu.Unlock()
		return fmt.Errorf("partdata: cannot stop from state %s", pd.state)
	}
	pd.state = Stopped
	ranges := pd.usedRanges
	pd.usedRanges = nil
	for _, ur := range ranges {
		ur.released = true
		for _, c := range ur.chunks {
			if c.UseCount > 0 {
				c.UseCount--
			}
		}
	}
	pd.mu.Unlock()
	return nil
}

// Cancel erases the on-disk partial file and transitions to terminal state
// Canceled.
func (pd *PartData) Cancel() error {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.state == Canceled || pd.state == Complete {
		return fmt.Errorf("partdata: cannot cancel from state %s", pd.state)
	}
	pd.file.Close()
	os.Remove(pd.workingPath)
	pd.state = Canceled
	return nil
}

// Save flushes the write buffer and persists the .dat sidecar (spec §6).
func (pd *PartData) Save(datPath string) error {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	if err := pd.file.Sync(); err != nil {
		return &errs.DiskError{Path: pd.workingPath, Err: err}
	}
	pd.pendingBytes = 0

	var buf bytes.Buffer
	buf.WriteByte(0xE0)
	binary.Write(&buf, binary.BigEndian, uint32(0)) // reserved
	writeString(&buf, pd.destPath)
	binary.Write(&buf, binary.BigEndian, pd.size)
	binary.Write(&buf, binary.BigEndian, pd.completed)

	binary.Write(&buf, binary.BigEndian, uint32(len(pd.grids)))
	for chunkSize, g := range pd.grids {
		binary.Write(&buf, binary.BigEndian, chunkSize)
		binary.Write(&buf, binary.BigEndian, uint32(len(g.chunks)))
		for _, c := range g.chunks {
			binary.Write(&buf, binary.BigEndian, c.Begin)
			binary.Write(&buf, binary.BigEndian, c.End)
			var flags byte
			if c.Verified {
				flags |= 0x01
			}
			if c.Partial {
				flags |= 0x02
			}
			buf.WriteByte(flags)
			buf.WriteByte(byte(c.RefHash.Algo()))
			if !c.RefHash.IsNull() {
				buf.Write(c.RefHash.Bytes())
			}
		}
	}

	if err := os.WriteFile(datPath, buf.Bytes(), 0o644); err != nil {
		return &errs.DiskError{Path: datPath, Err: err}
	}
	return nil
}

// Load is the inverse of Save: it reconstructs a PartData from a .dat
// sidecar, verifying the on-disk sparse file still exists and matches the
// recorded size.
func Load(datPath string, opts ...Option) (*PartData, error) {
	raw, err := os.ReadFile(datPath)
	if err != nil {
		return nil, &errs.DiskError{Path: datPath, Err: err}
	}
	r := bytes.NewReader(raw)

	version, err := r.ReadByte()
	if err != nil || version != 0xE0 {
		return nil, &errs.StreamError{Context: "partdata.Load", Err: fmt.Errorf("bad version")}
	}
	var reserved uint32
	if err := binary.Read(r, binary.BigEndian, &reserved); err != nil {
		return nil, &errs.StreamError{Context: "partdata.Load", Err: err}
	}
	destPath, err := readString(r)
	if err != nil {
		return nil, &errs.StreamError{Context: "partdata.Load", Err: err}
	}
	var size, completed uint64
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, &errs.StreamError{Context: "partdata.Load", Err: err}
	}
	if err := binary.Read(r, binary.BigEndian, &completed); err != nil {
		return nil, &errs.StreamError{Context: "partdata.Load", Err: err}
	}

	working := workingPathFor(destPath)
	fi, err := os.Stat(working)
	if err != nil {
		return nil, &errs.DiskError{Path: working, Err: fmt.Errorf("sparse file missing: %w", err)}
	}
	if uint64(fi.Size()) != size {
		return nil, &errs.StreamError{Context: "partdata.Load", Err: fmt.Errorf("sparse file size %d != recorded %d", fi.Size(), size)}
	}

	f, err := os.OpenFile(working, os.O_RDWR, 0o644)
	if err != nil {
		return nil, &errs.DiskError{Path: working, Err: err}
	}

	pd := &PartData{
		destPath:            destPath,
		workingPath:         working,
		size:                size,
		completed:           completed,
		grids:               make(map[uint32]*chunkGrid),
		state:               Running,
		file:                f,
		bufferCap:           DefaultWriteBufferCap,
		maxUseCountPerChunk: DefaultMaxUseCountPerChunk,
		adjacentChunkBound:  DefaultAdjacentChunkBound,
		moveFile:            defaultMoveFile,
	}
	for _, opt := range opts {
		opt(pd)
	}

	var gridCount uint32
	if err := binary.Read(r, binary.BigEndian, &gridCount); err != nil {
		f.Close()
		return nil, &errs.StreamError{Context: "partdata.Load", Err: err}
	}
	for i := uint32(0); i < gridCount; i++ {
		var chunkSize, chunkCount uint32
		if err := binary.Read(r, binary.BigEndian, &chunkSize); err != nil {
			f.Close()
			return nil, &errs.StreamError{Context: "partdata.Load", Err: err}
		}
		if err := binary.Read(r, binary.BigEndian, &chunkCount); err != nil {
			f.Close()
			return nil, &errs.StreamError{Context: "partdata.Load", Err: err}
		}
		g := &chunkGrid{chunkSize: chunkSize}
		for j := uint32(0); j < chunkCount; j++ {
			var begin, end uint64
			if err := binary.Read(r, binary.BigEndian, &begin); err != nil {
				f.Close()
				return nil, &errs.StreamError{Context: "partdata.Load", Err: err}
			}
			if err := binary.Read(r, binary.BigEndian, &end); err != nil {
				f.Close()
				return nil, &errs.StreamError{Context: "partdata.Load", Err: err}
			}
			flags, err := r.ReadByte()
			if err != nil {
				f.Close()
				return nil, &errs.StreamError{Context: "partdata.Load", Err: err}
			}
			algoByte, err := r.ReadByte()
			if err != nil {
				f.Close()
				return nil, &errs.StreamError{Context: "partdata.Load", Err: err}
			}
			c := &Chunk{
				Begin:     begin,
				End:       end,
				IdealSize: chunkSize,
				Verified:  flags&0x01 != 0,
				Partial:   flags&0x02 != 0,
			}
			c.complete = c.Verified
			algo := xhash.Algo(algoByte)
			if algo != xhash.AlgoNone {
				digest := make([]byte, algo.Width())
				if _, err := io.ReadFull(r, digest); err != nil {
					f.Close()
					return nil, &errs.StreamError{Context: "partdata.Load", Err: err}
				}
				h, err := xhash.New(algo, digest)
				if err != nil {
					f.Close()
					return nil, &errs.StreamError{Context: "partdata.Load", Err: err}
				}
				c.RefHash = h
			}
			g.chunks = append(g.chunks, c)
		}
		pd.grids[chunkSize] = g
	}

	return pd, nil
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
