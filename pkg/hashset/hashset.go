// Package hashset implements HashSet (spec §3): a file-hash plus an ordered
// sequence of chunk-hashes computed at a fixed chunk size, along with its
// wire encoding (spec §6, "inherited by several protocols").
package hashset

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/swarmcore/hydracore/pkg/errs"
	"github.com/swarmcore/hydracore/pkg/xhash"
)

// HashSet is a file-hash algorithm, a chunk-hash algorithm, a chunk size,
// and the ordered chunk hashes themselves.
type HashSet struct {
	FileAlgo  xhash.Algo
	ChunkAlgo xhash.Algo
	ChunkSize uint32
	FileHash  xhash.Hash
	Chunks    []xhash.Hash
}

// NewED2K builds the specific HashSet spec.md calls out: ED2K file-hash
// over MD4 chunk-hashes at the fixed ED2K chunk size.
func NewED2K(fileHash xhash.Hash, chunkHashes []xhash.Hash) HashSet {
	return HashSet{
		FileAlgo:  xhash.AlgoED2K,
		ChunkAlgo: xhash.AlgoMD4,
		ChunkSize: xhash.ED2KChunkSize,
		FileHash:  fileHash,
		Chunks:    chunkHashes,
	}
}

// IsED2K reports whether hs matches the fixed ED2K parameterization.
func (hs HashSet) IsED2K() bool {
	return hs.FileAlgo == xhash.AlgoED2K && hs.ChunkAlgo == xhash.AlgoMD4 && hs.ChunkSize == xhash.ED2KChunkSize
}

// ChunkCountFor returns how many chunks a file of the given size would
// split into at chunkSize.
func ChunkCountFor(size uint64, chunkSize uint32) int {
	if size == 0 {
		return 0
	}
	n := size / uint64(chunkSize)
	if size%uint64(chunkSize) != 0 {
		n++
	}
	return int(n)
}

// Wire opcodes, per spec §6.
const (
	OpHashSet byte = 0x01

	tagFileHash byte = 0x01
	tagPartHash byte = 0x02
	tagPartSize byte = 0x03
)

// Encode writes hs in the wire format:
// u8 OP_HASHSET | u16 len | u8 chunkAlgo | u8 fileAlgo | u16 tagCount | <tags>
func (hs HashSet) Encode() []byte {
	var body bytes.Buffer
	body.WriteByte(byte(hs.ChunkAlgo))
	body.WriteByte(byte(hs.FileAlgo))

	tagCount := uint16(1 + 1 + len(hs.Chunks)) // FILEHASH + PARTSIZE + each PARTHASH
	binary.Write(&body, binary.BigEndian, tagCount)

	body.WriteByte(tagFileHash)
	body.Write(hs.FileHash.Bytes())

	body.WriteByte(tagPartSize)
	binary.Write(&body, binary.BigEndian, hs.ChunkSize)

	for _, c := range hs.Chunks {
		body.WriteByte(tagPartHash)
		body.Write(c.Bytes())
	}

	var out bytes.Buffer
	out.WriteByte(OpHashSet)
	binary.Write(&out, binary.BigEndian, uint16(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

// Decode parses the wire format produced by Encode.
func Decode(b []byte) (HashSet, int, error) {
	if len(b) < 1 {
		return HashSet{}, 0, &errs.StreamError{Context: "hashset.Decode", Err: fmt.Errorf("empty buffer")}
	}
	if b[0] != OpHashSet {
		return HashSet{}, 0, &errs.StreamError{Context: "hashset.Decode", Err: fmt.Errorf("unexpected opcode 0x%02x", b[0])}
	}
	if len(b) < 3 {
		return HashSet{}, 0, &errs.StreamError{Context: "hashset.Decode", Err: fmt.Errorf("truncated length")}
	}
	length := binary.BigEndian.Uint16(b[1:3])
	total := 3 + int(length)
	if len(b) < total {
		return HashSet{}, 0, &errs.StreamError{Context: "hashset.Decode", Err: fmt.Errorf("truncated body")}
	}
	body := b[3:total]
	if len(body) < 4 {
		return HashSet{}, 0, &errs.StreamError{Context: "hashset.Decode", Err: fmt.Errorf("truncated header")}
	}
	hs := HashSet{
		ChunkAlgo: xhash.Algo(body[0]),
		FileAlgo:  xhash.Algo(body[1]),
	}
	tagCount := binary.BigEndian.Uint16(body[2:4])
	off := 4
	for i := uint16(0); i < tagCount; i++ {
		if off >= len(body) {
			return HashSet{}, 0, &errs.StreamError{Context: "hashset.Decode", Err: fmt.Errorf("truncated tag %d", i)}
		}
		tag := body[off]
		off++
		switch tag {
		case tagFileHash:
			w := hs.FileAlgo.Width()
			if off+w > len(body) {
				return HashSet{}, 0, &errs.StreamError{Context: "hashset.Decode", Err: fmt.Errorf("truncated filehash")}
			}
			h, err := xhash.New(hs.FileAlgo, body[off:off+w])
			if err != nil {
				return HashSet{}, 0, &errs.StreamError{Context: "hashset.Decode", Err: err}
			}
			hs.FileHash = h
			off += w
		case tagPartSize:
			if off+4 > len(body) {
				return HashSet{}, 0, &errs.StreamError{Context: "hashset.Decode", Err: fmt.Errorf("truncated partsize")}
			}
			hs.ChunkSize = binary.BigEndian.Uint32(body[off : off+4])
			off += 4
		case tagPartHash:
			w := hs.ChunkAlgo.Width()
			if off+w > len(body) {
				return HashSet{}, 0, &errs.StreamError{Context: "hashset.Decode", Err: fmt.Errorf("truncated parthash")}
			}
			h, err := xhash.New(hs.ChunkAlgo, body[off:off+w])
			if err != nil {
				return HashSet{}, 0, &errs.StreamError{Context: "hashset.Decode", Err: err}
			}
			hs.Chunks = append(hs.Chunks, h)
			off += w
		default:
			return HashSet{}, 0, &errs.StreamError{Context: "hashset.Decode", Err: fmt.Errorf("unknown tag 0x%02x", tag)}
		}
	}
	return hs, total, nil
}
