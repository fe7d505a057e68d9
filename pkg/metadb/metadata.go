// Package metadb implements MetaData and MetaDb, the content-addressed
// metadata index (spec §3/§4.3): per-file identity records cross-referenced
// by hash, filename and owning SharedFile.
package metadb

import (
	"time"

	"github.com/swarmcore/hydracore/pkg/hashset"
	"github.com/swarmcore/hydracore/pkg/xhash"
)

// MediaKind tags an optional typed sub-record on a MetaData.
type MediaKind int

const (
	MediaNone MediaKind = iota
	MediaAudio
	MediaVideo
	MediaImage
	MediaArchive
	MediaStream
)

// MediaRecord is an optional typed annotation attached to a MetaData.
type MediaRecord struct {
	Kind   MediaKind
	Fields map[string]string
}

// MetaData is the per-file identity record described in spec §3. Names and
// HashSets are additive: once added they are not mutated in place. Names
// carry a use count and are retired when it reaches zero; HashSets are only
// ever appended.
type MetaData struct {
	Size     uint64
	ModDate  time.Time
	names    map[string]int // name -> use count
	hashsets []hashset.HashSet
	Media    *MediaRecord
}

// New creates an empty MetaData of the given size.
func New(size uint64, modDate time.Time) *MetaData {
	return &MetaData{
		Size:    size,
		ModDate: modDate,
		names:   make(map[string]int),
	}
}

// AddName registers a use of name, incrementing its ref count.
func (m *MetaData) AddName(name string) {
	m.names[name]++
}

// RemoveName decrements name's ref count, retiring it entirely once it
// reaches zero.
func (m *MetaData) RemoveName(name string) {
	if m.names[name] <= 1 {
		delete(m.names, name)
		return
	}
	m.names[name]--
}

// Names returns the currently live (ref count > 0) filenames.
func (m *MetaData) Names() []string {
	out := make([]string, 0, len(m.names))
	for n := range m.names {
		out = append(out, n)
	}
	return out
}

// AddHashSet appends hs if no existing hashset already carries the same
// FileAlgo; hashsets are additive, never mutated in place.
func (m *MetaData) AddHashSet(hs hashset.HashSet) {
	for _, existing := range m.hashsets {
		if existing.FileAlgo == hs.FileAlgo {
			return
		}
	}
	m.hashsets = append(m.hashsets, hs)
}

// HashSets returns the ordered list of hashsets known for this file.
func (m *MetaData) HashSets() []hashset.HashSet {
	out := make([]hashset.HashSet, len(m.hashsets))
	copy(out, m.hashsets)
	return out
}

// Hashes returns every file-level Hash this record is identified by, one
// per hashset, used to build MetaDb's hash index.
func (m *MetaData) Hashes() []xhash.Hash {
	out := make([]xhash.Hash, 0, len(m.hashsets))
	for _, hs := range m.hashsets {
		out = append(out, hs.FileHash)
	}
	return out
}

// merge folds other's names and hashsets into m (spec §4.3 insert
// idempotency); other is left untouched.
func (m *MetaData) merge(other *MetaData) {
	if other.Size != 0 {
		m.Size = other.Size
	}
	if other.ModDate.After(m.ModDate) {
		m.ModDate = other.ModDate
	}
	for name, count := range other.names {
		m.names[name] += count
	}
	for _, hs := range other.hashsets {
		m.AddHashSet(hs)
	}
	if m.Media == nil {
		m.Media = other.Media
	}
}
