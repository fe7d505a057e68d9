package metadb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/swarmcore/hydracore/pkg/errs"
	"github.com/swarmcore/hydracore/pkg/hashset"
	"github.com/swarmcore/hydracore/pkg/xhash"
)

// SharedFileID is an opaque handle a SharedFile uses to cross-reference
// itself in a MetaDb, without MetaDb importing pkg/sharedfile (the
// dependency order in spec §2 places MetaDb before SharedFile).
type SharedFileID string

// MetaDb is the process-wide metadata index (spec §3/§4.3). All mutating
// operations run on the main thread (spec §5); the mutex exists for
// read-mostly access from other goroutines (e.g. an RPC handler) rather
// than to model true concurrent main-thread access.
type MetaDb struct {
	mu sync.RWMutex

	all       []*MetaData
	hashIndex map[string]*MetaData // xhash.Hash.Key() -> record
	nameIndex map[string][]*MetaData
	sfIndex   map[SharedFileID]*MetaData
}

// NewDb returns an empty MetaDb.
func NewDb() *MetaDb {
	return &MetaDb{
		hashIndex: make(map[string]*MetaData),
		nameIndex: make(map[string][]*MetaData),
		sfIndex:   make(map[SharedFileID]*MetaData),
	}
}

// Insert adds m to the index, or merges it into an existing record sharing
// any of m's hashes (spec §4.3's idempotent insert). Returns the canonical
// record now indexed (m itself for a fresh insert, the pre-existing record
// after a merge).
func (db *MetaDb) Insert(m *MetaData) *MetaData {
	db.mu.Lock()
	defer db.mu.Unlock()

	var existing *MetaData
	for _, h := range m.Hashes() {
		if rec, ok := db.hashIndex[h.Key()]; ok {
			existing = rec
			break
		}
	}

	if existing == nil {
		db.all = append(db.all, m)
		db.indexRecordLocked(m)
		return m
	}

	existing.merge(m)
	db.indexRecordLocked(existing)
	return existing
}

// indexRecordLocked (re)writes every hash/name index entry for rec. Safe to
// call repeatedly; existing entries are simply overwritten with the same
// pointer.
func (db *MetaDb) indexRecordLocked(rec *MetaData) {
	for _, h := range rec.Hashes() {
		db.hashIndex[h.Key()] = rec
	}
	for _, name := range rec.Names() {
		list := db.nameIndex[name]
		found := false
		for _, existing := range list {
			if existing == rec {
				found = true
				break
			}
		}
		if !found {
			db.nameIndex[name] = append(list, rec)
		}
	}
}

// Find looks up a MetaData by file hash.
func (db *MetaDb) Find(h xhash.Hash) *MetaData {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.hashIndex[h.Key()]
}

// FindByName returns every MetaData currently carrying name.
func (db *MetaDb) FindByName(name string) []*MetaData {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*MetaData, len(db.nameIndex[name]))
	copy(out, db.nameIndex[name])
	return out
}

// FindSharedFile returns the MetaData associated with a SharedFile, if any.
func (db *MetaDb) FindSharedFile(id SharedFileID) *MetaData {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.sfIndex[id]
}

// Associate records that SharedFile id's canonical identity is m,
// enforcing invariant (d): at most one MetaData per live SharedFile.
func (db *MetaDb) Associate(id SharedFileID, m *MetaData) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.sfIndex[id] = m
}

// Remove drops every cross-reference involving id; the MetaData record
// itself always stays in the db and in its hash and name indexes.
func (db *MetaDb) Remove(id SharedFileID) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.sfIndex, id)
}

// Count returns the number of distinct MetaData records held.
func (db *MetaDb) Count() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.all)
}

// All returns every MetaData record currently indexed.
func (db *MetaDb) All() []*MetaData {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*MetaData, len(db.all))
	copy(out, db.all)
	return out
}

const (
	persistVersion byte = 0x01
	opMetaRecord   byte = 0xD1
)

// Save persists the index in the length-prefixed binary form of spec §6.
func (db *MetaDb) Save(w io.Writer) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if err := binary.Write(w, binary.BigEndian, persistVersion); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(db.all))); err != nil {
		return err
	}
	for _, m := range db.all {
		payload := encodeRecord(m)
		if err := binary.Write(w, binary.BigEndian, opMetaRecord); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint16(len(payload))); err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func encodeRecord(m *MetaData) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, m.Size)
	binary.Write(&buf, binary.BigEndian, uint32(m.ModDate.Unix()))

	names := m.Names()
	binary.Write(&buf, binary.BigEndian, uint16(len(names)))
	for _, n := range names {
		binary.Write(&buf, binary.BigEndian, uint16(len(n)))
		buf.WriteString(n)
	}

	hashsets := m.HashSets()
	binary.Write(&buf, binary.BigEndian, uint16(len(hashsets)))
	for _, hs := range hashsets {
		buf.Write(hs.Encode())
	}

	binary.Write(&buf, binary.BigEndian, uint16(0)) // customCount, no typed sub-records wired on the wire yet
	return buf.Bytes()
}

// Load reads the form produced by Save, replacing db's contents in place.
func (db *MetaDb) Load(r io.Reader) error {
	var version byte
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return &errs.StreamError{Context: "metadb.Load", Err: err}
	}
	if version != persistVersion {
		return &errs.StreamError{Context: "metadb.Load", Err: fmt.Errorf("unsupported version 0x%02x", version)}
	}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return &errs.StreamError{Context: "metadb.Load", Err: err}
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	db.all = nil
	db.hashIndex = make(map[string]*MetaData)
	db.nameIndex = make(map[string][]*MetaData)

	for i := uint32(0); i < count; i++ {
		var opcode byte
		if err := binary.Read(r, binary.BigEndian, &opcode); err != nil {
			return &errs.StreamError{Context: "metadb.Load", Err: err}
		}
		if opcode != opMetaRecord {
			return &errs.StreamError{Context: "metadb.Load", Err: fmt.Errorf("unexpected opcode 0x%02x", opcode)}
		}
		var payloadLen uint16
		if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
			return &errs.StreamError{Context: "metadb.Load", Err: err}
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return &errs.StreamError{Context: "metadb.Load", Err: err}
		}
		m, err := decodeRecord(payload)
		if err != nil {
			return err
		}
		db.all = append(db.all, m)
		db.indexRecordLocked(m)
	}
	return nil
}

func decodeRecord(b []byte) (*MetaData, error) {
	r := bytes.NewReader(b)
	var size uint64
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, &errs.StreamError{Context: "metadb.decodeRecord", Err: err}
	}
	var modDate uint32
	if err := binary.Read(r, binary.BigEndian, &modDate); err != nil {
		return nil, &errs.StreamError{Context: "metadb.decodeRecord", Err: err}
	}
	m := New(size, time.Unix(int64(modDate), 0).UTC())

	var nameCount uint16
	if err := binary.Read(r, binary.BigEndian, &nameCount); err != nil {
		return nil, &errs.StreamError{Context: "metadb.decodeRecord", Err: err}
	}
	for i := uint16(0); i < nameCount; i++ {
		var nameLen uint16
		if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
			return nil, &errs.StreamError{Context: "metadb.decodeRecord", Err: err}
		}
		nameBytes := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBytes); err != nil {
			return nil, &errs.StreamError{Context: "metadb.decodeRecord", Err: err}
		}
		m.AddName(string(nameBytes))
	}

	var hashsetCount uint16
	if err := binary.Read(r, binary.BigEndian, &hashsetCount); err != nil {
		return nil, &errs.StreamError{Context: "metadb.decodeRecord", Err: err}
	}
	for i := uint16(0); i < hashsetCount; i++ {
		remaining := make([]byte, r.Len())
		io.ReadFull(r, remaining)
		hs, n, err := hashset.Decode(remaining)
		if err != nil {
			return nil, err
		}
		m.AddHashSet(hs)
		r = bytes.NewReader(remaining[n:])
	}

	var customCount uint16
	binary.Read(r, binary.BigEndian, &customCount) // reserved, no typed sub-records on the wire yet

	return m, nil
}

// LoadWithFallback implements spec §7's MetaDb corruption policy: try path,
// then path+".bak"; return an error only if both fail, leaving db empty.
func LoadWithFallback(db *MetaDb, path string) error {
	if err := loadFile(db, path); err == nil {
		return nil
	}
	if err := loadFile(db, path+".bak"); err != nil {
		db.mu.Lock()
		db.all = nil
		db.hashIndex = make(map[string]*MetaData)
		db.nameIndex = make(map[string][]*MetaData)
		db.mu.Unlock()
		return err
	}
	return nil
}

func loadFile(db *MetaDb, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &errs.DiskError{Path: path, Err: err}
	}
	defer f.Close()
	return db.Load(f)
}

// SaveToFile persists db to path.
func SaveToFile(db *MetaDb, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return &errs.DiskError{Path: path, Err: err}
	}
	defer f.Close()
	return db.Save(f)
}
