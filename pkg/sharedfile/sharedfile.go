// Package sharedfile implements SharedFile and FilesList (spec §3): files
// currently offered to the network, whether still partial or complete.
package sharedfile

import (
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/swarmcore/hydracore/pkg/errs"
	"github.com/swarmcore/hydracore/pkg/metadb"
	"github.com/swarmcore/hydracore/pkg/partdata"
)

// SharedFile is a file currently offered to one or more networks. It may
// still be partial (PartData != nil) or fully complete.
type SharedFile struct {
	mu sync.RWMutex

	id        metadb.SharedFileID
	locations []string // on-disk location(s); more than one after dedup discovery
	size      uint64
	part      *partdata.PartData // nil once complete and PartData is discarded
	meta      *metadb.MetaData   // resolved lazily after hashing
}

// New creates a SharedFile for a complete file already on disk at
// location.
func New(location string, size uint64) *SharedFile {
	return &SharedFile{
		id:        metadb.SharedFileID(uuid.NewString()),
		locations: []string{location},
		size:      size,
	}
}

// NewPartial creates a SharedFile still backed by an in-progress PartData.
func NewPartial(pd *partdata.PartData) *SharedFile {
	return &SharedFile{
		id:        metadb.SharedFileID(uuid.NewString()),
		locations: []string{pd.WorkingPath()},
		size:      pd.Size(),
		part:      pd,
	}
}

// ID returns this SharedFile's stable cross-reference handle.
func (sf *SharedFile) ID() metadb.SharedFileID { return sf.id }

// Size returns the total file size.
func (sf *SharedFile) Size() uint64 { return sf.size }

// Locations returns every known on-disk path equivalent to this file.
func (sf *SharedFile) Locations() []string {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	out := make([]string, len(sf.locations))
	copy(out, sf.locations)
	return out
}

// AddLocation records an additional equivalent on-disk path, discovered by
// dedup.
func (sf *SharedFile) AddLocation(path string) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	for _, existing := range sf.locations {
		if existing == path {
			return
		}
	}
	sf.locations = append(sf.locations, path)
}

// PartData returns the backing PartData, or nil if the file is complete.
func (sf *SharedFile) PartData() *partdata.PartData {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	return sf.part
}

// IsPartial reports whether this file still has an in-progress PartData.
func (sf *SharedFile) IsPartial() bool {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	return sf.part != nil
}

// MarkComplete discards the PartData once its caller has observed
// completion, transitioning the SharedFile to fully-complete.
func (sf *SharedFile) MarkComplete() {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.part != nil {
		sf.locations = []string{sf.part.DestPath()}
	}
	sf.part = nil
}

// MetaData returns the resolved MetaData, if hashing has completed.
func (sf *SharedFile) MetaData() *metadb.MetaData {
	sf.mu.RLock()
	defer sf.mu.RUnlock()
	return sf.meta
}

// SetMetaData attaches the lazily-resolved MetaData.
func (sf *SharedFile) SetMetaData(m *metadb.MetaData) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.meta = m
}

// Read returns the bytes in [begin,end] (inclusive): from the partial
// storage's working file while partial, from the first known location once
// complete.
func (sf *SharedFile) Read(begin, end uint64) ([]byte, error) {
	sf.mu.RLock()
	part := sf.part
	path := ""
	if len(sf.locations) > 0 {
		path = sf.locations[0]
	}
	sf.mu.RUnlock()

	if part != nil {
		path = part.WorkingPath()
	}
	if path == "" {
		return nil, &errs.DiskError{Path: "", Err: os.ErrNotExist}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &errs.DiskError{Path: path, Err: err}
	}
	defer f.Close()

	length := end - begin + 1
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, int64(begin))
	if err != nil && uint64(n) < length {
		return nil, &errs.DiskError{Path: path, Err: err}
	}
	return buf, nil
}

// FilesList is the process-wide collection of SharedFiles (spec §2's
// dependency order places it directly above SharedFile).
type FilesList struct {
	mu    sync.RWMutex
	files map[metadb.SharedFileID]*SharedFile
}

// NewFilesList returns an empty FilesList.
func NewFilesList() *FilesList {
	return &FilesList{files: make(map[metadb.SharedFileID]*SharedFile)}
}

// Add registers sf.
func (fl *FilesList) Add(sf *SharedFile) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.files[sf.ID()] = sf
}

// Remove drops sf from the list.
func (fl *FilesList) Remove(id metadb.SharedFileID) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	delete(fl.files, id)
}

// Get returns the SharedFile for id, or nil.
func (fl *FilesList) Get(id metadb.SharedFileID) *SharedFile {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return fl.files[id]
}

// All returns every SharedFile currently tracked.
func (fl *FilesList) All() []*SharedFile {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	out := make([]*SharedFile, 0, len(fl.files))
	for _, sf := range fl.files {
		out = append(out, sf)
	}
	return out
}

// Len returns the number of SharedFiles tracked.
func (fl *FilesList) Len() int {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return len(fl.files)
}
