package sharedfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmcore/hydracore/pkg/metadb"
)

func TestNewCompleteFileReadsFromLocation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	sf := New(path, 11)
	assert.False(t, sf.IsPartial())

	data, err := sf.Read(0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestAddLocationDeduplicates(t *testing.T) {
	sf := New("/a", 10)
	sf.AddLocation("/b")
	sf.AddLocation("/a")
	assert.Equal(t, []string{"/a", "/b"}, sf.Locations())
}

func TestMetaDataAttachment(t *testing.T) {
	sf := New("/a", 10)
	assert.Nil(t, sf.MetaData())

	m := metadb.New(10, time.Now())
	sf.SetMetaData(m)
	assert.Same(t, m, sf.MetaData())
}

func TestFilesListAddGetRemove(t *testing.T) {
	fl := NewFilesList()
	sf := New("/a", 10)
	fl.Add(sf)

	assert.Equal(t, 1, fl.Len())
	assert.Same(t, sf, fl.Get(sf.ID()))

	fl.Remove(sf.ID())
	assert.Equal(t, 0, fl.Len())
	assert.Nil(t, fl.Get(sf.ID()))
}
