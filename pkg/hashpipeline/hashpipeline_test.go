package hashpipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmcore/hydracore/pkg/xhash"
)

func TestFullHashJobProducesMetaData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")
	content := []byte("the quick brown fox jumps over the lazy dog")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	w := NewWorker(4)
	w.Start()
	defer w.Stop()

	job := NewFullHashJob(path, []xhash.Algo{xhash.AlgoMD5, xhash.AlgoSHA1})
	w.Submit(job)

	select {
	case res := <-w.Completions():
		require.Equal(t, Verified, res.Outcome)
		require.NotNil(t, res.MetaData)
		assert.Equal(t, uint64(len(content)), res.MetaData.Size)
		assert.Len(t, res.MetaData.HashSets(), 2)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	bytesHashed, _ := w.Progress()
	assert.GreaterOrEqual(t, bytesHashed, uint64(len(content)))
}

func TestVerifyJobDetectsMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")
	content := make([]byte, 256)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	w := NewWorker(4)
	w.Start()
	defer w.Stop()

	wrongHash := xhash.MustNew(xhash.AlgoMD5, make([]byte, 16))
	wrongHash = xhash.SumAll(xhash.AlgoMD5, []byte("not the content"))
	job := NewVerifyJob(path, 0, 255, wrongHash)
	w.Submit(job)

	select {
	case res := <-w.Completions():
		assert.Equal(t, Failed, res.Outcome)
		assert.Error(t, res.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestVerifyJobSucceedsOnMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")
	content := []byte("abcdefgh")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	w := NewWorker(4)
	w.Start()
	defer w.Stop()

	correct := xhash.SumAll(xhash.AlgoMD5, content)
	job := NewVerifyJob(path, 0, uint64(len(content)-1), correct)
	w.Submit(job)

	select {
	case res := <-w.Completions():
		assert.Equal(t, Verified, res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestInvalidatedJobIsDiscardedWithoutCompletion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o644))

	w := NewWorker(4)
	// Don't start the worker: invalidate before it ever gets to look at
	// the job, exercising the queued-job discard path.
	job := NewFullHashJob(path, nil)
	job.Invalidate()
	w.Submit(job)
	w.Start()
	defer w.Stop()

	select {
	case res := <-w.Completions():
		t.Fatalf("expected no completion for an invalidated job, got %+v", res)
	case <-time.After(200 * time.Millisecond):
		// Expected: nothing posted.
	}
}
