package ioworker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmcore/hydracore/pkg/hashpipeline"
)

func waitForCompletions(t *testing.T, w *Worker, n int) []Completion {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var got []Completion
	for time.Now().Before(deadline) {
		got = append(got, w.DrainCompletions()...)
		if len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d completions, got %d", n, len(got))
	return nil
}

func TestMoveFileRenamesWithinSameDir(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.part")
	dst := filepath.Join(dir, "dst.complete")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	w := New(4)
	w.Start()
	defer w.Stop()

	w.Submit(NewMoveFileWork(src, dst))

	completions := waitForCompletions(t, w, 1)
	require.Len(t, completions, 1)
	assert.NoError(t, completions[0].MoveErr)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	_, statErr := os.Stat(src)
	assert.True(t, os.IsNotExist(statErr))
}

func TestMoveFileCreatesMissingDestinationDirs(t *testing.T) {
	// os.Rename within one temp dir always succeeds, so this exercises the
	// rename path after the missing destination directories are created; the
	// copy+remove fallback is not exercised here.
	dir := t.TempDir()
	src := filepath.Join(dir, "a", "src.part")
	dst := filepath.Join(dir, "b", "nested", "dst.complete")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	w := New(1)
	w.Start()
	defer w.Stop()
	w.Submit(NewMoveFileWork(src, dst))

	completions := waitForCompletions(t, w, 1)
	require.NoError(t, completions[0].MoveErr)
	_, err := os.Stat(dst)
	assert.NoError(t, err)
}

func TestHashWorkRunsThroughHashpipeline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello hydracore"), 0o644))

	w := New(1)
	w.Start()
	defer w.Stop()

	job := hashpipeline.NewFullHashJob(path, nil)
	w.Submit(NewHashWork(job))

	completions := waitForCompletions(t, w, 1)
	require.Len(t, completions, 1)
	assert.Equal(t, hashpipeline.Verified, completions[0].HashResult.Outcome)
	assert.NotNil(t, completions[0].HashResult.MetaData)
}

func TestCompletionsDrainedInSubmissionOrder(t *testing.T) {
	dir := t.TempDir()
	w := New(8)
	w.Start()
	defer w.Stop()

	for i := 0; i < 3; i++ {
		src := filepath.Join(dir, "s"+string(rune('0'+i)))
		dst := filepath.Join(dir, "d"+string(rune('0'+i)))
		require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
		w.Submit(NewMoveFileWork(src, dst))
	}

	completions := waitForCompletions(t, w, 3)
	require.Len(t, completions, 3)
	for i, c := range completions {
		assert.Equal(t, filepath.Join(dir, "d"+string(rune('0'+i))), c.Work.Dst)
	}
}
