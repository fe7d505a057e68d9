// Package ioworker is the dedicated I/O worker thread of spec.md §5: a
// single goroutine draining a FIFO of disk work — hash pipeline jobs and
// completed-file moves — so the main loop (driven by Scheduler.Tick and
// friends) never blocks on disk I/O. Completions are posted to a
// mutex-protected queue that the caller drains at the start of every tick,
// matching §5's explicit "drain completions before processing new work"
// ordering rule.
package ioworker

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/swarmcore/hydracore/pkg/errs"
	"github.com/swarmcore/hydracore/pkg/hashpipeline"
)

// WorkKind distinguishes the two ThreadWork shapes the worker accepts.
type WorkKind int

const (
	WorkHash WorkKind = iota
	WorkMoveFile
)

// ThreadWork is one unit of work submitted to the I/O thread.
type ThreadWork struct {
	ID   string
	Kind WorkKind

	// WorkHash.
	HashJob *hashpipeline.Job

	// WorkMoveFile: rename Src to Dst (spec §4.1, finishMove on completion).
	Src, Dst string
}

// NewHashWork wraps an already-built hashpipeline.Job as ThreadWork.
func NewHashWork(job *hashpipeline.Job) ThreadWork {
	return ThreadWork{ID: job.ID, Kind: WorkHash, HashJob: job}
}

// NewMoveFileWork builds ThreadWork that renames src to dst once run.
func NewMoveFileWork(src, dst string) ThreadWork {
	return ThreadWork{ID: uuid.NewString(), Kind: WorkMoveFile, Src: src, Dst: dst}
}

// Completion is posted once a ThreadWork item finishes.
type Completion struct {
	Work ThreadWork

	// Populated for WorkHash.
	HashResult hashpipeline.Result

	// Populated for WorkMoveFile.
	MoveErr error
}

// Worker is the single goroutine that processes ThreadWork in submission
// order. Hash jobs are executed via hashpipeline.Worker.ProcessOne so the
// hashing algorithms stay in one place; Worker owns the only goroutine that
// calls it.
type Worker struct {
	hasher *hashpipeline.Worker

	work  chan ThreadWork
	done  chan struct{}
	wg    sync.WaitGroup
	mu    sync.Mutex
	queue []Completion
}

// New creates a Worker with the given submission queue depth.
func New(queueDepth int) *Worker {
	return &Worker{
		hasher: hashpipeline.NewWorker(0), // only ProcessOne is used; no second goroutine started
		work:   make(chan ThreadWork, queueDepth),
		done:   make(chan struct{}),
	}
}

// Start launches the I/O goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop signals the goroutine to exit once its current item finishes.
func (w *Worker) Stop() {
	close(w.done)
	w.wg.Wait()
}

// Submit enqueues work for processing, in FIFO order.
func (w *Worker) Submit(item ThreadWork) {
	w.work <- item
}

// DrainCompletions returns and clears all completions posted since the last
// call, in completion order. The caller (the main-loop Tick) must call this
// first thing, before acting on any new state, per spec §5.
func (w *Worker) DrainCompletions() []Completion {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.queue
	w.queue = nil
	return out
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case item := <-w.work:
			w.post(w.process(item))
		}
	}
}

func (w *Worker) process(item ThreadWork) Completion {
	switch item.Kind {
	case WorkHash:
		return Completion{Work: item, HashResult: w.hasher.ProcessOne(item.HashJob)}
	case WorkMoveFile:
		return Completion{Work: item, MoveErr: moveFile(item.Src, item.Dst)}
	default:
		return Completion{Work: item, MoveErr: &errs.ProtocolError{Module: "ioworker", Err: nil}}
	}
}

func (w *Worker) post(c Completion) {
	w.mu.Lock()
	w.queue = append(w.queue, c)
	w.mu.Unlock()
}

// moveFile renames src to dst, falling back to copy+remove across devices
// (os.Rename returns a LinkError for cross-device renames on most
// platforms).
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &errs.DiskError{Path: dst, Err: err}
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return &errs.DiskError{Path: src, Err: err}
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &errs.DiskError{Path: dst, Err: err}
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		return &errs.DiskError{Path: dst, Err: err}
	}
	if err := out.Close(); err != nil {
		return &errs.DiskError{Path: dst, Err: err}
	}
	return os.Remove(src)
}
