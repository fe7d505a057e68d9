// Package hashpipeline implements the background hashing worker of spec
// §4.4: a FIFO of full-file and range-verification hash jobs, processed on
// a dedicated goroutine so the main loop never blocks on disk I/O.
package hashpipeline

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/swarmcore/hydracore/pkg/errs"
	"github.com/swarmcore/hydracore/pkg/hashset"
	"github.com/swarmcore/hydracore/pkg/metadb"
	"github.com/swarmcore/hydracore/pkg/xhash"
)

// readBufferSize is the fixed buffer spec §4.4 names (~32 KiB).
const readBufferSize = 32 * 1024

// Kind distinguishes the two job shapes spec §4.4 defines.
type Kind int

const (
	KindFullHash Kind = iota
	KindVerify
)

// Outcome is the terminal state of a Job once processed.
type Outcome int

const (
	Pending Outcome = iota
	Verified
	Failed
	Invalidated
)

// DefaultFullHashAlgos is the minimum algorithm set spec §4.4 requires a
// full hash job to compute.
var DefaultFullHashAlgos = []xhash.Algo{xhash.AlgoED2K, xhash.AlgoSHA1, xhash.AlgoMD4, xhash.AlgoMD5}

// Job is one unit of work submitted to the pipeline. Exactly one of the
// Kind-specific fields is meaningful, per Kind.
type Job struct {
	ID   string
	Kind Kind

	// Full hash job.
	Path  string
	Algos []xhash.Algo

	// Range verification job.
	Begin, End uint64
	RefHash    xhash.Hash

	valid int32 // atomic bool, 1 = valid
}

// NewFullHashJob builds a job that hashes the whole file at path with algos
// (DefaultFullHashAlgos if nil).
func NewFullHashJob(path string, algos []xhash.Algo) *Job {
	if algos == nil {
		algos = DefaultFullHashAlgos
	}
	return &Job{ID: uuid.NewString(), Kind: KindFullHash, Path: path, Algos: algos, valid: 1}
}

// NewVerifyJob builds a job that hashes [begin,end] of path and compares
// against refHash.
func NewVerifyJob(path string, begin, end uint64, refHash xhash.Hash) *Job {
	return &Job{ID: uuid.NewString(), Kind: KindVerify, Path: path, Begin: begin, End: end, RefHash: refHash, valid: 1}
}

// Invalidate marks the job so the worker discards it — cooperatively if
// already in flight (spec §4.4: "the worker polls the valid flag between
// buffers"), immediately if still queued.
func (j *Job) Invalidate() { atomic.StoreInt32(&j.valid, 0) }

func (j *Job) isValid() bool { return atomic.LoadInt32(&j.valid) == 1 }

// Result is posted to the originator on job completion (or discarded
// silently if the job was invalidated before completion, per spec §4.4).
type Result struct {
	Job      *Job
	Outcome  Outcome
	MetaData *metadb.MetaData // populated for KindFullHash on success
	Err      error
}

// Worker is the dedicated hashing goroutine (spec §5: "must not touch
// PartData, MetaDb, or sockets directly").
type Worker struct {
	jobs        chan *Job
	completions chan Result
	stopCh      chan struct{}
	wg          sync.WaitGroup

	mu          sync.Mutex
	bytesHashed uint64
	timeHashed  time.Duration
}

// NewWorker creates a Worker with the given job queue depth.
func NewWorker(queueDepth int) *Worker {
	return &Worker{
		jobs:        make(chan *Job, queueDepth),
		completions: make(chan Result, queueDepth),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the processing goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop signals the worker to exit once its current job finishes and waits
// for it to do so.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// Submit enqueues job for processing.
func (w *Worker) Submit(job *Job) {
	w.jobs <- job
}

// Completions returns the channel the main thread drains at the start of
// each tick (spec §5's event queue between threads).
func (w *Worker) Completions() <-chan Result {
	return w.completions
}

// Progress returns the cumulative bytes hashed and time spent hashing,
// for throughput reporting (spec §4.4).
func (w *Worker) Progress() (bytesHashed uint64, timeHashed time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytesHashed, w.timeHashed
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case job := <-w.jobs:
			if !job.isValid() {
				continue
			}
			result := w.process(job)
			if !job.isValid() {
				continue
			}
			w.completions <- result
		}
	}
}

// ProcessOne runs job synchronously on the calling goroutine and returns its
// Result, without touching the completions channel. internal/ioworker uses
// this to drive hash jobs from its own single I/O thread rather than run a
// second goroutine per spec §5 ("a dedicated I/O worker thread", singular).
func (w *Worker) ProcessOne(job *Job) Result {
	return w.process(job)
}

func (w *Worker) process(job *Job) Result {
	switch job.Kind {
	case KindFullHash:
		return w.processFullHash(job)
	case KindVerify:
		return w.processVerify(job)
	default:
		return Result{Job: job, Outcome: Failed, Err: &errs.ProtocolError{Module: "hashpipeline", Err: nil}}
	}
}

func (w *Worker) processFullHash(job *Job) Result {
	f, err := os.Open(job.Path)
	if err != nil {
		return Result{Job: job, Outcome: Failed, Err: &errs.FatalHashError{Path: job.Path, Err: err}}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{Job: job, Outcome: Failed, Err: &errs.FatalHashError{Path: job.Path, Err: err}}
	}

	digests := make(map[xhash.Algo]*xhash.Digest, len(job.Algos))
	for _, a := range job.Algos {
		digests[a] = xhash.NewDigest(a)
	}

	buf := make([]byte, readBufferSize)
	start := time.Now()
	var total uint64
	for {
		if !job.isValid() {
			return Result{Job: job, Outcome: Invalidated}
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			for _, d := range digests {
				d.Write(buf[:n])
			}
			total += uint64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return Result{Job: job, Outcome: Failed, Err: &errs.FatalHashError{Path: job.Path, Err: readErr}}
		}
	}
	w.recordProgress(total, time.Since(start))

	m := metadb.New(uint64(info.Size()), info.ModTime())
	m.AddName(filepath.Base(job.Path))
	for _, a := range job.Algos {
		fileHash := digests[a].Sum()
		if a == xhash.AlgoED2K {
			m.AddHashSet(hashset.NewED2K(fileHash, nil))
		} else {
			m.AddHashSet(hashset.HashSet{FileAlgo: a, ChunkAlgo: a, ChunkSize: uint32(info.Size()), FileHash: fileHash})
		}
	}

	return Result{Job: job, Outcome: Verified, MetaData: m}
}

func (w *Worker) processVerify(job *Job) Result {
	f, err := os.Open(job.Path)
	if err != nil {
		return Result{Job: job, Outcome: Failed, Err: &errs.FatalHashError{Path: job.Path, Err: err}}
	}
	defer f.Close()

	if _, err := f.Seek(int64(job.Begin), io.SeekStart); err != nil {
		return Result{Job: job, Outcome: Failed, Err: &errs.FatalHashError{Path: job.Path, Err: err}}
	}

	digest := xhash.NewDigest(job.RefHash.Algo())
	remaining := job.End - job.Begin + 1
	buf := make([]byte, readBufferSize)
	start := time.Now()
	var total uint64
	for remaining > 0 {
		if !job.isValid() {
			return Result{Job: job, Outcome: Invalidated}
		}
		want := uint64(len(buf))
		if remaining < want {
			want = remaining
		}
		n, readErr := f.Read(buf[:want])
		if n > 0 {
			digest.Write(buf[:n])
			remaining -= uint64(n)
			total += uint64(n)
		}
		if readErr != nil && readErr != io.EOF {
			return Result{Job: job, Outcome: Failed, Err: &errs.FatalHashError{Path: job.Path, Err: readErr}}
		}
		if readErr == io.EOF && remaining > 0 {
			return Result{Job: job, Outcome: Failed, Err: &errs.FatalHashError{Path: job.Path, Err: io.ErrUnexpectedEOF}}
		}
	}
	w.recordProgress(total, time.Since(start))

	got := digest.Sum()
	if !got.Equal(job.RefHash) {
		return Result{Job: job, Outcome: Failed, Err: &errs.HashMismatch{Begin: job.Begin, End: job.End}}
	}
	return Result{Job: job, Outcome: Verified}
}

func (w *Worker) recordProgress(bytes uint64, elapsed time.Duration) {
	w.mu.Lock()
	w.bytesHashed += bytes
	w.timeHashed += elapsed
	w.mu.Unlock()
}
