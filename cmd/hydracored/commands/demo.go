package commands

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/swarmcore/hydracore/internal/ioworker"
	"github.com/swarmcore/hydracore/internal/logging"
	"github.com/swarmcore/hydracore/pkg/eventbus"
	"github.com/swarmcore/hydracore/pkg/hashpipeline"
	"github.com/swarmcore/hydracore/pkg/hashset"
	"github.com/swarmcore/hydracore/pkg/metadb"
	"github.com/swarmcore/hydracore/pkg/partdata"
	"github.com/swarmcore/hydracore/pkg/scheduler"
	"github.com/swarmcore/hydracore/pkg/sharedfile"
	"github.com/swarmcore/hydracore/pkg/uploadqueue"
	"github.com/swarmcore/hydracore/pkg/xhash"
)

func newDemoCmd() *cobra.Command {
	var fileSize int64
	var chunkSize uint32
	var downLimit uint32
	var sourceCount int

	c := &cobra.Command{
		Use:   "demo",
		Short: "Drive one synthetic multi-source download against an in-memory fake network",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd, fileSize, chunkSize, downLimit, sourceCount)
		},
	}
	c.Flags().Int64Var(&fileSize, "size", 512*1024, "synthetic file size in bytes")
	c.Flags().Uint32Var(&chunkSize, "chunk-size", 64*1024, "chunk grid size in bytes")
	c.Flags().Uint32Var(&downLimit, "down-limit", 96*1024, "simulated download bandwidth budget, bytes/sec")
	c.Flags().IntVar(&sourceCount, "sources", 3, "number of simulated peer sources")
	return c
}

// fakeSource is an in-memory stand-in for a protocol module's peer session:
// it owns a cursor into a shared UsedRange and feeds bytes out of content on
// every scheduler grant, exactly the shape a real eDonkey/BitTorrent session
// would drive PartData.GetRange/GetLock through.
type fakeSource struct {
	name      string
	pd        *partdata.PartData
	chunkSize uint32
	content   []byte

	active *partdata.UsedRange
	cursor uint64
}

func (s *fakeSource) recv(amount int) int {
	served := 0
	for served < amount {
		n := s.recvOnce(amount - served)
		if n == 0 {
			break
		}
		served += n
	}
	return served
}

func (s *fakeSource) recvOnce(amount int) int {
	if s.active == nil {
		ur, err := s.pd.GetRange(s.chunkSize, nil)
		if err != nil {
			return 0 // errs.NoNeededParts: nothing left for this peer right now
		}
		s.active = ur
		s.cursor = ur.Begin()
	}

	remaining := s.active.End() - s.cursor + 1
	want := uint64(amount)
	if want > remaining {
		want = remaining
	}
	if want == 0 {
		return 0
	}

	lock, err := s.active.GetLock(s.cursor, s.cursor+want-1)
	if err != nil {
		return 0
	}
	if err := lock.Write(s.cursor, s.content[s.cursor:s.cursor+want]); err != nil {
		lock.Release()
		return 0
	}
	lock.Release()
	s.cursor += want

	if s.cursor > s.active.End() {
		ur := s.active
		s.active = nil
		var refHash xhash.Hash
		for _, c := range ur.Chunks() {
			refHash = c.RefHash
		}
		ur.Release()
		s.pd.Verify(ur.Begin(), ur.End(), refHash, true)
	}
	return int(want)
}

func runDemo(cmd *cobra.Command, fileSize int64, chunkSize, downLimit uint32, sourceCount int) error {
	logger := logging.New(logging.LevelInfo, logging.FormatText, cmd.OutOrStdout())
	log := logging.Component(logger, "demo")

	content := make([]byte, fileSize)
	rng := rand.New(rand.NewSource(1))
	rng.Read(content)

	chunkCount := hashset.ChunkCountFor(uint64(fileSize), chunkSize)
	chunkHashes := make([]xhash.Hash, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		begin := uint64(i) * uint64(chunkSize)
		end := begin + uint64(chunkSize)
		if end > uint64(fileSize) {
			end = uint64(fileSize)
		}
		chunkHashes = append(chunkHashes, xhash.SumAll(xhash.AlgoMD4, content[begin:end]))
	}
	fileHash := xhash.SumAll(xhash.AlgoMD4, content)
	hs := hashset.HashSet{FileAlgo: xhash.AlgoMD4, ChunkAlgo: xhash.AlgoMD4, ChunkSize: chunkSize, FileHash: fileHash, Chunks: chunkHashes}

	dir, err := os.MkdirTemp("", "hydracored-demo")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)
	destPath := filepath.Join(dir, "demo.bin")

	bus := eventbus.New()
	bus.Subscribe("download.progress", func(ev eventbus.Event) {
		log.Infof("progress: %v", ev)
	})

	completed := make(chan struct{})
	pd, err := partdata.Create(destPath, uint64(fileSize), []hashset.HashSet{hs}, partdata.WithAdjacentChunkBound(0), partdata.WithEventHandler(partdata.EventHandler{
		Completed: func() { close(completed) },
	}))
	if err != nil {
		return fmt.Errorf("create partdata: %w", err)
	}

	worker := ioworker.New(sourceCount)
	worker.Start()
	defer worker.Stop()

	cfg := scheduler.DefaultConfig()
	cfg.DownSpeedLimit = downLimit
	sched := scheduler.New(cfg)

	sources := make([]*fakeSource, sourceCount)
	for i := range sources {
		sources[i] = &fakeSource{name: fmt.Sprintf("peer-%d", i+1), pd: pd, chunkSize: chunkSize, content: content}
		pd.MarkAvailable(chunkSize, 0, uint64(fileSize)-1)
		score := float64(sourceCount - i)
		sched.AddDownload(scheduler.NewDownloadRequest(score, sources[i].recv))
	}

	creditStore := uploadqueue.NewCreditStore()
	queue := uploadqueue.NewQueue(creditStore)
	queue.SetSlots(2)
	for i := range sources {
		queue.Ask(sources[i].name)
	}
	queue.Resort(time.Now())

	start := time.Now()
	tick := 0
	for {
		select {
		case <-completed:
			goto done
		default:
		}
		sched.Tick(time.Unix(int64(tick), 0))
		bus.Publish("download.progress", fmt.Sprintf("%s / %s", humanize.Bytes(pd.Completed()), humanize.Bytes(uint64(fileSize))))
		tick++
		if tick > 10000 {
			return fmt.Errorf("demo download did not complete within %d ticks", tick)
		}
	}
done:
	elapsed := time.Since(start)

	job := hashpipeline.NewFullHashJob(destPath, []xhash.Algo{xhash.AlgoMD4, xhash.AlgoSHA1})
	worker.Submit(ioworker.NewHashWork(job))
	var meta *metadb.MetaData
	for meta == nil {
		for _, c := range worker.DrainCompletions() {
			if c.Work.Kind == ioworker.WorkHash && c.HashResult.Outcome == hashpipeline.Verified {
				meta = c.HashResult.MetaData
			}
		}
		if meta == nil {
			time.Sleep(time.Millisecond)
		}
	}

	db := metadb.NewDb()
	db.Insert(meta)

	sf := sharedfile.New(destPath, uint64(fileSize))
	sf.SetMetaData(meta)
	files := sharedfile.NewFilesList()
	files.Add(sf)

	log.Infof("download complete: %s in %s across %d sources", humanize.Bytes(uint64(fileSize)), elapsed, sourceCount)
	log.Infof("metadata indexed: %d name(s), %d hashset(s)", len(meta.Names()), len(meta.HashSets()))
	log.Infof("upload queue ranks after resort: %v", rankSummary(queue, sources))

	return nil
}

func rankSummary(q *uploadqueue.Queue, sources []*fakeSource) string {
	out := ""
	for _, s := range sources {
		e := q.Get(s.name)
		if e == nil {
			continue
		}
		out += fmt.Sprintf("%s=#%d ", s.name, e.Rank())
	}
	return out
}
