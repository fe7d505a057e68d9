// Package scheduler implements the network scheduler of spec §4.5: the
// process-wide bandwidth and connection budgeting singleton every protocol
// module expresses intent to, rather than touching sockets directly.
package scheduler

import (
	"net"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Flag is the bitmask a ConnectionRequest's DoConn callback returns.
type Flag int

const (
	FlagRemove  Flag = 1 << iota // request is finished, drop it
	FlagNotify                   // invoke the request's notify callback
	FlagAddConn                  // a new open connection was established
)

const (
	minGrantBytes    = 500             // below this, stop handing out budget this tick (fat packets)
	maxUploadPerStep = 100 * 1024      // upload grants are additionally capped per step
	displayRefresh   = 100 * time.Millisecond
)

// defaultNewConnsPerSec mirrors spec §4.5's platform split.
func defaultNewConnsPerSec() uint32 {
	if runtime.GOOS == "windows" {
		return 9
	}
	return 100
}

// Config is the scheduler's hot-reloadable parameter set (spec §4.5/§6).
type Config struct {
	UpSpeedLimit     uint32 // bytes/sec; 0 is corrected to 25 KiB/s
	DownSpeedLimit   uint32 // bytes/sec; 0 = unlimited
	ConnectionLimit  uint32
	NewConnsPerSec   uint32
	ConnectingLimit  uint32
	ExcludedRanges   []*net.IPNet
}

// DefaultConfig returns spec §4.5's documented defaults.
func DefaultConfig() Config {
	_, loopback, _ := net.ParseCIDR("127.0.0.0/8")
	_, rfc1918a, _ := net.ParseCIDR("10.0.0.0/8")
	_, rfc1918b, _ := net.ParseCIDR("172.16.0.0/12")
	_, rfc1918c, _ := net.ParseCIDR("192.168.0.0/16")
	n := defaultNewConnsPerSec()
	return Config{
		UpSpeedLimit:    25 * 1024,
		DownSpeedLimit:  0,
		ConnectionLimit: 300,
		NewConnsPerSec:  n,
		ConnectingLimit: n,
		ExcludedRanges:  []*net.IPNet{loopback, rfc1918a, rfc1918b, rfc1918c},
	}
}

func (c *Config) normalize() {
	if c.UpSpeedLimit == 0 {
		c.UpSpeedLimit = 25 * 1024
	}
}

// request kinds held privately; exported constructors build *Request values
// with the right callbacks wired, per spec §9's "explicit state-machine
// objects with poll(budget) -> Progress" design note.
type kind int

const (
	kindUpload kind = iota
	kindDownload
	kindConnection
)

// Request is one scheduler entry: a tagged union of UploadRequest,
// DownloadRequest and ConnectionRequest (spec §3), modeled as one struct
// with kind-specific callbacks rather than an interface, so the scheduler's
// list/sort machinery is shared.
type Request struct {
	kind  kind
	seq   uint64
	Score float64
	valid int32

	// Download.
	DoRecv func(amount int) int

	// Upload.
	DoSend  func(amount int) int
	Pending func() int

	// Connection.
	Outgoing bool
	DoConn   func() Flag

	RemoteAddr net.IP
	OnNotify   func()
}

// NewDownloadRequest builds a download-kind Request.
func NewDownloadRequest(score float64, doRecv func(amount int) int) *Request {
	return &Request{kind: kindDownload, Score: score, DoRecv: doRecv, valid: 1}
}

// NewUploadRequest builds an upload-kind Request.
func NewUploadRequest(score float64, doSend func(amount int) int, pending func() int) *Request {
	return &Request{kind: kindUpload, Score: score, DoSend: doSend, Pending: pending, valid: 1}
}

// NewConnectionRequest builds a connection-kind Request.
func NewConnectionRequest(score float64, outgoing bool, doConn func() Flag) *Request {
	return &Request{kind: kindConnection, Score: score, Outgoing: outgoing, DoConn: doConn, valid: 1}
}

// Invalidate marks the request for removal at its next visit.
func (r *Request) Invalidate() { atomic.StoreInt32(&r.valid, 0) }

func (r *Request) isValid() bool { return atomic.LoadInt32(&r.valid) == 1 }

// Scheduler is the process-wide bandwidth/connection budgeting singleton.
type Scheduler struct {
	mu sync.Mutex

	cfg Config

	nextSeq     uint64
	uploads     []*Request
	downloads   []*Request
	connections []*Request

	currentUpRate   float64
	currentDownRate float64
	displayUpRate   float64
	displayDownRate float64
	lastTick        time.Time
	lastDisplay     time.Time

	totalUploaded   uint64
	totalDownloaded uint64

	openConnections  int
	inFlightOutgoing int
	lastConnTime     time.Time

	connAllowed  func(addr net.IP) bool
	blockedCount uint64
}

// New creates a Scheduler with cfg (normalized per spec §4.5).
func New(cfg Config) *Scheduler {
	cfg.normalize()
	return &Scheduler{cfg: cfg, connAllowed: func(net.IP) bool { return true }}
}

// SetConfig hot-swaps the configuration (spec §4.5 "hot-reloadable").
func (s *Scheduler) SetConfig(cfg Config) {
	cfg.normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// Config returns the current configuration.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetConnAllowed installs the out-of-band IP-filtering/ban-list hook (spec
// §4.5's "connection allowed predicate").
func (s *Scheduler) SetConnAllowed(f func(addr net.IP) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connAllowed = f
}

// BlockedCount returns how many connection attempts ConnAllowed has refused.
func (s *Scheduler) BlockedCount() uint64 {
	return atomic.LoadUint64(&s.blockedCount)
}

// TotalUploaded and TotalDownloaded are the 64-bit lifetime counters spec
// §4.5 requires.
func (s *Scheduler) TotalUploaded() uint64   { return atomic.LoadUint64(&s.totalUploaded) }
func (s *Scheduler) TotalDownloaded() uint64 { return atomic.LoadUint64(&s.totalDownloaded) }

// AddUpload, AddDownload and AddConnection enqueue a Request; the caller
// keeps its *Request so it can Invalidate it later (e.g. on socket
// disconnection).
func (s *Scheduler) AddUpload(r *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.seq = s.nextSeq
	s.nextSeq++
	s.uploads = append(s.uploads, r)
}

func (s *Scheduler) AddDownload(r *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.seq = s.nextSeq
	s.nextSeq++
	s.downloads = append(s.downloads, r)
}

func (s *Scheduler) AddConnection(r *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.seq = s.nextSeq
	s.nextSeq++
	s.connections = append(s.connections, r)
}

// isExcluded reports whether addr falls inside a configured excluded range
// (spec §4.5's local-traffic carve-out).
func (s *Scheduler) isExcluded(addr net.IP) bool {
	if addr == nil {
		return false
	}
	for _, n := range s.cfg.ExcludedRanges {
		if n != nil && n.Contains(addr) {
			return true
		}
	}
	return false
}

// scoreOrder returns a score-descending, insertion-order-stable copy of
// list (spec §5: "equal scores are serviced in insertion order").
func scoreOrder(list []*Request) []*Request {
	out := make([]*Request, len(list))
	copy(out, list)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func removeInvalid(list []*Request) []*Request {
	out := list[:0:0]
	for _, r := range list {
		if r.isValid() {
			out = append(out, r)
		}
	}
	return out
}

// Tick runs one main-loop iteration (spec §4.5's five numbered steps).
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dt := time.Second
	if !s.lastTick.IsZero() {
		if d := now.Sub(s.lastTick); d > 0 {
			dt = d
		}
	}
	s.lastTick = now

	s.downloads = removeInvalid(s.downloads)
	s.uploads = removeInvalid(s.uploads)
	s.connections = removeInvalid(s.connections)

	downConsumed := s.runTransferPhase(s.downloads, s.cfg.DownSpeedLimit, s.currentDownRate, false)
	s.downloads = removeInvalid(s.downloads)
	atomic.AddUint64(&s.totalDownloaded, uint64(downConsumed))

	upConsumed := s.runTransferPhase(s.uploads, s.cfg.UpSpeedLimit, s.currentUpRate, true)
	s.uploads = removeInvalid(s.uploads)
	atomic.AddUint64(&s.totalUploaded, uint64(upConsumed))

	s.currentDownRate = blend(s.currentDownRate, float64(downConsumed)/dt.Seconds())
	s.currentUpRate = blend(s.currentUpRate, float64(upConsumed)/dt.Seconds())

	s.runConnectionPhase(now)

	if s.lastDisplay.IsZero() || now.Sub(s.lastDisplay) >= displayRefresh {
		s.displayDownRate = blend(s.displayDownRate*0.9, s.currentDownRate*0.1)
		s.displayUpRate = blend(s.displayUpRate*0.9, s.currentUpRate*0.1)
		s.lastDisplay = now
	}
}

func blend(prev, next float64) float64 {
	return prev*0.7 + next*0.3
}

// runTransferPhase implements steps 2/3 of spec §4.5: a limit of 0 (down
// only) means unlimited: treat as no cap.
func (s *Scheduler) runTransferPhase(list []*Request, limit uint32, currentRate float64, isUpload bool) int {
	var free float64
	if limit == 0 && !isUpload {
		free = 1 << 30 // effectively unlimited for this tick
	} else {
		free = float64(limit) - currentRate
		if free < 0 {
			free = 0
		}
	}

	ordered := scoreOrder(list)
	remaining := len(ordered)
	var totalConsumed int

	for _, r := range ordered {
		if remaining <= 0 {
			break
		}
		if !r.isValid() {
			remaining--
			continue
		}
		amount := int(free) / remaining
		if amount < minGrantBytes {
			break
		}
		if isUpload && amount > maxUploadPerStep {
			amount = maxUploadPerStep
		}

		var consumed int
		if isUpload {
			consumed = r.DoSend(amount)
		} else {
			consumed = r.DoRecv(amount)
		}
		if consumed < 0 {
			consumed = 0
		}
		// Local traffic (spec §4.5's excluded-ranges carve-out) is serviced
		// like any other request but never charged against the shared rate
		// budget or the lifetime/rate counters that feed it.
		if !s.isExcluded(r.RemoteAddr) {
			totalConsumed += consumed
			free -= float64(consumed)
		}
		remaining--

		finished := false
		if isUpload {
			finished = r.Pending != nil && r.Pending() == 0
		} else {
			finished = consumed < amount
		}
		if finished {
			r.Invalidate()
		}
		if r.OnNotify != nil {
			r.OnNotify()
		}
	}
	return totalConsumed
}

// runConnectionPhase implements step 4 of spec §4.5.
func (s *Scheduler) runConnectionPhase(now time.Time) {
	ordered := scoreOrder(s.connections)
	minInterval := time.Duration(0)
	if s.cfg.NewConnsPerSec > 0 {
		minInterval = time.Second / time.Duration(s.cfg.NewConnsPerSec)
	}

	for _, r := range ordered {
		if !r.isValid() {
			continue
		}
		if r.RemoteAddr != nil && !s.connAllowed(r.RemoteAddr) {
			atomic.AddUint64(&s.blockedCount, 1)
			r.Invalidate()
			continue
		}

		if uint32(s.openConnections) >= s.cfg.ConnectionLimit {
			break
		}
		if r.Outgoing {
			if uint32(s.inFlightOutgoing) >= s.cfg.ConnectingLimit {
				break
			}
			if !s.lastConnTime.IsZero() && now.Sub(s.lastConnTime) < minInterval {
				break
			}
		}

		flags := r.DoConn()
		if r.Outgoing {
			s.lastConnTime = now
		}
		if flags&FlagAddConn != 0 {
			s.openConnections++
		}
		if flags&FlagNotify != 0 && r.OnNotify != nil {
			r.OnNotify()
		}
		if flags&FlagRemove != 0 {
			r.Invalidate()
		}
	}
	s.connections = removeInvalid(s.connections)
}

// DisplayRates returns the smoothed down/up rates for UI reporting.
func (s *Scheduler) DisplayRates() (down, up float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayDownRate, s.displayUpRate
}

// ConnectionClosed decrements the open-connection counter; callers invoke
// this when a socket the scheduler granted is torn down.
func (s *Scheduler) ConnectionClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openConnections > 0 {
		s.openConnections--
	}
}
