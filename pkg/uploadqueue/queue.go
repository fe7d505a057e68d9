package uploadqueue

import (
	"sort"
	"sync"
	"time"
)

// SessionByteBudget is the fixed per-session upload cap (spec §4.6): the
// peer rotates to the queue tail once it has received this many bytes,
// chosen so a full run of hash-algorithm-aligned chunks completes.
const SessionByteBudget = 9_540_000

// GraceWindow is how long a queued peer may go without re-asking before
// being dropped at the next resort (spec §4.6: "≈ 1 hour").
const GraceWindow = time.Hour

// DefaultResortInterval is the fixed interval implementers assume absent
// explicit guidance from the source (resolved Open Question #2, see
// DESIGN.md); Resort() additionally lets a caller trigger an early resort
// when a request's score changes.
const DefaultResortInterval = 30 * time.Second

// BaseScore is the module-independent contribution to a queue entry's
// score (spec §4.6: score = base_score + credit_score(peer)).
const BaseScore = 0.0

// Entry is one peer waiting in (or actively uploading from) the queue.
type Entry struct {
	PeerKey      string
	lastAsked    time.Time
	sessionBytes uint64
	uploading    bool
	rank         int
}

// Rank returns the entry's last-computed queue position (1-based), written
// back so the peer can be told where it stands.
func (e *Entry) Rank() int { return e.rank }

// IsUploading reports whether this entry currently holds one of the K
// promoted upload slots.
func (e *Entry) IsUploading() bool { return e.uploading }

// SessionBytes returns bytes sent to this peer in its current session.
func (e *Entry) SessionBytes() uint64 { return e.sessionBytes }

// Queue is the per-module upload waiting list (spec §4.6). Policies are
// generic; a separate Queue is created per protocol module.
type Queue struct {
	mu          sync.Mutex
	credits     *CreditStore
	entries     map[string]*Entry
	insertOrder []string // first-asked order, the tie-break basis for Resort
	order       []*Entry // score-descending as of the last resort

	slots int // K, driven externally by the scheduler

	lastResort time.Time
}

// NewQueue creates a Queue backed by credits for scoring.
func NewQueue(credits *CreditStore) *Queue {
	return &Queue{
		credits: credits,
		entries: make(map[string]*Entry),
		slots:   1,
	}
}

// Ask registers (or refreshes) a peer's request to upload from us.
func (q *Queue) Ask(peerKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[peerKey]
	if !ok {
		e = &Entry{PeerKey: peerKey}
		q.entries[peerKey] = e
		q.insertOrder = append(q.insertOrder, peerKey)
	}
	e.lastAsked = time.Now()
}

// SetSlots sets K, the number of peers promoted to uploading. The
// scheduler drives this: incrementing when actual upload rate sits well
// below the configured limit, holding when a new slot would exceed budget
// (spec §4.6).
func (q *Queue) SetSlots(k int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if k < 0 {
		k = 0
	}
	q.slots = k
}

// Len returns the number of peers currently tracked.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Get returns the entry for peerKey, or nil.
func (q *Queue) Get(peerKey string) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries[peerKey]
}

// Resort re-sorts the queue by score = BaseScore + credit_score(peer),
// drops peers outside their grace window, and promotes the top K entries
// to uploading. Called both on DefaultResortInterval and on demand when a
// scoring event fires (credit update, peer reconnect) — spec §4.6 and the
// resolved Open Question #2.
func (q *Queue) Resort(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastResort = now

	for key, e := range q.entries {
		if e.uploading {
			continue // an active session is not dropped for going quiet
		}
		if !e.lastAsked.IsZero() && now.Sub(e.lastAsked) > GraceWindow {
			delete(q.entries, key)
		}
	}

	ordered := make([]*Entry, 0, len(q.entries))
	live := q.insertOrder[:0:0]
	for _, key := range q.insertOrder {
		e, ok := q.entries[key]
		if !ok {
			continue // dropped above, or never existed
		}
		live = append(live, key)
		ordered = append(ordered, e)
	}
	q.insertOrder = live
	sort.SliceStable(ordered, func(i, j int) bool {
		return q.score(ordered[i]) > q.score(ordered[j])
	})
	for i, e := range ordered {
		e.rank = i + 1
	}
	q.order = ordered

	for i, e := range ordered {
		e.uploading = i < q.slots
	}
}

func (q *Queue) score(e *Entry) float64 {
	return BaseScore + q.credits.Get(e.PeerKey).Score()
}

// ShouldResort reports whether DefaultResortInterval has elapsed since the
// last resort.
func (q *Queue) ShouldResort(now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastResort.IsZero() || now.Sub(q.lastResort) >= DefaultResortInterval
}

// Uploading returns the peers currently promoted to uploading, in rank
// order.
func (q *Queue) Uploading() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Entry
	for _, e := range q.order {
		if e.uploading {
			out = append(out, e)
		}
	}
	return out
}

// RecordSent adds n bytes to peerKey's current session total, rotating it
// back to the tail once SessionByteBudget is reached (spec §4.6).
func (q *Queue) RecordSent(peerKey string, n uint64) {
	q.mu.Lock()
	e, ok := q.entries[peerKey]
	q.mu.Unlock()
	if !ok {
		return
	}
	q.credits.RecordUpload(peerKey, n)

	q.mu.Lock()
	e.sessionBytes += n
	if e.sessionBytes >= SessionByteBudget {
		e.sessionBytes = 0
		e.uploading = false
		e.lastAsked = time.Now()
		q.moveToTailLocked(peerKey)
	}
	q.mu.Unlock()
}

// moveToTailLocked re-appends peerKey at the end of insertOrder, so a peer
// that just exhausted its session budget loses its tie-break priority to
// every other entry tied at the same score (spec §4.6: "rotated back into
// the queue tail"). Caller must hold q.mu.
func (q *Queue) moveToTailLocked(peerKey string) {
	for i, key := range q.insertOrder {
		if key == peerKey {
			q.insertOrder = append(q.insertOrder[:i], q.insertOrder[i+1:]...)
			break
		}
	}
	q.insertOrder = append(q.insertOrder, peerKey)
}
