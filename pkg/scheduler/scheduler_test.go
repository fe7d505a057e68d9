package scheduler

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingCounter(total int) (send func(amount int) int, pending func() int) {
	remaining := total
	send = func(amount int) int {
		consumed := amount
		if consumed > remaining {
			consumed = remaining
		}
		remaining -= consumed
		return consumed
	}
	pending = func() int { return remaining }
	return
}

func TestScenario5UploadBudgetFairShare(t *testing.T) {
	s := New(Config{UpSpeedLimit: 50000, ConnectionLimit: 300, NewConnsPerSec: 100, ConnectingLimit: 100})

	send1, pend1 := pendingCounter(100000)
	send2, pend2 := pendingCounter(100000)
	send3, pend3 := pendingCounter(100000)

	var consumed [3]int
	r1 := NewUploadRequest(3.0, func(amount int) int { c := send1(amount); consumed[0] += c; return c }, pend1)
	r2 := NewUploadRequest(2.0, func(amount int) int { c := send2(amount); consumed[1] += c; return c }, pend2)
	r3 := NewUploadRequest(1.0, func(amount int) int { c := send3(amount); consumed[2] += c; return c }, pend3)
	s.AddUpload(r1)
	s.AddUpload(r2)
	s.AddUpload(r3)

	s.Tick(time.Unix(0, 0))

	total := consumed[0] + consumed[1] + consumed[2]
	assert.InDelta(t, 50000, total, 10)
	for _, c := range consumed {
		assert.InDelta(t, 16666, c, 10)
	}
}

func TestP9HigherScoredVisitedFirstRemainderToLower(t *testing.T) {
	s := New(Config{UpSpeedLimit: 1000, ConnectionLimit: 300, NewConnsPerSec: 100, ConnectingLimit: 100})

	send1, pend1 := pendingCounter(100) // request 1 only wants 100 bytes total
	send2, pend2 := pendingCounter(100000)

	var visited []string
	r1 := NewUploadRequest(3.0, func(amount int) int {
		visited = append(visited, "r1")
		return send1(amount)
	}, pend1)
	r2 := NewUploadRequest(1.0, func(amount int) int {
		visited = append(visited, "r2")
		return send2(amount)
	}, pend2)
	s.AddUpload(r2) // insert lower-scored first to prove ordering comes from score, not insertion
	s.AddUpload(r1)

	s.Tick(time.Unix(0, 0))

	require.Len(t, visited, 2)
	assert.Equal(t, "r1", visited[0])
	assert.Equal(t, 0, pend1())
	// r1 only consumed 100 of its granted 500; the remaining 900 of the
	// 1000 budget must have gone to r2.
	assert.GreaterOrEqual(t, 100000-pend2(), 900)
}

func TestEqualScoresServicedInInsertionOrder(t *testing.T) {
	s := New(Config{UpSpeedLimit: 3000, ConnectionLimit: 300, NewConnsPerSec: 100, ConnectingLimit: 100})
	var order []int
	mk := func(id int) *Request {
		return NewUploadRequest(5.0, func(amount int) int {
			order = append(order, id)
			return amount
		}, func() int { return 1 })
	}
	r1, r2, r3 := mk(1), mk(2), mk(3)
	s.AddUpload(r1)
	s.AddUpload(r2)
	s.AddUpload(r3)

	s.Tick(time.Unix(0, 0))

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestDownloadStopsWhenUnderMinGrant(t *testing.T) {
	s := New(Config{UpSpeedLimit: 25000, DownSpeedLimit: 100, ConnectionLimit: 300, NewConnsPerSec: 100, ConnectingLimit: 100})

	calls := 0
	for i := 0; i < 10; i++ {
		s.AddDownload(NewDownloadRequest(1.0, func(amount int) int {
			calls++
			return amount
		}))
	}
	s.Tick(time.Unix(0, 0))
	// free=100, 10 requests -> amount=10 < 500, loop must break immediately
	// without invoking any DoRecv.
	assert.Equal(t, 0, calls)
}

func TestConnectionPhaseRespectsLimitsAndStopsRatherThanSkips(t *testing.T) {
	s := New(Config{UpSpeedLimit: 25000, ConnectionLimit: 1, NewConnsPerSec: 100, ConnectingLimit: 100})

	var granted []int
	r1 := NewConnectionRequest(2.0, false, func() Flag {
		granted = append(granted, 1)
		return FlagAddConn
	})
	r2 := NewConnectionRequest(1.0, false, func() Flag {
		granted = append(granted, 2)
		return FlagAddConn
	})
	s.AddConnection(r1)
	s.AddConnection(r2)

	s.Tick(time.Unix(0, 0))

	// ConnectionLimit=1: only the higher-scored request should be granted;
	// the loop must break (not skip) once the budget is exhausted.
	assert.Equal(t, []int{1}, granted)
}

func TestConnAllowedHookIncrementsBlockedCount(t *testing.T) {
	s := New(Config{UpSpeedLimit: 25000, ConnectionLimit: 300, NewConnsPerSec: 100, ConnectingLimit: 100})
	s.SetConnAllowed(func(addr net.IP) bool { return false })

	called := false
	r := NewConnectionRequest(1.0, true, func() Flag {
		called = true
		return FlagAddConn
	})
	r.RemoteAddr = net.ParseIP("203.0.113.5")
	s.AddConnection(r)

	s.Tick(time.Unix(0, 0))

	assert.False(t, called)
	assert.Equal(t, uint64(1), s.BlockedCount())
}

func TestDefaultConfigExcludesLoopback(t *testing.T) {
	cfg := DefaultConfig()
	s := New(cfg)
	assert.True(t, s.isExcluded(net.ParseIP("127.0.0.1")))
	assert.True(t, s.isExcluded(net.ParseIP("192.168.1.1")))
	assert.False(t, s.isExcluded(net.ParseIP("8.8.8.8")))
}
