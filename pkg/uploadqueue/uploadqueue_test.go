package uploadqueue

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestP10CreditScoreBounds(t *testing.T) {
	c := &Credit{}
	assert.Equal(t, 1.0, c.Score(), "below 1 MiB downloaded must clamp to the floor")

	c.Downloaded = 2 * oneMiB
	c.Uploaded = 0
	assert.Equal(t, 10.0, c.Score(), "up==0 clamps to the ceiling")

	c.Uploaded = uint64(float64(c.Downloaded) * 4) // ratio well under 1
	score := c.Score()
	assert.GreaterOrEqual(t, score, 1.0)
	assert.LessOrEqual(t, score, 10.0)
}

func TestP10MonotonicCounters(t *testing.T) {
	cs := NewCreditStore()
	cs.RecordUpload("peer1", 100)
	cs.RecordUpload("peer1", 50)
	cs.RecordDownload("peer1", 10)

	c := cs.Get("peer1")
	assert.Equal(t, uint64(150), c.Uploaded)
	assert.Equal(t, uint64(10), c.Downloaded)
}

func TestCreditStoreSnapshotLoadRoundTrip(t *testing.T) {
	cs := NewCreditStore()
	cs.RecordUpload("peer-a", 1000)
	cs.RecordDownload("peer-a", 2_000_000)

	var buf bytes.Buffer
	require.NoError(t, cs.Snapshot(&buf))

	loaded, err := Load(&buf, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Count())
}

func TestCreditStoreLoadPrunesIdleEntries(t *testing.T) {
	cs := NewCreditStore()
	cs.RecordUpload("stale", 1)
	cs.Get("stale").LastSeen = time.Now().Add(-6 * 30 * 24 * time.Hour)

	var buf bytes.Buffer
	require.NoError(t, cs.Snapshot(&buf))

	loaded, err := Load(&buf, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.Count())
}

func TestScenario6QueueRotation(t *testing.T) {
	cs := NewCreditStore()
	cs.Get("A").Downloaded = 2 * oneMiB
	cs.Get("A").Uploaded = 1 // ratio huge -> clamps to sqrt(2+2) = 2.0, above B and C
	cs.Get("B") // defaults: below 1 MiB downloaded -> score 1.0
	cs.Get("C")

	q := NewQueue(cs)
	q.SetSlots(1)
	now := time.Now()
	q.Ask("A")
	q.Ask("B")
	q.Ask("C")
	q.Resort(now)

	uploading := q.Uploading()
	require.Len(t, uploading, 1)
	assert.Equal(t, "A", uploading[0].PeerKey)

	q.RecordSent("A", SessionByteBudget)
	assert.Equal(t, uint64(0), q.Get("A").SessionBytes())
	assert.False(t, q.Get("A").IsUploading())

	q.Resort(now.Add(time.Second))
	uploadingAfter := q.Uploading()
	require.Len(t, uploadingAfter, 1)
	assert.Contains(t, []string{"B", "C"}, uploadingAfter[0].PeerKey)

	// A rotated behind both tied peers: third of three.
	assert.Equal(t, 3, q.Get("A").Rank())
}

func TestGraceWindowDropsStaleEntries(t *testing.T) {
	cs := NewCreditStore()
	q := NewQueue(cs)
	q.Ask("ghost")
	q.Get("ghost").lastAsked = time.Now().Add(-2 * GraceWindow)

	q.Resort(time.Now())
	assert.Nil(t, q.Get("ghost"))
}

func TestKeyPairSignAndVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	pub, err := kp.PublicKeyBytes()
	require.NoError(t, err)

	msg := ChallengeMessage(pub, []byte("challenge-bytes"), []byte{192, 0, 2, 1})
	sig, err := kp.Sign(msg)
	require.NoError(t, err)

	require.NoError(t, VerifySignature(pub, msg, sig))
	assert.Error(t, VerifySignature(pub, append(msg, 0x00), sig))
}
