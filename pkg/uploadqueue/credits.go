// Package uploadqueue implements the per-peer waiting queue and credit
// accounting of spec §4.6: a score-ordered rotation of peers wanting to
// upload from us, backed by a persisted credit store and an optional RSA
// challenge/response trust handshake.
package uploadqueue

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/swarmcore/hydracore/pkg/errs"
)

// oneMiB is the threshold below which a peer's credit score is pinned to
// the floor (spec §3).
const oneMiB = 1 << 20

// idlePruneAfter mirrors creditsdb's prune-on-load window (spec §5.1).
const idlePruneAfter = 5 * 30 * 24 * time.Hour

// Credit is the per-remote-peer accounting record (spec §3).
type Credit struct {
	PeerKey    string // stable identity: peer public key fingerprint, or user-hash fallback
	Uploaded   uint64 // bytes we have sent this peer
	Downloaded uint64 // bytes we have received from this peer
	LastSeen   time.Time
	PublicKey  []byte // DER-encoded RSA public key, optional
}

// Score computes the ED2K-style credit score in [1.0, 10.0] (spec §3/§9):
// 1.0 while less than 1 MiB has been downloaded from the peer, otherwise
// min(2*down/up, sqrt(down_MiB + 2)), with up==0 clamped to the upper
// bound of 10.0 (resolved Open Question, see DESIGN.md).
func (c *Credit) Score() float64 {
	if c.Downloaded < oneMiB {
		return 1.0
	}
	if c.Uploaded == 0 {
		return 10.0
	}
	downMiB := float64(c.Downloaded) / oneMiB
	ratio := 2 * float64(c.Downloaded) / float64(c.Uploaded)
	sqrtCap := math.Sqrt(downMiB + 2)
	score := ratio
	if sqrtCap < score {
		score = sqrtCap
	}
	if score < 1.0 {
		score = 1.0
	}
	if score > 10.0 {
		score = 10.0
	}
	return score
}

// CreditStore is the persisted, process-wide map of peer credit records.
type CreditStore struct {
	mu      sync.RWMutex
	records map[string]*Credit
}

// NewCreditStore returns an empty store.
func NewCreditStore() *CreditStore {
	return &CreditStore{records: make(map[string]*Credit)}
}

// Get returns the record for peerKey, creating one on first use.
func (cs *CreditStore) Get(peerKey string) *Credit {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.records[peerKey]
	if !ok {
		c = &Credit{PeerKey: peerKey, LastSeen: time.Now()}
		cs.records[peerKey] = c
	}
	return c
}

// RecordUpload adds n bytes to peerKey's uploaded-to-them counter.
func (cs *CreditStore) RecordUpload(peerKey string, n uint64) {
	c := cs.Get(peerKey)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c.Uploaded += n
	c.LastSeen = time.Now()
}

// RecordDownload adds n bytes to peerKey's downloaded-from-them counter.
func (cs *CreditStore) RecordDownload(peerKey string, n uint64) {
	c := cs.Get(peerKey)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c.Downloaded += n
	c.LastSeen = time.Now()
}

// Touch updates last-seen without changing counters (spec §4.6: "on any
// handshake").
func (cs *CreditStore) Touch(peerKey string) {
	c := cs.Get(peerKey)
	cs.mu.Lock()
	c.LastSeen = time.Now()
	cs.mu.Unlock()
}

// Count returns the number of tracked peers.
func (cs *CreditStore) Count() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.records)
}

// prune drops entries idle longer than idlePruneAfter, relative to now.
func (cs *CreditStore) prune(now time.Time) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	removed := 0
	for key, c := range cs.records {
		if now.Sub(c.LastSeen) > idlePruneAfter {
			delete(cs.records, key)
			removed++
		}
	}
	return removed
}

const (
	creditVersionLegacy byte = 0x11 // no RSA key
	creditVersionRSA    byte = 0x12 // includes RSA key
	creditKeySlotBytes       = 80
)

// Snapshot persists the store in the clients.met wire form of spec §6,
// for a caller-driven periodic save (spec §5.1: "the 12-minute interval
// itself is an external timer's job").
func (cs *CreditStore) Snapshot(w io.Writer) error {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	if err := binary.Write(w, binary.BigEndian, creditVersionRSA); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(cs.records))); err != nil {
		return err
	}
	for _, c := range cs.records {
		userHash := sha256.Sum256([]byte(c.PeerKey))
		var rec [16]byte
		copy(rec[:], userHash[:16])
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint32(c.Uploaded)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint32(c.Downloaded)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint32(c.LastSeen.Unix())); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint32(c.Uploaded>>32)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint32(c.Downloaded>>32)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint16(0)); err != nil { // reserved
			return err
		}
		var keySlot [creditKeySlotBytes]byte
		keySize := len(c.PublicKey)
		if keySize > creditKeySlotBytes {
			keySize = creditKeySlotBytes
		}
		copy(keySlot[:], c.PublicKey[:keySize])
		if err := binary.Write(w, binary.BigEndian, uint8(keySize)); err != nil {
			return err
		}
		if _, err := w.Write(keySlot[:]); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the clients.met form produced by Snapshot, pruning idle
// entries as it goes (spec §5.1). Each loaded entry's PeerKey is the
// hex-encoded stored 16-byte user-hash, not the key it was saved under.
func Load(r io.Reader, now time.Time) (*CreditStore, error) {
	var version byte
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, &errs.StreamError{Context: "uploadqueue.Load", Err: err}
	}
	if version != creditVersionLegacy && version != creditVersionRSA {
		return nil, &errs.StreamError{Context: "uploadqueue.Load", Err: fmt.Errorf("unsupported version 0x%02x", version)}
	}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, &errs.StreamError{Context: "uploadqueue.Load", Err: err}
	}

	cs := NewCreditStore()
	for i := uint32(0); i < count; i++ {
		var userHash [16]byte
		if _, err := io.ReadFull(r, userHash[:]); err != nil {
			return nil, &errs.StreamError{Context: "uploadqueue.Load", Err: err}
		}
		var upLow, downLow, lastSeen, upHigh, downHigh uint32
		var reserved uint16
		if err := binary.Read(r, binary.BigEndian, &upLow); err != nil {
			return nil, &errs.StreamError{Context: "uploadqueue.Load", Err: err}
		}
		if err := binary.Read(r, binary.BigEndian, &downLow); err != nil {
			return nil, &errs.StreamError{Context: "uploadqueue.Load", Err: err}
		}
		if err := binary.Read(r, binary.BigEndian, &lastSeen); err != nil {
			return nil, &errs.StreamError{Context: "uploadqueue.Load", Err: err}
		}
		if err := binary.Read(r, binary.BigEndian, &upHigh); err != nil {
			return nil, &errs.StreamError{Context: "uploadqueue.Load", Err: err}
		}
		if err := binary.Read(r, binary.BigEndian, &downHigh); err != nil {
			return nil, &errs.StreamError{Context: "uploadqueue.Load", Err: err}
		}
		if err := binary.Read(r, binary.BigEndian, &reserved); err != nil {
			return nil, &errs.StreamError{Context: "uploadqueue.Load", Err: err}
		}
		var keySize uint8
		if err := binary.Read(r, binary.BigEndian, &keySize); err != nil {
			return nil, &errs.StreamError{Context: "uploadqueue.Load", Err: err}
		}
		var keySlot [creditKeySlotBytes]byte
		if _, err := io.ReadFull(r, keySlot[:]); err != nil {
			return nil, &errs.StreamError{Context: "uploadqueue.Load", Err: err}
		}

		c := &Credit{
			PeerKey:    fmt.Sprintf("%x", userHash),
			Uploaded:   uint64(upHigh)<<32 | uint64(upLow),
			Downloaded: uint64(downHigh)<<32 | uint64(downLow),
			LastSeen:   time.Unix(int64(lastSeen), 0).UTC(),
		}
		if keySize > 0 {
			c.PublicKey = append([]byte(nil), keySlot[:keySize]...)
		}
		cs.records[c.PeerKey] = c
	}

	cs.prune(now)
	return cs, nil
}

// LoadFile opens path and loads a CreditStore from it.
func LoadFile(path string) (*CreditStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &errs.DiskError{Path: path, Err: err}
	}
	defer f.Close()
	return Load(f, time.Now())
}

// SnapshotFile persists cs to path.
func SnapshotFile(cs *CreditStore, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return &errs.DiskError{Path: path, Err: err}
	}
	defer f.Close()
	return cs.Snapshot(f)
}

// KeyPair is a peer's persisted RSA identity (spec §4.6's "384-bit RSA by
// default" challenge/response signer).
type KeyPair struct {
	Private *rsa.PrivateKey
}

// GenerateKeyPair creates a fresh 384-bit RSA keypair, generated on first
// use per spec §4.6.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 384)
	if err != nil {
		return nil, fmt.Errorf("uploadqueue: generate keypair: %w", err)
	}
	return &KeyPair{Private: priv}, nil
}

// PublicKeyBytes DER-encodes the keypair's public half for advertisement
// and for storage in a Credit record.
func (kp *KeyPair) PublicKeyBytes() ([]byte, error) {
	return x509.MarshalPKIXPublicKey(&kp.Private.PublicKey)
}

// ChallengeMessage builds the message a peer is asked to sign at handshake
// time: own_public_key || challenge || [ip_type || ip] (spec §4.6).
func ChallengeMessage(ownPublicKey, challenge []byte, ip []byte) []byte {
	var buf bytes.Buffer
	buf.Write(ownPublicKey)
	buf.Write(challenge)
	if ip != nil {
		ipType := byte(4)
		if len(ip) == 16 {
			ipType = 6
		}
		buf.WriteByte(ipType)
		buf.Write(ip)
	}
	return buf.Bytes()
}

// Sign signs message's SHA-256 digest with the keypair's private key.
func (kp *KeyPair) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return rsa.SignPKCS1v15(rand.Reader, kp.Private, 0, digest[:])
}

// VerifySignature verifies sig against message using the peer's advertised
// DER-encoded public key.
func VerifySignature(peerPublicKeyDER, message, sig []byte) error {
	pub, err := x509.ParsePKIXPublicKey(peerPublicKeyDER)
	if err != nil {
		return fmt.Errorf("uploadqueue: parse peer public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("uploadqueue: peer public key is not RSA")
	}
	digest := sha256.Sum256(message)
	return rsa.VerifyPKCS1v15(rsaPub, 0, digest[:], sig)
}
