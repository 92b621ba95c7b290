package pbft

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Authenticator signs outbound messages per destination and verifies
// inbound ones against the claimed sender. The simulator models the
// PBFT MAC vector as one MAC per point-to-point link.
type Authenticator interface {
	Sign(to ReplicaID, payload []byte) []byte
	Verify(from ReplicaID, payload, mac []byte) bool
}

// NopAuthenticator accepts everything. Used by in-process tests that
// exercise pure protocol logic.
type NopAuthenticator struct{}

// Sign returns an empty authenticator.
func (NopAuthenticator) Sign(to ReplicaID, payload []byte) []byte { return nil }

// Verify always succeeds.
func (NopAuthenticator) Verify(from ReplicaID, payload, mac []byte) bool { return true }

// MACAuthenticator derives a pairwise key for every replica pair from
// a shared cluster secret and MACs messages with keyed blake2b.
type MACAuthenticator struct {
	self ReplicaID
	keys map[ReplicaID][]byte
}

// NewMACAuthenticator builds the key table for replica self in a
// cluster of n replicas.
func NewMACAuthenticator(self ReplicaID, n int, secret string) *MACAuthenticator {
	a := &MACAuthenticator{
		self: self,
		keys: make(map[ReplicaID][]byte),
	}
	for id := 0; id < n; id++ {
		a.keys[ReplicaID(id)] = pairKey(secret, self, ReplicaID(id))
	}
	return a
}

// pairKey is symmetric in the two ids so both ends derive the same key.
func pairKey(secret string, a, b ReplicaID) []byte {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	k := blake2b.Sum256([]byte(fmt.Sprintf("%s|%d|%d", secret, lo, hi)))
	return k[:]
}

// Sign MACs the payload with the key shared with the destination.
func (a *MACAuthenticator) Sign(to ReplicaID, payload []byte) []byte {
	key, ok := a.keys[to]
	if !ok {
		return nil
	}
	h, err := blake2b.New256(key)
	if err != nil {
		return nil
	}
	h.Write(payload)
	return h.Sum(nil)
}

// Verify checks the MAC against the key shared with the claimed sender.
func (a *MACAuthenticator) Verify(from ReplicaID, payload, mac []byte) bool {
	key, ok := a.keys[from]
	if !ok {
		return false
	}
	h, err := blake2b.New256(key)
	if err != nil {
		return false
	}
	h.Write(payload)
	return subtle.ConstantTimeCompare(h.Sum(nil), mac) == 1
}
