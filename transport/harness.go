package transport

import (
	"sync"
	"time"

	"pbftsim/pbft"
)

// Harness injects sender-side faults for tests: dropped messages,
// delayed (reordered) delivery, equivocating mutations, and forged
// authenticators. It lives entirely in the transport so the protocol
// engine stays free of test conditionals.
//
// Hook order on Send: drop → mutate → sign → forge. Mutations run
// before signing so an equivocating primary still produces valid MACs;
// forgery runs after signing so the receiver sees a bad one.
type Harness struct {
	mu       sync.Mutex
	dropFn   func(to pbft.ReplicaID, msg pbft.Message) bool
	delayFn  func(to pbft.ReplicaID, msg pbft.Message) time.Duration
	mutateFn func(to pbft.ReplicaID, msg pbft.Message) pbft.Message
	forgeFn  func(to pbft.ReplicaID, msg pbft.Message) bool
}

// NewHarness returns a harness with no faults scheduled.
func NewHarness() *Harness { return &Harness{} }

// DropIf drops messages for which f returns true.
func (h *Harness) DropIf(f func(to pbft.ReplicaID, msg pbft.Message) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropFn = f
}

// DelayIf postpones delivery by the returned duration, letting later
// messages overtake.
func (h *Harness) DelayIf(f func(to pbft.ReplicaID, msg pbft.Message) time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delayFn = f
}

// MutateIf substitutes the message before signing. This is how a test
// makes the primary equivocate: hand different payloads to different
// destinations.
func (h *Harness) MutateIf(f func(to pbft.ReplicaID, msg pbft.Message) pbft.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mutateFn = f
}

// ForgeIf corrupts the authenticator after signing for messages where
// f returns true. Receivers must reject these.
func (h *Harness) ForgeIf(f func(to pbft.ReplicaID, msg pbft.Message) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forgeFn = f
}

func (h *Harness) shouldDrop(to pbft.ReplicaID, msg pbft.Message) bool {
	h.mu.Lock()
	f := h.dropFn
	h.mu.Unlock()
	return f != nil && f(to, msg)
}

func (h *Harness) delay(to pbft.ReplicaID, msg pbft.Message) time.Duration {
	h.mu.Lock()
	f := h.delayFn
	h.mu.Unlock()
	if f == nil {
		return 0
	}
	return f(to, msg)
}

func (h *Harness) mutate(to pbft.ReplicaID, msg pbft.Message) pbft.Message {
	h.mu.Lock()
	f := h.mutateFn
	h.mu.Unlock()
	if f == nil {
		return msg
	}
	return f(to, msg)
}

func (h *Harness) shouldForge(to pbft.ReplicaID, msg pbft.Message) bool {
	h.mu.Lock()
	f := h.forgeFn
	h.mu.Unlock()
	return f != nil && f(to, msg)
}
