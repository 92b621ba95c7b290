package pbft

import (
	"errors"
	"fmt"
)

// Protocol failure conditions. Transport-level trouble never shows up
// here; missing messages are the normal input.
var (
	// ErrEquivocation reports a primary that sent two different
	// digests for the same (view, seq).
	ErrEquivocation = errors.New("pbft: conflicting pre-prepare digests")

	// ErrOutOfOrderExecute reports an attempt to execute a slot out of
	// sequence. This is a programming error, not a protocol event.
	ErrOutOfOrderExecute = errors.New("pbft: execution out of order")

	// ErrUnknownView reports a message whose view does not match the
	// store's. The caller decides whether to drop or buffer.
	ErrUnknownView = errors.New("pbft: view mismatch")

	// ErrStaleView reports a message from a view already left behind.
	ErrStaleView = errors.New("pbft: stale view")

	// ErrUnknownSender reports a sender id outside [0, n).
	ErrUnknownSender = errors.New("pbft: unknown sender")
)

type slotKey struct {
	view View
	seq  SeqNum
}

// Slot tracks one (view, seq) position of the ordered log: the single
// accepted PRE-PREPARE and the distinct-sender vote sets. Distinct
// sender maps rather than counters so replayed votes cannot double
// count.
type Slot struct {
	PrePrepare *PrePrepareMsg
	Prepares   map[ReplicaID]Digest
	Commits    map[ReplicaID]Digest

	PrePrepared    bool
	Prepared       bool
	CommittedLocal bool
	Executed       bool
}

func newSlot() *Slot {
	return &Slot{
		Prepares: make(map[ReplicaID]Digest),
		Commits:  make(map[ReplicaID]Digest),
	}
}

type replyKey struct {
	clientID  string
	timestamp int64
}

// State is the in-memory replica log and state store. It is mutated
// only by the protocol engine, from a single goroutine; there is no
// internal locking.
type State struct {
	self ReplicaID
	n    int
	f    int

	view         View
	seqCursor    SeqNum
	lastExecuted SeqNum

	slots   map[slotKey]*Slot
	replies map[replyKey]*ReplyMsg
}

// NewState creates an empty store for replica self in view 0.
func NewState(self ReplicaID, n, f int) *State {
	return &State{
		self:         self,
		n:            n,
		f:            f,
		lastExecuted: -1,
		slots:        make(map[slotKey]*Slot),
		replies:      make(map[replyKey]*ReplyMsg),
	}
}

// View returns the current view.
func (s *State) View() View { return s.view }

// Primary returns the primary of the given view.
func (s *State) Primary(v View) ReplicaID {
	return ReplicaID(int64(v) % int64(s.n))
}

// IsPrimary reports whether this replica leads the current view.
func (s *State) IsPrimary() bool { return s.Primary(s.view) == s.self }

// NextSeq allocates the next sequence number. Primary only; numbers
// are never reused within a view.
func (s *State) NextSeq() SeqNum {
	seq := s.seqCursor
	s.seqCursor++
	return seq
}

// LastExecuted returns the highest executed sequence number, or -1.
func (s *State) LastExecuted() SeqNum { return s.lastExecuted }

func (s *State) slot(v View, seq SeqNum) *Slot {
	key := slotKey{v, seq}
	sl, ok := s.slots[key]
	if !ok {
		sl = newSlot()
		s.slots[key] = sl
	}
	return sl
}

// Slot returns the tracked slot for (v, seq), or nil if nothing has
// been logged there.
func (s *State) Slot(v View, seq SeqNum) *Slot {
	return s.slots[slotKey{v, seq}]
}

// AcceptPrePrepare stores the primary's assignment for (v, seq). At
// most one digest is ever accepted per slot; a second, different
// digest is equivocation and the message is rejected. Re-accepting the
// same digest is a no-op.
func (s *State) AcceptPrePrepare(msg *PrePrepareMsg) error {
	if msg.View != s.view {
		return ErrUnknownView
	}
	sl := s.slot(msg.View, msg.Seq)
	if sl.PrePrepare != nil {
		if sl.PrePrepare.Digest != msg.Digest {
			return fmt.Errorf("%w: view %d seq %d has %s, got %s",
				ErrEquivocation, msg.View, msg.Seq, sl.PrePrepare.Digest, msg.Digest)
		}
		return nil
	}
	sl.PrePrepare = msg
	sl.PrePrepared = true
	return nil
}

// AddPrepare records a PREPARE vote and returns how many replicas
// other than self have matching votes for (v, seq, d), plus whether
// the vote was new. Duplicate votes from the same sender do not change
// the count; a sender's first vote wins if it ever conflicts with
// itself.
func (s *State) AddPrepare(sender ReplicaID, v View, seq SeqNum, d Digest) (count int, fresh bool, err error) {
	if v != s.view {
		return 0, false, ErrUnknownView
	}
	sl := s.slot(v, seq)
	if _, seen := sl.Prepares[sender]; !seen {
		sl.Prepares[sender] = d
		fresh = true
	}
	return s.countMatching(sl.Prepares, d, true), fresh, nil
}

// AddCommit records a COMMIT vote and returns how many distinct
// replicas, self included, have matching votes for (v, seq, d), plus
// whether the vote was new.
func (s *State) AddCommit(sender ReplicaID, v View, seq SeqNum, d Digest) (count int, fresh bool, err error) {
	if v != s.view {
		return 0, false, ErrUnknownView
	}
	sl := s.slot(v, seq)
	if _, seen := sl.Commits[sender]; !seen {
		sl.Commits[sender] = d
		fresh = true
	}
	return s.countMatching(sl.Commits, d, false), fresh, nil
}

// PrepareCount returns the matching PREPARE votes from replicas other
// than self at (v, seq).
func (s *State) PrepareCount(v View, seq SeqNum, d Digest) int {
	sl := s.slots[slotKey{v, seq}]
	if sl == nil {
		return 0
	}
	return s.countMatching(sl.Prepares, d, true)
}

// CommitCount returns the matching COMMIT votes, self included, at
// (v, seq).
func (s *State) CommitCount(v View, seq SeqNum, d Digest) int {
	sl := s.slots[slotKey{v, seq}]
	if sl == nil {
		return 0
	}
	return s.countMatching(sl.Commits, d, false)
}

func (s *State) countMatching(votes map[ReplicaID]Digest, d Digest, excludeSelf bool) int {
	count := 0
	for sender, digest := range votes {
		if excludeSelf && sender == s.self {
			continue
		}
		if digest == d {
			count++
		}
	}
	return count
}

// QuorumPrepare is the number of matching PREPAREs from other replicas
// needed on top of the PRE-PREPARE for a prepared certificate.
func (s *State) QuorumPrepare() int { return 2 * s.f }

// QuorumCommit is the number of matching COMMITs, self included,
// needed for a committed certificate.
func (s *State) QuorumCommit() int { return 2*s.f + 1 }

// MarkExecuted flags seq as executed. Execution is strictly contiguous:
// seq must be exactly lastExecuted+1.
func (s *State) MarkExecuted(v View, seq SeqNum) error {
	if seq != s.lastExecuted+1 {
		return fmt.Errorf("%w: seq %d after %d", ErrOutOfOrderExecute, seq, s.lastExecuted)
	}
	sl := s.slot(v, seq)
	sl.Executed = true
	s.lastExecuted = seq
	return nil
}

// CacheReply stores the most recent reply for the request's client.
func (s *State) CacheReply(reply *ReplyMsg) {
	s.replies[replyKey{reply.ClientID, reply.Timestamp}] = reply
}

// CachedReply returns the stored reply for (clientID, timestamp), or
// nil. This is the at-most-once execution guard.
func (s *State) CachedReply(clientID string, timestamp int64) *ReplyMsg {
	return s.replies[replyKey{clientID, timestamp}]
}

// SlotCounts reports how many slots in the current view have reached
// prepared and committed-local, for the status surface.
func (s *State) SlotCounts() (prepared, committed int) {
	for key, sl := range s.slots {
		if key.view != s.view {
			continue
		}
		if sl.Prepared {
			prepared++
		}
		if sl.CommittedLocal {
			committed++
		}
	}
	return prepared, committed
}
