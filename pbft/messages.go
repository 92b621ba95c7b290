package pbft

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ReplicaID identifies a replica. Valid ids are in [0, n).
type ReplicaID int

// View is the current protocol epoch. The primary of view v is v mod n.
type View int64

// SeqNum is the per-view slot index assigned by the primary.
type SeqNum int64

// Digest uniquely identifies a client request.
type Digest [32]byte

// String returns a short hex form for logging.
func (d Digest) String() string {
	return hex.EncodeToString(d[:6])
}

// Request represents a client request: who asked, when (client-local
// monotonic timestamp), and the opaque operation payload.
type Request struct {
	ClientID  string
	Timestamp int64
	Payload   string
}

// Digest computes the collision-resistant hash identifying the request.
// Two requests are equal iff their digests match.
func (r Request) Digest() Digest {
	return blake2b.Sum256([]byte(fmt.Sprintf("%s|%d|%s", r.ClientID, r.Timestamp, r.Payload)))
}

// MsgKind tags the message union.
type MsgKind int

const (
	KindPrePrepare MsgKind = iota
	KindPrepare
	KindCommit
	KindRequest
	KindReply
)

// String returns the protocol name of the kind.
func (k MsgKind) String() string {
	switch k {
	case KindPrePrepare:
		return "PRE-PREPARE"
	case KindPrepare:
		return "PREPARE"
	case KindCommit:
		return "COMMIT"
	case KindRequest:
		return "REQUEST"
	case KindReply:
		return "REPLY"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(k))
}

// MsgMeta is carried by every inter-replica message: the claimed
// sender, the sender's view, and the authenticator over the message
// body (filled in by the transport at send time, per destination).
type MsgMeta struct {
	Sender ReplicaID
	View   View
	Auth   []byte
}

// Meta exposes the shared header for in-place authentication.
func (m *MsgMeta) Meta() *MsgMeta { return m }

// Message is the tagged union exchanged between replicas.
type Message interface {
	Meta() *MsgMeta
	Kind() MsgKind
	// AuthBytes is the canonical encoding covered by the authenticator.
	AuthBytes() []byte
}

// PrePrepareMsg assigns a sequence number to a request. Primary only.
type PrePrepareMsg struct {
	MsgMeta
	Seq     SeqNum
	Digest  Digest
	Request Request
	// ReplyAddr travels with the request so every replica can deliver
	// its REPLY. Not covered by the digest.
	ReplyAddr string
}

func (m *PrePrepareMsg) Kind() MsgKind { return KindPrePrepare }

func (m *PrePrepareMsg) AuthBytes() []byte {
	return []byte(fmt.Sprintf("PP|%d|%d|%d|%x", m.Sender, m.View, m.Seq, m.Digest))
}

// PrepareMsg votes that the sender accepted the primary's assignment.
type PrepareMsg struct {
	MsgMeta
	Seq    SeqNum
	Digest Digest
}

func (m *PrepareMsg) Kind() MsgKind { return KindPrepare }

func (m *PrepareMsg) AuthBytes() []byte {
	return []byte(fmt.Sprintf("P|%d|%d|%d|%x", m.Sender, m.View, m.Seq, m.Digest))
}

// CommitMsg votes that the sender has a prepared certificate.
type CommitMsg struct {
	MsgMeta
	Seq    SeqNum
	Digest Digest
}

func (m *CommitMsg) Kind() MsgKind { return KindCommit }

func (m *CommitMsg) AuthBytes() []byte {
	return []byte(fmt.Sprintf("C|%d|%d|%d|%x", m.Sender, m.View, m.Seq, m.Digest))
}

// RequestMsg carries a client request into the cluster. Forwarded is
// set when a backup relays it to the primary, and suppresses any
// further forwarding.
type RequestMsg struct {
	MsgMeta
	Request   Request
	Forwarded bool
	// ReplyAddr is where REPLY messages for this request should be
	// delivered. Not covered by the request digest.
	ReplyAddr string
}

func (m *RequestMsg) Kind() MsgKind { return KindRequest }

func (m *RequestMsg) AuthBytes() []byte {
	return []byte(fmt.Sprintf("R|%d|%d|%x|%t", m.Sender, m.View, m.Request.Digest(), m.Forwarded))
}

// ReplyMsg returns the result of an executed request to the client.
type ReplyMsg struct {
	MsgMeta
	ClientID  string
	Timestamp int64
	Result    string
	Replica   ReplicaID
}

func (m *ReplyMsg) Kind() MsgKind { return KindReply }

func (m *ReplyMsg) AuthBytes() []byte {
	return []byte(fmt.Sprintf("RP|%d|%d|%s|%d|%s", m.Sender, m.View, m.ClientID, m.Timestamp, m.Result))
}
