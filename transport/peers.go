package transport

import (
	"fmt"
	"log"
	"net/rpc"
	"sync"
	"time"

	"pbftsim/pbft"
)

// Per-peer sending bounds. A full outbound queue drops the message;
// redial attempts back off before the peer is declared down for that
// message.
const (
	outboundQueueSize = 256
	dialAttempts      = 5
	dialBackoff       = 100 * time.Millisecond
)

type peer struct {
	id   pbft.ReplicaID
	addr string

	mu     sync.Mutex
	client *rpc.Client
	up     bool

	queue chan pbft.Message
}

// Peers is the sending half of the transport adapter: one lazily
// dialed connection and writer goroutine per peer, so a slow or dead
// peer never blocks the replica's event loop. Messages are signed per
// destination just before they leave.
type Peers struct {
	self    pbft.ReplicaID
	auth    pbft.Authenticator
	peers   map[pbft.ReplicaID]*peer
	harness *Harness

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPeers builds the peer set from id → address, excluding self, and
// starts the writer goroutines.
func NewPeers(self pbft.ReplicaID, auth pbft.Authenticator, addrs map[pbft.ReplicaID]string) *Peers {
	p := &Peers{
		self:  self,
		auth:  auth,
		peers: make(map[pbft.ReplicaID]*peer),
		quit:  make(chan struct{}),
	}
	for id, addr := range addrs {
		if id == self {
			continue
		}
		pr := &peer{
			id:    id,
			addr:  addr,
			queue: make(chan pbft.Message, outboundQueueSize),
		}
		p.peers[id] = pr
		p.wg.Add(1)
		go p.writer(pr)
	}
	return p
}

// SetHarness installs the fault-injection hooks. Nil disables them.
func (p *Peers) SetHarness(h *Harness) { p.harness = h }

// Send enqueues msg for one peer. Non-blocking: a full queue drops.
func (p *Peers) Send(to pbft.ReplicaID, msg pbft.Message) {
	pr, ok := p.peers[to]
	if !ok {
		return
	}

	if h := p.harness; h != nil {
		if h.shouldDrop(to, msg) {
			return
		}
		msg = h.mutate(to, msg)
		if d := h.delay(to, msg); d > 0 {
			m := msg
			time.AfterFunc(d, func() { p.enqueue(pr, p.seal(to, m)) })
			return
		}
	}
	p.enqueue(pr, p.seal(to, msg))
}

// Broadcast sends msg to every other replica. Partial failures are
// fine; the protocol's quorum logic handles missing peers.
func (p *Peers) Broadcast(msg pbft.Message) {
	for id := range p.peers {
		p.Send(id, msg)
	}
}

// seal makes a per-destination copy with a fresh authenticator, then
// lets the harness corrupt it if a forgery is scheduled.
func (p *Peers) seal(to pbft.ReplicaID, msg pbft.Message) pbft.Message {
	sealed := signedCopy(p.auth, to, msg)
	if h := p.harness; h != nil && h.shouldForge(to, sealed) {
		sealed.Meta().Auth = []byte("forged")
	}
	return sealed
}

func (p *Peers) enqueue(pr *peer, msg pbft.Message) {
	select {
	case pr.queue <- msg:
	default:
		log.Printf("[transport] outbound queue to %d full, dropping %s\n", pr.id, msg.Kind())
	}
}

// PeerUp reports whether the last interaction with the peer succeeded.
func (p *Peers) PeerUp(id pbft.ReplicaID) bool {
	pr, ok := p.peers[id]
	if !ok {
		return false
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.up
}

// Close stops all writers and closes connections.
func (p *Peers) Close() {
	close(p.quit)
	for _, pr := range p.peers {
		pr.mu.Lock()
		if pr.client != nil {
			pr.client.Close()
		}
		pr.mu.Unlock()
	}
}

// writer drains one peer's queue. Reconnection is transparent: dial on
// demand with backoff, retry a failed call once on a fresh connection,
// then drop and move on.
func (p *Peers) writer(pr *peer) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case msg := <-pr.queue:
			if err := p.deliver(pr, msg); err != nil {
				log.Printf("[transport] to %d: %s dropped: %v\n", pr.id, msg.Kind(), err)
			}
		}
	}
}

func (p *Peers) deliver(pr *peer, msg pbft.Message) error {
	for attempt := 0; attempt < 2; attempt++ {
		client, err := p.connect(pr)
		if err != nil {
			return err
		}
		var ack Ack
		if err = client.Call(rpcMethod(msg.Kind()), msg, &ack); err == nil {
			return nil
		}
		p.disconnect(pr)
	}
	return fmt.Errorf("peer %d unreachable", pr.id)
}

func (p *Peers) connect(pr *peer) (*rpc.Client, error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.client != nil {
		return pr.client, nil
	}
	var err error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		var client *rpc.Client
		client, err = rpc.Dial("tcp", pr.addr)
		if err == nil {
			pr.client = client
			pr.up = true
			return client, nil
		}
		time.Sleep(dialBackoff)
	}
	pr.up = false
	return nil, fmt.Errorf("dial %s: %v", pr.addr, err)
}

func (p *Peers) disconnect(pr *peer) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.client != nil {
		pr.client.Close()
		pr.client = nil
	}
	pr.up = false
}

func rpcMethod(k pbft.MsgKind) string {
	switch k {
	case pbft.KindPrePrepare:
		return "Relay.PrePrepare"
	case pbft.KindPrepare:
		return "Relay.Prepare"
	case pbft.KindCommit:
		return "Relay.Commit"
	default:
		return "Relay.ForwardRequest"
	}
}

// signedCopy clones msg for one destination and fills its
// authenticator. The clone keeps per-link MACs from clobbering each
// other on a broadcast.
func signedCopy(auth pbft.Authenticator, to pbft.ReplicaID, msg pbft.Message) pbft.Message {
	var out pbft.Message
	switch m := msg.(type) {
	case *pbft.PrePrepareMsg:
		c := *m
		out = &c
	case *pbft.PrepareMsg:
		c := *m
		out = &c
	case *pbft.CommitMsg:
		c := *m
		out = &c
	case *pbft.RequestMsg:
		c := *m
		out = &c
	case *pbft.ReplyMsg:
		c := *m
		out = &c
	default:
		return msg
	}
	out.Meta().Auth = auth.Sign(to, out.AuthBytes())
	return out
}

// SendToClient delivers a REPLY to a client's reply sink. Clients are
// outside the peer set; a fresh connection per reply keeps this path
// simple and off the replica's hot loop.
func SendToClient(addr string, msg *pbft.ReplyMsg) error {
	client, err := rpc.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial client %s: %v", addr, err)
	}
	defer client.Close()
	var ack Ack
	return client.Call("ReplySink.Deliver", msg, &ack)
}
