package transport

import (
	"fmt"
	"log"
	"net"
	"net/rpc"

	"golang.org/x/net/netutil"

	"pbftsim/pbft"
)

// Ack carries no semantic content; PBFT's quorum logic is the real
// acknowledgement.
type Ack struct{}

// Bounds on the inbound side. The inbound queue absorbs bursts from
// all peers; when it is full the message is dropped, which the quorum
// logic tolerates like any other loss.
const (
	inboundQueueSize = 1024
	maxInboundConns  = 64
)

// Server is the receiving half of the transport adapter: a net/rpc
// listener exposing the Relay service. Every delivered message lands
// intact on the inbound channel in per-connection send order.
type Server struct {
	addr      string
	listener  net.Listener
	rpcServer *rpc.Server
	inbound   chan pbft.Message
	quit      chan struct{}
}

// NewServer creates a server that will bind addr.
func NewServer(addr string) *Server {
	s := &Server{
		addr:      addr,
		rpcServer: rpc.NewServer(),
		inbound:   make(chan pbft.Message, inboundQueueSize),
		quit:      make(chan struct{}),
	}
	s.rpcServer.RegisterName("Relay", &Relay{inbound: s.inbound, quit: s.quit})
	return s
}

// Register exposes an additional RPC service on the same listener.
// The replica uses this for its observer surface.
func (s *Server) Register(name string, svc interface{}) error {
	return s.rpcServer.RegisterName(name, svc)
}

// Start binds the listener and serves connections until Stop. The
// returned error is a bind failure; accept errors after that are
// logged and absorbed.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %v", s.addr, err)
	}
	s.listener = netutil.LimitListener(l, maxInboundConns)
	log.Printf("[transport] listening on %s\n", s.addr)

	go s.acceptConnections()
	return nil
}

func (s *Server) acceptConnections() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				log.Printf("[transport] accept: %v\n", err)
				continue
			}
		}
		go s.rpcServer.ServeConn(conn)
	}
}

// Inbound is the multiplexed stream of delivered messages.
func (s *Server) Inbound() <-chan pbft.Message {
	return s.inbound
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop closes the listener. In-flight handlers drain on their own.
func (s *Server) Stop() {
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
}

// Relay is the inter-replica RPC surface. Each method enqueues the
// message for the replica's event loop; a full queue drops, which
// downstream quorum counting handles like a lost message.
type Relay struct {
	inbound chan pbft.Message
	quit    chan struct{}
}

func (r *Relay) enqueue(msg pbft.Message) {
	select {
	case r.inbound <- msg:
	case <-r.quit:
	default:
		log.Printf("[transport] inbound queue full, dropping %s from %d\n",
			msg.Kind(), msg.Meta().Sender)
	}
}

// PrePrepare delivers a PRE-PREPARE message.
func (r *Relay) PrePrepare(msg *pbft.PrePrepareMsg, ack *Ack) error {
	r.enqueue(msg)
	return nil
}

// Prepare delivers a PREPARE message.
func (r *Relay) Prepare(msg *pbft.PrepareMsg, ack *Ack) error {
	r.enqueue(msg)
	return nil
}

// Commit delivers a COMMIT message.
func (r *Relay) Commit(msg *pbft.CommitMsg, ack *Ack) error {
	r.enqueue(msg)
	return nil
}

// ForwardRequest delivers a client request relayed by a backup.
func (r *Relay) ForwardRequest(msg *pbft.RequestMsg, ack *Ack) error {
	r.enqueue(msg)
	return nil
}
