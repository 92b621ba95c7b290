package replica

import (
	"fmt"
	"log"
	"time"

	"pbftsim/pbft"
	"pbftsim/transport"
)

const tickInterval = 100 * time.Millisecond

type submitReq struct {
	req       pbft.Request
	replyAddr string
	resp      chan pbft.ReplicaID
}

// Replica wires the protocol engine to the transport and runs the
// single event loop that owns all protocol state. Inbound messages,
// observer submissions, status queries and timer ticks are multiplexed
// onto one worker goroutine; nothing else touches the engine.
type Replica struct {
	cfg    Config
	engine *pbft.Engine
	server *transport.Server
	peers  *transport.Peers

	submits chan submitReq
	statusc chan chan pbft.StatusMsg
	killc   chan struct{}
	quit    chan struct{}
	done    chan int
}

// New builds a replica from a validated config.
func New(cfg Config) (*Replica, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var auth pbft.Authenticator = pbft.NopAuthenticator{}
	if cfg.Secret != "" {
		auth = pbft.NewMACAuthenticator(cfg.ID, cfg.N(), cfg.Secret)
	}
	engine := pbft.NewEngine(pbft.EngineConfig{
		ID:              cfg.ID,
		N:               cfg.N(),
		F:               cfg.F,
		Auth:            auth,
		Exec:            pbft.EchoExecutor{},
		SeqWindow:       pbft.SeqNum(cfg.SeqWindow),
		ProgressTimeout: cfg.ProgressTimeout,
	})
	r := &Replica{
		cfg:     cfg,
		engine:  engine,
		server:  transport.NewServer(cfg.Addr()),
		submits: make(chan submitReq, 16),
		statusc: make(chan chan pbft.StatusMsg),
		killc:   make(chan struct{}),
		quit:    make(chan struct{}),
		done:    make(chan int, 1),
	}
	r.peers = transport.NewPeers(cfg.ID, auth, cfg.Peers)
	if err := r.server.Register("Observer", &Observer{r: r}); err != nil {
		return nil, err
	}
	return r, nil
}

// Harness exposes the transport fault-injection hooks for tests.
func (r *Replica) Harness(h *transport.Harness) { r.peers.SetHarness(h) }

// Start binds the transport and launches the event loop. A bind
// failure is returned to the caller, which exits with code 2.
func (r *Replica) Start() error {
	if err := r.server.Start(); err != nil {
		return err
	}
	log.Printf("[replica %d] up at %s as %s of view 0\n",
		r.cfg.ID, r.cfg.Addr(), map[bool]string{true: "primary", false: "backup"}[r.engine.State().IsPrimary()])
	go r.loop()
	return nil
}

// Wait blocks until the replica shuts down and returns its exit code.
func (r *Replica) Wait() int { return <-r.done }

// Stop asks the event loop to exit cleanly.
func (r *Replica) Stop() {
	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
}

func (r *Replica) loop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	defer r.server.Stop()
	defer r.peers.Close()

	for {
		select {
		case msg, ok := <-r.server.Inbound():
			if !ok {
				r.done <- ExitOK
				return
			}
			r.dispatch(r.engine.HandleMessage(msg))
		case s := <-r.submits:
			outs, fwd := r.engine.SubmitRequest(s.req, s.replyAddr)
			r.dispatch(outs)
			s.resp <- fwd
		case c := <-r.statusc:
			c <- r.engine.Status()
		case <-ticker.C:
			r.engine.Tick()
		case <-r.killc:
			log.Printf("[replica %d] kill requested, shutting down\n", r.cfg.ID)
			r.done <- ExitOK
			return
		case <-r.quit:
			r.done <- ExitOK
			return
		}
		if err := r.engine.Err(); err != nil {
			log.Printf("[replica %d] fatal: %v\n", r.cfg.ID, err)
			r.done <- ExitInvariant
			return
		}
	}
}

// dispatch routes the engine's outbound messages. Client deliveries
// run off the loop so a slow client cannot stall the protocol.
func (r *Replica) dispatch(outs []pbft.Outbound) {
	for _, out := range outs {
		switch {
		case out.ClientAddr != "":
			reply, ok := out.Msg.(*pbft.ReplyMsg)
			if !ok {
				continue
			}
			go func(addr string, msg *pbft.ReplyMsg) {
				if err := transport.SendToClient(addr, msg); err != nil {
					log.Printf("[replica %d] reply to %s: %v\n", r.cfg.ID, addr, err)
				}
			}(out.ClientAddr, reply)
		case out.Broadcast:
			r.peers.Broadcast(out.Msg)
		default:
			r.peers.Send(out.To, out.Msg)
		}
	}
}

// Submit hands a request to the event loop as if from a local client
// and reports which replica it was forwarded to (-1 if handled here).
func (r *Replica) Submit(req pbft.Request, replyAddr string) (pbft.ReplicaID, error) {
	resp := make(chan pbft.ReplicaID, 1)
	select {
	case r.submits <- submitReq{req: req, replyAddr: replyAddr, resp: resp}:
	case <-r.quit:
		return -1, fmt.Errorf("replica shutting down")
	}
	select {
	case fwd := <-resp:
		return fwd, nil
	case <-time.After(5 * time.Second):
		return -1, fmt.Errorf("submit timed out")
	}
}

// Status snapshots the replica through the event loop, so the observer
// path never races protocol state.
func (r *Replica) Status() (pbft.StatusMsg, error) {
	c := make(chan pbft.StatusMsg, 1)
	select {
	case r.statusc <- c:
	case <-r.quit:
		return pbft.StatusMsg{}, fmt.Errorf("replica shutting down")
	case <-time.After(5 * time.Second):
		return pbft.StatusMsg{}, fmt.Errorf("status query timed out")
	}
	return <-c, nil
}

// Kill terminates the replica, observer-initiated.
func (r *Replica) Kill() {
	select {
	case <-r.killc:
	default:
		close(r.killc)
	}
}

// Run starts the replica and blocks until shutdown, translating
// failures into the documented exit codes.
func Run(cfg Config) int {
	r, err := New(cfg)
	if err != nil {
		log.Printf("configuration error: %v\n", err)
		return ExitConfig
	}
	if err := r.Start(); err != nil {
		log.Printf("transport error: %v\n", err)
		return ExitBind
	}
	return r.Wait()
}
