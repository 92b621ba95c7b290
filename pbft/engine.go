package pbft

import (
	"errors"
	"fmt"
	"log"
	"time"
)

// futureBufLimit bounds the per-sender FIFO of messages from views
// ahead of ours. Overflow drops the oldest entry.
const futureBufLimit = 256

// Outbound is a message the engine wants delivered. Either a broadcast
// to every other replica, a unicast to one replica, or a client
// delivery when ClientAddr is set.
type Outbound struct {
	Broadcast  bool
	To         ReplicaID
	ClientAddr string
	Msg        Message
}

// Executor applies a committed request to the application state
// machine and returns the result string carried in the REPLY.
type Executor interface {
	Execute(seq SeqNum, req Request) string
}

// EchoExecutor is the demo application: the result is the payload.
type EchoExecutor struct{}

// Execute echoes the request payload.
func (EchoExecutor) Execute(seq SeqNum, req Request) string { return req.Payload }

// Metrics counts absorbed failures and notable protocol events.
// Authentication failures and dropped messages never propagate as
// errors; they land here.
type Metrics struct {
	AuthRejects        uint64
	UnknownSenderDrops uint64
	StaleViewDrops     uint64
	FutureBuffered     uint64
	Duplicates         uint64
	WindowDrops        uint64
	Equivocations      uint64
	ForwardsDropped    uint64
	ViewChangeTriggers uint64
}

// EngineConfig carries the parameters the engine needs. N must equal
// 3F+1; the caller validates before construction.
type EngineConfig struct {
	ID   ReplicaID
	N    int
	F    int
	Auth Authenticator
	Exec Executor

	// SeqWindow, when nonzero, rejects PRE-PREPAREs whose sequence
	// number is more than SeqWindow ahead of the last executed one.
	SeqWindow SeqNum

	// ProgressTimeout arms the view-change trigger: a slot in flight
	// with no progress for this long fires the trigger. Zero disables.
	ProgressTimeout time.Duration
}

// Engine is the PBFT replica state machine. It is fed one event at a
// time (an inbound message, a local submission, or a tick) and returns
// the messages to send. It never blocks and is not safe for concurrent
// use; the replica serializes all calls on one goroutine.
type Engine struct {
	cfg   EngineConfig
	state *State

	// future holds messages from views ahead of ours, per sender.
	future map[ReplicaID][]Message

	// evidence accumulates proof of primary equivocation for the
	// view-change extension point.
	evidence []*PrePrepareMsg

	// assigned tracks digests this primary has already put in flight,
	// so a resubmission racing its own execution gets no second slot.
	assigned map[Digest]SeqNum

	metrics      Metrics
	lastProgress time.Time
	now          func() time.Time

	fatal error
}

// NewEngine creates an engine with an empty log in view 0.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		cfg:      cfg,
		state:    NewState(cfg.ID, cfg.N, cfg.F),
		future:   make(map[ReplicaID][]Message),
		assigned: make(map[Digest]SeqNum),
		now:      time.Now,
	}
	e.lastProgress = e.now()
	return e
}

// State exposes the underlying store, for tests and the status surface.
func (e *Engine) State() *State { return e.state }

// Metrics returns a snapshot of the event counters.
func (e *Engine) Metrics() Metrics { return e.metrics }

// Err returns the fatal invariant violation, if any. The replica exits
// with code 3 once this is non-nil.
func (e *Engine) Err() error { return e.fatal }

// SetClock overrides the time source, for deterministic tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SubmitRequest runs client-request intake for a locally submitted
// request (via the observer surface). It returns the outbound messages
// and, when this replica is a backup, the primary id the request was
// forwarded to (-1 otherwise).
func (e *Engine) SubmitRequest(req Request, replyAddr string) ([]Outbound, ReplicaID) {
	msg := &RequestMsg{
		MsgMeta:   MsgMeta{Sender: e.cfg.ID, View: e.state.View()},
		Request:   req,
		ReplyAddr: replyAddr,
	}
	return e.handleRequest(msg)
}

// HandleMessage ingests one inbound message, returning whatever should
// be sent in response. Authentication and view gating happen here;
// anything rejected is counted and silently dropped.
func (e *Engine) HandleMessage(msg Message) []Outbound {
	meta := msg.Meta()
	if int(meta.Sender) < 0 || int(meta.Sender) >= e.cfg.N {
		e.metrics.UnknownSenderDrops++
		return nil
	}
	if !e.cfg.Auth.Verify(meta.Sender, msg.AuthBytes(), meta.Auth) {
		e.metrics.AuthRejects++
		return nil
	}
	if meta.View < e.state.View() {
		e.metrics.StaleViewDrops++
		return nil
	}
	if meta.View > e.state.View() {
		e.bufferFuture(msg)
		return nil
	}
	return e.dispatch(msg)
}

func (e *Engine) dispatch(msg Message) []Outbound {
	switch m := msg.(type) {
	case *RequestMsg:
		outs, _ := e.handleRequest(m)
		return outs
	case *PrePrepareMsg:
		return e.handlePrePrepare(m)
	case *PrepareMsg:
		return e.handlePrepare(m)
	case *CommitMsg:
		return e.handleCommit(m)
	default:
		// Replicas are not on the delivery path for REPLY.
		return nil
	}
}

// handleRequest implements client request intake: cached-reply short
// circuit, forward-once to the primary, or sequence assignment when
// this replica leads the view.
func (e *Engine) handleRequest(msg *RequestMsg) ([]Outbound, ReplicaID) {
	req := msg.Request
	if cached := e.state.CachedReply(req.ClientID, req.Timestamp); cached != nil {
		if msg.ReplyAddr == "" {
			return nil, -1
		}
		resend := *cached
		return []Outbound{{ClientAddr: msg.ReplyAddr, Msg: &resend}}, -1
	}

	if !e.state.IsPrimary() {
		if msg.Forwarded {
			// A forwarded request must terminate at the primary; the
			// view moved underneath it. Drop rather than loop.
			e.metrics.ForwardsDropped++
			return nil, -1
		}
		primary := e.state.Primary(e.state.View())
		fwd := &RequestMsg{
			MsgMeta:   MsgMeta{Sender: e.cfg.ID, View: e.state.View()},
			Request:   req,
			Forwarded: true,
			ReplyAddr: msg.ReplyAddr,
		}
		log.Printf("[replica %d] forwarding request from client %s to primary %d\n",
			e.cfg.ID, req.ClientID, primary)
		return []Outbound{{To: primary, Msg: fwd}}, primary
	}

	d := req.Digest()
	if _, inFlight := e.assigned[d]; inFlight {
		e.metrics.Duplicates++
		return nil, -1
	}

	seq := e.state.NextSeq()
	e.assigned[d] = seq
	pp := &PrePrepareMsg{
		MsgMeta:   MsgMeta{Sender: e.cfg.ID, View: e.state.View()},
		Seq:       seq,
		Digest:    d,
		Request:   req,
		ReplyAddr: msg.ReplyAddr,
	}
	log.Printf("[replica %d] primary assigned seq=%d digest=%s\n", e.cfg.ID, seq, pp.Digest)

	if err := e.state.AcceptPrePrepare(pp); err != nil {
		e.invariant(fmt.Errorf("primary rejected own pre-prepare: %v", err))
		return nil, -1
	}
	e.touchProgress()

	outs := []Outbound{{Broadcast: true, Msg: pp}}
	// The PRE-PREPARE stands in for the primary's own PREPARE; backups
	// count it the same way, so no explicit self vote is sent.
	outs = append(outs, e.maybePrepared(pp.View, seq, pp.Digest)...)
	return outs, -1
}

// handlePrePrepare accepts the primary's sequence assignment and
// answers with a PREPARE broadcast.
func (e *Engine) handlePrePrepare(msg *PrePrepareMsg) []Outbound {
	v := e.state.View()
	if msg.Sender != e.state.Primary(v) {
		// Only the primary of the view may order requests.
		e.metrics.UnknownSenderDrops++
		return nil
	}
	if msg.Digest != msg.Request.Digest() {
		e.metrics.AuthRejects++
		return nil
	}
	if w := e.cfg.SeqWindow; w > 0 && msg.Seq > e.state.LastExecuted()+w {
		e.metrics.WindowDrops++
		return nil
	}
	if sl := e.state.Slot(v, msg.Seq); sl != nil && sl.PrePrepared && sl.PrePrepare.Digest == msg.Digest {
		e.metrics.Duplicates++
		return nil
	}

	if err := e.state.AcceptPrePrepare(msg); err != nil {
		if errors.Is(err, ErrEquivocation) {
			e.metrics.Equivocations++
			e.evidence = append(e.evidence, msg)
			log.Printf("[replica %d] EQUIVOCATION by primary %d at view=%d seq=%d: %v\n",
				e.cfg.ID, msg.Sender, msg.View, msg.Seq, err)
			return nil
		}
		return nil
	}
	e.touchProgress()

	prep := &PrepareMsg{
		MsgMeta: MsgMeta{Sender: e.cfg.ID, View: v},
		Seq:     msg.Seq,
		Digest:  msg.Digest,
	}
	// The PRE-PREPARE doubles as the primary's PREPARE vote, so quorum
	// arithmetic stays at 2f others even when a backup is down. The
	// local vote is recorded too; peers receive the broadcast.
	e.state.AddPrepare(msg.Sender, v, msg.Seq, msg.Digest)
	e.state.AddPrepare(e.cfg.ID, v, msg.Seq, msg.Digest)

	outs := []Outbound{{Broadcast: true, Msg: prep}}
	outs = append(outs, e.maybePrepared(v, msg.Seq, msg.Digest)...)
	return outs
}

func (e *Engine) handlePrepare(msg *PrepareMsg) []Outbound {
	count, fresh, err := e.state.AddPrepare(msg.Sender, msg.View, msg.Seq, msg.Digest)
	if err != nil {
		return nil
	}
	if !fresh {
		e.metrics.Duplicates++
		return nil
	}
	log.Printf("[replica %d] prepare vote %d/%d for seq=%d\n",
		e.cfg.ID, count, e.state.QuorumPrepare(), msg.Seq)
	return e.maybePrepared(msg.View, msg.Seq, msg.Digest)
}

func (e *Engine) handleCommit(msg *CommitMsg) []Outbound {
	count, fresh, err := e.state.AddCommit(msg.Sender, msg.View, msg.Seq, msg.Digest)
	if err != nil {
		return nil
	}
	if !fresh {
		e.metrics.Duplicates++
		return nil
	}
	log.Printf("[replica %d] commit vote %d/%d for seq=%d\n",
		e.cfg.ID, count, e.state.QuorumCommit(), msg.Seq)
	return e.maybeCommitted(msg.View, msg.Seq, msg.Digest)
}

// maybePrepared fires the prepared transition once the PRE-PREPARE and
// 2f matching PREPAREs from other replicas are in. The COMMIT this
// replica broadcasts also lands in its own log.
func (e *Engine) maybePrepared(v View, seq SeqNum, d Digest) []Outbound {
	sl := e.state.Slot(v, seq)
	if sl == nil || sl.Prepared || !sl.PrePrepared || sl.PrePrepare.Digest != d {
		return nil
	}
	if e.state.PrepareCount(v, seq, d) < e.state.QuorumPrepare() {
		return nil
	}
	sl.Prepared = true
	e.touchProgress()
	log.Printf("[replica %d] prepared view=%d seq=%d digest=%s\n", e.cfg.ID, v, seq, d)

	commit := &CommitMsg{
		MsgMeta: MsgMeta{Sender: e.cfg.ID, View: v},
		Seq:     seq,
		Digest:  d,
	}
	e.state.AddCommit(e.cfg.ID, v, seq, d)

	outs := []Outbound{{Broadcast: true, Msg: commit}}
	outs = append(outs, e.maybeCommitted(v, seq, d)...)
	return outs
}

// maybeCommitted fires committed-local once prepared holds and 2f+1
// matching COMMITs (self included) are in, then drains whatever is
// ready to execute.
func (e *Engine) maybeCommitted(v View, seq SeqNum, d Digest) []Outbound {
	sl := e.state.Slot(v, seq)
	if sl == nil || sl.CommittedLocal || !sl.Prepared {
		return nil
	}
	if e.state.CommitCount(v, seq, d) < e.state.QuorumCommit() {
		return nil
	}
	sl.CommittedLocal = true
	e.touchProgress()
	log.Printf("[replica %d] committed-local view=%d seq=%d digest=%s\n", e.cfg.ID, v, seq, d)
	return e.executeReady()
}

// executeReady executes committed slots in strictly ascending,
// contiguous sequence order and emits a REPLY for each.
func (e *Engine) executeReady() []Outbound {
	var outs []Outbound
	v := e.state.View()
	for {
		next := e.state.LastExecuted() + 1
		sl := e.state.Slot(v, next)
		if sl == nil || !sl.CommittedLocal || sl.Executed {
			return outs
		}
		req := sl.PrePrepare.Request
		result := e.cfg.Exec.Execute(next, req)
		if err := e.state.MarkExecuted(v, next); err != nil {
			e.invariant(err)
			return outs
		}
		e.touchProgress()
		log.Printf("[replica %d] executed seq=%d payload=%q\n", e.cfg.ID, next, req.Payload)

		reply := &ReplyMsg{
			MsgMeta:   MsgMeta{Sender: e.cfg.ID, View: v},
			ClientID:  req.ClientID,
			Timestamp: req.Timestamp,
			Result:    result,
			Replica:   e.cfg.ID,
		}
		e.state.CacheReply(reply)
		if addr := sl.PrePrepare.ReplyAddr; addr != "" {
			outs = append(outs, Outbound{ClientAddr: addr, Msg: reply})
		}
	}
}

// bufferFuture holds a message from a view ahead of ours until the
// view advances. Bounded per sender; overflow drops the oldest.
func (e *Engine) bufferFuture(msg Message) {
	sender := msg.Meta().Sender
	buf := e.future[sender]
	if len(buf) >= futureBufLimit {
		buf = buf[1:]
	}
	e.future[sender] = append(buf, msg)
	e.metrics.FutureBuffered++
}

// AdvanceView moves to a later view and replays buffered messages that
// now match. This is the entry point a completed view change would
// use; only tests call it, and Tick does not.
func (e *Engine) AdvanceView(v View) []Outbound {
	if v <= e.state.View() {
		return nil
	}
	e.state.view = v
	log.Printf("[replica %d] advanced to view %d (primary %d)\n", e.cfg.ID, v, e.state.Primary(v))

	var outs []Outbound
	for sender, buf := range e.future {
		keep := buf[:0]
		for _, msg := range buf {
			switch {
			case msg.Meta().View == v:
				outs = append(outs, e.dispatch(msg)...)
			case msg.Meta().View > v:
				keep = append(keep, msg)
			}
		}
		if len(keep) == 0 {
			delete(e.future, sender)
		} else {
			e.future[sender] = keep
		}
	}
	return outs
}

// Tick checks the progress timer. A slot in flight that has seen no
// progress within ProgressTimeout fires the view-change trigger. The
// subprotocol itself is an extension point; the trigger is recorded
// and logged.
func (e *Engine) Tick() {
	if e.cfg.ProgressTimeout <= 0 {
		return
	}
	if !e.inFlight() {
		return
	}
	if e.now().Sub(e.lastProgress) < e.cfg.ProgressTimeout {
		return
	}
	e.metrics.ViewChangeTriggers++
	e.lastProgress = e.now()
	log.Printf("[replica %d] progress timeout in view %d; view change would start here\n",
		e.cfg.ID, e.state.View())
}

// inFlight reports whether any current-view slot is started but not
// yet executed.
func (e *Engine) inFlight() bool {
	v := e.state.View()
	for key, sl := range e.state.slots {
		if key.view == v && sl.PrePrepared && !sl.Executed {
			return true
		}
	}
	return false
}

func (e *Engine) touchProgress() {
	e.lastProgress = e.now()
}

// Evidence returns the recorded equivocating PRE-PREPAREs.
func (e *Engine) Evidence() []*PrePrepareMsg { return e.evidence }

func (e *Engine) invariant(err error) {
	e.fatal = fmt.Errorf("invariant violation: %w", err)
	log.Printf("[replica %d] %v\n", e.cfg.ID, e.fatal)
}

// Status summarizes the replica for the observer surface.
func (e *Engine) Status() StatusMsg {
	prepared, committed := e.state.SlotCounts()
	role := "backup"
	if e.state.IsPrimary() {
		role = "primary"
	}
	return StatusMsg{
		ReplicaID:       int(e.cfg.ID),
		Role:            role,
		View:            int64(e.state.View()),
		PrimaryID:       int(e.state.Primary(e.state.View())),
		F:               e.cfg.F,
		N:               e.cfg.N,
		LastExecutedSeq: int64(e.state.LastExecuted()),
		PreparedSlots:   prepared,
		CommittedSlots:  committed,
		AuthRejects:     e.metrics.AuthRejects,
		Equivocations:   e.metrics.Equivocations,
	}
}

// StatusMsg is the read-only cluster view served to external tools.
type StatusMsg struct {
	ReplicaID       int
	Role            string
	View            int64
	PrimaryID       int
	F               int
	N               int
	LastExecutedSeq int64
	PreparedSlots   int
	CommittedSlots  int
	AuthRejects     uint64
	Equivocations   uint64
}
