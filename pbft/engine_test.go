package pbft

import (
	"testing"
	"time"
)

// testCluster wires n engines through a synchronous loopback: every
// outbound message is queued and pumped to its destination until the
// cluster goes quiet. Replies addressed to clients are collected
// instead of delivered.
type testCluster struct {
	t       *testing.T
	n       int
	engines map[ReplicaID]*Engine
	down    map[ReplicaID]bool
	queue   []delivery
	replies []*ReplyMsg
}

type delivery struct {
	to  ReplicaID
	msg Message
}

func newTestCluster(t *testing.T, n, f int) *testCluster {
	t.Helper()
	c := &testCluster{
		t:       t,
		n:       n,
		engines: make(map[ReplicaID]*Engine),
		down:    make(map[ReplicaID]bool),
	}
	for i := 0; i < n; i++ {
		c.engines[ReplicaID(i)] = NewEngine(EngineConfig{
			ID:   ReplicaID(i),
			N:    n,
			F:    f,
			Auth: NopAuthenticator{},
			Exec: EchoExecutor{},
		})
	}
	return c
}

func (c *testCluster) route(from ReplicaID, outs []Outbound) {
	for _, out := range outs {
		switch {
		case out.ClientAddr != "":
			c.replies = append(c.replies, out.Msg.(*ReplyMsg))
		case out.Broadcast:
			for id := range c.engines {
				if id != from {
					c.queue = append(c.queue, delivery{id, out.Msg})
				}
			}
		default:
			c.queue = append(c.queue, delivery{out.To, out.Msg})
		}
	}
}

func (c *testCluster) pump() {
	for len(c.queue) > 0 {
		d := c.queue[0]
		c.queue = c.queue[1:]
		if c.down[d.to] {
			continue
		}
		c.route(d.to, c.engines[d.to].HandleMessage(d.msg))
	}
}

func (c *testCluster) submit(to ReplicaID, req Request) {
	outs, _ := c.engines[to].SubmitRequest(req, "client")
	c.route(to, outs)
	c.pump()
}

func (c *testCluster) executedAt(id ReplicaID) SeqNum {
	return c.engines[id].State().LastExecuted()
}

// Scenario: happy path, n=4, f=1. A request to the primary executes at
// seq 0 on all four replicas and the client sees four identical
// replies.
func TestHappyPath(t *testing.T) {
	c := newTestCluster(t, 4, 1)
	c.submit(0, Request{ClientID: "c1", Timestamp: 1, Payload: "hello"})

	for id := ReplicaID(0); id < 4; id++ {
		if got := c.executedAt(id); got != 0 {
			t.Fatalf("replica %d executed through %d, want 0", id, got)
		}
	}
	if len(c.replies) != 4 {
		t.Fatalf("got %d replies, want 4", len(c.replies))
	}
	for _, r := range c.replies {
		if r.Result != "hello" {
			t.Fatalf("reply result %q, want %q", r.Result, "hello")
		}
	}
}

// Scenario: a request sent to a backup is forwarded to the primary
// exactly once; the backup assigns no sequence number and the outcome
// matches the happy path.
func TestForwardToPrimary(t *testing.T) {
	c := newTestCluster(t, 4, 1)
	outs, fwd := c.engines[2].SubmitRequest(Request{ClientID: "c1", Timestamp: 1, Payload: "hello"}, "client")
	if fwd != 0 {
		t.Fatalf("forwarded to %d, want primary 0", fwd)
	}
	c.route(2, outs)
	c.pump()

	if c.engines[2].state.seqCursor != 0 {
		t.Fatal("backup allocated a sequence number")
	}
	for id := ReplicaID(0); id < 4; id++ {
		if c.executedAt(id) != 0 {
			t.Fatalf("replica %d did not execute", id)
		}
	}
	if len(c.replies) != 4 {
		t.Fatalf("got %d replies, want 4", len(c.replies))
	}
}

// Scenario: one crashed backup. The remaining three replicas reach the
// 2f prepare and 2f+1 commit quorums and the client still gets at
// least f+1 matching replies.
func TestCrashedBackup(t *testing.T) {
	c := newTestCluster(t, 4, 1)
	c.down[3] = true
	c.submit(0, Request{ClientID: "c1", Timestamp: 1, Payload: "hello"})

	for id := ReplicaID(0); id < 3; id++ {
		if c.executedAt(id) != 0 {
			t.Fatalf("replica %d did not execute with one backup down", id)
		}
	}
	if c.executedAt(3) != -1 {
		t.Fatal("crashed replica executed")
	}
	if len(c.replies) < 2 {
		t.Fatalf("got %d matching replies, want at least f+1 = 2", len(c.replies))
	}
}

// Scenario: Byzantine primary equivocation. Backups see conflicting
// digests for (v=0, seq=0); the minority digest never prepares, the
// majority digest never gathers 2f+1 COMMITs, and nothing executes.
func TestPrimaryEquivocation(t *testing.T) {
	c := newTestCluster(t, 4, 1)
	reqA := Request{ClientID: "c1", Timestamp: 1, Payload: "a"}
	reqB := Request{ClientID: "c1", Timestamp: 1, Payload: "b"}

	ppA := &PrePrepareMsg{MsgMeta: MsgMeta{Sender: 0, View: 0}, Seq: 0, Digest: reqA.Digest(), Request: reqA}
	ppB := &PrePrepareMsg{MsgMeta: MsgMeta{Sender: 0, View: 0}, Seq: 0, Digest: reqB.Digest(), Request: reqB}

	c.queue = append(c.queue,
		delivery{1, ppA},
		delivery{2, ppB},
		delivery{3, ppA},
	)
	c.pump()

	for id := ReplicaID(1); id < 4; id++ {
		if c.executedAt(id) != -1 {
			t.Fatalf("replica %d executed under equivocation", id)
		}
	}
	// Replica 2 prepared digest B alone; its matching votes never reach
	// 2f because the rest of the cluster voted for A.
	if sl := c.engines[2].State().Slot(0, 0); sl.Prepared {
		t.Fatal("minority digest reached prepared")
	}

	// The conflicting assignment reaching a replica that accepted the
	// other digest is detected and recorded.
	c.route(0, c.engines[1].HandleMessage(ppB))
	if got := c.engines[1].Metrics().Equivocations; got != 1 {
		t.Fatalf("equivocations = %d, want 1", got)
	}
	if len(c.engines[1].Evidence()) != 1 {
		t.Fatal("equivocation evidence not recorded")
	}
}

// Scenario: duplicate client request. The second submission returns
// the cached reply and the log does not advance.
func TestDuplicateClientRequest(t *testing.T) {
	c := newTestCluster(t, 4, 1)
	req := Request{ClientID: "c1", Timestamp: 1, Payload: "hello"}

	c.submit(0, req)
	if len(c.replies) != 4 || c.executedAt(0) != 0 {
		t.Fatalf("setup failed: %d replies, executed %d", len(c.replies), c.executedAt(0))
	}

	c.submit(0, req)
	if got := c.executedAt(0); got != 0 {
		t.Fatalf("duplicate advanced the log to %d", got)
	}
	// Exactly one more reply: the primary's cached copy.
	if len(c.replies) != 5 {
		t.Fatalf("got %d replies after resubmission, want 5", len(c.replies))
	}
	if last := c.replies[4]; last.Result != "hello" || last.Replica != 0 {
		t.Fatalf("unexpected cached reply %+v", last)
	}
}

// A resubmission racing its own execution gets no second slot.
func TestInFlightDuplicateRequest(t *testing.T) {
	c := newTestCluster(t, 4, 1)
	req := Request{ClientID: "c1", Timestamp: 1, Payload: "hello"}

	outs1, _ := c.engines[0].SubmitRequest(req, "client")
	outs2, _ := c.engines[0].SubmitRequest(req, "client")
	if len(outs2) != 0 {
		t.Fatalf("in-flight duplicate produced %d messages", len(outs2))
	}
	c.route(0, outs1)
	c.pump()
	if c.engines[0].state.seqCursor != 1 {
		t.Fatalf("seq cursor = %d, want 1", c.engines[0].state.seqCursor)
	}
	if c.executedAt(0) != 0 {
		t.Fatal("request did not execute")
	}
}

// Scenario: out-of-order delivery. COMMITs that arrive before the
// prepare quorum completes are stored, and committed-local flips only
// once prepared holds. Execution happens exactly once.
func TestCommitBeforePrepared(t *testing.T) {
	c := newTestCluster(t, 4, 1)
	req := Request{ClientID: "c1", Timestamp: 1, Payload: "hello"}
	d := req.Digest()
	e := c.engines[1]

	for _, sender := range []ReplicaID{0, 2, 3} {
		e.HandleMessage(&CommitMsg{MsgMeta: MsgMeta{Sender: sender, View: 0}, Seq: 0, Digest: d})
	}
	if sl := e.State().Slot(0, 0); sl.CommittedLocal {
		t.Fatal("committed-local before prepared")
	}

	e.HandleMessage(&PrePrepareMsg{MsgMeta: MsgMeta{Sender: 0, View: 0}, Seq: 0, Digest: d, Request: req, ReplyAddr: "client"})
	// The primary's implied prepare plus this one complete the 2f
	// quorum; committed-local and execution follow in the same step
	// because the commits are already logged.
	outs := e.HandleMessage(&PrepareMsg{MsgMeta: MsgMeta{Sender: 2, View: 0}, Seq: 0, Digest: d})

	sl := e.State().Slot(0, 0)
	if !sl.Prepared || !sl.CommittedLocal || !sl.Executed {
		t.Fatalf("slot state prepared=%t committed=%t executed=%t", sl.Prepared, sl.CommittedLocal, sl.Executed)
	}
	if e.State().LastExecuted() != 0 {
		t.Fatal("execution did not land at seq 0")
	}
	// The transition emits the replica's own COMMIT and the client reply.
	var sawCommit, sawReply bool
	for _, out := range outs {
		switch out.Msg.Kind() {
		case KindCommit:
			sawCommit = true
		case KindReply:
			sawReply = true
		}
	}
	if !sawCommit || !sawReply {
		t.Fatalf("missing transition output: commit=%t reply=%t", sawCommit, sawReply)
	}
}

// Replays of PREPARE and COMMIT never change quorum counts.
func TestReplayedVotesIdempotent(t *testing.T) {
	c := newTestCluster(t, 4, 1)
	req := Request{ClientID: "c1", Timestamp: 1, Payload: "x"}
	d := req.Digest()
	e := c.engines[1]

	e.HandleMessage(&PrePrepareMsg{MsgMeta: MsgMeta{Sender: 0, View: 0}, Seq: 0, Digest: d, Request: req})
	e.HandleMessage(&PrepareMsg{MsgMeta: MsgMeta{Sender: 2, View: 0}, Seq: 0, Digest: d})

	before := e.State().PrepareCount(0, 0, d)
	e.HandleMessage(&PrepareMsg{MsgMeta: MsgMeta{Sender: 2, View: 0}, Seq: 0, Digest: d})
	if got := e.State().PrepareCount(0, 0, d); got != before {
		t.Fatalf("replay changed prepare count %d -> %d", before, got)
	}
	if e.Metrics().Duplicates == 0 {
		t.Fatal("replay not counted as duplicate")
	}
}

func TestForgedAuthenticatorRejected(t *testing.T) {
	goodAuth := NewMACAuthenticator(2, 4, "cluster-secret")
	badAuth := NewMACAuthenticator(2, 4, "wrong-secret")
	e := NewEngine(EngineConfig{ID: 1, N: 4, F: 1, Auth: NewMACAuthenticator(1, 4, "cluster-secret"), Exec: EchoExecutor{}})

	d := digestOf("x")
	forged := &PrepareMsg{MsgMeta: MsgMeta{Sender: 2, View: 0}, Seq: 0, Digest: d}
	forged.Auth = badAuth.Sign(1, forged.AuthBytes())
	if outs := e.HandleMessage(forged); outs != nil {
		t.Fatal("forged message produced output")
	}
	if e.Metrics().AuthRejects != 1 {
		t.Fatalf("auth rejects = %d, want 1", e.Metrics().AuthRejects)
	}
	if e.State().PrepareCount(0, 0, d) != 0 {
		t.Fatal("forged vote counted")
	}

	genuine := &PrepareMsg{MsgMeta: MsgMeta{Sender: 2, View: 0}, Seq: 0, Digest: d}
	genuine.Auth = goodAuth.Sign(1, genuine.AuthBytes())
	e.HandleMessage(genuine)
	if e.State().PrepareCount(0, 0, d) != 1 {
		t.Fatal("genuine vote dropped")
	}
}

func TestPrePrepareFromNonPrimaryDropped(t *testing.T) {
	c := newTestCluster(t, 4, 1)
	req := Request{ClientID: "c1", Timestamp: 1, Payload: "x"}
	pp := &PrePrepareMsg{MsgMeta: MsgMeta{Sender: 2, View: 0}, Seq: 0, Digest: req.Digest(), Request: req}
	if outs := c.engines[1].HandleMessage(pp); outs != nil {
		t.Fatal("pre-prepare from non-primary answered")
	}
	if c.engines[1].State().Slot(0, 0) != nil && c.engines[1].State().Slot(0, 0).PrePrepared {
		t.Fatal("pre-prepare from non-primary accepted")
	}
}

func TestPrePrepareDigestMismatchDropped(t *testing.T) {
	c := newTestCluster(t, 4, 1)
	req := Request{ClientID: "c1", Timestamp: 1, Payload: "x"}
	pp := &PrePrepareMsg{MsgMeta: MsgMeta{Sender: 0, View: 0}, Seq: 0, Digest: digestOf("other"), Request: req}
	if outs := c.engines[1].HandleMessage(pp); outs != nil {
		t.Fatal("mismatched digest answered")
	}
}

func TestUnknownSenderDropped(t *testing.T) {
	c := newTestCluster(t, 4, 1)
	msg := &PrepareMsg{MsgMeta: MsgMeta{Sender: 9, View: 0}, Seq: 0, Digest: digestOf("x")}
	c.engines[0].HandleMessage(msg)
	if c.engines[0].Metrics().UnknownSenderDrops != 1 {
		t.Fatal("unknown sender not dropped")
	}
}

func TestViewGating(t *testing.T) {
	c := newTestCluster(t, 4, 1)
	e := c.engines[1]
	d := digestOf("x")

	future := &PrepareMsg{MsgMeta: MsgMeta{Sender: 2, View: 1}, Seq: 0, Digest: d}
	e.HandleMessage(future)
	if e.Metrics().FutureBuffered != 1 {
		t.Fatal("future-view message not buffered")
	}
	if e.State().PrepareCount(1, 0, d) != 0 {
		t.Fatal("future-view vote applied early")
	}

	e.AdvanceView(1)
	if e.State().View() != 1 {
		t.Fatalf("view = %d, want 1", e.State().View())
	}
	if e.State().PrepareCount(1, 0, d) != 1 {
		t.Fatal("buffered message not replayed on view advance")
	}

	stale := &PrepareMsg{MsgMeta: MsgMeta{Sender: 2, View: 0}, Seq: 0, Digest: d}
	e.HandleMessage(stale)
	if e.Metrics().StaleViewDrops != 1 {
		t.Fatal("stale-view message not dropped")
	}
}

func TestFutureBufferBounded(t *testing.T) {
	c := newTestCluster(t, 4, 1)
	e := c.engines[1]
	for i := 0; i < futureBufLimit+10; i++ {
		e.HandleMessage(&PrepareMsg{MsgMeta: MsgMeta{Sender: 2, View: 1}, Seq: SeqNum(i), Digest: digestOf("x")})
	}
	if got := len(e.future[2]); got != futureBufLimit {
		t.Fatalf("future buffer holds %d, want %d", got, futureBufLimit)
	}
	// Oldest dropped: the first buffered seq is gone.
	if e.future[2][0].(*PrepareMsg).Seq != 10 {
		t.Fatalf("oldest not evicted: head seq %d", e.future[2][0].(*PrepareMsg).Seq)
	}
}

func TestSeqWindowEnforced(t *testing.T) {
	e := NewEngine(EngineConfig{ID: 1, N: 4, F: 1, Auth: NopAuthenticator{}, Exec: EchoExecutor{}, SeqWindow: 4})
	req := Request{ClientID: "c1", Timestamp: 1, Payload: "x"}
	pp := &PrePrepareMsg{MsgMeta: MsgMeta{Sender: 0, View: 0}, Seq: 10, Digest: req.Digest(), Request: req}
	if outs := e.HandleMessage(pp); outs != nil {
		t.Fatal("out-of-window pre-prepare accepted")
	}
	if e.Metrics().WindowDrops != 1 {
		t.Fatal("window drop not counted")
	}
}

func TestProgressTimeoutTrigger(t *testing.T) {
	e := NewEngine(EngineConfig{ID: 1, N: 4, F: 1, Auth: NopAuthenticator{}, Exec: EchoExecutor{}, ProgressTimeout: time.Second})
	now := time.Unix(1000, 0)
	e.SetClock(func() time.Time { return now })

	req := Request{ClientID: "c1", Timestamp: 1, Payload: "x"}
	e.HandleMessage(&PrePrepareMsg{MsgMeta: MsgMeta{Sender: 0, View: 0}, Seq: 0, Digest: req.Digest(), Request: req})

	e.Tick()
	if e.Metrics().ViewChangeTriggers != 0 {
		t.Fatal("trigger fired with fresh progress")
	}
	now = now.Add(2 * time.Second)
	e.Tick()
	if e.Metrics().ViewChangeTriggers != 1 {
		t.Fatal("stalled slot did not fire the trigger")
	}
}

// Requests submitted one after another through the primary execute in
// assignment order with no gaps.
func TestContiguousExecutionAcrossSlots(t *testing.T) {
	c := newTestCluster(t, 4, 1)
	c.submit(0, Request{ClientID: "c1", Timestamp: 1, Payload: "one"})
	c.submit(0, Request{ClientID: "c1", Timestamp: 2, Payload: "two"})
	c.submit(0, Request{ClientID: "c1", Timestamp: 3, Payload: "three"})

	for id := ReplicaID(0); id < 4; id++ {
		if got := c.executedAt(id); got != 2 {
			t.Fatalf("replica %d executed through %d, want 2", id, got)
		}
	}
	if len(c.replies) != 12 {
		t.Fatalf("got %d replies, want 12", len(c.replies))
	}
}
