package transport

import (
	"testing"
	"time"

	"pbftsim/pbft"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer("127.0.0.1:0")
	if err := s.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func recvOne(t *testing.T, s *Server) pbft.Message {
	t.Helper()
	select {
	case msg := <-s.Inbound():
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func TestSendDeliversSigned(t *testing.T) {
	s := startServer(t)
	auth := pbft.NewMACAuthenticator(2, 4, "secret")
	peers := NewPeers(2, auth, map[pbft.ReplicaID]string{
		1: s.Addr(),
		2: "unused",
	})
	defer peers.Close()

	sent := &pbft.PrepareMsg{
		MsgMeta: pbft.MsgMeta{Sender: 2, View: 0},
		Seq:     7,
		Digest:  pbft.Request{ClientID: "c", Timestamp: 1, Payload: "x"}.Digest(),
	}
	peers.Send(1, sent)

	got := recvOne(t, s).(*pbft.PrepareMsg)
	if got.Seq != 7 || got.Sender != 2 {
		t.Fatalf("delivered %+v", got)
	}
	receiver := pbft.NewMACAuthenticator(1, 4, "secret")
	if !receiver.Verify(got.Sender, got.AuthBytes(), got.Auth) {
		t.Fatal("delivered message fails authentication")
	}
	if !peers.PeerUp(1) {
		t.Fatal("peer not marked up after delivery")
	}
}

func TestBroadcastSkipsSelf(t *testing.T) {
	s1 := startServer(t)
	s2 := startServer(t)
	peers := NewPeers(0, pbft.NopAuthenticator{}, map[pbft.ReplicaID]string{
		0: "self",
		1: s1.Addr(),
		2: s2.Addr(),
	})
	defer peers.Close()

	peers.Broadcast(&pbft.CommitMsg{MsgMeta: pbft.MsgMeta{Sender: 0, View: 0}, Seq: 1})

	if recvOne(t, s1).Kind() != pbft.KindCommit {
		t.Fatal("peer 1 missed broadcast")
	}
	if recvOne(t, s2).Kind() != pbft.KindCommit {
		t.Fatal("peer 2 missed broadcast")
	}
}

func TestHarnessDrop(t *testing.T) {
	s := startServer(t)
	peers := NewPeers(0, pbft.NopAuthenticator{}, map[pbft.ReplicaID]string{1: s.Addr()})
	defer peers.Close()

	h := NewHarness()
	h.DropIf(func(to pbft.ReplicaID, msg pbft.Message) bool {
		return msg.Kind() == pbft.KindCommit
	})
	peers.SetHarness(h)

	peers.Send(1, &pbft.CommitMsg{MsgMeta: pbft.MsgMeta{Sender: 0, View: 0}, Seq: 1})
	peers.Send(1, &pbft.PrepareMsg{MsgMeta: pbft.MsgMeta{Sender: 0, View: 0}, Seq: 1})

	// Only the prepare survives.
	if got := recvOne(t, s); got.Kind() != pbft.KindPrepare {
		t.Fatalf("dropped kind delivered: %s", got.Kind())
	}
	select {
	case msg := <-s.Inbound():
		t.Fatalf("unexpected second delivery: %s", msg.Kind())
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHarnessForge(t *testing.T) {
	s := startServer(t)
	auth := pbft.NewMACAuthenticator(0, 4, "secret")
	peers := NewPeers(0, auth, map[pbft.ReplicaID]string{1: s.Addr()})
	defer peers.Close()

	h := NewHarness()
	h.ForgeIf(func(to pbft.ReplicaID, msg pbft.Message) bool { return true })
	peers.SetHarness(h)

	peers.Send(1, &pbft.PrepareMsg{MsgMeta: pbft.MsgMeta{Sender: 0, View: 0}, Seq: 1})

	got := recvOne(t, s)
	receiver := pbft.NewMACAuthenticator(1, 4, "secret")
	if receiver.Verify(got.Meta().Sender, got.AuthBytes(), got.Meta().Auth) {
		t.Fatal("forged authenticator verified")
	}
}

func TestHarnessDelayReorders(t *testing.T) {
	s := startServer(t)
	peers := NewPeers(0, pbft.NopAuthenticator{}, map[pbft.ReplicaID]string{1: s.Addr()})
	defer peers.Close()

	h := NewHarness()
	h.DelayIf(func(to pbft.ReplicaID, msg pbft.Message) time.Duration {
		if msg.Kind() == pbft.KindPrepare {
			return 300 * time.Millisecond
		}
		return 0
	})
	peers.SetHarness(h)

	peers.Send(1, &pbft.PrepareMsg{MsgMeta: pbft.MsgMeta{Sender: 0, View: 0}, Seq: 1})
	peers.Send(1, &pbft.CommitMsg{MsgMeta: pbft.MsgMeta{Sender: 0, View: 0}, Seq: 1})

	if got := recvOne(t, s); got.Kind() != pbft.KindCommit {
		t.Fatalf("delayed message arrived first: %s", got.Kind())
	}
	if got := recvOne(t, s); got.Kind() != pbft.KindPrepare {
		t.Fatalf("delayed message lost: %s", got.Kind())
	}
}

func TestSignedCopyDoesNotAliasBroadcast(t *testing.T) {
	auth := pbft.NewMACAuthenticator(0, 4, "secret")
	msg := &pbft.CommitMsg{MsgMeta: pbft.MsgMeta{Sender: 0, View: 0}, Seq: 3}

	c1 := signedCopy(auth, 1, msg)
	c2 := signedCopy(auth, 2, msg)
	if len(msg.Auth) != 0 {
		t.Fatal("signing mutated the original")
	}
	if string(c1.Meta().Auth) == string(c2.Meta().Auth) {
		t.Fatal("per-destination macs identical")
	}
}

func TestPeerUpWhileDown(t *testing.T) {
	peers := NewPeers(0, pbft.NopAuthenticator{}, map[pbft.ReplicaID]string{1: "127.0.0.1:1"})
	defer peers.Close()
	if peers.PeerUp(1) {
		t.Fatal("never-dialed peer reported up")
	}
}
