package replica

import (
	"pbftsim/pbft"
	"pbftsim/transport"
)

// Empty is a no-field RPC argument.
type Empty struct{}

// Pong answers a Ping.
type Pong struct {
	ReplicaID int
}

// SubmitArgs carries a client request into the cluster through the
// observer surface.
type SubmitArgs struct {
	ClientID  string
	Timestamp int64
	Payload   string
	// ReplyAddr, when set, is where the cluster's REPLYs are sent.
	ReplyAddr string
}

// SubmitResult reports intake: whether the request was accepted and,
// if this replica is a backup, which primary it was forwarded to.
type SubmitResult struct {
	Accepted    bool
	ForwardedTo int
}

// Observer is the read-only status and request-submission RPC surface
// consumed by external tools. It is strictly outside the quorum: it
// neither sends nor receives PBFT messages, it only feeds the same
// event loop a local client would.
type Observer struct {
	r *Replica
}

// GetStatus reports the replica's protocol position.
func (o *Observer) GetStatus(args Empty, status *pbft.StatusMsg) error {
	st, err := o.r.Status()
	if err != nil {
		return err
	}
	*status = st
	return nil
}

// SubmitRequest accepts a client request as if from a local client.
func (o *Observer) SubmitRequest(args SubmitArgs, result *SubmitResult) error {
	req := pbft.Request{
		ClientID:  args.ClientID,
		Timestamp: args.Timestamp,
		Payload:   args.Payload,
	}
	fwd, err := o.r.Submit(req, args.ReplyAddr)
	if err != nil {
		return err
	}
	result.Accepted = true
	result.ForwardedTo = int(fwd)
	return nil
}

// Ping confirms liveness.
func (o *Observer) Ping(args Empty, pong *Pong) error {
	pong.ReplicaID = int(o.r.cfg.ID)
	return nil
}

// KillNode terminates the replica process. Fault-injection only.
func (o *Observer) KillNode(args Empty, ack *transport.Ack) error {
	o.r.Kill()
	return nil
}
