package client

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/google/uuid"

	"pbftsim/pbft"
	"pbftsim/replica"
	"pbftsim/transport"
)

const defaultTimeout = 2 * time.Second

// Client submits requests to the cluster through a replica's observer
// surface and collects REPLYs on its own listener. A request counts as
// done once f+1 replicas agree on the result; anything less by the
// timeout triggers a re-submission with the same timestamp.
type Client struct {
	id      string
	f       int
	timeout time.Duration

	listener  net.Listener
	replyAddr string

	mu      sync.Mutex
	ts      int64
	waiters map[int64]chan *pbft.ReplyMsg
}

// New creates a client for a cluster tolerating f faults.
func New(f int) *Client {
	return &Client{
		id:      uuid.New().String(),
		f:       f,
		timeout: defaultTimeout,
		waiters: make(map[int64]chan *pbft.ReplyMsg),
	}
}

// SetTimeout overrides the re-submission interval.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// ID returns the client identity carried in its requests.
func (c *Client) ID() string { return c.id }

// Listen starts the reply sink. Pass "127.0.0.1:0" to let the kernel
// pick a port; ReplyAddr reports the result.
func (c *Client) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind reply listener: %v", err)
	}
	c.listener = l
	c.replyAddr = l.Addr().String()

	srv := rpc.NewServer()
	if err := srv.RegisterName("ReplySink", &ReplySink{c: c}); err != nil {
		l.Close()
		return err
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go srv.ServeConn(conn)
		}
	}()
	log.Printf("[client %s] reply sink on %s\n", c.id, c.replyAddr)
	return nil
}

// ReplyAddr returns the bound reply-sink address.
func (c *Client) ReplyAddr() string { return c.replyAddr }

// Close stops the reply sink.
func (c *Client) Close() {
	if c.listener != nil {
		c.listener.Close()
	}
}

// Submit sends the payload to the replica at addr and blocks until f+1
// replicas return the same result. It re-submits on timeout, up to
// maxResubmits attempts, always with the same client timestamp so the
// cluster executes at most once.
func (c *Client) Submit(addr, payload string) (string, error) {
	const maxResubmits = 5

	c.mu.Lock()
	c.ts++
	ts := c.ts
	waiter := make(chan *pbft.ReplyMsg, 64)
	c.waiters[ts] = waiter
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, ts)
		c.mu.Unlock()
	}()

	results := make(map[string]map[pbft.ReplicaID]bool)
	for attempt := 0; attempt < maxResubmits; attempt++ {
		if err := c.submitOnce(addr, payload, ts); err != nil {
			return "", err
		}
		deadline := time.After(c.timeout)
	collect:
		for {
			select {
			case reply := <-waiter:
				replicas := results[reply.Result]
				if replicas == nil {
					replicas = make(map[pbft.ReplicaID]bool)
					results[reply.Result] = replicas
				}
				replicas[reply.Replica] = true
				if len(replicas) >= c.f+1 {
					return reply.Result, nil
				}
			case <-deadline:
				log.Printf("[client %s] timeout waiting for replies to ts=%d, re-submitting\n", c.id, ts)
				break collect
			}
		}
	}
	return "", fmt.Errorf("no reply quorum for ts=%d after %d submissions", ts, maxResubmits)
}

// SubmitAsync fires the request without waiting for replies. The demo
// cluster uses this together with status polling.
func (c *Client) SubmitAsync(addr, payload string) (replica.SubmitResult, error) {
	c.mu.Lock()
	c.ts++
	ts := c.ts
	c.mu.Unlock()

	var result replica.SubmitResult
	conn, err := rpc.Dial("tcp", addr)
	if err != nil {
		return result, fmt.Errorf("dial %s: %v", addr, err)
	}
	defer conn.Close()
	args := replica.SubmitArgs{
		ClientID:  c.id,
		Timestamp: ts,
		Payload:   payload,
		ReplyAddr: c.replyAddr,
	}
	err = conn.Call("Observer.SubmitRequest", args, &result)
	return result, err
}

func (c *Client) submitOnce(addr, payload string, ts int64) error {
	conn, err := rpc.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %v", addr, err)
	}
	defer conn.Close()

	args := replica.SubmitArgs{
		ClientID:  c.id,
		Timestamp: ts,
		Payload:   payload,
		ReplyAddr: c.replyAddr,
	}
	var result replica.SubmitResult
	if err := conn.Call("Observer.SubmitRequest", args, &result); err != nil {
		return fmt.Errorf("submit to %s: %v", addr, err)
	}
	if result.ForwardedTo >= 0 {
		log.Printf("[client %s] request ts=%d forwarded to primary %d\n", c.id, ts, result.ForwardedTo)
	}
	return nil
}

func (c *Client) deliver(msg *pbft.ReplyMsg) {
	c.mu.Lock()
	waiter := c.waiters[msg.Timestamp]
	c.mu.Unlock()
	if waiter == nil {
		return
	}
	select {
	case waiter <- msg:
	default:
	}
}

// ReplySink is the RPC service replicas call to deliver REPLYs.
type ReplySink struct {
	c *Client
}

// Deliver accepts one REPLY.
func (s *ReplySink) Deliver(msg *pbft.ReplyMsg, ack *transport.Ack) error {
	s.c.deliver(msg)
	return nil
}

// GetStatus fetches a replica's status over its observer surface.
func GetStatus(addr string) (pbft.StatusMsg, error) {
	var status pbft.StatusMsg
	conn, err := rpc.Dial("tcp", addr)
	if err != nil {
		return status, fmt.Errorf("dial %s: %v", addr, err)
	}
	defer conn.Close()
	err = conn.Call("Observer.GetStatus", replica.Empty{}, &status)
	return status, err
}

// Ping checks a replica's liveness.
func Ping(addr string) (int, error) {
	conn, err := rpc.Dial("tcp", addr)
	if err != nil {
		return -1, err
	}
	defer conn.Close()
	var pong replica.Pong
	if err := conn.Call("Observer.Ping", replica.Empty{}, &pong); err != nil {
		return -1, err
	}
	return pong.ReplicaID, nil
}

// Kill asks a replica to terminate. Fault-injection only.
func Kill(addr string) error {
	conn, err := rpc.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	var ack transport.Ack
	return conn.Call("Observer.KillNode", replica.Empty{}, &ack)
}
