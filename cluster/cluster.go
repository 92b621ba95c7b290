package cluster

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"pbftsim/client"
	"pbftsim/pbft"
	"pbftsim/replica"
)

const pingRetries = 50

// Cluster bootstraps n replicas as independent OS processes and drives
// them purely through the observer surface: ping-wait, demo requests,
// status display, and kill-based fault injection. It exchanges no PBFT
// messages itself.
type Cluster struct {
	n, f     int
	basePort int
	secret   string
	addrs    map[pbft.ReplicaID]string
	procs    map[pbft.ReplicaID]*exec.Cmd
}

// New plans a cluster of n replicas on consecutive localhost ports.
func New(n, basePort int, secret string) (*Cluster, error) {
	f := replica.DeriveF(n)
	if f < 1 || n != 3*f+1 {
		return nil, fmt.Errorf("cluster size %d does not satisfy n = 3f+1", n)
	}
	c := &Cluster{
		n:        n,
		f:        f,
		basePort: basePort,
		secret:   secret,
		addrs:    make(map[pbft.ReplicaID]string),
		procs:    make(map[pbft.ReplicaID]*exec.Cmd),
	}
	for i := 0; i < n; i++ {
		c.addrs[pbft.ReplicaID(i)] = fmt.Sprintf("127.0.0.1:%d", basePort+i)
	}
	return c, nil
}

// F returns the fault bound.
func (c *Cluster) F() int { return c.f }

// Addrs returns the replica addresses in id order.
func (c *Cluster) Addrs() []string {
	out := make([]string, c.n)
	for id, addr := range c.addrs {
		out[int(id)] = addr
	}
	return out
}

func (c *Cluster) peerFlag() string {
	entries := make([]string, 0, c.n)
	for i := 0; i < c.n; i++ {
		entries = append(entries, fmt.Sprintf("%d@%s", i, c.addrs[pbft.ReplicaID(i)]))
	}
	return strings.Join(entries, ",")
}

// Start spawns every replica process using this binary's replica
// subcommand and waits until each answers Ping.
func (c *Cluster) Start() error {
	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot locate own binary: %v", err)
	}
	peers := c.peerFlag()
	for i := 0; i < c.n; i++ {
		id := pbft.ReplicaID(i)
		args := []string{
			"replica",
			"--id", fmt.Sprintf("%d", i),
			"--peers", peers,
			"--f", fmt.Sprintf("%d", c.f),
		}
		if c.secret != "" {
			args = append(args, "--secret", c.secret)
		}
		cmd := exec.Command(binary, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			c.Stop()
			return fmt.Errorf("spawn replica %d: %v", i, err)
		}
		c.procs[id] = cmd
		log.Printf("[cluster] spawned replica %d (pid %d) at %s\n", i, cmd.Process.Pid, c.addrs[id])
	}
	return c.awaitAll()
}

func (c *Cluster) awaitAll() error {
	for id, addr := range c.addrs {
		var err error
		for attempt := 0; attempt < pingRetries; attempt++ {
			if _, err = client.Ping(addr); err == nil {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		if err != nil {
			return fmt.Errorf("replica %d at %s never answered ping: %v", id, addr, err)
		}
	}
	log.Printf("[cluster] all %d replicas up\n", c.n)
	return nil
}

// Submit runs one demo request through the given client and returns
// the agreed result.
func (c *Cluster) Submit(cl *client.Client, to pbft.ReplicaID, payload string) (string, error) {
	addr, ok := c.addrs[to]
	if !ok {
		return "", fmt.Errorf("no replica %d", to)
	}
	return cl.Submit(addr, payload)
}

// Kill terminates one replica through its observer surface.
func (c *Cluster) Kill(id pbft.ReplicaID) error {
	addr, ok := c.addrs[id]
	if !ok {
		return fmt.Errorf("no replica %d", id)
	}
	if err := client.Kill(addr); err != nil {
		return err
	}
	if cmd := c.procs[id]; cmd != nil {
		cmd.Wait()
		delete(c.procs, id)
	}
	return nil
}

// StatusTable polls every replica and renders a fixed-width table.
// Unreachable replicas show as down.
func (c *Cluster) StatusTable() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-4s %-8s %-5s %-8s %-10s %-9s %-9s\n",
		"ID", "ROLE", "VIEW", "PRIMARY", "EXECUTED", "PREPARED", "COMMITTED")
	for i := 0; i < c.n; i++ {
		addr := c.addrs[pbft.ReplicaID(i)]
		st, err := client.GetStatus(addr)
		if err != nil {
			fmt.Fprintf(&b, "%-4d %-8s\n", i, "down")
			continue
		}
		fmt.Fprintf(&b, "%-4d %-8s %-5d %-8d %-10d %-9d %-9d\n",
			st.ReplicaID, st.Role, st.View, st.PrimaryID,
			st.LastExecutedSeq, st.PreparedSlots, st.CommittedSlots)
	}
	return b.String()
}

// Stop kills any replica processes still running.
func (c *Cluster) Stop() {
	for id, cmd := range c.procs {
		if cmd.Process != nil {
			cmd.Process.Kill()
			cmd.Wait()
		}
		delete(c.procs, id)
	}
}
