package replica

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"pbftsim/pbft"
)

// Process exit codes for the replica command.
const (
	ExitOK        = 0
	ExitConfig    = 1
	ExitBind      = 2
	ExitInvariant = 3
)

// Config describes one replica and its static cluster membership.
type Config struct {
	ID    pbft.ReplicaID
	Peers map[pbft.ReplicaID]string // every replica id → host:port, self included
	F     int

	// Secret seeds the pairwise MAC keys. Empty selects the no-op
	// authenticator (pure simulation mode).
	Secret string

	SeqWindow       int64
	ProgressTimeout time.Duration
}

// N returns the cluster size.
func (c *Config) N() int { return len(c.Peers) }

// Addr returns this replica's own transport address.
func (c *Config) Addr() string { return c.Peers[c.ID] }

// Validate enforces the admission rules: n = 3f+1, f ≥ 1, and a known
// address for self.
func (c *Config) Validate() error {
	n := c.N()
	if c.F < 1 {
		return fmt.Errorf("f must be at least 1, got %d", c.F)
	}
	if n != 3*c.F+1 {
		return fmt.Errorf("cluster size %d does not satisfy n = 3f+1 for f = %d", n, c.F)
	}
	if _, ok := c.Peers[c.ID]; !ok {
		return fmt.Errorf("own id %d missing from peer list", c.ID)
	}
	for id := range c.Peers {
		if int(id) < 0 || int(id) >= n {
			return fmt.Errorf("replica id %d outside [0, %d)", id, n)
		}
	}
	return nil
}

// DeriveF returns the largest fault bound a cluster of n replicas can
// tolerate.
func DeriveF(n int) int { return (n - 1) / 3 }

// ParsePeers parses the CLI peer list "<id>@<host>:<port>,...".
func ParsePeers(s string) (map[pbft.ReplicaID]string, error) {
	peers := make(map[pbft.ReplicaID]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		at := strings.Index(entry, "@")
		if at < 0 {
			return nil, fmt.Errorf("peer %q: want <id>@<host>:<port>", entry)
		}
		id, err := strconv.Atoi(entry[:at])
		if err != nil {
			return nil, fmt.Errorf("peer %q: bad id: %v", entry, err)
		}
		addr := entry[at+1:]
		if !strings.Contains(addr, ":") {
			return nil, fmt.Errorf("peer %q: address %q has no port", entry, addr)
		}
		if _, dup := peers[pbft.ReplicaID(id)]; dup {
			return nil, fmt.Errorf("duplicate peer id %d", id)
		}
		peers[pbft.ReplicaID(id)] = addr
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("empty peer list")
	}
	return peers, nil
}
