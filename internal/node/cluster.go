package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"raftkv/internal/config"
	"raftkv/internal/raft/metrics"
	"raftkv/internal/raft/server"
)

// LocalCluster runs every node of a cluster in the current process, on consecutive ports
type LocalCluster struct {
	Nodes []*Node
}

// StartLocalCluster starts size nodes on basePort, basePort+1, ... with their data under dataDir. A basePort of 0
// lets every node pick a free port. base supplies every other setting, and m, when not nil, is shared by all
// nodes.
func StartLocalCluster(size, basePort int, dataDir string, base config.Config, m *metrics.Metrics) (*LocalCluster, error) {
	if size < 1 {
		return nil, errors.New("cluster needs at least one node")
	}

	// Reserve addresses for the cluster, so that every node knows its peers before it starts
	listeners, err := reserveListeners(size, basePort)
	if err != nil {
		return nil, err
	}
	var peers []config.Peer
	for i, lis := range listeners {
		peers = append(peers, config.Peer{ID: fmt.Sprintf("node-%d", i+1), Address: lis.Addr().String()})
	}

	c := &LocalCluster{}
	for i, p := range peers {
		cfg := base
		cfg.ID = p.ID
		cfg.Listen = p.Address
		cfg.DataDir = filepath.Join(dataDir, p.ID)
		cfg.Peers = peers
		// Only the last node writes the shared report
		if i != len(peers)-1 {
			cfg.MetricsFile = ""
		}

		opts := []Option{WithListener(listeners[i])}
		if m != nil {
			opts = append(opts, WithMetrics(m))
		}
		n, err := New(cfg, opts...)
		if err != nil {
			for _, lis := range listeners[i:] {
				_ = lis.Close()
			}
			_ = c.Stop()
			return nil, fmt.Errorf("failed to create %s: %w", p.ID, err)
		}
		c.Nodes = append(c.Nodes, n)
	}

	for _, n := range c.Nodes {
		n.Start()
	}
	return c, nil
}

// Addrs returns the address of every node
func (c *LocalCluster) Addrs() []string {
	addrs := make([]string, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		addrs = append(addrs, n.Addr())
	}
	return addrs
}

// Leader returns the node that currently leads, or nil
func (c *LocalCluster) Leader() *Node {
	var leader *Node
	var term uint64
	for _, n := range c.Nodes {
		if st := n.Status(); st.State == server.Leader && st.Term >= term {
			leader, term = n, st.Term
		}
	}
	return leader
}

// WaitForLeader blocks until a node leads or ctx ends
func (c *LocalCluster) WaitForLeader(ctx context.Context) (*Node, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if leader := c.Leader(); leader != nil {
			return leader, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("no leader elected: %w", ctx.Err())
		}
	}
}

// Stop stops every node concurrently
func (c *LocalCluster) Stop() error {
	var wg sync.WaitGroup
	errs := make([]error, len(c.Nodes))
	for i, n := range c.Nodes {
		i, n := i, n
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = n.Stop()
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func reserveListeners(size, basePort int) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, size)
	for i := 0; i < size; i++ {
		addr := "127.0.0.1:0"
		if basePort > 0 {
			addr = fmt.Sprintf("127.0.0.1:%d", basePort+i)
		}
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return nil, fmt.Errorf("failed to reserve %s: %w", addr, err)
		}
		listeners = append(listeners, lis)
	}
	return listeners, nil
}
