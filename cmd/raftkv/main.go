package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"raftkv/internal/config"
	"raftkv/internal/node"

	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	id := flag.String("id", "", "ID of this node")
	listen := flag.String("listen", "", "Address to serve the raft and key-value RPCs on")
	peers := flag.String("peers", "", "Comma separated cluster members as id=address, this node included")
	dataDir := flag.String("data", "", "Directory holding the raft log and the store")
	storage := flag.String("storage", "", "Raft log backend: file or bbolt")
	store := flag.String("store", "", "State machine store: memory or lsm")
	logLevel := flag.String("log-level", "", "Log level")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	// Flags override the config file
	overrides := map[*string]*string{
		id:       &cfg.ID,
		listen:   &cfg.Listen,
		dataDir:  &cfg.DataDir,
		storage:  &cfg.Storage,
		store:    &cfg.Store,
		logLevel: &cfg.LogLevel,
	}
	for flagValue, field := range overrides {
		if *flagValue != "" {
			*field = *flagValue
		}
	}
	if *peers != "" {
		parsed, err := parsePeers(*peers)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		cfg.Peers = parsed
	}

	if err := config.InitLogger(cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	n, err := node.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}
	n.Start()

	// Create context that listens for the interrupt signal from the OS.
	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	waitErr := make(chan error, 1)
	go func() { waitErr <- n.Wait() }()

	exitCode := 0
	select {
	case <-signalCtx.Done():
		log.Info("Shutting down gracefully, press Ctrl+C again to force")
		// Disable signal handler so second Ctrl+C will force immediate exit of the process via the OS
		stop()
	case err := <-waitErr:
		if err != nil {
			log.Errorf("Node stopped: %v", err)
			exitCode = 1
		}
	}

	if err := n.Stop(); err != nil {
		log.Errorf("Failed to stop node: %v", err)
		exitCode = 1
	}
	os.Exit(exitCode)
}

// parsePeers reads "id1=host:port,id2=host:port"
func parsePeers(s string) ([]config.Peer, error) {
	var peers []config.Peer
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, addr, ok := strings.Cut(part, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q, expected id=address", part)
		}
		peers = append(peers, config.Peer{ID: id, Address: addr})
	}
	return peers, nil
}
