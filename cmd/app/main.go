package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"raftkv/internal/config"
	"raftkv/internal/node"

	log "github.com/sirupsen/logrus"
)

func main() {
	clusterSize := flag.Int("cluster-size", 3, "Number of nodes in the cluster")
	basePort := flag.Int("base-port", 50051, "Port of the first node, the others use the following ones")
	dataDir := flag.String("data", "./data", "Directory holding the data of every node")
	storage := flag.String("storage", config.StorageFile, "Raft log backend: file or bbolt")
	store := flag.String("store", config.StoreMemory, "State machine store: memory or lsm")
	flag.Parse()

	if err := config.InitLogger(""); err != nil {
		log.Fatal(err)
	}

	base := config.Default()
	base.Storage = *storage
	base.Store = *store

	cluster, err := node.StartLocalCluster(*clusterSize, *basePort, *dataDir, base, nil)
	if err != nil {
		log.Fatalf("Failed to start cluster: %v", err)
	}
	log.Infof("Started %d nodes on %v", *clusterSize, cluster.Addrs())

	// Create context that listens for the interrupt signal from the OS.
	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	electionCtx, cancel := context.WithTimeout(signalCtx, 10*time.Second)
	if leader, err := cluster.WaitForLeader(electionCtx); err != nil {
		log.Warn(err)
	} else {
		log.Infof("Leader elected: %s at %s", leader.ID(), leader.Addr())
	}
	cancel()

	// Block the thread until an interrupt signal is received.
	<-signalCtx.Done()

	log.Info("Shutting down gracefully, press Ctrl+C again to force")
	// Disable signal handler so second Ctrl+C will force immediate exit of the process via the OS
	stop()

	if err := cluster.Stop(); err != nil {
		log.Errorf("Cluster shutdown failed: %v", err)
		os.Exit(1)
	}
	log.Info("Cluster exiting")
}
