package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"raftkv/internal/config"
	"raftkv/internal/kv"
	"raftkv/internal/node"
	"raftkv/internal/raft/metrics"

	log "github.com/sirupsen/logrus"
)

func main() {
	clusterSize := flag.Int("cluster-size", 3, "Number of nodes in the cluster")
	numCommands := flag.Int("commands", 1000, "Number of commands to submit")
	numClients := flag.Int("clients", 4, "Number of concurrent clients")
	basePort := flag.Int("base-port", 50051, "Port of the first node")
	dataDir := flag.String("data", "./data", "Directory holding the data of every node, wiped before the run")
	storage := flag.String("storage", config.StorageBbolt, "Raft log backend: file or bbolt")
	store := flag.String("store", config.StoreLSM, "State machine store: memory or lsm")
	outputFile := flag.String("output", "", "Output JSON file for metrics (optional)")
	flag.Parse()

	if err := config.InitLogger("warn"); err != nil {
		log.Fatal(err)
	}
	if *clusterSize < 3 {
		log.Fatal("Cluster size must be at least 3")
	}
	if *numClients < 1 {
		log.Fatal("At least one client is needed")
	}

	fmt.Println("========================================")
	fmt.Println("RAFTKV BENCHMARK")
	fmt.Println("========================================")
	fmt.Printf("Cluster Size: %d nodes\n", *clusterSize)
	fmt.Printf("Commands: %d from %d clients\n", *numCommands, *numClients)
	fmt.Printf("Storage: %s log, %s store\n", *storage, *store)
	fmt.Println("========================================")
	fmt.Println()

	if err := os.RemoveAll(*dataDir); err != nil {
		log.Fatalf("Failed to remove old data directory: %v", err)
	}

	base := config.Default()
	base.Storage = *storage
	base.Store = *store
	sharedMetrics := metrics.NewMetrics()

	cluster, err := node.StartLocalCluster(*clusterSize, *basePort, *dataDir, base, sharedMetrics)
	if err != nil {
		log.Fatalf("Failed to start cluster: %v", err)
	}
	defer func() {
		fmt.Println("\nShutting down cluster...")
		if err := cluster.Stop(); err != nil {
			log.Errorf("Cluster shutdown failed: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	leader, err := cluster.WaitForLeader(ctx)
	cancel()
	if err != nil {
		log.Error(err)
		return
	}
	fmt.Printf("Leader elected: %s at %s\n\n", leader.ID(), leader.Addr())

	// Count only the commands of the run
	sharedMetrics.Reset()
	succeeded, failed := runBenchmark(cluster.Addrs(), *numCommands, *numClients)

	fmt.Println("========================================")
	fmt.Println("BENCHMARK COMPLETE")
	fmt.Printf("Succeeded: %d, failed: %d\n", succeeded, failed)
	fmt.Println("========================================")

	report := sharedMetrics.GetReport(*clusterSize)
	report.PrintReport()

	if *outputFile != "" {
		if err := report.SaveJSON(*outputFile); err != nil {
			log.Errorf("Failed to save report: %v", err)
		} else {
			fmt.Printf("Report saved to %s\n", *outputFile)
		}
	}
}

// runBenchmark spreads numCommands appends over numClients clerks and returns how many succeeded and failed
func runBenchmark(addrs []string, numCommands, numClients int) (succeeded, failed int64) {
	var ok, ko atomic.Int64
	var wg sync.WaitGroup
	for c := 0; c < numClients; c++ {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			clerk, err := kv.NewClerk(addrs)
			if err != nil {
				log.Errorf("Client %d: %v", c, err)
				return
			}
			defer clerk.Close()

			for i := c; i < numCommands; i += numClients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := clerk.Append(ctx, fmt.Sprintf("key%d", i%100), fmt.Sprintf("v%d,", i))
				cancel()
				if err != nil {
					log.Warnf("Command %d failed: %v", i, err)
					ko.Add(1)
					continue
				}
				if n := ok.Add(1); n%100 == 0 {
					fmt.Printf("%d commands applied\n", n)
				}
			}
		}()
	}
	wg.Wait()
	return ok.Load(), ko.Load()
}
