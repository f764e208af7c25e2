package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"DistDegree/internal/degree"
	"DistDegree/internal/discovery"
	httpserver "DistDegree/internal/http"
	"DistDegree/internal/raft"
	"DistDegree/internal/types"
)

func main() {
	mode := flag.String("mode", "single", "Mode: 'single' to run the job in one process, 'cluster' to start a 3-node master cluster")
	input := flag.String("input", "", "Edge list input file (fromNode<TAB>toNode per line, '#' comments)")
	output := flag.String("output", "", "Output directory (must not exist)")
	partitions := flag.Int("partitions", 4, "Number of reduce partitions")
	workers := flag.Int("workers", 4, "Worker pool size")
	budget := flag.Int64("combiner-budget", 64<<20, "Combiner memory budget in bytes")
	timeout := flag.Duration("task-timeout", 10*time.Second, "Task heartbeat timeout")
	maxRetries := flag.Int("max-retries", 3, "Task reissues before the job fails")
	flag.Parse()

	cfg := types.Config{
		PartitionCount:       *partitions,
		CombinerMemoryBudget: *budget,
		TaskTimeout:          *timeout,
		MaxRetries:           *maxRetries,
		MaxMalformedRate:     0.01,
		Workers:              *workers,
	}

	switch *mode {
	case "single":
		runSingle(cfg, *input, *output)
	case "cluster":
		runCluster(cfg, *input, *output)
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode: %s\n", *mode)
		os.Exit(1)
	}
}

func runSingle(cfg types.Config, input, output string) {
	if input == "" || output == "" {
		fmt.Fprintln(os.Stderr, "-input and -output are required")
		os.Exit(1)
	}

	job, err := degree.NewJob(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Job rejected: %v\n", err)
		os.Exit(1)
	}

	summary, err := job.Run(context.Background(), input, output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Job failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("edges=%d nodes=%d distinct_degrees=%d malformed=%d elapsed=%s\n",
		summary.Edges, summary.Nodes, summary.DistinctDegrees, summary.Malformed, summary.Elapsed)
	fmt.Printf("output: %s\n", summary.OutputDir)
}

func runCluster(cfg types.Config, input, output string) {
	log.Println("Starting 3-node in-degree cluster...")

	// Hard-coded configuration for 3 nodes
	// Will move to scalable config later
	nodes := []struct {
		NodeID     string
		HTTPPort   int
		RaftPort   int
		GossipPort int
		DataDir    string
	}{
		{"node-1", 8081, 9001, 7946, "/tmp/ddegree-node-1"},
		{"node-2", 8082, 9002, 7947, "/tmp/ddegree-node-2"},
		{"node-3", 8083, 9003, 7948, "/tmp/ddegree-node-3"},
	}

	var peers []string
	for _, node := range nodes {
		peers = append(peers, fmt.Sprintf("%s@127.0.0.1:%d", node.NodeID, node.RaftPort))
	}

	var wg sync.WaitGroup
	var jobOnce sync.Once

	for i, node := range nodes {
		wg.Add(1)
		go func(idx int, n struct {
			NodeID     string
			HTTPPort   int
			RaftPort   int
			GossipPort int
			DataDir    string
		}) {
			defer wg.Done()

			os.RemoveAll(n.DataDir)

			raftCfg := raft.Config{
				NodeID:   n.NodeID,
				BindAddr: "127.0.0.1",
				BindPort: n.RaftPort,
				DataDir:  n.DataDir,
			}
			if idx > 0 {
				// Only the first node bootstraps; the rest join as voters.
				raftCfg.Peers = peers
			}

			cluster, err := raft.NewCluster(raftCfg)
			if err != nil {
				log.Fatalf("[%s] Failed to create raft node: %v", n.NodeID, err)
			}
			defer cluster.Close()

			discCfg := discovery.Config{
				NodeID:       n.NodeID,
				LocalAddress: "127.0.0.1",
				LocalPort:    n.GossipPort,
			}
			if idx > 0 {
				discCfg.JoinAddrs = []string{fmt.Sprintf("127.0.0.1:%d", nodes[0].GossipPort)}
			}
			disc, err := discovery.NewNodeDiscovery(discCfg)
			if err != nil {
				log.Fatalf("[%s] Failed to start discovery: %v", n.NodeID, err)
			}
			defer disc.Shutdown()

			job, err := degree.NewJob(cfg, cluster)
			if err != nil {
				log.Fatalf("[%s] Job rejected: %v", n.NodeID, err)
			}
			master := job.Master()

			// Discovery keys members by node id; the master keys workers by
			// its own ids, so the mapping is kept here to retire the right
			// worker when a node leaves.
			var workersMu sync.Mutex
			workerByNode := make(map[string]string)
			disc.RegisterJoinCallback(func(nodeID, address string, port int) {
				workerID := master.RegisterWorker(fmt.Sprintf("%s:%d", address, port))
				workersMu.Lock()
				workerByNode[nodeID] = workerID
				workersMu.Unlock()
			})
			disc.RegisterLeaveCallback(func(nodeID string) {
				workersMu.Lock()
				workerID, ok := workerByNode[nodeID]
				delete(workerByNode, nodeID)
				workersMu.Unlock()
				if ok {
					master.RetireWorker(workerID)
				}
			})

			server := httpserver.NewServer(httpserver.ServerOpts{ID: n.NodeID, Port: n.HTTPPort}, master)
			go func() {
				if err := server.Start(); err != nil {
					log.Printf("[%s] Status server stopped: %v", n.NodeID, err)
				}
			}()

			log.Printf("[%s] Waiting for leader election...", n.NodeID)
			time.Sleep(2 * time.Second)

			if idx == 0 {
				for _, peer := range nodes[1:] {
					if err := cluster.AddPeer(peer.NodeID, fmt.Sprintf("127.0.0.1:%d", peer.RaftPort)); err != nil {
						log.Printf("[%s] Failed to add peer %s: %v", n.NodeID, peer.NodeID, err)
					}
				}
			}

			if cluster.IsLeader() && input != "" && output != "" {
				jobOnce.Do(func() {
					summary, err := job.Run(context.Background(), input, output)
					if err != nil {
						if errors.Is(err, types.ErrShuffleIncomplete) {
							log.Printf("[%s] Job failed: shuffle never completed: %v", n.NodeID, err)
						} else {
							log.Printf("[%s] Job failed: %v", n.NodeID, err)
						}
						os.Exit(1)
					}
					log.Printf("[%s] Job done: edges=%d nodes=%d output=%s",
						n.NodeID, summary.Edges, summary.Nodes, summary.OutputDir)
				})
			}
		}(i, node)
	}

	time.Sleep(3 * time.Second)
	for _, node := range nodes {
		log.Printf("  %s: http://localhost:%d/status", node.NodeID, node.HTTPPort)
	}

	wg.Wait()
}
