package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is the server.MetricsCollector of a node, or of every node of a LocalCluster. Client command counts come
// from the leader only, so sharing one collector does not count a command once per replica.
type Metrics struct {
	// guards commandLatencies and startTime
	mu               sync.RWMutex
	commandLatencies []time.Duration
	startTime        time.Time

	commandsCommitted atomic.Uint64
	duplicateCommands atomic.Uint64

	appendEntriesCount atomic.Uint64
	requestVoteCount   atomic.Uint64
	heartbeatCount     atomic.Uint64

	electionCount    atomic.Uint64
	electionMu       sync.Mutex
	electionDuration []time.Duration
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		commandLatencies: make([]time.Duration, 0, 10000),
		electionDuration: make([]time.Duration, 0, 100),
		startTime:        time.Now(),
	}
}

// RecordCommandLatency records the latency of a single command from submission to commit
func (m *Metrics) RecordCommandLatency(latency time.Duration) {
	m.mu.Lock()
	m.commandLatencies = append(m.commandLatencies, latency)
	m.mu.Unlock()
}

// RecordCommandCommitted increments the count of committed commands
func (m *Metrics) RecordCommandCommitted() {
	m.commandsCommitted.Add(1)
}

// RecordDuplicateCommand counts a committed command the state machine had already applied for the same client
// request. The client still sees success.
func (m *Metrics) RecordDuplicateCommand() {
	m.duplicateCommands.Add(1)
}

// RecordAppendEntries increments the AppendEntries RPC counter
func (m *Metrics) RecordAppendEntries() {
	m.appendEntriesCount.Add(1)
}

// RecordRequestVote increments the RequestVote RPC counter
func (m *Metrics) RecordRequestVote() {
	m.requestVoteCount.Add(1)
}

// RecordHeartbeat increments the heartbeat counter
func (m *Metrics) RecordHeartbeat() {
	m.heartbeatCount.Add(1)
}

// RecordElection records a leader election occurrence
func (m *Metrics) RecordElection() {
	m.electionCount.Add(1)
}

// RecordElectionDuration records how long an election took
func (m *Metrics) RecordElectionDuration(duration time.Duration) {
	m.electionMu.Lock()
	m.electionDuration = append(m.electionDuration, duration)
	m.electionMu.Unlock()
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// GetLatencyStats computes percentile statistics from recorded latencies
func (m *Metrics) GetLatencyStats() LatencyStats {
	m.mu.RLock()
	latencies := make([]time.Duration, len(m.commandLatencies))
	copy(latencies, m.commandLatencies)
	m.mu.RUnlock()

	return computeStats(latencies)
}

// GetElectionStats returns statistics about leader elections
func (m *Metrics) GetElectionStats() LatencyStats {
	m.electionMu.Lock()
	durations := make([]time.Duration, len(m.electionDuration))
	copy(durations, m.electionDuration)
	m.electionMu.Unlock()

	return computeStats(durations)
}

// computeStats sorts durations in place and summarises them in milliseconds
func computeStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sort.Slice(durations, func(i, j int) bool {
		return durations[i] < durations[j]
	})

	ms := make([]float64, len(durations))
	var sum float64
	for i, d := range durations {
		ms[i] = float64(d.Microseconds()) / 1000.0
		sum += ms[i]
	}

	mean := sum / float64(len(ms))

	var variance float64
	for _, v := range ms {
		diff := v - mean
		variance += diff * diff
	}

	return LatencyStats{
		Count:  len(ms),
		Min:    ms[0],
		Max:    ms[len(ms)-1],
		Mean:   mean,
		P50:    percentile(ms, 50),
		P95:    percentile(ms, 95),
		P99:    percentile(ms, 99),
		StdDev: math.Sqrt(variance / float64(len(ms))),
	}
}

// percentile calculates the nth percentile from sorted data
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// OpsPerSecond is the rate of client commands committed since the collector started or was last reset
func (m *Metrics) OpsPerSecond() float64 {
	return rate(m.commandsCommitted.Load(), time.Since(m.started()))
}

func rate(n uint64, over time.Duration) float64 {
	if over <= 0 {
		return 0
	}
	return float64(n) / over.Seconds()
}

// Report is a snapshot of the collector: what the clerks got out of the cluster, and what the cluster spent on
// consensus to get there.
type Report struct {
	ClusterSize int             `json:"cluster_size"`
	Window      Window          `json:"window"`
	Client      ClientReport    `json:"client"`
	Consensus   ConsensusReport `json:"consensus"`
}

// Window is the period a Report covers
type Window struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Seconds float64   `json:"seconds"`
}

// ClientReport covers the Put, Append and Get commands that went through the log
type ClientReport struct {
	// Committed counts every client command the leader applied, retries included
	Committed uint64 `json:"committed"`
	// Duplicates counts the retries answered from the duplicate table instead of being applied again
	Duplicates uint64       `json:"duplicates"`
	OpsPerSec  float64      `json:"ops_per_sec"`
	Latency    LatencyStats `json:"latency"`
}

// Unique is the number of client requests that changed or read the store
func (c ClientReport) Unique() uint64 {
	return c.Committed - min(c.Duplicates, c.Committed)
}

// ConsensusReport covers the raft traffic and leadership changes
type ConsensusReport struct {
	AppendEntries uint64       `json:"append_entries"`
	RequestVotes  uint64       `json:"request_votes"`
	Heartbeats    uint64       `json:"heartbeats"`
	Elections     uint64       `json:"elections"`
	ElectionTime  LatencyStats `json:"election_time"`
}

// RPCs is the total number of consensus RPCs sent
func (c ConsensusReport) RPCs() uint64 {
	return c.AppendEntries + c.RequestVotes + c.Heartbeats
}

// GetReport snapshots the collector for a cluster of clusterSize nodes
func (m *Metrics) GetReport(clusterSize int) Report {
	end := time.Now()
	start := m.started()
	committed := m.commandsCommitted.Load()

	return Report{
		ClusterSize: clusterSize,
		Window:      Window{Start: start, End: end, Seconds: end.Sub(start).Seconds()},
		Client: ClientReport{
			Committed:  committed,
			Duplicates: m.duplicateCommands.Load(),
			OpsPerSec:  rate(committed, end.Sub(start)),
			Latency:    m.GetLatencyStats(),
		},
		Consensus: ConsensusReport{
			AppendEntries: m.appendEntriesCount.Load(),
			RequestVotes:  m.requestVoteCount.Load(),
			Heartbeats:    m.heartbeatCount.Load(),
			Elections:     m.electionCount.Load(),
			ElectionTime:  m.GetElectionStats(),
		},
	}
}

// PrintReport prints the report in a human-readable format to stdout
func (r *Report) PrintReport() {
	r.WriteTo(os.Stdout)
}

// WriteTo writes the human-readable report to w
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	rule := strings.Repeat("=", 60)
	thin := strings.Repeat("-", 60)

	fmt.Fprintf(&b, "\n%s\nRAFT KV REPORT\n%s\n", rule, rule)
	fmt.Fprintf(&b, "  Cluster Size: %d nodes\n", r.ClusterSize)
	fmt.Fprintf(&b, "  Window: %s to %s (%.2f s)\n", r.Window.Start.Format(time.TimeOnly),
		r.Window.End.Format(time.TimeOnly), r.Window.Seconds)

	fmt.Fprintf(&b, "\n%s\nKey-Value Clients\n%s\n", thin, thin)
	fmt.Fprintf(&b, "  Commands Committed: %d\n", r.Client.Committed)
	fmt.Fprintf(&b, "  Retries Deduplicated: %d\n", r.Client.Duplicates)
	fmt.Fprintf(&b, "  Unique Requests: %d\n", r.Client.Unique())
	fmt.Fprintf(&b, "  Throughput: %.2f ops/sec\n", r.Client.OpsPerSec)
	writeLatency(&b, "Latency (Submit to apply)", r.Client.Latency)

	fmt.Fprintf(&b, "\n%s\nConsensus\n%s\n", thin, thin)
	fmt.Fprintf(&b, "  AppendEntries: %d\n", r.Consensus.AppendEntries)
	fmt.Fprintf(&b, "  RequestVote: %d\n", r.Consensus.RequestVotes)
	fmt.Fprintf(&b, "  Heartbeats: %d\n", r.Consensus.Heartbeats)
	fmt.Fprintf(&b, "  Total RPCs: %d\n", r.Consensus.RPCs())
	fmt.Fprintf(&b, "  Leaders Elected: %d\n", r.Consensus.Elections)
	writeLatency(&b, "Election Time", r.Consensus.ElectionTime)
	fmt.Fprintf(&b, "\n%s\n", rule)

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

func writeLatency(b *strings.Builder, title string, s LatencyStats) {
	fmt.Fprintf(b, "\n  %s:\n", title)
	if s.Count == 0 {
		fmt.Fprintf(b, "    No data collected\n")
		return
	}
	fmt.Fprintf(b, "    Count: %d\n", s.Count)
	fmt.Fprintf(b, "    Min / Mean / Max: %.3f / %.3f / %.3f ms\n", s.Min, s.Mean, s.Max)
	fmt.Fprintf(b, "    P50 / P95 / P99: %.3f / %.3f / %.3f ms\n", s.P50, s.P95, s.P99)
	fmt.Fprintf(b, "    StdDev: %.3f ms\n", s.StdDev)
}

// SaveJSON saves the report to a JSON file
func (r *Report) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// Reset clears every counter and restarts the report window, so that a benchmark can skip the leader election
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.commandLatencies = make([]time.Duration, 0, 10000)
	m.mu.Unlock()

	m.electionMu.Lock()
	m.electionDuration = make([]time.Duration, 0, 100)
	m.electionMu.Unlock()

	m.appendEntriesCount.Store(0)
	m.requestVoteCount.Store(0)
	m.heartbeatCount.Store(0)
	m.commandsCommitted.Store(0)
	m.duplicateCommands.Store(0)
	m.electionCount.Store(0)

	m.mu.Lock()
	m.startTime = time.Now()
	m.mu.Unlock()
}

func (m *Metrics) started() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.startTime
}
