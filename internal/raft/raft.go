// Package raft implements the leader-election backbone for running more
// than one goproxlb process against the same cluster for HA (spec §11):
// exactly one elected leader's balancer loop is ever active at a time.
// The replicated document holds per-node last-balance timestamps and
// resource weights for callers that record them; the balancer loop does
// not read or write it, so cooldown state is not carried over to a newly
// elected leader.
package raft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// RaftPeer represents a Raft peer with both ID and address.
type RaftPeer struct {
	NodeID  string
	Address string
}

// RaftNode represents a Raft node for leader election.
type RaftNode struct {
	raft       *raft.Raft
	fsm        *LoadBalancerFSM
	nodeID     string
	address    string
	dataDir    string
	peers      []RaftPeer
	leaderChan chan bool
	shutdownCh chan struct{}
}

// NewRaftNode creates a new Raft node for leader election (backward compatibility).
func NewRaftNode(nodeID, address, dataDir string, peers []string) (*RaftNode, error) {
	var raftPeers []RaftPeer
	for _, peer := range peers {
		raftPeers = append(raftPeers, RaftPeer{NodeID: peer, Address: peer})
	}
	return NewRaftNodeWithPeers(nodeID, address, dataDir, raftPeers)
}

// NewRaftNodeWithPeers creates a new Raft node with proper peer information.
func NewRaftNodeWithPeers(nodeID, address, dataDir string, peers []RaftPeer) (*RaftNode, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	hclogger := hclog.New(&hclog.LoggerOptions{
		Name:  "raft." + nodeID,
		Level: hclog.Info,
	})

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(nodeID)
	config.SnapshotInterval = 30 * time.Second
	config.SnapshotThreshold = 1000
	config.HeartbeatTimeout = 1000 * time.Millisecond
	config.ElectionTimeout = 1000 * time.Millisecond
	config.CommitTimeout = 500 * time.Millisecond
	config.MaxAppendEntries = 64
	config.ShutdownOnRemove = false
	config.Logger = hclogger

	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve address: %w", err)
	}

	transport, err := raft.NewTCPTransport(address, addr, 3, 10*time.Second, hclogger.StandardWriter(&hclog.StandardLoggerOptions{}))
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStoreWithLogger(dataDir, 3, hclogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	fsm := newLoadBalancerFSM()

	r, err := raft.NewRaft(config, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	servers := []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}}
	for _, peer := range peers {
		servers = append(servers, raft.Server{ID: raft.ServerID(peer.NodeID), Address: raft.ServerAddress(peer.Address)})
	}
	r.BootstrapCluster(raft.Configuration{Servers: servers})

	return &RaftNode{
		raft:       r,
		fsm:        fsm,
		nodeID:     nodeID,
		address:    address,
		dataDir:    dataDir,
		peers:      peers,
		leaderChan: make(chan bool, 1),
		shutdownCh: make(chan struct{}),
	}, nil
}

// Start starts the Raft node and begins leader election monitoring.
func (r *RaftNode) Start() error {
	go r.monitorLeaderChanges()

	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return fmt.Errorf("raft node failed to start within timeout")
		case <-ticker.C:
			if r.raft.State() == raft.Leader || r.raft.State() == raft.Follower {
				return nil
			}
		}
	}
}

// Stop stops the Raft node.
func (r *RaftNode) Stop() error {
	close(r.shutdownCh)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		future := r.raft.Shutdown()
		errChan <- future.Error()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return fmt.Errorf("raft shutdown timeout")
	}
}

// IsLeader returns true if this node is the current leader.
func (r *RaftNode) IsLeader() bool {
	return r.raft.State() == raft.Leader
}

// GetLeader returns the current leader's address.
func (r *RaftNode) GetLeader() string {
	return string(r.raft.Leader())
}

// GetState returns the current Raft state.
func (r *RaftNode) GetState() raft.RaftState {
	return r.raft.State()
}

// GetPeers returns the list of peers.
func (r *RaftNode) GetPeers() []RaftPeer {
	return r.peers
}

// WaitForLeader waits for a leader to be elected.
func (r *RaftNode) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if r.raft.Leader() != "" {
				return nil
			}
		}
	}
}

func (r *RaftNode) monitorLeaderChanges() {
	var lastLeader string
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdownCh:
			return
		case <-ticker.C:
			currentLeader := string(r.raft.Leader())
			if currentLeader != lastLeader {
				lastLeader = currentLeader
				isLeader := r.raft.State() == raft.Leader
				select {
				case r.leaderChan <- isLeader:
				default:
				}
			}
		}
	}
}

// GetLeaderChan returns a channel that receives leader status changes.
func (r *RaftNode) GetLeaderChan() <-chan bool {
	return r.leaderChan
}

// RecordBalanceTime replicates the last-balance timestamp for node through
// the Raft log. Only the leader may call this; followers get
// raft.ErrNotLeader. Any replica can read the value back via
// LastBalanceTime; the balancer loop neither records nor reads it.
func (r *RaftNode) RecordBalanceTime(node string, t time.Time) error {
	cmd := fsmCommand{Op: opSetLastBalance, Node: node, Time: t}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal raft command: %w", err)
	}
	future := r.raft.Apply(payload, 5*time.Second)
	return future.Error()
}

// RecordResourceWeights replicates a resource-weight document so every
// replica's FSM reflects the same weights. The PUT /api/config handler
// does not call it.
func (r *RaftNode) RecordResourceWeights(weights map[string]float64) error {
	cmd := fsmCommand{Op: opSetWeights, Weights: weights}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal raft command: %w", err)
	}
	future := r.raft.Apply(payload, 5*time.Second)
	return future.Error()
}

// LastBalanceTime returns the replicated last-balance timestamp for node,
// or the zero Time if none has been recorded yet.
func (r *RaftNode) LastBalanceTime(node string) time.Time {
	return r.fsm.lastBalanceTime(node)
}

// ResourceWeights returns the replicated resource-weight document.
func (r *RaftNode) ResourceWeights() map[string]float64 {
	return r.fsm.resourceWeights()
}

const (
	opSetLastBalance = "set_last_balance"
	opSetWeights     = "set_weights"
)

// fsmCommand is the single command envelope applied to the FSM log.
type fsmCommand struct {
	Op      string             `json:"op"`
	Node    string             `json:"node,omitempty"`
	Time    time.Time          `json:"time,omitempty"`
	Weights map[string]float64 `json:"weights,omitempty"`
}

// sharedDocument is the single mutable document the cluster's elected
// leader balancer loop reads and writes, replicated so a freshly elected
// leader resumes with the correct cooldown state instead of starting cold.
type sharedDocument struct {
	LastBalanceTime map[string]time.Time `json:"last_balance_time"`
	ResourceWeights map[string]float64   `json:"resource_weights"`
}

// LoadBalancerFSM implements the Raft FSM interface over sharedDocument.
type LoadBalancerFSM struct {
	mu  sync.RWMutex
	doc sharedDocument
}

func newLoadBalancerFSM() *LoadBalancerFSM {
	return &LoadBalancerFSM{doc: sharedDocument{LastBalanceTime: map[string]time.Time{}}}
}

// Apply applies a single replicated command to the document.
func (f *LoadBalancerFSM) Apply(log *raft.Log) interface{} {
	var cmd fsmCommand
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch cmd.Op {
	case opSetLastBalance:
		if f.doc.LastBalanceTime == nil {
			f.doc.LastBalanceTime = map[string]time.Time{}
		}
		f.doc.LastBalanceTime[cmd.Node] = cmd.Time
	case opSetWeights:
		f.doc.ResourceWeights = cmd.Weights
	}
	return nil
}

func (f *LoadBalancerFSM) lastBalanceTime(node string) time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.doc.LastBalanceTime[node]
}

func (f *LoadBalancerFSM) resourceWeights() map[string]float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]float64, len(f.doc.ResourceWeights))
	for k, v := range f.doc.ResourceWeights {
		out[k] = v
	}
	return out
}

// Snapshot creates a point-in-time snapshot of the document for compaction.
func (f *LoadBalancerFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cp := sharedDocument{
		LastBalanceTime: make(map[string]time.Time, len(f.doc.LastBalanceTime)),
		ResourceWeights: make(map[string]float64, len(f.doc.ResourceWeights)),
	}
	for k, v := range f.doc.LastBalanceTime {
		cp.LastBalanceTime[k] = v
	}
	for k, v := range f.doc.ResourceWeights {
		cp.ResourceWeights[k] = v
	}
	return &LoadBalancerSnapshot{doc: cp}, nil
}

// Restore replaces the document from a previously persisted snapshot.
func (f *LoadBalancerFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var doc sharedDocument
	if err := json.NewDecoder(rc).Decode(&doc); err != nil {
		return fmt.Errorf("decode raft snapshot: %w", err)
	}
	if doc.LastBalanceTime == nil {
		doc.LastBalanceTime = map[string]time.Time{}
	}
	f.mu.Lock()
	f.doc = doc
	f.mu.Unlock()
	return nil
}

// LoadBalancerSnapshot implements raft.FSMSnapshot over a document copy.
type LoadBalancerSnapshot struct {
	doc sharedDocument
}

// Persist writes the snapshot document to sink as JSON.
func (s *LoadBalancerSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(s.doc); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode raft snapshot: %w", err)
	}
	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release is a no-op; the snapshot holds no external resources.
func (s *LoadBalancerSnapshot) Release() {}
